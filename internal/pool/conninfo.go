// Package pool implements the per-endpoint connection pool: a two-level
// index (endpoint -> (db,user) bucket) of idle backend connections, a
// password-verification cache gating reuse, and the acquire/put lifecycle
// that hands connections out to requests and takes them back.
package pool

import "fmt"

// ConnInfo identifies the (user, database, endpoint) a request wants a
// connection for, plus the password it presents. Its String form never
// includes the password, so it is safe to pass directly to a logger.
type ConnInfo struct {
	Username string
	Dbname   string
	Hostname string
	Password string
	Options  string
}

func (c ConnInfo) String() string {
	return fmt.Sprintf("%s@%s/%s", c.Username, c.Hostname, c.Dbname)
}

// dbUserKey is the bucket key within one endpoint's pool.
type dbUserKey struct {
	Dbname   string
	Username string
}

func (c ConnInfo) dbAndUser() dbUserKey {
	return dbUserKey{Dbname: c.Dbname, Username: c.Username}
}
