package pool

import "sync"

// endpointPool is the per-endpoint connection pool: (dbname, username) ->
// bucket, plus a running total bounded by max_conns_per_endpoint across all
// of the endpoint's buckets combined. Readers that only need the cached
// password hash take the read lock; mutating the stack or the totals
// upgrades to the write lock. Go has no upgradeable RWMutex, so the
// acquire path takes the lock twice (the read lock to peek, then the write
// lock to re-check and pop after the off-thread hash check) rather than
// holding one lock across a suspension
// point — mirroring the two-lock-acquisitions shape the original algorithm
// already has for exactly this reason.
type endpointPool struct {
	mu         sync.RWMutex
	pools      map[dbUserKey]*bucket
	totalConns int
}

func newEndpointPool() *endpointPool {
	return &endpointPool{pools: make(map[dbUserKey]*bucket)}
}

// peekHash returns the cached password hash for key if the bucket exists
// and has at least one idle connection, matching the original's check:
// a password hash is only worth verifying against if there's something to
// pop should it check out.
func (p *endpointPool) peekHash(key dbUserKey) (hash string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, exists := p.pools[key]
	if !exists || b.len() == 0 {
		return "", false
	}
	return b.passwordHash, b.passwordHash != ""
}

// popIfHashStillValid re-locates the bucket under the write lock and pops
// its top connection, re-checking that a hash is still present (it may
// have been invalidated by a racing acquirer between peekHash and here).
func (p *endpointPool) popIfHashStillValid(key dbUserKey) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, exists := p.pools[key]
	if !exists || b.passwordHash == "" {
		return nil
	}
	e := b.pop()
	if e != nil {
		p.totalConns--
	}
	return e
}

// invalidateHash clears a bucket's cached hash, e.g. after a dial using
// that hash's verified password failed with an auth error from the
// backend — the cache was stale.
func (p *endpointPool) invalidateHash(key dbUserKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.pools[key]; ok {
		b.passwordHash = ""
	}
}

// storeHash records a freshly computed password hash, creating the bucket
// if this is the first connection ever seen for this (db, user) pair.
func (p *endpointPool) storeHash(key dbUserKey, hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.pools[key]
	if !ok {
		b = &bucket{}
		p.pools[key] = b
	}
	b.passwordHash = hash
}

// put pushes conn onto key's bucket if the endpoint has capacity. Returns
// whether the connection was accepted, the new total, and the bucket's new
// size (only meaningful when accepted).
func (p *endpointPool) put(key dbUserKey, e *poolEntry, maxConns int) (accepted bool, total, bucketSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.totalConns >= maxConns {
		return false, p.totalConns, 0
	}
	b, ok := p.pools[key]
	if !ok {
		b = &bucket{}
		p.pools[key] = b
	}
	b.push(e)
	p.totalConns++
	return true, p.totalConns, b.len()
}

// drain empties every bucket and returns every connection found, for the
// caller to close. Used by shutdown.
func (p *endpointPool) drain() []*poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []*poolEntry
	for _, b := range p.pools {
		all = append(all, b.conns...)
	}
	p.pools = make(map[dbUserKey]*bucket)
	p.totalConns = 0
	return all
}
