package pool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sqlgateway/connpool/internal/credential"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

func TestConnInfoStringNeverIncludesPassword(t *testing.T) {
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "super-secret-password"}
	s := info.String()
	if strings.Contains(s, "super-secret-password") {
		t.Errorf("ConnInfo.String() leaked the password: %q", s)
	}
	if s != "u@h/d" {
		t.Errorf("unexpected display form: %q", s)
	}
}

func TestWarmReuse(t *testing.T) {
	dialCount := 0
	idx := newTestIndex(acceptingDial(t, &dialCount), 20)
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "p"}

	lease1, err := idx.Acquire(context.Background(), info, false, uuid.New(), "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if dialCount != 1 {
		t.Fatalf("expected exactly one dial after first acquire, got %d", dialCount)
	}
	lease1.Close()

	waitForCondition(t, time.Second, func() bool {
		ep := idx.getOrCreateEndpointPool("h")
		b, ok := ep.pools[dbUserKey{Dbname: "d", Username: "u"}]
		return ok && b.len() == 1
	})

	lease2, err := idx.Acquire(context.Background(), info, false, uuid.New(), "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if dialCount != 1 {
		t.Errorf("expected second acquire to be a pool hit (still 1 dial), got %d dials", dialCount)
	}
	lease2.Close()
}

func TestStaleHashEvictedOnAuthFailure(t *testing.T) {
	idx := newTestIndex(rejectingDial(), 20)
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "p"}
	key := info.dbAndUser()

	ep := idx.getOrCreateEndpointPool("h")
	hash, err := credential.Hash("p", credential.DefaultParams())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	conn := newTestConn(t)
	ep.put(key, &poolEntry{conn: conn}, 20)
	ep.storeHash(key, hash)
	// The pooled connection is dead, so the verified hash leads to a pop
	// that falls through to a fresh dial, which the backend rejects.
	conn.Close()

	_, err = idx.Acquire(context.Background(), info, false, uuid.New(), "10.0.0.1:1234")
	if err == nil {
		t.Fatal("expected acquire to fail: backend rejects the dial")
	}

	ep.mu.RLock()
	storedHash := ep.pools[key].passwordHash
	ep.mu.RUnlock()
	if storedHash != "" {
		t.Error("expected the stale hash to be cleared after an authoritative auth failure")
	}
}

func TestWrongPasswordNeverClearsUnrelatedHash(t *testing.T) {
	// If the hash check itself fails (candidate password doesn't match the
	// cached hash), the miss branch dials with the wrong password and the
	// backend rejects it — but hash_valid was already false, so there is
	// nothing to clear.
	idx := newTestIndex(rejectingDial(), 20)
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "wrong"}
	key := info.dbAndUser()

	ep := idx.getOrCreateEndpointPool("h")
	hash, _ := credential.Hash("p", credential.DefaultParams())
	conn := newTestConn(t)
	ep.put(key, &poolEntry{conn: conn}, 20)
	ep.storeHash(key, hash)

	_, err := idx.Acquire(context.Background(), info, false, uuid.New(), "10.0.0.1:1234")
	if err == nil {
		t.Fatal("expected acquire to fail")
	}

	storedHash, ok := ep.peekHash(key)
	if !ok || storedHash != hash {
		t.Error("hash should be untouched: the cached hash was never verified as valid")
	}
}

func TestCapacityCap(t *testing.T) {
	dialCount := 0
	idx := newTestIndex(acceptingDial(t, &dialCount), 2)
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "p"}

	// Hold all three leases before returning any, so each acquire dials a
	// connection of its own instead of reusing the previous one.
	leases := make([]*Lease, 0, 3)
	for i := 0; i < 3; i++ {
		lease, err := idx.Acquire(context.Background(), info, false, uuid.New(), "10.0.0.1:1234")
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		leases = append(leases, lease)
	}
	for _, lease := range leases {
		lease.Close()
	}
	time.Sleep(30 * time.Millisecond) // allow the async puts to run

	ep := idx.getOrCreateEndpointPool("h")
	ep.mu.RLock()
	total := ep.totalConns
	bucketLen := ep.pools[dbUserKey{Dbname: "d", Username: "u"}].len()
	ep.mu.RUnlock()

	if total != 2 {
		t.Errorf("expected total_conns=2, got %d", total)
	}
	if bucketLen != 2 {
		t.Errorf("expected idle stack size=2, got %d", bucketLen)
	}
}

func TestForceNewSkipsHashAndPools(t *testing.T) {
	dialCount := 0
	idx := newTestIndex(acceptingDial(t, &dialCount), 20)
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "p"}
	key := info.dbAndUser()

	lease, err := idx.Acquire(context.Background(), info, true, uuid.New(), "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("force_new acquire failed: %v", err)
	}
	if dialCount != 1 {
		t.Errorf("expected one dial, got %d", dialCount)
	}

	ep := idx.getOrCreateEndpointPool("h")
	if _, hasHash := ep.peekHash(key); hasHash {
		t.Error("force_new acquire must not compute or store a password hash")
	}

	lease.Close()
	waitForCondition(t, time.Second, func() bool {
		ep.mu.RLock()
		defer ep.mu.RUnlock()
		return ep.totalConns == 1
	})
}

func TestShutdownDrainsAndRejectsFuturePuts(t *testing.T) {
	dialCount := 0
	idx := newTestIndex(acceptingDial(t, &dialCount), 20)
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "p"}

	lease, err := idx.Acquire(context.Background(), info, false, uuid.New(), "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	idx.Shutdown()

	// Dropping the outstanding lease after shutdown must not panic and
	// must not repopulate any endpoint pool.
	lease.Close()
	time.Sleep(20 * time.Millisecond)

	idx.mu.RLock()
	numEndpoints := len(idx.endpoints)
	idx.mu.RUnlock()
	if numEndpoints != 0 {
		t.Errorf("expected no endpoint pools after shutdown, got %d", numEndpoints)
	}
}

func TestNonIdleDiscard(t *testing.T) {
	dialCount := 0
	idx := newTestIndex(acceptingDial(t, &dialCount), 20)
	info := ConnInfo{Username: "u", Dbname: "d", Hostname: "h", Password: "p"}

	lease, err := idx.Acquire(context.Background(), info, false, uuid.New(), "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	lease.CheckIdle(ReadyInTransaction)
	lease.Close()

	time.Sleep(20 * time.Millisecond)
	ep := idx.getOrCreateEndpointPool("h")
	ep.mu.RLock()
	total := ep.totalConns
	ep.mu.RUnlock()
	if total != 0 {
		t.Errorf("expected the non-idle connection to be discarded, total_conns=%d", total)
	}
}

func TestLIFOReuse(t *testing.T) {
	idx := newTestIndex(acceptingDial(t, new(int)), 20)
	ep := idx.getOrCreateEndpointPool("h")
	key := dbUserKey{Dbname: "d", Username: "u"}

	connA := newTestConn(t)
	connB := newTestConn(t)
	ep.put(key, &poolEntry{conn: connA}, 20)
	ep.put(key, &poolEntry{conn: connB}, 20)

	ep.mu.Lock()
	popped := ep.pools[key].pop()
	ep.mu.Unlock()

	if popped.conn != connB {
		t.Error("expected LIFO pop to return the most recently pushed connection")
	}
}
