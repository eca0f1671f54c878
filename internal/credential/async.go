package credential

import "context"

// hashResult and verifyResult carry a goroutine's outcome back to its caller.
type hashResult struct {
	hash string
	err  error
}

type verifyResult struct {
	ok bool
}

// HashAsync runs Hash on a separate goroutine and returns once it
// completes or ctx is cancelled first. Hashing is CPU-bound and, at 4096
// PBKDF2 rounds, takes roughly 1-2ms — long enough that running it inline
// would stall whatever scheduler drives the caller's request handling.
func HashAsync(ctx context.Context, password string, p Params) (string, error) {
	resCh := make(chan hashResult, 1)
	go func() {
		h, err := Hash(password, p)
		resCh <- hashResult{hash: h, err: err}
	}()

	select {
	case res := <-resCh:
		return res.hash, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// VerifyAsync runs Verify on a separate goroutine for the same reason
// HashAsync does. If ctx is cancelled before the goroutine finishes, the
// goroutine is left to complete and discarded — safe since Verify has no
// side effects, and the spawned goroutine still exits on its own.
func VerifyAsync(ctx context.Context, password, stored string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	resCh := make(chan verifyResult, 1)
	go func() {
		resCh <- verifyResult{ok: Verify(password, stored)}
	}()

	select {
	case res := <-resCh:
		return res.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
