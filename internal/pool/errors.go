package pool

import "fmt"

// ConfigurationError reports a malformed request: a missing endpoint
// identifier or unparseable credentials. Fatal to the request, never
// touches the pool.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// AuthorizationError reports that peerAddr is not permitted to reach
// endpointID, per the allow-list check. Surfaced to the caller; never
// pollutes the pool.
type AuthorizationError struct {
	PeerAddr   string
	EndpointID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("peer address %s is not allowed to reach endpoint %s", e.PeerAddr, e.EndpointID)
}

// WakeComputeError wraps a failure to resolve an endpoint id to a dial
// target (a cache miss, or the stand-in directory lookup failing).
type WakeComputeError struct {
	EndpointID string
	Err        error
}

func (e *WakeComputeError) Error() string {
	return fmt.Sprintf("wake compute for endpoint %s: %v", e.EndpointID, e.Err)
}

func (e *WakeComputeError) Unwrap() error { return e.Err }

// HashError wraps a failure in the off-thread password hash/verify path:
// a cryptographic error or a cancelled context. Surfaced as an internal
// error; the caller has no useful corrective action.
type HashError struct {
	Err error
}

func (e *HashError) Error() string {
	return "password hash error: " + e.Err.Error()
}

func (e *HashError) Unwrap() error { return e.Err }

// TransportError reports that a leased connection's transport failed
// while the lease was outstanding. The lease that produced it is never
// returned to the pool.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
