package backend

import "net"

// DialOverConn runs the handshake and spawns the driver over an
// already-established net.Conn instead of dialing TCP itself. Production
// code reaches this only through Dial; it is exported so other packages'
// tests can stand up a Conn against an in-memory net.Pipe paired with a
// fake backend goroutine, without duplicating the handshake/driver wiring.
func DialOverConn(raw net.Conn, p DialParams) (*Conn, error) {
	return newConn(raw, p)
}
