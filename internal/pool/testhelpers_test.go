package pool

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/sqlgateway/connpool/internal/backend"
	"github.com/sqlgateway/connpool/internal/credential"
	"github.com/sqlgateway/connpool/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIndex(dial DialFunc, maxConns int) *GlobalIndex {
	return New(Options{
		MaxConnsPerEndpoint: maxConns,
		CredentialParams:    credential.DefaultParams(),
		Dial:                dial,
		Metrics:             metrics.New(),
		Logger:              testLogger(),
	})
}

func writeTestMsg(conn net.Conn, kind byte, payload []byte) {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	conn.Write(buf)
}

func readStartup(conn net.Conn) {
	lenBuf := make([]byte, 4)
	conn.Read(lenBuf)
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	body := make([]byte, msgLen-4)
	conn.Read(body)
}

func uint32BE(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func pgErrorPayload(msg string) []byte {
	var payload []byte
	payload = append(payload, 'S')
	payload = append(payload, "FATAL"...)
	payload = append(payload, 0)
	payload = append(payload, 'M')
	payload = append(payload, msg...)
	payload = append(payload, 0, 0)
	return payload
}

// acceptingDial returns a DialFunc that, each time it's invoked, spins up
// a fresh net.Pipe, runs a trivial AuthenticationOk handshake on one end,
// and hands the other end to backend.DialOverConn. Every call counts
// toward dialCount.
func acceptingDial(t *testing.T, dialCount *int) DialFunc {
	t.Helper()
	return func(ctx context.Context, p backend.DialParams) (*backend.Conn, error) {
		*dialCount++
		client, server := net.Pipe()
		go func() {
			readStartup(server)
			writeTestMsg(server, 'R', uint32BE(0))
			writeTestMsg(server, 'Z', []byte{'I'})
		}()
		return backend.DialOverConn(client, p)
	}
}

// rejectingDial returns a DialFunc whose handshake always fails with the
// backend's password-authentication-failed ErrorResponse.
func rejectingDial() DialFunc {
	return func(ctx context.Context, p backend.DialParams) (*backend.Conn, error) {
		client, server := net.Pipe()
		go func() {
			readStartup(server)
			writeTestMsg(server, 'E', pgErrorPayload("password authentication failed for user"))
		}()
		return backend.DialOverConn(client, p)
	}
}

func newTestConn(t *testing.T) *backend.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		readStartup(server)
		writeTestMsg(server, 'R', uint32BE(0))
		writeTestMsg(server, 'Z', []byte{'I'})
	}()
	conn, err := backend.DialOverConn(client, backend.DialParams{User: "u", Database: "d"})
	if err != nil {
		t.Fatalf("newTestConn: %v", err)
	}
	return conn
}
