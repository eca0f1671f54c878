package backend

import (
	"crypto/md5"
	"encoding/hex"
	"net"
	"testing"
)

func TestPerformHandshakeAuthenticationOk(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		readStartupMessage(server)
		writePGTestMsg(server, 'R', uint32ToBE(0))
		writePGTestMsg(server, 'S', nullTermPair("server_version", "16.1"))
		bkd := append(uint32ToBE(42), uint32ToBE(99)...)
		writePGTestMsg(server, 'K', bkd)
		writePGTestMsg(server, 'Z', []byte{'I'})
	}()

	result, err := performHandshake(client, "u", "d", "", "/sql_over_http", "")
	if err != nil {
		t.Fatalf("performHandshake failed: %v", err)
	}
	if result.processID != 42 || result.secretKey != 99 {
		t.Errorf("unexpected startup result: %+v", result)
	}
}

func TestPerformHandshakeCleartextPassword(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		readStartupMessage(server)
		writePGTestMsg(server, 'R', uint32ToBE(3))
		kind, payload := readTestMessage(server)
		if kind != 'p' || string(payload[:len(payload)-1]) != "secret" {
			t.Errorf("expected password 'secret', got kind=%c payload=%q", kind, payload)
		}
		writePGTestMsg(server, 'R', uint32ToBE(0))
		writePGTestMsg(server, 'Z', []byte{'I'})
	}()

	_, err := performHandshake(client, "u", "d", "secret", "/sql_over_http", "")
	if err != nil {
		t.Fatalf("performHandshake failed: %v", err)
	}
}

func TestPerformHandshakeMD5Password(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	salt := []byte{1, 2, 3, 4}

	go func() {
		readStartupMessage(server)
		writePGTestMsg(server, 'R', append(uint32ToBE(5), salt...))
		kind, payload := readTestMessage(server)
		expected := md5Hash("secret", "u", salt)
		if kind != 'p' || string(payload[:len(payload)-1]) != expected {
			t.Errorf("expected md5 hash %q, got kind=%c payload=%q", expected, kind, payload)
		}
		writePGTestMsg(server, 'R', uint32ToBE(0))
		writePGTestMsg(server, 'Z', []byte{'I'})
	}()

	_, err := performHandshake(client, "u", "d", "secret", "/sql_over_http", "")
	if err != nil {
		t.Fatalf("performHandshake failed: %v", err)
	}
}

func TestPerformHandshakeAuthFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		readStartupMessage(server)
		writePGTestMsg(server, 'E', pgError("password authentication failed for user \"u\""))
	}()

	_, err := performHandshake(client, "u", "d", "wrong", "/sql_over_http", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthFailed(err) {
		t.Errorf("expected IsAuthFailed, got %v", err)
	}
}

func TestMD5HashMatchesReference(t *testing.T) {
	salt := []byte{0xde, 0xad, 0xbe, 0xef}
	got := md5Hash("pw", "user1", salt)

	inner := md5.Sum([]byte("pw" + "user1"))
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt...))
	want := "md5" + hex.EncodeToString(outer[:])

	if got != want {
		t.Errorf("md5Hash = %q, want %q", got, want)
	}
}
