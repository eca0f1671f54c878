package backend

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// scramSHA256Auth drives the SASL SCRAM-SHA-256 exchange against a
// PostgreSQL backend: client-first, server-first (salt/iterations/nonce),
// client-final with proof, then checking the server's own signature on
// server-final. saslPayload is the AuthenticationSASL (type 10) message's
// mechanism list, already stripped of its 4-byte auth type prefix.
func scramSHA256Auth(conn net.Conn, user, password string, saslPayload []byte) error {
	offered := splitNulTerminated(saslPayload)
	if !hasMechanism(offered, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", offered)
	}

	nonce := make([]byte, 18)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonce)

	const gs2Header = "n,,"
	firstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)

	if err := sendSASLInitialResponse(conn, "SCRAM-SHA-256", []byte(gs2Header+firstBare)); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	serverFirst, err := readAuthMessage(conn, 11)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirst))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	finalWithoutProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte(gs2Header)), serverNonce)
	authMessage := firstBare + "," + string(serverFirst) + "," + finalWithoutProof

	proof := xorBytes(clientKey, hmacSHA256(storedKey, []byte(authMessage)))
	finalMsg := finalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)

	if err := sendSASLResponse(conn, []byte(finalMsg)); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	serverFinal, err := readAuthMessage(conn, 12)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	wantServerFinal := "v=" + base64.StdEncoding.EncodeToString(hmacSHA256(serverKey, []byte(authMessage)))
	if string(serverFinal) != wantServerFinal {
		return fmt.Errorf("server signature mismatch")
	}
	return nil
}

// splitNulTerminated splits a run of NUL-terminated strings, the wire shape
// PostgreSQL uses for a SASL mechanism list.
func splitNulTerminated(data []byte) []string {
	var out []string
	for len(data) > 0 {
		i := 0
		for i < len(data) && data[i] != 0 {
			i++
		}
		if i > 0 {
			out = append(out, string(data[:i]))
		}
		if i >= len(data) {
			break
		}
		data = data[i+1:]
	}
	return out
}

func hasMechanism(offered []string, want string) bool {
	for _, m := range offered {
		if m == want {
			return true
		}
	}
	return false
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>" from the server.
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func sendSASLInitialResponse(conn net.Conn, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)

	lenBuf := make([]byte, 4)
	lenAsBytes(lenBuf, len(clientFirstMsg))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)

	return writeMessage(conn, 'p', payload)
}

func sendSASLResponse(conn net.Conn, data []byte) error {
	return writeMessage(conn, 'p', data)
}

// readAuthMessage reads a PG Authentication message and verifies its auth subtype.
// Returns the payload after the 4-byte auth type field.
func readAuthMessage(conn net.Conn, expectedAuthType uint32) ([]byte, error) {
	msg, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	if msg.kind == 'E' {
		return nil, &AuthError{Message: parseErrorMessage(msg.payload)}
	}
	if msg.kind != 'R' {
		return nil, fmt.Errorf("expected Authentication message ('R'), got '%c'", msg.kind)
	}
	if len(msg.payload) < 4 {
		return nil, fmt.Errorf("auth message too short")
	}
	authType := beUint32(msg.payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return msg.payload[4:], nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// xorBytes computes the client proof: ClientKey XOR ClientSignature.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i, ab := range a {
		out[i] = ab ^ b[i]
	}
	return out
}
