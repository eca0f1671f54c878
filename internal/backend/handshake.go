package backend

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
)

// startupResult carries the backend facts discovered during the handshake
// that a Conn needs to keep around: its process id and secret key (for a
// future CancelRequest, unused today but cheap to keep) and whatever
// ParameterStatus fields the backend announced.
type startupResult struct {
	processID  uint32
	secretKey  uint32
	parameters map[string]string
}

// performHandshake sends the startup message, completes whichever auth
// method the backend asks for, and drains messages up to and including
// ReadyForQuery. It is adapted from the teacher's authenticatePG, factored
// to run against a bare net.Conn before a Conn exists.
func performHandshake(raw net.Conn, user, database, password, appName, options string) (startupResult, error) {
	startup := buildStartupMessage(map[string]string{
		"user":             user,
		"database":         database,
		"application_name": appName,
		"options":          options,
	})
	if _, err := raw.Write(startup); err != nil {
		return startupResult{}, fmt.Errorf("writing startup message: %w", err)
	}

	authMsg, err := readMessage(raw)
	if err != nil {
		return startupResult{}, fmt.Errorf("reading auth response: %w", err)
	}
	if authMsg.kind == 'E' {
		return startupResult{}, &AuthError{Message: parseErrorMessage(authMsg.payload)}
	}
	if authMsg.kind != 'R' {
		return startupResult{}, fmt.Errorf("expected Authentication message, got '%c'", authMsg.kind)
	}
	if len(authMsg.payload) < 4 {
		return startupResult{}, fmt.Errorf("auth message too short")
	}
	authType := beUint32(authMsg.payload[:4])

	switch authType {
	case 0: // AuthenticationOk
		// no further exchange needed

	case 3: // AuthenticationCleartextPassword
		if err := sendPasswordMessage(raw, password); err != nil {
			return startupResult{}, fmt.Errorf("sending cleartext password: %w", err)
		}
		if err := expectAuthOK(raw); err != nil {
			return startupResult{}, err
		}

	case 5: // AuthenticationMD5Password
		if len(authMsg.payload) < 8 {
			return startupResult{}, fmt.Errorf("MD5 auth message missing salt")
		}
		salt := authMsg.payload[4:8]
		hashed := md5Hash(password, user, salt)
		if err := sendPasswordMessage(raw, hashed); err != nil {
			return startupResult{}, fmt.Errorf("sending MD5 password: %w", err)
		}
		if err := expectAuthOK(raw); err != nil {
			return startupResult{}, err
		}

	case 10: // AuthenticationSASL
		if err := scramSHA256Auth(raw, user, password, authMsg.payload[4:]); err != nil {
			return startupResult{}, fmt.Errorf("SCRAM-SHA-256 exchange: %w", err)
		}
		if err := expectAuthOK(raw); err != nil {
			return startupResult{}, err
		}

	default:
		return startupResult{}, fmt.Errorf("unsupported authentication method: %d", authType)
	}

	return drainStartupMessages(raw)
}

// expectAuthOK reads the AuthenticationOk message a password/SASL exchange
// ends with. A server that instead sends ErrorResponse here is reporting a
// wrong password.
func expectAuthOK(raw net.Conn) error {
	msg, err := readMessage(raw)
	if err != nil {
		return fmt.Errorf("reading auth confirmation: %w", err)
	}
	if msg.kind == 'E' {
		return &AuthError{Message: parseErrorMessage(msg.payload)}
	}
	if msg.kind != 'R' || len(msg.payload) < 4 || beUint32(msg.payload[:4]) != 0 {
		return fmt.Errorf("expected AuthenticationOk, got '%c'", msg.kind)
	}
	return nil
}

// drainStartupMessages reads ParameterStatus/BackendKeyData/NoticeResponse
// messages until ReadyForQuery, the signal that the connection is ready to
// accept its first query.
func drainStartupMessages(raw net.Conn) (startupResult, error) {
	result := startupResult{parameters: make(map[string]string)}
	for {
		msg, err := readMessage(raw)
		if err != nil {
			return startupResult{}, fmt.Errorf("reading startup message: %w", err)
		}
		switch msg.kind {
		case 'S': // ParameterStatus
			key, val := parseNullTerminatedPair(msg.payload)
			result.parameters[key] = val
		case 'K': // BackendKeyData
			if len(msg.payload) >= 8 {
				result.processID = beUint32(msg.payload[0:4])
				result.secretKey = beUint32(msg.payload[4:8])
			}
		case 'N': // NoticeResponse, ignored during startup
		case 'Z': // ReadyForQuery
			return result, nil
		case 'E':
			return startupResult{}, &AuthError{Message: parseErrorMessage(msg.payload)}
		default:
			// Unexpected but non-fatal message type during startup; ignore.
		}
	}
}

func md5Hash(password, user string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}
