package backend

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePGTestMsg(conn net.Conn, kind byte, payload []byte) {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	conn.Write(buf)
}

func uint32ToBE(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func nullTermPair(key, value string) []byte {
	buf := append([]byte(key), 0)
	buf = append(buf, value...)
	buf = append(buf, 0)
	return buf
}

func readStartupMessage(conn net.Conn) {
	lenBuf := make([]byte, 4)
	conn.Read(lenBuf)
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	body := make([]byte, msgLen-4)
	conn.Read(body)
}

func readTestMessage(conn net.Conn) (byte, []byte) {
	hdr := make([]byte, 5)
	if _, err := readFull(conn, hdr); err != nil {
		return 0, nil
	}
	payloadLen := int(binary.BigEndian.Uint32(hdr[1:5])) - 4
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		readFull(conn, payload)
	}
	return hdr[0], payload
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
