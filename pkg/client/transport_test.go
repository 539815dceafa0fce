package client

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
)

func TestSendOverflowDropsOldest(t *testing.T) {
	tr := NewTransport(func() string { return "" }, zerolog.Nop())
	for i := 0; i < maxPendingSends+1; i++ {
		tr.Send([]byte{byte(i), byte(i >> 8)})
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, len(tr.queue), maxPendingSends)
	assert.DeepEqual(t, tr.queue[0], []byte{1, 0})
}

func TestWriteFailureRequeuesFrame(t *testing.T) {
	tr := NewTransport(func() string { return "" }, zerolog.Nop())
	frame := []byte{0x01, 0x02, 0x03}
	tr.Send(frame)

	// A dead socket fails the first write.
	server, conn := net.Pipe()
	server.Close()
	conn.Close()

	tr.mu.Lock()
	tr.gen = 1
	tr.mu.Unlock()

	// The loop pops the frame, fails the write, and puts it back for the
	// next connection.
	tr.writeLoop(conn, 1)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, len(tr.queue), 1)
	assert.DeepEqual(t, tr.queue[0], frame)
}
