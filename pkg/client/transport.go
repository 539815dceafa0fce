package client

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// Outbound queue bound; overflow drops the oldest frame.
	maxPendingSends = 512

	// Paced drain after reconnect: pacedSendsPerWindow frames per window
	// until the backlog clears.
	pacedSendWindow     = 500 * time.Millisecond
	pacedSendsPerWindow = 2
)

// Reconnect backoff schedule, capped at the last step.
var backoffSteps = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	4 * time.Second,
}

// Transport maintains one WebSocket to the server across reconnects. All
// sends pass through a bounded FIFO that survives connection loss.
type Transport struct {
	urlFn  func() string
	logger zerolog.Logger
	dial   func(ctx context.Context, url string) (net.Conn, error)

	// Lifecycle callbacks, set before Run.
	OnOpen  func(reconnected bool)
	OnClose func(disposed bool)
	OnFrame func(data []byte)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	conn     net.Conn
	gen      int
	paced    bool
	disposed bool
}

// NewTransport creates a transport. urlFn is consulted on every attempt
// so a refreshed token can be carried into the next dial.
func NewTransport(urlFn func() string, logger zerolog.Logger) *Transport {
	t := &Transport{
		urlFn:  urlFn,
		logger: logger.With().Str("component", "transport").Logger(),
		dial:   dialWS,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func dialWS(ctx context.Context, url string) (net.Conn, error) {
	conn, br, _, err := ws.DefaultDialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if br != nil {
		// The handshake read may have buffered the first frames.
		conn = preludeConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return conn, nil
}

type preludeConn struct {
	net.Conn
	r io.Reader
}

func (c preludeConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Send queues a frame, dropping the oldest on overflow.
func (t *Transport) Send(frame []byte) {
	t.mu.Lock()
	if len(t.queue) >= maxPendingSends {
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, frame)
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Run connects and keeps reconnecting until ctx is done or Close is
// called. Blocks; run it on its own goroutine.
func (t *Transport) Run(ctx context.Context) {
	attempt := 0
	for {
		t.mu.Lock()
		disposed := t.disposed
		t.mu.Unlock()
		if disposed || ctx.Err() != nil {
			return
		}

		conn, err := t.dial(ctx, t.urlFn())
		if err != nil {
			step := backoffSteps[min(attempt, len(backoffSteps)-1)]
			t.logger.Debug().Err(err).Dur("backoff", step).Msg("Dial failed")
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(step):
			}
			continue
		}

		reconnected := attempt > 0 || t.everConnected()
		attempt = 0

		t.mu.Lock()
		t.conn = conn
		t.gen++
		gen := t.gen
		t.paced = reconnected && len(t.queue) > 0
		t.mu.Unlock()

		if t.OnOpen != nil {
			t.OnOpen(reconnected)
		}
		go t.writeLoop(conn, gen)
		t.readLoop(conn)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		disposed = t.disposed
		t.cond.Broadcast()
		t.mu.Unlock()
		conn.Close()

		if t.OnClose != nil {
			t.OnClose(disposed)
		}
		if disposed {
			return
		}
		attempt = 1
	}
}

func (t *Transport) everConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen > 0
}

func (t *Transport) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			t.logger.Debug().Err(err).Msg("Read loop ended")
			return
		}
		if t.OnFrame != nil {
			t.OnFrame(data)
		}
	}
}

// writeLoop drains the queue for one connection generation. After a
// reconnect it paces the backlog, then switches to unpaced sends.
func (t *Transport) writeLoop(conn net.Conn, gen int) {
	windowStart := time.Now()
	sentInWindow := 0

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && t.gen == gen && !t.disposed {
			t.cond.Wait()
		}
		if t.gen != gen || t.disposed {
			t.mu.Unlock()
			return
		}
		paced := t.paced
		// Pop before writing: a racing Send may drop the queue head on
		// overflow, so the head is only stable while we hold the lock.
		frame := t.queue[0]
		t.queue = t.queue[1:]
		if len(t.queue) == 0 {
			t.paced = false
		}
		t.mu.Unlock()

		if paced {
			if sentInWindow >= pacedSendsPerWindow {
				wait := pacedSendWindow - time.Since(windowStart)
				if wait > 0 {
					time.Sleep(wait)
				}
				windowStart = time.Now()
				sentInWindow = 0
			} else if time.Since(windowStart) >= pacedSendWindow {
				windowStart = time.Now()
				sentInWindow = 0
			}
		}

		if err := wsutil.WriteClientBinary(conn, frame); err != nil {
			t.logger.Debug().Err(err).Msg("Write failed")
			conn.Close()
			t.mu.Lock()
			// The frame never made it out; requeue it for the next
			// connection unless a newer generation already took over.
			if t.gen == gen && !t.disposed {
				t.queue = append([][]byte{frame}, t.queue...)
			}
			t.mu.Unlock()
			return
		}
		sentInWindow++
	}
}

// Close disposes the transport permanently.
func (t *Transport) Close() {
	t.mu.Lock()
	t.disposed = true
	conn := t.conn
	t.cond.Broadcast()
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
