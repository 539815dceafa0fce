package shard

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 27 * time.Second

	sendQueueSize = 256

	// Queue overflows before the socket is cut loose.
	slowClientStrikes = 3
)

// Client is one connected socket and its shard-local state. Subscription
// state is guarded by the shard mutex; the socket itself is owned by the
// read and write pumps.
type Client struct {
	uid  string
	name string
	conn net.Conn

	// send is never closed: fanout goroutines may still hold a reference
	// to a disconnected client. done gates enqueue and exits the write
	// pump instead.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	cleanOnce sync.Once
	strikes   int32

	subscribed map[grid.TileKey]struct{}

	churn     *slidingWindow
	burst     *slidingWindow
	sustained *slidingWindow
}

func newClient(uid, name string, conn net.Conn) *Client {
	return &Client{
		uid:        uid,
		name:       name,
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		subscribed: make(map[grid.TileKey]struct{}),
		churn:      newSlidingWindow(tileChurnLimit, tileChurnWindow),
		burst:      newSlidingWindow(setCellBurstLimit, setCellBurstWindow),
		sustained:  newSlidingWindow(setCellSustainedLimit, setCellSustainedWindow),
	}
}

// enqueue offers a frame to the write pump without blocking. A full queue
// costs a strike; three strikes close the socket, letting the client
// reconnect and resync rather than stall the emit path.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		metrics.MessagesDropped.Inc()
		if atomic.AddInt32(&c.strikes, 1) >= slowClientStrikes {
			c.closeSocket()
		}
	}
}

// stop ends the write pump and silences further enqueues. Frames still
// buffered are discarded with the client.
func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) closeSocket() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeSocket()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpBinary, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
