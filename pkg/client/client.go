package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/grid"
)

// offlineBannerAfter is how long a continuous disconnect lasts before the
// app should surface it to the user.
const offlineBannerAfter = 30 * time.Second

// Callbacks let the app layer observe the data core. All callbacks fire
// on transport goroutines and must not block.
type Callbacks struct {
	// OnTile fires whenever a tile's cached content changed.
	OnTile func(key grid.TileKey)
	// OnCursor fires per remote cursor update.
	OnCursor func(uid, name string, x, y float32)
	// OnIdentity fires when the server assigns or confirms identity.
	OnIdentity func(uid, name string)
	// OnError relays server err frames.
	OnError func(code, msg string)
	// OnConnState fires on connect and disconnect.
	OnConnState func(connected bool)
}

// Client is the embeddable data core: tile cache, reconciler, outbox,
// and transport glued to the wire protocol.
type Client struct {
	logger zerolog.Logger
	cb     Callbacks

	Tiles *TileStore

	tr     *Transport
	outbox *Outbox
	rec    *Reconciler

	mu       sync.Mutex
	baseURL  string
	token    string
	uid      string
	name     string
	opSeq    uint64
	lastView [4]float64
	hasView  bool
	downAt   time.Time
	online   bool
}

func New(wsURL string, logger zerolog.Logger, cb Callbacks) *Client {
	c := &Client{
		logger:  logger.With().Str("component", "client").Logger(),
		cb:      cb,
		Tiles:   NewTileStore(),
		outbox:  NewOutbox(),
		rec:     NewReconciler(),
		baseURL: wsURL,
	}
	c.tr = NewTransport(c.dialURL, logger)
	c.tr.OnOpen = c.onOpen
	c.tr.OnClose = c.onClose
	c.tr.OnFrame = c.onFrame
	return c
}

// dialURL appends the freshest token so a reconnect keeps its identity.
func (c *Client) dialURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return c.baseURL
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Run connects and blocks until ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) {
	go c.replayLoop(ctx)
	c.tr.Run(ctx)
}

func (c *Client) Close() { c.tr.Close() }

// SetViewport reconciles subscriptions against a camera rectangle in
// world coordinates.
func (c *Client) SetViewport(x0, y0, x1, y1 float64) {
	c.mu.Lock()
	c.lastView = [4]float64{x0, y0, x1, y1}
	c.hasView = true
	toSub, toUnsub := c.rec.Reconcile(x0, y0, x1, y1)
	c.mu.Unlock()

	if len(toSub) > 0 {
		c.tr.Send(codec.MustEncode(&codec.Sub{Tiles: toSub}))
	}
	if len(toUnsub) > 0 {
		c.tr.Send(codec.MustEncode(&codec.Unsub{Tiles: toUnsub}))
	}
}

// SetCell sends a toggle for one cell and records the intent in the
// outbox until the server echoes it.
func (c *Client) SetCell(key grid.TileKey, i uint16, v byte) {
	c.mu.Lock()
	c.opSeq++
	op := fmt.Sprintf("c:%s:%d", c.uid, c.opSeq)
	c.mu.Unlock()

	c.outbox.Put(key, i, v, op, time.Now())
	c.tr.Send(codec.MustEncode(&codec.SetCell{Tile: key, I: i, V: v, Op: op}))
}

// MoveCursor publishes the local cursor position.
func (c *Client) MoveCursor(x, y float32) {
	c.tr.Send(codec.MustEncode(&codec.Cur{X: x, Y: y}))
}

// Unsynced reports pending local writes the server has not echoed.
func (c *Client) Unsynced() int { return c.outbox.Len() }

// OfflineBanner reports whether the connection has been down long enough
// to warrant a user-facing banner.
func (c *Client) OfflineBanner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.online && !c.downAt.IsZero() && time.Since(c.downAt) >= offlineBannerAfter
}

func (c *Client) onOpen(reconnected bool) {
	c.mu.Lock()
	c.online = true
	c.downAt = time.Time{}
	var view [4]float64
	resub := false
	if reconnected {
		// The shard rebuilds our state from scratch.
		c.rec.Reset()
		if c.hasView {
			view = c.lastView
			resub = true
		}
	}
	c.mu.Unlock()

	if c.cb.OnConnState != nil {
		c.cb.OnConnState(true)
	}
	if resub {
		c.SetViewport(view[0], view[1], view[2], view[3])
	}
}

func (c *Client) onClose(disposed bool) {
	c.mu.Lock()
	c.online = false
	if c.downAt.IsZero() {
		c.downAt = time.Now()
	}
	c.mu.Unlock()
	if c.cb.OnConnState != nil {
		c.cb.OnConnState(false)
	}
}

func (c *Client) onFrame(data []byte) {
	msg, err := codec.Decode(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Dropping undecodable frame")
		return
	}

	switch m := msg.(type) {
	case *codec.Hello:
		c.mu.Lock()
		c.uid, c.name, c.token = m.UID, m.Name, m.Token
		c.mu.Unlock()
		if c.cb.OnIdentity != nil {
			c.cb.OnIdentity(m.UID, m.Name)
		}

	case *codec.TileSnap:
		bits, err := codec.DecodeRLE64(string(m.Bits))
		if err != nil {
			c.logger.Warn().Err(err).Str("tile", m.Tile.String()).Msg("Bad snapshot payload")
			return
		}
		c.Tiles.SetSnapshot(m.Tile, bits, m.Ver)
		c.notifyTile(m.Tile)

	case *codec.CellUp:
		c.outbox.Ack(m.Tile, m.I, m.V)
		res := c.Tiles.ApplySingle(m.Tile, m.I, m.V, m.Ver)
		c.afterApply(m.Tile, res)

	case *codec.CellUpBatch:
		for _, op := range m.Ops {
			c.outbox.Ack(m.Tile, op.I, op.V)
		}
		res := c.Tiles.ApplyBatch(m.Tile, m.FromVer, m.ToVer, m.Ops)
		c.afterApply(m.Tile, res)

	case *codec.CurUp:
		if c.cb.OnCursor != nil {
			c.cb.OnCursor(m.UID, m.Name, m.X, m.Y)
		}

	case *codec.Err:
		c.logger.Debug().Str("code", m.Code).Str("msg", m.Msg).Msg("Server error")
		if c.cb.OnError != nil {
			c.cb.OnError(m.Code, m.Msg)
		}
	}
}

// afterApply emits change notifications and converts gaps into resyncs.
func (c *Client) afterApply(key grid.TileKey, res ApplyResult) {
	if res.Gap {
		haveVer := res.HaveVer
		if haveVer < 0 {
			haveVer = 0
		}
		c.tr.Send(codec.MustEncode(&codec.ResyncTile{Tile: key, HaveVer: uint32(haveVer)}))
		return
	}
	c.notifyTile(key)
}

func (c *Client) notifyTile(key grid.TileKey) {
	if c.cb.OnTile != nil {
		c.cb.OnTile(key)
	}
}

// replayLoop re-sends unacknowledged writes while connected.
func (c *Client) replayLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			online := c.online
			c.mu.Unlock()
			if !online {
				continue
			}
			for _, e := range c.outbox.ReplayBatch(time.Now()) {
				c.tr.Send(codec.MustEncode(&codec.SetCell{
					Tile: e.Tile, I: e.I, V: e.V, Op: e.Op,
				}))
			}
		}
	}
}
