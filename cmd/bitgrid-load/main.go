// bitgrid-load drives a server with synthetic viewers and editors, built
// on the same client data core the frontend embeds.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/logging"
	"github.com/adred-codev/bitgrid/pkg/client"
)

type stats struct {
	tilesUpdated int64
	cursorsSeen  int64
	errorsSeen   int64
	setCellsSent int64
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:3100/ws", "server websocket URL")
		clients  = flag.Int("clients", 50, "concurrent clients")
		duration = flag.Duration("duration", time.Minute, "test duration")
		editRate = flag.Duration("edit-every", 500*time.Millisecond, "interval between setCell per client")
		spread   = flag.Int("spread", 8, "tile radius clients roam over")
	)
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "pretty"})

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	var st stats
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runClient(ctx, *url, *spread, *editRate, &st, logger)
		}(i)
		// Stagger dials so the connection limiter sees a ramp, not a wall.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	logger.Info().
		Int64("setcells_sent", atomic.LoadInt64(&st.setCellsSent)).
		Int64("tiles_updated", atomic.LoadInt64(&st.tilesUpdated)).
		Int64("cursors_seen", atomic.LoadInt64(&st.cursorsSeen)).
		Int64("errors_seen", atomic.LoadInt64(&st.errorsSeen)).
		Msg("Load run complete")
}

func runClient(ctx context.Context, url string, spread int, editEvery time.Duration, st *stats, logger zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	c := client.New(url, logger, client.Callbacks{
		OnTile: func(grid.TileKey) { atomic.AddInt64(&st.tilesUpdated, 1) },
		OnCursor: func(string, string, float32, float32) {
			atomic.AddInt64(&st.cursorsSeen, 1)
		},
		OnError: func(string, string) { atomic.AddInt64(&st.errorsSeen, 1) },
	})
	defer c.Close()
	go c.Run(ctx)

	// Roam around a home tile inside the spread radius.
	homeTx := rng.Intn(2*spread+1) - spread
	homeTy := rng.Intn(2*spread+1) - spread
	x := float64(homeTx * grid.TileSize)
	y := float64(homeTy * grid.TileSize)
	c.SetViewport(x, y, x+2*grid.TileSize, y+2*grid.TileSize)

	edits := time.NewTicker(editEvery)
	moves := time.NewTicker(200 * time.Millisecond)
	defer edits.Stop()
	defer moves.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-edits.C:
			key := grid.TileKey{
				Tx: int32(homeTx + rng.Intn(3)),
				Ty: int32(homeTy + rng.Intn(3)),
			}
			c.SetCell(key, uint16(rng.Intn(grid.TileCellCount)), byte(rng.Intn(2)))
			atomic.AddInt64(&st.setCellsSent, 1)
		case <-moves.C:
			c.MoveCursor(
				float32(x)+rng.Float32()*2*grid.TileSize,
				float32(y)+rng.Float32()*2*grid.TileSize,
			)
		}
	}
}
