package router

import (
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// connLimiter throttles upgrade attempts globally and per client IP. The
// per-IP limiters live in an LRU so an address scan cannot grow memory
// without bound.
type connLimiter struct {
	global *rate.Limiter
	perIP  *lru.Cache[string, *rate.Limiter]

	ipRate  rate.Limit
	ipBurst int
}

func newConnLimiter(globalPerSec, globalBurst int, ipPerSec float64, ipBurst int) (*connLimiter, error) {
	cache, err := lru.New[string, *rate.Limiter](4096)
	if err != nil {
		return nil, err
	}
	return &connLimiter{
		global:  rate.NewLimiter(rate.Limit(globalPerSec), globalBurst),
		perIP:   cache,
		ipRate:  rate.Limit(ipPerSec),
		ipBurst: ipBurst,
	}, nil
}

func (l *connLimiter) allow(r *http.Request) bool {
	if !l.global.Allow() {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	lim, ok := l.perIP.Get(host)
	if !ok {
		lim = rate.NewLimiter(l.ipRate, l.ipBurst)
		l.perIP.Add(host, lim)
	}
	return lim.Allow()
}
