package httpapi

import (
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per client address. The least recently
// seen clients are evicted once the cache is full.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	cache *lru.Cache[string, *rate.Limiter]
}

func newLimiterSet(limit rate.Limit, burst, size int) (*limiterSet, error) {
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &limiterSet{limit: limit, burst: burst, cache: cache}, nil
}

func (s *limiterSet) allow(client string) bool {
	if s.limit == rate.Inf {
		return true
	}
	s.mu.Lock()
	limiter, ok := s.cache.Get(client)
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.cache.Add(client, limiter)
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
