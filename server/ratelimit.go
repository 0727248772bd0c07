package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// ipLimiter keeps one token bucket per client IP. Idle buckets expire.
type ipLimiter struct {
	limiters *ttlcache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if perSecond <= 0 {
		return &ipLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	c := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](10 * time.Minute),
	)
	go c.Start()
	return &ipLimiter{limiters: c, limit: rate.Limit(perSecond), burst: burst}
}

func (l *ipLimiter) allow(ip string) bool {
	if l.limiters == nil {
		return true
	}
	item, _ := l.limiters.GetOrSet(ip, rate.NewLimiter(l.limit, l.burst))
	return item.Value().Allow()
}

func (l *ipLimiter) stop() {
	if l.limiters != nil {
		l.limiters.Stop()
	}
}

// clientIP returns the first X-Forwarded-For address when present, as set by
// the load balancer, otherwise the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
