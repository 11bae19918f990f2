package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter 按键维护独立的令牌桶。长期不活跃的键会被整体回收,
// 避免限流表无限增长。
type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	entries  map[string]*limiterEntry
	lastScan time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(limit rate.Limit, burst int) *keyedLimiter {
	return &keyedLimiter{
		limit:    limit,
		burst:    burst,
		entries:  make(map[string]*limiterEntry),
		lastScan: time.Now(),
	}
}

// Allow 报告指定键是否还有可用配额。
func (k *keyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if now.Sub(k.lastScan) > 10*time.Minute {
		for id, entry := range k.entries {
			if now.Sub(entry.lastSeen) > 30*time.Minute {
				delete(k.entries, id)
			}
		}
		k.lastScan = now
	}

	entry := k.entries[key]
	if entry == nil {
		entry = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// clientIP 提取请求来源 IP,优先使用反向代理填充的头。
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
