package lim

import (
	"context"
	"net"
	"net/http"
	"secureshare/metrics"
	"secureshare/svc/util"
	"strings"
	"sync/atomic"
	"time"
)

// CounterStore is the remote fixed-window counter primitive, implemented by
// the Redis client. IncrWindow increments and, only when the counter is new,
// arms its expiry — the window starts at first use.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	ResetCounter(ctx context.Context, key string) error
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter is the seconds a denied caller should wait, rounded up.
func (r *Result) RetryAfter(now time.Time) int {
	secs := int(r.Reset.Sub(now).Seconds())
	if r.Reset.Sub(now)%time.Second != 0 {
		secs++
	}
	if secs < 0 {
		secs = 0
	}
	return secs
}

type Limiter struct {
	counters          CounterStore
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
}

// New builds the limiter. counters may be nil (no Redis configured), in
// which case every check is allowed: the limiter fails open by design,
// trading strictness for availability.
func New(counters CounterStore, trustedProxies []string) *Limiter {
	l := &Limiter{
		counters:       counters,
		trustedProxies: trustedProxies,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	return l
}

func (l *Limiter) Stop() {
	l.detector.Stop()
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(60*time.Second).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	until := atomic.LoadInt64(&l.adaptiveModeUntil)
	return time.Now().Unix() < until
}

func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}

func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

// Check runs one fixed-window check for policy p against identifier.
// Reset is reported as now+window rather than the counter's real remaining
// TTL; the approximation avoids a second backend round trip and is kept
// deliberately.
func (l *Limiter) Check(ctx context.Context, p Policy, identifier string) *Result {
	now := time.Now()
	limit := p.Limit
	if l.isAdaptiveMode() {
		limit = limit / 2
		if limit < 1 {
			limit = 1
		}
	}
	if l.counters == nil {
		return &Result{Allowed: true, Limit: limit, Remaining: limit, Reset: now.Add(p.Window)}
	}
	count, err := l.counters.IncrWindow(ctx, p.Name+":"+identifier, p.Window)
	if err != nil {
		// counter store down: fail open rather than block all traffic
		util.Warn().Err(err).Str("policy", p.Name).Msg("rate limit backend unavailable, failing open")
		return &Result{Allowed: true, Limit: limit, Remaining: limit, Reset: now.Add(p.Window)}
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := &Result{
		Allowed:   int(count) <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     now.Add(p.Window),
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(p.Name).Inc()
	}
	return res
}

// CheckComposite gates by IP first; only when that passes, and a user
// identity is present, the per-user leg runs with a doubled limit. The IP
// check is never bypassed by the user check.
func (l *Limiter) CheckComposite(ctx context.Context, p Policy, ip, userID string) *Result {
	res := l.Check(ctx, p, "ip:"+ip)
	if !res.Allowed {
		return res
	}
	if userID == "" {
		return res
	}
	return l.Check(ctx, p.ForUser(), "user:"+userID)
}

// CheckBurst runs the short-window policy first; only when it passes does
// the sustained policy run, and its result is what the caller sees.
func (l *Limiter) CheckBurst(ctx context.Context, burst, sustained Policy, identifier string) *Result {
	res := l.Check(ctx, burst, identifier)
	if !res.Allowed {
		return res
	}
	return l.Check(ctx, sustained, identifier)
}

// Reset clears the counter for an identifier. Admin/test tooling only.
func (l *Limiter) Reset(ctx context.Context, p Policy, identifier string) error {
	if l.counters == nil {
		return nil
	}
	return l.counters.ResetCounter(ctx, p.Name+":"+identifier)
}

func (l *Limiter) RealIP(r *http.Request) string {
	return GetRealIP(r, l.trustedProxies)
}

func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff

	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')
		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		parsedIP := net.ParseIP(ipStr)
		if parsedIP == nil {
			util.Warn().Str("ip", ipStr).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}

	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", remoteIP).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
