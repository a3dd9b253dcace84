package server

import (
	"context"
	"sync"
	"time"

	"AutoVault/internal/observability"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller: the token subject when
// authenticated, otherwise the peer address.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter returns nil (no limiting) when perMinute <= 0.
func NewRateLimiter(perMinute, burst int, metrics *observability.Metrics) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		metrics:  metrics,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow consumes one token from key's bucket.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Sweep forgets callers idle for longer than idle and returns how many.
func (r *RateLimiter) Sweep(idle time.Duration) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	removed := 0
	for key, v := range r.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(r.visitors, key)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps idle callers until ctx is cancelled.
func (r *RateLimiter) RunJanitor(ctx context.Context, interval time.Duration) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(3 * interval)
		}
	}
}

// UnaryInterceptor must run after the auth interceptor so callers are keyed
// by subject.
func (r *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if r == nil || methodAccess(info.FullMethod) == accessInternal {
			return handler(ctx, req)
		}
		if !r.Allow(callerKey(ctx)) {
			if r.metrics != nil {
				r.metrics.RateLimited.WithLabelValues(shortMethod(info.FullMethod)).Inc()
			}
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func callerKey(ctx context.Context) string {
	if caller, ok := CallerFromContext(ctx); ok {
		return "sub:" + caller.Subject
	}
	// Set by the HTTP gateway, which dials in from a single peer.
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if fwd := md.Get(forwardedForHeader); len(fwd) > 0 && fwd[0] != "" {
			return "fwd:" + fwd[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "peer:" + p.Addr.String()
	}
	return "anonymous"
}
