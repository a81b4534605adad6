package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/paymongo-bridge/internal/resilience"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles readiness. The server flips it to false when shutdown
// starts so load balancers stop routing new webhooks to this replica.
func SetReady(v bool) { ready.Store(v) }

// Probe checks one dependency. Optional probes are reported but do not fail
// readiness.
type Probe struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Check    func(ctx context.Context) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes []Probe
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on the shutdown flag and dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := ready.Load()
	if !healthy {
		status["server"] = "shutting down"
	} else {
		status["server"] = "ok"
	}
	for _, p := range h.Probes {
		result := "ok"
		if err := runProbe(r.Context(), p); err != nil {
			result = err.Error()
			if !p.Optional {
				healthy = false
			}
		}
		status[p.Name] = result
	}
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func runProbe(ctx context.Context, p Probe) error {
	if p.Check == nil {
		return nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Check(ctx)
}

// RedisProbe pings the shared rate limit store.
func RedisProbe(client *redis.Client, timeout time.Duration) Probe {
	return Probe{
		Name:    "redis",
		Timeout: timeout,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// BreakerProbe reports an outbound dependency whose circuit is open. It is
// optional: an unreachable confirmation endpoint must not stop webhook intake.
func BreakerProbe(b *resilience.Breaker) Probe {
	return Probe{
		Name:     "breaker_" + b.Target(),
		Optional: true,
		Check: func(context.Context) error {
			if b.State() == resilience.Open {
				return errors.New("circuit open")
			}
			return nil
		},
	}
}
