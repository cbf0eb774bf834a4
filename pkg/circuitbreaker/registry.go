package circuitbreaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry holds one breaker per external dependency, created lazily
// on first use. Breaker state itself is in-process; the registry can
// periodically snapshot state to Redis so operators see every worker
// instance's view of a dependency.
type Registry struct {
	defaults Config
	mu       sync.RWMutex
	breakers map[string]*Wrapper
}

func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Wrapper),
	}
}

// Get returns the breaker for the named dependency, creating it with
// the registry defaults if it does not exist yet.
func (r *Registry) Get(name string) *Wrapper {
	r.mu.RLock()
	w, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok = r.breakers[name]; ok {
		return w
	}

	cfg := r.defaults
	cfg.Name = name
	w = NewWrapper(cfg)
	r.breakers[name] = w
	return w
}

// RecoveryTimeout reports how long the named breaker stays open before
// probing again. Callers use it as the cooldown when re-scheduling work
// rejected by an open breaker.
func (r *Registry) RecoveryTimeout(name string) time.Duration {
	if r.defaults.RecoveryTimeout > 0 {
		return r.defaults.RecoveryTimeout
	}
	return DefaultConfig(name).RecoveryTimeout
}

// Names returns the dependencies seen so far.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Snapshot describes one breaker's state for the ops API and the
// cross-instance Redis mirror.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	TotalRequests uint32    `json:"total_requests"`
	TotalFailures uint32    `json:"total_failures"`
	Consecutive   uint32    `json:"consecutive_failures"`
	CapturedAt    time.Time `json:"captured_at"`
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	now := time.Now()
	for name, w := range r.breakers {
		counts := w.Counts()
		snaps = append(snaps, Snapshot{
			Name:          name,
			State:         w.State().String(),
			TotalRequests: counts.Requests,
			TotalFailures: counts.TotalFailures,
			Consecutive:   counts.ConsecutiveFailures,
			CapturedAt:    now,
		})
	}
	return snaps
}

// PublishSnapshots mirrors the current breaker states into Redis under
// keyPrefix+"<instance>:<name>" with the given TTL. Stale instances
// age out on their own.
func (r *Registry) PublishSnapshots(ctx context.Context, client *redis.Client, keyPrefix, instance string, ttl time.Duration) error {
	for _, snap := range r.Snapshots() {
		body, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		key := keyPrefix + instance + ":" + snap.Name
		if err := client.Set(ctx, key, body, ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}
