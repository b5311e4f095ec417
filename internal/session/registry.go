package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/nidhogg/recall/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Session tracks one owner's conversational activity.
type Session struct {
	OwnerID   string
	StartedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	turns      int

	open atomic.Bool // currently counted as active
}

// Info is a point-in-time copy of a Session.
type Info struct {
	OwnerID    string    `json:"owner_id"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	Turns      int       `json:"turns"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{OwnerID: s.OwnerID, StartedAt: s.StartedAt, LastActive: s.lastActive, Turns: s.turns}
}

func (s *Session) markTurn(at time.Time) {
	s.mu.Lock()
	s.lastActive = at
	s.turns++
	s.mu.Unlock()
}

// RegistryConfig bounds the registry.
type RegistryConfig struct {
	MaxSessions int
	MaxIdle     time.Duration
}

// Registry holds active sessions. Entries expire after MaxIdle without a
// turn and at most MaxSessions are kept.
type Registry struct {
	cache   *ristretto.Cache
	group   singleflight.Group
	idle    time.Duration
	active  atomic.Int64
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRegistry creates a Registry. m may be nil.
func NewRegistry(cfg RegistryConfig, m *metrics.Metrics, logger *zap.Logger) (*Registry, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10000
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 30 * time.Minute
	}

	r := &Registry{idle: cfg.MaxIdle, metrics: m, logger: logger, now: time.Now}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cfg.MaxSessions) * 10,
		MaxCost:     int64(cfg.MaxSessions),
		BufferItems: 64,
		// Each session costs exactly 1 so MaxCost counts sessions.
		IgnoreInternalCost: true,
		OnEvict:            r.dropped,
		OnReject:           r.dropped,
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Touch returns the owner's session, creating it if needed, and records a turn.
func (r *Registry) Touch(ownerID string) *Session {
	sess := r.load(ownerID)
	sess.markTurn(r.now())
	r.store(sess)
	return sess
}

// Lookup returns a copy of the owner's session state.
func (r *Registry) Lookup(ownerID string) (Info, bool) {
	v, ok := r.cache.Get(ownerID)
	if !ok {
		return Info{}, false
	}
	return v.(*Session).Info(), true
}

// End removes the owner's session. It reports whether one was active.
func (r *Registry) End(ownerID string) bool {
	v, ok := r.cache.Get(ownerID)
	r.cache.Del(ownerID)
	if !ok {
		return false
	}
	r.closeSession(v.(*Session))
	return true
}

// Active returns the number of live sessions.
func (r *Registry) Active() int {
	return int(r.active.Load())
}

// Close stops the cache's background goroutines.
func (r *Registry) Close() {
	r.cache.Close()
}

func (r *Registry) load(ownerID string) *Session {
	if v, ok := r.cache.Get(ownerID); ok {
		return v.(*Session)
	}
	v, _, _ := r.group.Do(ownerID, func() (interface{}, error) {
		if v, ok := r.cache.Get(ownerID); ok {
			return v, nil
		}
		now := r.now()
		sess := &Session{OwnerID: ownerID, StartedAt: now, lastActive: now}
		r.store(sess)
		r.logger.Debug("session started", zap.String("owner", ownerID))
		return sess, nil
	})
	return v.(*Session)
}

// store (re)inserts sess with a fresh idle deadline.
func (r *Registry) store(sess *Session) {
	if !r.cache.SetWithTTL(sess.OwnerID, sess, 1, r.idle) {
		return
	}
	// Sets are applied asynchronously; wait so the next Get sees this one.
	r.cache.Wait()
	if v, ok := r.cache.Get(sess.OwnerID); !ok || v.(*Session) != sess {
		// Rejected by the admission policy.
		return
	}
	if sess.open.CompareAndSwap(false, true) {
		r.active.Add(1)
		r.metrics.SessionOpened()
	}
}

func (r *Registry) dropped(item *ristretto.Item) {
	if sess, ok := item.Value.(*Session); ok {
		r.closeSession(sess)
	}
}

func (r *Registry) closeSession(sess *Session) {
	if sess.open.CompareAndSwap(true, false) {
		r.active.Add(-1)
		r.metrics.SessionClosed()
		r.logger.Debug("session ended", zap.String("owner", sess.OwnerID))
	}
}
