package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Session is the per-user conversation state.
type Session struct {
	UserID     string            `json:"user_id"`
	Algorithm  string            `json:"algorithm,omitempty"`
	Messages   int               `json:"messages"`
	LastIntent domain.IntentKind `json:"last_intent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastSeen   time.Time         `json:"last_seen"`

	limiter *rate.Limiter
}

// Sessions is an in-memory session table with idle expiry.
type Sessions struct {
	mu     sync.Mutex
	items  map[string]*Session
	ttl    time.Duration
	limit  rate.Limit
	burst  int
	now    func() time.Time
	sweeps int
}

// NewSessions creates a session table. perMinute <= 0 disables rate limiting.
func NewSessions(ttl time.Duration, perMinute, burst int) *Sessions {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &Sessions{
		items: make(map[string]*Session),
		ttl:   ttl,
		limit: limit,
		burst: burst,
		now:   time.Now,
	}
}

// open returns a copy of the live session for userID, creating it if
// needed, and reports whether the message is within the user's rate limit.
func (s *Sessions) open(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	sess, ok := s.items[userID]
	if !ok || s.expired(sess, now) {
		sess = &Session{
			UserID:    userID,
			CreatedAt: now,
			limiter:   rate.NewLimiter(s.limit, s.burst),
		}
		s.items[userID] = sess
	}
	sess.LastSeen = now
	return *sess, sess.limiter.AllowN(now, 1)
}

// update applies fn to the session under the table lock.
func (s *Sessions) update(userID string, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.items[userID]; ok {
		fn(sess)
	}
}

// Get returns a copy of the user's session.
func (s *Sessions) Get(userID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.items[userID]
	if !ok || s.expired(sess, s.now()) {
		return Session{}, false
	}
	out := *sess
	out.limiter = nil
	return out, true
}

// Clear drops the user's session and reports whether one existed.
func (s *Sessions) Clear(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[userID]
	delete(s.items, userID)
	return ok
}

// Len returns the number of stored sessions, expired ones included.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Sessions) expired(sess *Session, now time.Time) bool {
	return s.ttl > 0 && now.Sub(sess.LastSeen) > s.ttl
}

// sweep drops expired sessions every 100 opens.
func (s *Sessions) sweep(now time.Time) {
	s.sweeps++
	if s.sweeps < 100 {
		return
	}
	s.sweeps = 0
	for id, sess := range s.items {
		if s.expired(sess, now) {
			delete(s.items, id)
		}
	}
}
