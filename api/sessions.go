package api

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicsense/reward-ledger/ledger"
)

// ErrSessionNotFound is returned when closing an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Sessions owns the complaint-removal listener of every signed-in session.
// Signing out, or shutting down, releases them.
type Sessions struct {
	Reconciler *ledger.Reconciler

	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	active map[string]*session
}

type session struct {
	id      string
	userID  ledger.UserID
	started time.Time
	cancel  func()
}

// NewSessions creates an empty registry. Listeners outlive the request
// that opened them and end with CloseAll.
func NewSessions(r *ledger.Reconciler) *Sessions {
	base, stop := context.WithCancel(context.Background())
	return &Sessions{
		Reconciler: r,
		base:       base,
		stop:       stop,
		active:     make(map[string]*session),
	}
}

// Open attaches a reconciler for userID and returns the session.
func (s *Sessions) Open(userID ledger.UserID) (SessionDTO, error) {
	cancel, err := s.Reconciler.Subscribe(s.base, userID)
	if err != nil {
		return SessionDTO{}, err
	}

	sess := &session{
		id:      uuid.NewString(),
		userID:  userID,
		started: time.Now().UTC(),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.active[sess.id] = sess
	s.mu.Unlock()

	return sess.dto(), nil
}

// Close detaches one of userID's sessions.
func (s *Sessions) Close(userID ledger.UserID, id string) error {
	s.mu.Lock()
	sess, ok := s.active[id]
	if !ok || sess.userID != userID {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.active, id)
	s.mu.Unlock()

	sess.cancel()
	return nil
}

// List returns userID's sessions ordered by start time.
func (s *Sessions) List(userID ledger.UserID) []SessionDTO {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SessionDTO
	for _, sess := range s.active {
		if sess.userID == userID {
			out = append(out, sess.dto())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt < out[j].StartedAt })
	return out
}

// Count returns how many sessions userID has open on this instance.
func (s *Sessions) Count(userID ledger.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.active {
		if sess.userID == userID {
			n++
		}
	}
	return n
}

// CloseAll detaches every session.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	all := s.active
	s.active = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.cancel()
	}
	s.stop()
	if len(all) > 0 {
		log.Printf("[Sessions] Closed %d session(s)", len(all))
	}
}

func (sess *session) dto() SessionDTO {
	return SessionDTO{
		ID:        sess.id,
		UserID:    string(sess.userID),
		StartedAt: sess.started.Format(time.RFC3339Nano),
	}
}
