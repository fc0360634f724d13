package gptcord

import (
	"context"
	"crypto/rand"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
)

// DefaultSessionTombstones is how many ended session IDs are remembered,
// so stale controls can report "already ended" instead of "not found".
const DefaultSessionTombstones = 1024

// SessionKey identifies a conversation: one per user per channel.
type SessionKey struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

func (k SessionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", k.UserID),
		slog.String("channel_id", k.ChannelID),
	)
}

// Turn is one exchange in a conversation. ResponseID is the provider's
// identifier for the response, used to chain the next request.
type Turn struct {
	ResponseID string   `json:"response_id"`
	Prompt     string   `json:"prompt"`
	ImageURLs  []string `json:"image_urls,omitempty"`
}

// Session is a snapshot of a conversation. Values returned by
// SessionStore are copies; mutating them has no effect on the store.
type Session struct {
	ID        string         `json:"id"`
	Key       SessionKey     `json:"key"`
	Params    ConverseParams `json:"params"`
	Chain     []Turn         `json:"chain"`
	Paused    bool           `json:"paused"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Tail returns the most recent turn's response ID, or an empty string
// if the chain is empty.
func (s Session) Tail() string {
	if len(s.Chain) == 0 {
		return ""
	}
	return s.Chain[len(s.Chain)-1].ResponseID
}

func (s Session) clone() Session {
	s.Chain = slices.Clone(s.Chain)
	return s
}

// SessionStore holds all active conversations in memory. It is safe for
// concurrent use.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[SessionKey]*Session
	byID     map[string]SessionKey
	queues   map[SessionKey]*turnQueue

	// ended remembers IDs of stopped/cleared sessions
	ended *lru.Cache[string, time.Time]
	// started is the ULID timestamp of the store's creation. Any ID issued
	// since then that isn't active has ended, even once its tombstone is
	// evicted.
	started uint64

	now   func() time.Time
	newID func() string
}

// NewSessionStore returns an empty store remembering up to tombstones
// ended session IDs.
func NewSessionStore(tombstones int) *SessionStore {
	if tombstones <= 0 {
		tombstones = DefaultSessionTombstones
	}
	ended, err := lru.New[string, time.Time](tombstones)
	if err != nil {
		panic(err)
	}
	entropy := ulid.Monotonic(rand.Reader, 0)
	var entropyMu sync.Mutex
	return &SessionStore{
		sessions: map[SessionKey]*Session{},
		byID:     map[string]SessionKey{},
		queues:   map[SessionKey]*turnQueue{},
		ended:    ended,
		started:  ulid.Now(),
		now:      time.Now,
		newID: func() string {
			entropyMu.Lock()
			defer entropyMu.Unlock()
			return ulid.MustNew(ulid.Now(), entropy).String()
		},
	}
}

// GetOrCreate returns the session for key, creating it with params if
// none exists. created reports whether a new session was made.
func (s *SessionStore) GetOrCreate(key SessionKey, params ConverseParams) (
	sess Session,
	created bool,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, created := s.getOrCreateLocked(key, params)
	return stored.clone(), created
}

func (s *SessionStore) getOrCreateLocked(key SessionKey, params ConverseParams) (*Session, bool) {
	if existing, ok := s.sessions[key]; ok {
		return existing, false
	}
	now := s.now()
	stored := &Session{
		ID:        s.newID(),
		Key:       key,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[key] = stored
	s.byID[stored.ID] = key
	return stored, true
}

// Get returns the active session for key.
func (s *SessionStore) Get(key SessionKey) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Lookup returns the active session with the given ID. It returns
// ErrSessionGone if the session was ended, or ErrSessionNotFound if
// the ID isn't known at all.
func (s *SessionStore) Lookup(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return Session{}, err
	}
	return sess.clone(), nil
}

func (s *SessionStore) lookupLocked(id string) (*Session, error) {
	key, ok := s.byID[id]
	if ok {
		if sess, exists := s.sessions[key]; exists && sess.ID == id {
			return sess, nil
		}
	}
	if s.ended.Contains(id) || s.issuedHere(id) {
		return nil, ErrSessionGone
	}
	return nil, ErrSessionNotFound
}

// issuedHere reports whether id is a ULID minted since the store was
// created.
func (s *SessionStore) issuedHere(id string) bool {
	parsed, err := ulid.ParseStrict(id)
	return err == nil && parsed.Time() >= s.started
}

// current returns the stored record for sess, or ErrSessionGone if the
// session was cleared or replaced since sess was obtained.
func (s *SessionStore) current(sess Session) (*Session, error) {
	stored, ok := s.sessions[sess.Key]
	if !ok || stored.ID != sess.ID {
		return nil, ErrSessionGone
	}
	return stored, nil
}

// AppendResponse adds turn to the end of the session's chain.
func (s *SessionStore) AppendResponse(sess Session, turn Turn) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.current(sess)
	if err != nil {
		return Session{}, err
	}
	stored.Chain = append(stored.Chain, turn)
	stored.UpdatedAt = s.now()
	return stored.clone(), nil
}

// Regenerate removes and returns the last turn of the session's chain.
// It returns ErrEmptySession if there's nothing to remove.
func (s *SessionStore) Regenerate(sess Session) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.current(sess)
	if err != nil {
		return Turn{}, err
	}
	if len(stored.Chain) == 0 {
		return Turn{}, ErrEmptySession
	}
	last := stored.Chain[len(stored.Chain)-1]
	stored.Chain = stored.Chain[:len(stored.Chain)-1]
	stored.UpdatedAt = s.now()
	return last, nil
}

// SetPaused sets the session's pause flag. changed is false if the flag
// already had the requested value.
func (s *SessionStore) SetPaused(sess Session, paused bool) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.current(sess)
	if err != nil {
		return false, err
	}
	if stored.Paused == paused {
		return false, nil
	}
	stored.Paused = paused
	stored.UpdatedAt = s.now()
	return true, nil
}

// Clear removes the session for key, if any. Its ID is remembered as
// ended. Clear reports whether a session was removed.
func (s *SessionStore) Clear(key SessionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(key)
}

// End removes sess from the store if it is still the active session for
// its key. It returns ErrSessionGone if it was already removed.
func (s *SessionStore) End(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.current(sess); err != nil {
		return err
	}
	s.clearLocked(sess.Key)
	return nil
}

func (s *SessionStore) clearLocked(key SessionKey) bool {
	stored, ok := s.sessions[key]
	if !ok {
		return false
	}
	delete(s.sessions, key)
	delete(s.byID, stored.ID)
	s.ended.Add(stored.ID, s.now())
	return true
}

// List returns a copy of every active session, oldest first.
func (s *SessionStore) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	slices.SortFunc(
		out, func(a, b Session) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		},
	)
	return out
}

// Len returns the number of active sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// turnQueue serializes work for a single SessionKey. Waiters are granted
// the turn in the order they enqueued.
type turnQueue struct {
	busy    bool
	waiters []chan struct{}
}

// TurnTicket is a place in a SessionKey's turn queue. The place is taken
// when the ticket is issued, so tickets issued in event order are served
// in event order regardless of when Wait is called. Release must be
// called once the ticket is done with, whether or not Wait succeeded.
type TurnTicket struct {
	store     *SessionStore
	key       SessionKey
	sessionID string
	q         *turnQueue
	ready     chan struct{}
	release   func()
}

// enqueueLocked issues a ticket for key. s.mu must be held.
func (s *SessionStore) enqueueLocked(key SessionKey, sessionID string) *TurnTicket {
	q, ok := s.queues[key]
	if !ok {
		q = &turnQueue{}
		s.queues[key] = q
	}
	t := &TurnTicket{
		store:     s,
		key:       key,
		sessionID: sessionID,
		q:         q,
		ready:     make(chan struct{}),
	}
	t.release = sync.OnceFunc(t.releaseTurn)
	if !q.busy {
		q.busy = true
		close(t.ready)
	} else {
		q.waiters = append(q.waiters, t.ready)
	}
	return t
}

// Enqueue takes the next place in sess's turn queue without blocking.
// The ticket's Wait fails with ErrSessionGone if sess has ended by the
// time the turn comes up.
func (s *SessionStore) Enqueue(sess Session) *TurnTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(sess.Key, sess.ID)
}

// Begin creates a session for key and holds the first place in its turn
// queue, so nothing can be chained ahead of the opening prompt. It returns
// the existing session and ErrSessionExists if key already has one.
func (s *SessionStore) Begin(key SessionKey, params ConverseParams) (
	Session,
	*TurnTicket,
	error,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, created := s.getOrCreateLocked(key, params)
	if !created {
		return stored.clone(), nil, ErrSessionExists
	}
	return stored.clone(), s.enqueueLocked(key, stored.ID), nil
}

// Key returns the SessionKey the ticket queues on.
func (t *TurnTicket) Key() SessionKey {
	return t.key
}

// Wait blocks until the ticket holds the turn, or ctx is done. It returns
// a fresh snapshot of the ticket's session, or ErrSessionGone if it ended
// while the ticket waited.
func (t *TurnTicket) Wait(ctx context.Context) (Session, error) {
	if err := t.wait(ctx); err != nil {
		return Session{}, err
	}
	if t.sessionID == "" {
		return Session{}, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	stored, ok := t.store.sessions[t.key]
	if !ok || stored.ID != t.sessionID {
		return Session{}, ErrSessionGone
	}
	return stored.clone(), nil
}

func (t *TurnTicket) wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Release gives up the ticket: the turn is passed to the next waiter if
// the ticket held it, otherwise its place in the queue is dropped. It is
// safe to call more than once.
func (t *TurnTicket) Release() {
	t.release()
}

func (t *TurnTicket) releaseTurn() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	q := t.q
	if idx := slices.Index(q.waiters, t.ready); idx >= 0 {
		q.waiters = slices.Delete(q.waiters, idx, idx+1)
		return
	}
	if len(q.waiters) == 0 {
		q.busy = false
		if s.queues[t.key] == q {
			delete(s.queues, t.key)
		}
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// Acquire blocks until the caller holds the turn for key, or ctx is done.
// Callers must call release exactly once when finished. Turns are granted
// in the order Acquire was called.
func (s *SessionStore) Acquire(ctx context.Context, key SessionKey) (
	release func(),
	err error,
) {
	s.mu.Lock()
	t := s.enqueueLocked(key, "")
	s.mu.Unlock()
	if err := t.wait(ctx); err != nil {
		t.Release()
		return nil, err
	}
	return t.Release, nil
}

// queuedTurns returns the number of callers waiting on key.
func (s *SessionStore) queuedTurns(key SessionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		return len(q.waiters)
	}
	return 0
}
