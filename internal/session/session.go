// Package session implements the UnifiedSession: the in-memory,
// single-writer object tracking one operator conversation — its
// RunSheet of ordered pending intents, its DagState of completed verbs
// and session flags, a resolver cache, and the monotonic runbook
// version counter every freeze draws from.
//
// Sessions are single-writer: each session serializes its own
// utterances behind a mutex rather than any cross-session lock.
package session

import (
	"sync"
	"time"

	"github.com/ob-poc/runbook-engine/internal/ids"
)

// Intent is one pending entry on the run sheet: an utterance and the
// verb it was classified to (empty until classification runs).
type Intent struct {
	Utterance string
	Verb      string
	AddedAt   time.Time
}

// DagState tracks which verbs have completed this session and which
// session flags are set — the state macro prereqs evaluate against
// (StateExists reads Flags, VerbCompleted reads Completed).
type DagState struct {
	Completed map[string]bool
	Flags     map[string]string
}

// UnifiedSession is one operator conversation's mutable state.
type UnifiedSession struct {
	mu sync.Mutex

	id             ids.SessionID
	runSheet       []Intent
	dag            DagState
	scope          map[string]string
	resolverCache  map[string]string
	runbookVersion int64
}

func New() *UnifiedSession {
	return &UnifiedSession{
		id: ids.NewSessionID(),
		dag: DagState{
			Completed: make(map[string]bool),
			Flags:     make(map[string]string),
		},
		scope:         make(map[string]string),
		resolverCache: make(map[string]string),
	}
}

func (s *UnifiedSession) ID() ids.SessionID { return s.id }

// PushIntent appends a pending intent to the run sheet.
func (s *UnifiedSession) PushIntent(utterance, verb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runSheet = append(s.runSheet, Intent{Utterance: utterance, Verb: verb, AddedAt: time.Now()})
}

// PopIntent removes and returns the oldest pending intent, reporting
// false when the run sheet is empty.
func (s *UnifiedSession) PopIntent() (Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runSheet) == 0 {
		return Intent{}, false
	}
	head := s.runSheet[0]
	s.runSheet = s.runSheet[1:]
	return head, true
}

// RunSheetLen is observed before and after each step to compute the
// run-sheet delta used by tests and telemetry.
func (s *UnifiedSession) RunSheetLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runSheet)
}

// NextRunbookVersion returns the next monotonic, session-scoped
// runbook version. Every freeze gets a strictly increasing number.
func (s *UnifiedSession) NextRunbookVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runbookVersion++
	return s.runbookVersion
}

// HasFlag reports whether a session flag is set (to any value).
func (s *UnifiedSession) HasFlag(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dag.Flags[key]
	return ok
}

// SetFlag sets a session flag.
func (s *UnifiedSession) SetFlag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dag.Flags[key] = value
}

// VerbCompleted reports whether the given verb has completed this
// session.
func (s *UnifiedSession) VerbCompleted(verb string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dag.Completed[verb]
}

// MarkVerbCompleted records a verb as completed.
func (s *UnifiedSession) MarkVerbCompleted(verb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dag.Completed[verb] = true
}

// Scope returns the session scope value for a key, used by macro
// expansion's ${scope.k} argument templates.
func (s *UnifiedSession) Scope(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.scope[key]
	return v, ok
}

// SetScope stores a session scope value.
func (s *UnifiedSession) SetScope(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope[key] = value
}

// CachedResolution returns a previously resolved canonical key for a
// search text, if this session already resolved it.
func (s *UnifiedSession) CachedResolution(text string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resolverCache[text]
	return v, ok
}

// CacheResolution records a resolved canonical key for a search text.
func (s *UnifiedSession) CacheResolution(text, canonical string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolverCache[text] = canonical
}

// ApplyCompletion records a runbook's completion effects on the
// session: every executed verb is marked completed and every
// sets_state entry from the runbook's macros is applied.
func (s *UnifiedSession) ApplyCompletion(executedVerbs []string, setsState map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range executedVerbs {
		s.dag.Completed[v] = true
	}
	for k, v := range setsState {
		s.dag.Flags[k] = v
	}
}

// Manager holds live sessions by id, letting the admin surface and the
// callback handlers find the same UnifiedSession across calls.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*UnifiedSession
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*UnifiedSession)}
}

// Get returns the session with the given id, creating it when id is
// unknown or empty (an empty id always creates a fresh session).
func (m *Manager) Get(id string) *UnifiedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			return s
		}
	}
	s := New()
	m.sessions[s.ID().String()] = s
	return s
}
