// Package models defines the data structures shared across apptflow components.
package models

import (
	"maps"
	"slices"
	"time"
)

// Message is a single entry in a session's ordered conversation history.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the mutable per-conversation aggregate. A session is owned by
// exactly one in-flight orchestration turn at a time; the session manager
// enforces that serialization.
type Session struct {
	ID            string              `json:"id"`        // external session identifier
	ThreadID      string              `json:"thread_id"` // internal persistence thread
	State         State               `json:"state"`
	Data          map[DataKey]string  `json:"data,omitempty"`
	RetryCounters map[FlowKey]int     `json:"retry_counters,omitempty"`
	History       []Message           `json:"history"`
	Language      string              `json:"language,omitempty"` // detected language hint
	Platform      string              `json:"platform,omitempty"` // originating channel hint
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// NewSession creates a session in the start state with empty collections.
func NewSession(id, threadID string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		ThreadID:      threadID,
		State:         StateStart,
		Data:          make(map[DataKey]string),
		RetryCounters: make(map[FlowKey]int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SetData stores a collected field, allocating the map on first use.
func (s *Session) SetData(key DataKey, value string) {
	if s.Data == nil {
		s.Data = make(map[DataKey]string)
	}
	s.Data[key] = value
}

// AppendMessage appends one message to the session history.
func (s *Session) AppendMessage(role, content string) {
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: time.Now()})
}

// Snapshot is the unit of persistence: the full replaceable session record.
type Snapshot struct {
	State         State              `json:"state"`
	Data          map[DataKey]string `json:"data,omitempty"`
	RetryCounters map[FlowKey]int    `json:"retry_counters,omitempty"`
	History       []Message          `json:"history"`
	Language      string             `json:"language,omitempty"`
	Platform      string             `json:"platform,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Snapshot captures the session's persistent fields for an atomic store
// replace. Maps and history are copied so later turn mutations on the live
// session can never reach an already-committed snapshot.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:         s.State,
		Data:          maps.Clone(s.Data),
		RetryCounters: maps.Clone(s.RetryCounters),
		History:       slices.Clone(s.History),
		Language:      s.Language,
		Platform:      s.Platform,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Restore rebuilds a session from a persisted snapshot. The session gets its
// own copies of the maps and history, so the snapshot a store handed out
// stays frozen while the restored session mutates.
func Restore(id, threadID string, snap Snapshot) *Session {
	sess := &Session{
		ID:            id,
		ThreadID:      threadID,
		State:         snap.State,
		Data:          maps.Clone(snap.Data),
		RetryCounters: maps.Clone(snap.RetryCounters),
		History:       slices.Clone(snap.History),
		Language:      snap.Language,
		Platform:      snap.Platform,
		CreatedAt:     snap.CreatedAt,
		UpdatedAt:     snap.UpdatedAt,
	}
	if sess.State == "" {
		sess.State = StateStart
	}
	if sess.Data == nil {
		sess.Data = make(map[DataKey]string)
	}
	if sess.RetryCounters == nil {
		sess.RetryCounters = make(map[FlowKey]int)
	}
	return sess
}
