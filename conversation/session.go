package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrOrphanResult is returned when a tool turn does not answer the requests
// of the assistant turn before it one-to-one.
var ErrOrphanResult = errors.New("tool result does not match a pending request")

// Session is an ordered, append-only sequence of turns plus metadata.
type Session struct {
	ID          string            `json:"id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Checkpoints []string          `json:"checkpoints,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`

	turns []Turn
	mu    sync.RWMutex
}

// NewSession creates an empty session with a fresh id.
func NewSession(metadata map[string]string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func restore(id, parentID string, metadata map[string]string, checkpoints []string, turns []Turn, createdAt, updatedAt time.Time) *Session {
	return &Session{
		ID:          id,
		ParentID:    parentID,
		Metadata:    metadata,
		Checkpoints: append([]string(nil), checkpoints...),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		turns:       append([]Turn(nil), turns...),
	}
}

// Append adds a turn at the end of the sequence. A tool turn must answer the
// requests of the immediately preceding assistant turn, one result per request.
func (s *Session) Append(turn Turn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Role == RoleTool {
		if err := s.checkResults(turn.Results); err != nil {
			return 0, err
		}
	}
	if turn.Role == RoleAssistant {
		seen := make(map[string]bool, len(turn.ToolCalls))
		for i := range turn.ToolCalls {
			if id := turn.ToolCalls[i].ID; id == "" || seen[id] {
				turn.ToolCalls[i].ID = NewCallID()
			}
			seen[turn.ToolCalls[i].ID] = true
			turn.ToolCalls[i].TurnIndex = len(s.turns)
		}
	}
	s.turns = append(s.turns, turn)
	s.UpdatedAt = time.Now().UTC()
	return len(s.turns) - 1, nil
}

func (s *Session) checkResults(results []ToolCallResult) error {
	if len(s.turns) == 0 || !s.turns[len(s.turns)-1].HasToolCalls() {
		return errors.Wrap(ErrOrphanResult, "no preceding tool calls")
	}
	pending := map[string]bool{}
	for _, c := range s.turns[len(s.turns)-1].ToolCalls {
		pending[c.ID] = true
	}
	if len(results) != len(pending) {
		return errors.Wrapf(ErrOrphanResult, "%d results for %d requests", len(results), len(pending))
	}
	for _, r := range results {
		if !pending[r.RequestID] {
			return errors.Wrapf(ErrOrphanResult, "request %q", r.RequestID)
		}
		delete(pending, r.RequestID)
	}
	return nil
}

// Turns returns a copy of the turn sequence.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.turns...)
}

// Len returns the number of turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns the final turn, if any.
func (s *Session) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// PendingCalls returns the tool calls of the last turn when it is an
// assistant turn still waiting for results.
func (s *Session) PendingCalls() []ToolCallRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 || !s.turns[len(s.turns)-1].HasToolCalls() {
		return nil
	}
	return append([]ToolCallRequest(nil), s.turns[len(s.turns)-1].ToolCalls...)
}

// AddCheckpoint records a checkpoint id written for this session.
func (s *Session) AddCheckpoint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checkpoints = append(s.Checkpoints, id)
}

// CheckpointIDs returns a copy of the recorded checkpoint ids.
func (s *Session) CheckpointIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.Checkpoints...)
}

// Snapshot is a consistent copy of a session's persisted fields.
type Snapshot struct {
	ID          string            `json:"id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Checkpoints []string          `json:"checkpoints,omitempty"`
	Turns       []Turn            `json:"turns"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Snapshot copies the session under its read lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:          s.ID,
		ParentID:    s.ParentID,
		Metadata:    meta,
		Checkpoints: append([]string(nil), s.Checkpoints...),
		Turns:       append([]Turn{}, s.turns...),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// FromSnapshot rebuilds a session.
func FromSnapshot(snap Snapshot) *Session {
	return restore(snap.ID, snap.ParentID, snap.Metadata, snap.Checkpoints, snap.Turns, snap.CreatedAt, snap.UpdatedAt)
}
