// Package sessionstore persists sessions and their checkpoints.
//
// A checkpoint captures a complete prefix of a session's turns together with
// the context manager and loop detector state needed to resume it. Records
// are written atomically and are never modified afterwards.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/martinemde/relay/contextmgr"
	"github.com/martinemde/relay/conversation"
	"github.com/martinemde/relay/loopdetect"
)

// SchemaVersion is the version of the checkpoint record layout.
const SchemaVersion = 1

var (
	ErrNotFound               = errors.New("not found")
	ErrIncompatibleCheckpoint = errors.New("incompatible checkpoint")
)

// Store is implemented by the file and SQLite backends.
type Store interface {
	Create(ctx context.Context, s *conversation.Session) error
	Load(ctx context.Context, id string) (*conversation.Session, error)
	Checkpoint(ctx context.Context, s *conversation.Session, state RunState) (Checkpoint, error)
	Restore(ctx context.Context, checkpointID string) (*Restored, error)
	List(ctx context.Context) ([]Summary, error)
	Prune(ctx context.Context, r Retention) (int, error)
	Close() error
}

// RunState is the non-turn state captured with a checkpoint.
type RunState struct {
	Context contextmgr.State
	Loop    loopdetect.State
}

// Checkpoint identifies a written record.
type Checkpoint struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnIndex int       `json:"turn_index"`
	CreatedAt time.Time `json:"created_at"`
}

// Restored is a session rebuilt from a checkpoint.
type Restored struct {
	Session    *conversation.Session
	Checkpoint Checkpoint
	State      RunState
}

// Summary describes a stored session for listings.
type Summary struct {
	ID               string            `json:"id"`
	ParentID         string            `json:"parent_id,omitempty"`
	Turns            int               `json:"turns"`
	Checkpoints      int               `json:"checkpoints"`
	LatestCheckpoint string            `json:"latest_checkpoint,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Retention selects checkpoints to prune. The newest checkpoint of every
// session is always kept.
type Retention struct {
	KeepLast int           `yaml:"keep_last"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Record is the persisted checkpoint layout.
type Record struct {
	SchemaVersion       int                 `json:"schemaVersion"`
	CheckpointID        string              `json:"checkpointId"`
	SessionID           string              `json:"sessionId"`
	ParentID            string              `json:"parentId,omitempty"`
	TurnIndex           int                 `json:"turnIndex"`
	Turns               []conversation.Turn `json:"turns"`
	LoopDetectorWindow  loopdetect.State    `json:"loopDetectorWindow"`
	ContextManagerState contextmgr.State    `json:"contextManagerState"`
	Metadata            map[string]string   `json:"metadata,omitempty"`
	Checkpoints         []string            `json:"checkpoints,omitempty"`
	SessionCreatedAt    time.Time           `json:"sessionCreatedAt"`
	CreatedAt           time.Time           `json:"createdAt"`
}

// head is the latest known state of a session, kept beside its checkpoints.
type head struct {
	Session          conversation.Snapshot `json:"session"`
	LatestCheckpoint string                `json:"latest_checkpoint,omitempty"`
}

// forget removes ids from the session's checkpoint list and reports whether
// anything changed.
func (h *head) forget(ids []string) bool {
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	kept := h.Session.Checkpoints[:0:0]
	for _, id := range h.Session.Checkpoints {
		if !gone[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(h.Session.Checkpoints) {
		return false
	}
	h.Session.Checkpoints = kept
	if gone[h.LatestCheckpoint] {
		h.LatestCheckpoint = ""
		if n := len(kept); n > 0 {
			h.LatestCheckpoint = kept[n-1]
		}
	}
	return true
}

func (h head) summary() Summary {
	return Summary{
		ID:               h.Session.ID,
		ParentID:         h.Session.ParentID,
		Turns:            len(h.Session.Turns),
		Checkpoints:      len(h.Session.Checkpoints),
		LatestCheckpoint: h.LatestCheckpoint,
		Metadata:         h.Session.Metadata,
		CreatedAt:        h.Session.CreatedAt,
		UpdatedAt:        h.Session.UpdatedAt,
	}
}

// NewCheckpointID formats <sessionID>-<turnIndex>-<unix nanos>.
func NewCheckpointID(sessionID string, turnIndex int, at time.Time) string {
	return fmt.Sprintf("%s-%06d-%d", sessionID, turnIndex, at.UnixNano())
}

// ParseCheckpointID splits an id produced by NewCheckpointID.
func ParseCheckpointID(id string) (sessionID string, turnIndex int, at time.Time, err error) {
	nanoSep := strings.LastIndexByte(id, '-')
	if nanoSep <= 0 {
		return "", 0, time.Time{}, errors.Errorf("malformed checkpoint id %q", id)
	}
	turnSep := strings.LastIndexByte(id[:nanoSep], '-')
	if turnSep <= 0 {
		return "", 0, time.Time{}, errors.Errorf("malformed checkpoint id %q", id)
	}
	nanos, err := strconv.ParseInt(id[nanoSep+1:], 10, 64)
	if err != nil {
		return "", 0, time.Time{}, errors.Wrapf(err, "checkpoint id %q", id)
	}
	turnIndex, err = strconv.Atoi(id[turnSep+1 : nanoSep])
	if err != nil {
		return "", 0, time.Time{}, errors.Wrapf(err, "checkpoint id %q", id)
	}
	return id[:turnSep], turnIndex, time.Unix(0, nanos).UTC(), nil
}

// newRecord captures snap and state. The snapshot already lists id among
// its checkpoints.
func newRecord(id string, snap conversation.Snapshot, state RunState, at time.Time) Record {
	return Record{
		SchemaVersion:       SchemaVersion,
		CheckpointID:        id,
		SessionID:           snap.ID,
		ParentID:            snap.ParentID,
		TurnIndex:           len(snap.Turns),
		Turns:               snap.Turns,
		LoopDetectorWindow:  state.Loop,
		ContextManagerState: state.Context,
		Metadata:            snap.Metadata,
		Checkpoints:         snap.Checkpoints,
		SessionCreatedAt:    snap.CreatedAt,
		CreatedAt:           at,
	}
}

// prepare snapshots s and assigns the id of its next checkpoint.
func prepare(s *conversation.Session, now time.Time) (string, conversation.Snapshot) {
	snap := s.Snapshot()
	id := NewCheckpointID(snap.ID, len(snap.Turns), now)
	snap.Checkpoints = append(snap.Checkpoints, id)
	snap.UpdatedAt = now
	return id, snap
}

func decodeRecord(data []byte) (*Record, error) {
	var version struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	if version.SchemaVersion != SchemaVersion {
		return nil, errors.Wrapf(ErrIncompatibleCheckpoint, "schema version %d, want %d", version.SchemaVersion, SchemaVersion)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return &rec, nil
}

func (r *Record) restored() *Restored {
	snap := conversation.Snapshot{
		ID:          r.SessionID,
		ParentID:    r.ParentID,
		Metadata:    r.Metadata,
		Checkpoints: r.Checkpoints,
		Turns:       r.Turns,
		CreatedAt:   r.SessionCreatedAt,
		UpdatedAt:   r.CreatedAt,
	}
	return &Restored{
		Session: conversation.FromSnapshot(snap),
		Checkpoint: Checkpoint{
			ID:        r.CheckpointID,
			SessionID: r.SessionID,
			TurnIndex: r.TurnIndex,
			CreatedAt: r.CreatedAt,
		},
		State: RunState{Context: r.ContextManagerState, Loop: r.LoopDetectorWindow},
	}
}

// expired returns the checkpoints of one session that r drops. ids must
// belong to the same session.
func expired(ids []string, r Retention, now time.Time) []string {
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		_, _, at, err := ParseCheckpointID(id)
		if err != nil {
			continue
		}
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })

	var out []string
	for i, e := range entries {
		if i == 0 {
			continue
		}
		if r.KeepLast > 0 && i >= r.KeepLast {
			out = append(out, e.id)
			continue
		}
		if r.MaxAge > 0 && now.Sub(e.at) > r.MaxAge {
			out = append(out, e.id)
		}
	}
	return out
}

func sortSummaries(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
}

// keyedMutex serializes writes per session id.
type keyedMutex struct {
	locks sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
