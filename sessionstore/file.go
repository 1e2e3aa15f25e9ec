package sessionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/viant/afs"
	"github.com/viant/afs/url"

	"github.com/martinemde/relay/conversation"
)

const (
	dirMode  = os.ModeDir | 0o700
	fileMode = 0o600

	sessionsDir    = "sessions"
	checkpointsDir = "checkpoints"
	tempMarker     = ".tmp-"
)

// FileStore keeps sessions as JSON objects under a base URL:
//
//	<base>/sessions/<id>.json
//	<base>/checkpoints/<checkpointId>.json
//
// Objects are uploaded under a temporary name and moved into place.
type FileStore struct {
	fs      afs.Service
	baseURL string
	logger  zerolog.Logger
	now     func() time.Time
	locks   keyedMutex
}

type FileOption func(*FileStore)

func WithFileLogger(logger zerolog.Logger) FileOption {
	return func(s *FileStore) { s.logger = logger }
}

// WithService replaces the afs service, mostly for tests.
func WithService(fs afs.Service) FileOption {
	return func(s *FileStore) { s.fs = fs }
}

// NewFileStore opens a store rooted at baseURL. A plain path is treated as a
// local directory.
func NewFileStore(ctx context.Context, baseURL string, opts ...FileOption) (*FileStore, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("file store: empty base url")
	}
	if url.Scheme(baseURL, "") == "" {
		abs, err := filepath.Abs(baseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "file store: resolve %s", baseURL)
		}
		baseURL = "file://" + abs
	}
	s := &FileStore{
		fs:      afs.New(),
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{sessionsDir, checkpointsDir} {
		dirURL := url.Join(s.baseURL, dir)
		if ok, _ := s.fs.Exists(ctx, dirURL); ok {
			continue
		}
		if err := s.fs.Create(ctx, dirURL, dirMode, true); err != nil {
			return nil, errors.Wrapf(err, "file store: create %s", dirURL)
		}
	}
	return s, nil
}

var _ Store = (*FileStore)(nil)

func (s *FileStore) sessionURL(id string) string {
	return url.Join(s.baseURL, sessionsDir, id+".json")
}

func (s *FileStore) checkpointURL(id string) string {
	return url.Join(s.baseURL, checkpointsDir, id+".json")
}

// writeAtomic uploads data next to target and renames it into place, so a
// reader never observes a partial object.
func (s *FileStore) writeAtomic(ctx context.Context, target string, data []byte) error {
	tmp := target + tempMarker + uuid.NewString()[:8]
	if err := s.fs.Upload(ctx, tmp, fileMode, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "upload %s", tmp)
	}
	if err := s.fs.Move(ctx, tmp, target); err != nil {
		_ = s.fs.Delete(ctx, tmp)
		return errors.Wrapf(err, "move %s", target)
	}
	return nil
}

func (s *FileStore) read(ctx context.Context, objURL string) ([]byte, error) {
	ok, err := s.fs.Exists(ctx, objURL)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", objURL)
	}
	if !ok {
		return nil, ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, objURL)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", objURL)
	}
	return data, nil
}

func (s *FileStore) writeHead(ctx context.Context, h head) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	return s.writeAtomic(ctx, s.sessionURL(h.Session.ID), data)
}

func (s *FileStore) readHead(ctx context.Context, id string) (*head, error) {
	data, err := s.read(ctx, s.sessionURL(id))
	if err != nil {
		return nil, errors.Wrapf(err, "session %s", id)
	}
	var h head
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", id)
	}
	return &h, nil
}

// Create persists the head of a new session.
func (s *FileStore) Create(ctx context.Context, sess *conversation.Session) error {
	unlock := s.locks.lock(sess.ID)
	defer unlock()
	return s.writeHead(ctx, head{Session: sess.Snapshot()})
}

func (s *FileStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	h, err := s.readHead(ctx, id)
	if err != nil {
		return nil, err
	}
	return conversation.FromSnapshot(h.Session), nil
}

// Checkpoint writes the record first and the session head second. A crash in
// between leaves a valid checkpoint that the head does not mention yet.
func (s *FileStore) Checkpoint(ctx context.Context, sess *conversation.Session, state RunState) (Checkpoint, error) {
	unlock := s.locks.lock(sess.ID)
	defer unlock()

	id, snap := prepare(sess, s.now())
	rec := newRecord(id, snap, state, snap.UpdatedAt)
	data, err := json.Marshal(rec)
	if err != nil {
		return Checkpoint{}, errors.Wrap(err, "encode checkpoint")
	}
	if err := s.writeAtomic(ctx, s.checkpointURL(id), data); err != nil {
		return Checkpoint{}, errors.Wrapf(err, "checkpoint %s", id)
	}
	if err := s.writeHead(ctx, head{Session: snap, LatestCheckpoint: id}); err != nil {
		return Checkpoint{}, errors.Wrapf(err, "checkpoint %s", id)
	}
	sess.AddCheckpoint(id)

	s.logger.Debug().
		Str("session_id", sess.ID).
		Str("checkpoint_id", id).
		Int("turns", rec.TurnIndex).
		Msg("checkpoint written")
	return Checkpoint{ID: id, SessionID: sess.ID, TurnIndex: rec.TurnIndex, CreatedAt: rec.CreatedAt}, nil
}

func (s *FileStore) Restore(ctx context.Context, checkpointID string) (*Restored, error) {
	data, err := s.read(ctx, s.checkpointURL(checkpointID))
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", checkpointID)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", checkpointID)
	}
	return rec.restored(), nil
}

// listJSON returns the base names, without extension, of the JSON objects
// in dir.
func (s *FileStore) listJSON(ctx context.Context, dir string) ([]string, error) {
	objects, err := s.fs.List(ctx, url.Join(s.baseURL, dir))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var names []string
	for _, o := range objects {
		name := filepath.Base(o.Name())
		if o.IsDir() || strings.Contains(name, tempMarker) || filepath.Ext(name) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	return names, nil
}

func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	ids, err := s.listJSON(ctx, sessionsDir)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		h, err := s.readHead(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("skipping unreadable session")
			continue
		}
		out = append(out, h.summary())
	}
	sortSummaries(out)
	return out, nil
}

func (s *FileStore) Prune(ctx context.Context, r Retention) (int, error) {
	ids, err := s.listJSON(ctx, checkpointsDir)
	if err != nil {
		return 0, err
	}
	bySession := map[string][]string{}
	for _, id := range ids {
		sid, _, _, err := ParseCheckpointID(id)
		if err != nil {
			continue
		}
		bySession[sid] = append(bySession[sid], id)
	}
	now := s.now()
	removed := 0
	for sid, list := range bySession {
		drop := expired(list, r, now)
		if len(drop) == 0 {
			continue
		}
		n, err := s.pruneSession(ctx, sid, drop)
		removed += n
		if err != nil {
			return removed, err
		}
		s.logger.Debug().Str("session_id", sid).Int("removed", len(drop)).Msg("checkpoints pruned")
	}
	return removed, nil
}

// pruneSession deletes drop and rewrites the head so it no longer lists them.
func (s *FileStore) pruneSession(ctx context.Context, sid string, drop []string) (int, error) {
	unlock := s.locks.lock(sid)
	defer unlock()

	removed := 0
	for _, id := range drop {
		if err := s.fs.Delete(ctx, s.checkpointURL(id)); err != nil {
			return removed, errors.Wrapf(err, "delete checkpoint %s", id)
		}
		removed++
	}
	h, err := s.readHead(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return removed, nil
	}
	if err != nil {
		return removed, err
	}
	if h.forget(drop) {
		if err := s.writeHead(ctx, *h); err != nil {
			return removed, errors.Wrapf(err, "session %s", sid)
		}
	}
	return removed, nil
}

func (s *FileStore) Close() error { return nil }
