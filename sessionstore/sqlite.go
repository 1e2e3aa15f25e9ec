package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/relay/conversation"
)

// SQLiteStore keeps session heads and checkpoint records in two tables.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
	locks  keyedMutex
}

var _ Store = (*SQLiteStore)(nil)

type SQLiteOption func(*SQLiteStore)

func WithSQLiteLogger(logger zerolog.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = logger }
}

func NewSQLiteStore(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite session store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: open")
	}
	s := &SQLiteStore{
		db:     db,
		logger: log.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			head_json TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL,
			updated_at_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			created_at_ns INTEGER NOT NULL,
			record_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS checkpoints_by_session ON checkpoints(session_id, created_at_ns DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_by_updated ON sessions(updated_at_ns DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const upsertSession = `INSERT INTO sessions (id, parent_id, head_json, created_at_ns, updated_at_ns)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET head_json = excluded.head_json, updated_at_ns = excluded.updated_at_ns`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func writeHead(ctx context.Context, db execer, h head) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	_, err = db.ExecContext(ctx, upsertSession,
		h.Session.ID, h.Session.ParentID, string(data),
		h.Session.CreatedAt.UnixNano(), h.Session.UpdatedAt.UnixNano())
	return errors.Wrapf(err, "write session %s", h.Session.ID)
}

func (s *SQLiteStore) Create(ctx context.Context, sess *conversation.Session) error {
	unlock := s.locks.lock(sess.ID)
	defer unlock()
	return writeHead(ctx, s.db, head{Session: sess.Snapshot()})
}

func (s *SQLiteStore) readHead(ctx context.Context, id string) (*head, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT head_json FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read session %s", id)
	}
	var h head
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", id)
	}
	return &h, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	h, err := s.readHead(ctx, id)
	if err != nil {
		return nil, err
	}
	return conversation.FromSnapshot(h.Session), nil
}

// Checkpoint inserts the record and updates the session head in one
// transaction.
func (s *SQLiteStore) Checkpoint(ctx context.Context, sess *conversation.Session, state RunState) (Checkpoint, error) {
	unlock := s.locks.lock(sess.ID)
	defer unlock()

	id, snap := prepare(sess, s.now())
	rec := newRecord(id, snap, state, snap.UpdatedAt)
	data, err := json.Marshal(rec)
	if err != nil {
		return Checkpoint{}, errors.Wrap(err, "encode checkpoint")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, errors.Wrap(err, "begin checkpoint")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, turn_index, created_at_ns, record_json) VALUES (?, ?, ?, ?, ?)`,
		id, sess.ID, rec.TurnIndex, rec.CreatedAt.UnixNano(), string(data)); err != nil {
		return Checkpoint{}, errors.Wrapf(err, "insert checkpoint %s", id)
	}
	if err := writeHead(ctx, tx, head{Session: snap, LatestCheckpoint: id}); err != nil {
		return Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Checkpoint{}, errors.Wrapf(err, "commit checkpoint %s", id)
	}
	sess.AddCheckpoint(id)

	s.logger.Debug().
		Str("session_id", sess.ID).
		Str("checkpoint_id", id).
		Int("turns", rec.TurnIndex).
		Msg("checkpoint written")
	return Checkpoint{ID: id, SessionID: sess.ID, TurnIndex: rec.TurnIndex, CreatedAt: rec.CreatedAt}, nil
}

func (s *SQLiteStore) Restore(ctx context.Context, checkpointID string) (*Restored, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM checkpoints WHERE id = ?`, checkpointID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "checkpoint %s", checkpointID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", checkpointID)
	}
	rec, err := decodeRecord([]byte(data))
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", checkpointID)
	}
	return rec.restored(), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, head_json FROM sessions ORDER BY updated_at_ns DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errors.Wrap(err, "list sessions")
		}
		var h head
		if err := json.Unmarshal([]byte(data), &h); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("skipping unreadable session")
			continue
		}
		out = append(out, h.summary())
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, r Retention) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id FROM checkpoints`)
	if err != nil {
		return 0, errors.Wrap(err, "list checkpoints")
	}
	bySession := map[string][]string{}
	for rows.Next() {
		var id, sid string
		if err := rows.Scan(&id, &sid); err != nil {
			_ = rows.Close()
			return 0, errors.Wrap(err, "list checkpoints")
		}
		bySession[sid] = append(bySession[sid], id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "list checkpoints")
	}

	now := s.now()
	removed := 0
	for sid, list := range bySession {
		drop := expired(list, r, now)
		if len(drop) == 0 {
			continue
		}
		if err := s.pruneSession(ctx, sid, drop); err != nil {
			return removed, err
		}
		removed += len(drop)
	}
	return removed, nil
}

// pruneSession deletes drop and rewrites the head in one transaction.
func (s *SQLiteStore) pruneSession(ctx context.Context, sid string, drop []string) error {
	unlock := s.locks.lock(sid)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin prune")
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range drop {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
			return errors.Wrapf(err, "delete checkpoint %s", id)
		}
	}
	var data string
	err = tx.QueryRowContext(ctx, `SELECT head_json FROM sessions WHERE id = ?`, sid).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return errors.Wrapf(err, "read session %s", sid)
	default:
		var h head
		if err := json.Unmarshal([]byte(data), &h); err != nil {
			return errors.Wrapf(err, "decode session %s", sid)
		}
		if h.forget(drop) {
			if err := writeHead(ctx, tx, h); err != nil {
				return err
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit prune")
}
