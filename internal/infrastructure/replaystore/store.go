// Package replaystore indexes replay files in SQLite so finished rounds can
// be browsed and filtered without decoding their bodies.
package replaystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/younwookim/linkplay/internal/application/replay"
	"github.com/younwookim/linkplay/internal/infrastructure/replaystore/migrations"
)

// Entry is one indexed round.
type Entry struct {
	Path       string
	MatchID    string
	Round      uint32
	GameID     string
	GameTitle  string
	GameCRC32  uint32
	Role       string
	LocalName  string
	RemoteName string
	Seed       uint32
	StartedAt  time.Time
	Ticks      int
	Reason     string
	Winner     string
	Side       string
	DesyncTick *uint32
	Size       int64
	IndexedAt  time.Time
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	MatchID string
	GameID  string
	Reason  string
	Limit   int
}

// Store persists the replay index.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// Open opens the index at path, creating it and applying migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("index path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	dsn := "file:" + clean + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put records h as the header of the file at path, replacing any earlier
// entry for the same path.
func (s *Store) Put(ctx context.Context, path string, h replay.Header, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "" {
		return errors.New("replay path is required")
	}
	started, _ := time.Parse(time.RFC3339, h.StartTime)
	var desync sql.NullInt64
	if h.DesyncTick != nil {
		desync = sql.NullInt64{Int64: int64(*h.DesyncTick), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replays (
		   path, match_id, round, game_id, game_title, game_crc32, role,
		   local_name, remote_name, seed, started_at, ticks, reason, winner,
		   side, desync_tick, size_bytes, indexed_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   match_id = excluded.match_id,
		   round = excluded.round,
		   game_id = excluded.game_id,
		   game_title = excluded.game_title,
		   game_crc32 = excluded.game_crc32,
		   role = excluded.role,
		   local_name = excluded.local_name,
		   remote_name = excluded.remote_name,
		   seed = excluded.seed,
		   started_at = excluded.started_at,
		   ticks = excluded.ticks,
		   reason = excluded.reason,
		   winner = excluded.winner,
		   side = excluded.side,
		   desync_tick = excluded.desync_tick,
		   size_bytes = excluded.size_bytes,
		   indexed_at = excluded.indexed_at`,
		path, h.MatchID, h.Round, h.Game.ID, h.Game.Title, h.Game.CRC32, h.Role,
		h.Local.Nickname, h.Remote.Nickname, h.Seed, toMillis(started), h.Ticks,
		h.Outcome.Reason, h.Outcome.Winner, h.Outcome.Side, desync, size,
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("index %s: %w", path, err)
	}
	return nil
}

// Index reads the header of the replay file at path and records it.
func (s *Store) Index(ctx context.Context, path string) (Entry, error) {
	h, err := replay.ReadMetadataFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}
	if err := s.Put(ctx, path, h, info.Size()); err != nil {
		return Entry{}, err
	}
	return s.Get(ctx, path)
}

// IndexDir indexes every replay file under dir. Unreadable files are
// reported through skip and do not stop the walk.
func (s *Store) IndexDir(ctx context.Context, dir string, skip func(path string, err error)) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), replay.Extension) {
			return nil
		}
		if _, err := s.Index(ctx, path); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if skip != nil {
				skip(path, err)
			}
			return nil
		}
		n++
		return nil
	})
	return n, err
}

const selectColumns = `path, match_id, round, game_id, game_title, game_crc32, role,
	local_name, remote_name, seed, started_at, ticks, reason, winner, side,
	desync_tick, size_bytes, indexed_at`

// ErrNotFound is returned by Get for an unknown path.
var ErrNotFound = errors.New("replay not indexed")

// Get returns the entry for path.
func (s *Store) Get(ctx context.Context, path string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM replays WHERE path = ?`, path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.MatchID != "" {
		where = append(where, "match_id = ?")
		args = append(args, f.MatchID)
	}
	if f.GameID != "" {
		where = append(where, "game_id = ?")
		args = append(args, f.GameID)
	}
	if f.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, f.Reason)
	}
	q := `SELECT ` + selectColumns + ` FROM replays`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, match_id, round"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list replays: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                Entry
		started, indexed int64
		desync           sql.NullInt64
	)
	err := sc.Scan(&e.Path, &e.MatchID, &e.Round, &e.GameID, &e.GameTitle, &e.GameCRC32, &e.Role,
		&e.LocalName, &e.RemoteName, &e.Seed, &started, &e.Ticks, &e.Reason, &e.Winner, &e.Side,
		&desync, &e.Size, &indexed)
	if err != nil {
		return Entry{}, err
	}
	e.StartedAt = fromMillis(started)
	e.IndexedAt = fromMillis(indexed)
	if desync.Valid {
		t := uint32(desync.Int64)
		e.DesyncTick = &t
	}
	return e, nil
}

// Sink saves finished rounds into Dir and indexes them.
type Sink struct {
	Dir   string
	Store *Store
}

// SaveReplay writes l and records it in the index.
func (k Sink) SaveReplay(l *replay.Log) (string, error) {
	path, err := replay.DirSink{Dir: k.Dir}.SaveReplay(l)
	if err != nil {
		return "", err
	}
	if k.Store == nil {
		return path, nil
	}
	if _, err := k.Store.Index(context.Background(), path); err != nil {
		return path, err
	}
	return path, nil
}
