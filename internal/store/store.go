// Package store persists the AutoMarathon domain model in a local SQLite
// file, per spec.md §6.5. All access runs through the Hub (spec.md §5:
// "The Store is accessed exclusively through the Hub.")
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"automarathon/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row with the requested key does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists AutoMarathon state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Backup writes a consistent snapshot of the database to destPath using
// SQLite's own online-backup statement, so it never blocks concurrent
// writers for longer than the copy itself takes.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	destPath = strings.TrimSpace(destPath)
	if destPath == "" {
		return fmt.Errorf("backup destination path is required")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	slog.Info("sqlite store backed up", "dest", destPath)
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS person (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	pronouns TEXT NOT NULL DEFAULT '',
	iso_location TEXT NOT NULL DEFAULT '',
	discord_id TEXT NOT NULL DEFAULT '',
	is_host_flag INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runner (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	participant_id INTEGER NOT NULL REFERENCES person(id),
	stream_url TEXT NOT NULL DEFAULT '',
	override_stream_url TEXT NOT NULL DEFAULT '',
	resolved_urls TEXT NOT NULL DEFAULT '{}',
	stream_volume_percent INTEGER NOT NULL DEFAULT 100,
	therun_handle TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runner_participant ON runner(participant_id);

CREATE TABLE IF NOT EXISTS event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	game TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	console TEXT NOT NULL DEFAULT '',
	complete INTEGER NOT NULL DEFAULT 0,
	estimate_sec INTEGER NOT NULL DEFAULT 0,
	event_start_epoch_ms INTEGER NOT NULL DEFAULT 0,
	timer_start_epoch_ms INTEGER NOT NULL DEFAULT 0,
	timer_end_epoch_ms INTEGER NOT NULL DEFAULT 0,
	preferred_layouts TEXT NOT NULL DEFAULT '[]',
	is_relay INTEGER NOT NULL DEFAULT 0,
	is_marathon INTEGER NOT NULL DEFAULT 0,
	commentators TEXT NOT NULL DEFAULT '[]',
	runner_state TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS stream (
	event_id INTEGER PRIMARY KEY REFERENCES event(id),
	obs_host TEXT NOT NULL,
	audible_runner INTEGER,
	requested_layout TEXT NOT NULL DEFAULT '',
	stream_runners TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_stream_host ON stream(obs_host);

CREATE TABLE IF NOT EXISTS host_config (
	name TEXT PRIMARY KEY,
	connected INTEGER NOT NULL DEFAULT 0,
	streaming INTEGER NOT NULL DEFAULT 0,
	frame_rate REAL NOT NULL DEFAULT 0,
	program_scene TEXT NOT NULL DEFAULT '',
	preview_scene TEXT NOT NULL DEFAULT '',
	scenes TEXT NOT NULL DEFAULT '{}',
	voice_users TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS custom_fields (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS lock_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	editor TEXT NOT NULL DEFAULT '',
	heartbeat_epoch_ms INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO lock_state (id, editor, heartbeat_epoch_ms) VALUES (1, '', 0);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	// Best-effort column additions for forward compatibility; ignore errors
	// for columns that already exist, matching the teacher's migrate().
	for _, stmt := range []string{
		`ALTER TABLE runner ADD COLUMN therun_handle TEXT NOT NULL DEFAULT ''`,
	} {
		_, _ = s.db.ExecContext(ctx, stmt)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// LoadState reads the entire domain model back from disk, used at startup
// and by the round-trip testable property (spec.md §8).
func (s *Store) LoadState(ctx context.Context) (*domain.AMState, error) {
	st := domain.NewAMState()

	if err := s.loadPeople(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadRunners(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadEvents(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadStreams(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadHosts(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadCustomFields(ctx, st); err != nil {
		return nil, err
	}
	if err := s.loadLock(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) loadPeople(ctx context.Context, st *domain.AMState) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, pronouns, iso_location, discord_id, is_host_flag FROM person`)
	if err != nil {
		return fmt.Errorf("load people: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Person
		var isHost int
		if err := rows.Scan(&p.ID, &p.Name, &p.Pronouns, &p.ISOLocation, &p.DiscordID, &isHost); err != nil {
			return fmt.Errorf("scan person: %w", err)
		}
		p.IsHost = isHost != 0
		st.People[p.ID] = p
	}
	return rows.Err()
}

func (s *Store) loadRunners(ctx context.Context, st *domain.AMState) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, participant_id, stream_url, override_stream_url, resolved_urls, stream_volume_percent, therun_handle FROM runner`)
	if err != nil {
		return fmt.Errorf("load runners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.Runner
		var resolved string
		if err := rows.Scan(&r.ID, &r.ParticipantID, &r.StreamURL, &r.OverrideStreamURL, &resolved, &r.StreamVolumePct, &r.TheRunHandle); err != nil {
			return fmt.Errorf("scan runner: %w", err)
		}
		if err := json.Unmarshal([]byte(resolved), &r.ResolvedURLs); err != nil {
			return fmt.Errorf("decode runner %d resolved_urls: %w", r.ID, err)
		}
		st.Runners[r.ID] = r
	}
	return rows.Err()
}

func (s *Store) loadEvents(ctx context.Context, st *domain.AMState) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, game, category, console, complete, estimate_sec, event_start_epoch_ms, timer_start_epoch_ms, timer_end_epoch_ms, preferred_layouts, is_relay, is_marathon, commentators, runner_state FROM event`)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.Event
		var complete, isRelay, isMarathon int
		var preferredLayouts, commentators, runnerState string
		if err := rows.Scan(&e.ID, &e.Name, &e.Game, &e.Category, &e.Console, &complete, &e.EstimateSec,
			&e.EventStartEpochMs, &e.TimerStartEpochMs, &e.TimerEndEpochMs, &preferredLayouts,
			&isRelay, &isMarathon, &commentators, &runnerState); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		e.Complete = complete != 0
		e.IsRelay = isRelay != 0
		e.IsMarathon = isMarathon != 0
		if err := json.Unmarshal([]byte(preferredLayouts), &e.PreferredLayouts); err != nil {
			return fmt.Errorf("decode event %d preferred_layouts: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(commentators), &e.Commentators); err != nil {
			return fmt.Errorf("decode event %d commentators: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(runnerState), &e.RunnerState); err != nil {
			return fmt.Errorf("decode event %d runner_state: %w", e.ID, err)
		}
		st.Events[e.ID] = e
	}
	return rows.Err()
}

func (s *Store) loadStreams(ctx context.Context, st *domain.AMState) error {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, obs_host, audible_runner, requested_layout, stream_runners FROM stream`)
	if err != nil {
		return fmt.Errorf("load streams: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var str domain.Stream
		var audible sql.NullInt64
		var streamRunners string
		if err := rows.Scan(&str.EventID, &str.ObsHost, &audible, &str.RequestedLayout, &streamRunners); err != nil {
			return fmt.Errorf("scan stream: %w", err)
		}
		if audible.Valid {
			v := audible.Int64
			str.AudibleRunner = &v
		}
		var raw map[string]int64
		if err := json.Unmarshal([]byte(streamRunners), &raw); err != nil {
			return fmt.Errorf("decode stream %d stream_runners: %w", str.EventID, err)
		}
		str.StreamRunners = make(map[int]int64, len(raw))
		for k, v := range raw {
			var slot int
			if _, err := fmt.Sscanf(k, "%d", &slot); err != nil {
				return fmt.Errorf("decode stream %d slot key %q: %w", str.EventID, k, err)
			}
			str.StreamRunners[slot] = v
		}
		st.Streams[str.EventID] = str
	}
	return rows.Err()
}

func (s *Store) loadHosts(ctx context.Context, st *domain.AMState) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, connected, streaming, frame_rate, program_scene, preview_scene, scenes, voice_users FROM host_config`)
	if err != nil {
		return fmt.Errorf("load hosts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h domain.Host
		var connected, streaming int
		var scenes, voiceUsers string
		if err := rows.Scan(&h.Name, &connected, &streaming, &h.FrameRate, &h.ProgramScene, &h.PreviewScene, &scenes, &voiceUsers); err != nil {
			return fmt.Errorf("scan host: %w", err)
		}
		h.Connected = connected != 0
		h.Streaming = streaming != 0
		if err := json.Unmarshal([]byte(scenes), &h.Scenes); err != nil {
			return fmt.Errorf("decode host %s scenes: %w", h.Name, err)
		}
		if err := json.Unmarshal([]byte(voiceUsers), &h.VoiceUsers); err != nil {
			return fmt.Errorf("decode host %s voice_users: %w", h.Name, err)
		}
		st.Hosts[h.Name] = h
	}
	return rows.Err()
}

func (s *Store) loadCustomFields(ctx context.Context, st *domain.AMState) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM custom_fields`)
	if err != nil {
		return fmt.Errorf("load custom fields: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scan custom field: %w", err)
		}
		st.CustomFields[k] = v
	}
	return rows.Err()
}

func (s *Store) loadLock(ctx context.Context, st *domain.AMState) error {
	row := s.db.QueryRowContext(ctx, `SELECT editor, heartbeat_epoch_ms FROM lock_state WHERE id = 1`)
	if err := row.Scan(&st.Lock.Editor, &st.Lock.HeartbeatEpochMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("load lock state: %w", err)
	}
	return nil
}
