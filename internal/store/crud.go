package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"automarathon/internal/domain"
)

// SavePerson inserts or updates a person row. When p.ID is zero an id is
// assigned and written back into p.ID.
func (s *Store) SavePerson(ctx context.Context, p *domain.Person) error {
	if p.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO person (name, pronouns, iso_location, discord_id, is_host_flag) VALUES (?, ?, ?, ?, ?)`,
			p.Name, p.Pronouns, p.ISOLocation, p.DiscordID, boolToInt(p.IsHost))
		if err != nil {
			return fmt.Errorf("insert person: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("person last insert id: %w", err)
		}
		p.ID = id
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE person SET name = ?, pronouns = ?, iso_location = ?, discord_id = ?, is_host_flag = ? WHERE id = ?`,
		p.Name, p.Pronouns, p.ISOLocation, p.DiscordID, boolToInt(p.IsHost), p.ID)
	if err != nil {
		return fmt.Errorf("update person %d: %w", p.ID, err)
	}
	return nil
}

// DeletePerson removes a person row. Callers must have already checked
// Invariant 1 (no Event references any owned Runner).
func (s *Store) DeletePerson(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runner WHERE participant_id = ?`, id); err != nil {
		return fmt.Errorf("delete runners for person %d: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM person WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete person %d: %w", id, err)
	}
	return nil
}

// SaveRunner inserts or updates a runner row.
func (s *Store) SaveRunner(ctx context.Context, r *domain.Runner) error {
	resolved, err := json.Marshal(r.ResolvedURLs)
	if err != nil {
		return fmt.Errorf("encode runner %d resolved_urls: %w", r.ID, err)
	}
	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO runner (participant_id, stream_url, override_stream_url, resolved_urls, stream_volume_percent, therun_handle) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ParticipantID, r.StreamURL, r.OverrideStreamURL, string(resolved), r.StreamVolumePct, r.TheRunHandle)
		if err != nil {
			return fmt.Errorf("insert runner: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("runner last insert id: %w", err)
		}
		r.ID = id
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runner SET participant_id = ?, stream_url = ?, override_stream_url = ?, resolved_urls = ?, stream_volume_percent = ?, therun_handle = ? WHERE id = ?`,
		r.ParticipantID, r.StreamURL, r.OverrideStreamURL, string(resolved), r.StreamVolumePct, r.TheRunHandle, r.ID)
	if err != nil {
		return fmt.Errorf("update runner %d: %w", r.ID, err)
	}
	return nil
}

// DeleteRunner removes a runner row. Callers must have already checked
// Invariant 1 (ERR_IN_USE).
func (s *Store) DeleteRunner(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runner WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete runner %d: %w", id, err)
	}
	return nil
}

// SaveEvent inserts or updates an event row.
func (s *Store) SaveEvent(ctx context.Context, e *domain.Event) error {
	preferredLayouts, err := json.Marshal(e.PreferredLayouts)
	if err != nil {
		return fmt.Errorf("encode event %d preferred_layouts: %w", e.ID, err)
	}
	commentators, err := json.Marshal(e.Commentators)
	if err != nil {
		return fmt.Errorf("encode event %d commentators: %w", e.ID, err)
	}
	runnerState, err := json.Marshal(e.RunnerState)
	if err != nil {
		return fmt.Errorf("encode event %d runner_state: %w", e.ID, err)
	}
	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO event (name, game, category, console, complete, estimate_sec, event_start_epoch_ms, timer_start_epoch_ms, timer_end_epoch_ms, preferred_layouts, is_relay, is_marathon, commentators, runner_state)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Name, e.Game, e.Category, e.Console, boolToInt(e.Complete), e.EstimateSec,
			e.EventStartEpochMs, e.TimerStartEpochMs, e.TimerEndEpochMs, string(preferredLayouts),
			boolToInt(e.IsRelay), boolToInt(e.IsMarathon), string(commentators), string(runnerState))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("event last insert id: %w", err)
		}
		e.ID = id
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE event SET name = ?, game = ?, category = ?, console = ?, complete = ?, estimate_sec = ?,
		 event_start_epoch_ms = ?, timer_start_epoch_ms = ?, timer_end_epoch_ms = ?, preferred_layouts = ?,
		 is_relay = ?, is_marathon = ?, commentators = ?, runner_state = ? WHERE id = ?`,
		e.Name, e.Game, e.Category, e.Console, boolToInt(e.Complete), e.EstimateSec,
		e.EventStartEpochMs, e.TimerStartEpochMs, e.TimerEndEpochMs, string(preferredLayouts),
		boolToInt(e.IsRelay), boolToInt(e.IsMarathon), string(commentators), string(runnerState), e.ID)
	if err != nil {
		return fmt.Errorf("update event %d: %w", e.ID, err)
	}
	return nil
}

// DeleteEvent removes an event row and detaches its Stream (spec.md §3
// Lifecycles: "deleting the Event detaches the Stream").
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stream WHERE event_id = ?`, id); err != nil {
		return fmt.Errorf("detach stream for event %d: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete event %d: %w", id, err)
	}
	return nil
}

// SaveStream inserts or updates a stream row, keyed by event id.
func (s *Store) SaveStream(ctx context.Context, str *domain.Stream) error {
	raw := make(map[string]int64, len(str.StreamRunners))
	for slot, runner := range str.StreamRunners {
		raw[fmt.Sprintf("%d", slot)] = runner
	}
	streamRunners, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode stream %d stream_runners: %w", str.EventID, err)
	}
	var audible sql.NullInt64
	if str.AudibleRunner != nil {
		audible = sql.NullInt64{Int64: *str.AudibleRunner, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stream (event_id, obs_host, audible_runner, requested_layout, stream_runners)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET obs_host = excluded.obs_host, audible_runner = excluded.audible_runner,
			requested_layout = excluded.requested_layout, stream_runners = excluded.stream_runners`,
		str.EventID, str.ObsHost, audible, str.RequestedLayout, string(streamRunners))
	if err != nil {
		return fmt.Errorf("upsert stream %d: %w", str.EventID, err)
	}
	return nil
}

// DeleteStream removes the stream bound to an event id.
func (s *Store) DeleteStream(ctx context.Context, eventID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stream WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete stream %d: %w", eventID, err)
	}
	return nil
}

// SaveHost inserts or updates a host_config row, keyed by name.
func (s *Store) SaveHost(ctx context.Context, h *domain.Host) error {
	scenes, err := json.Marshal(h.Scenes)
	if err != nil {
		return fmt.Errorf("encode host %s scenes: %w", h.Name, err)
	}
	voiceUsers, err := json.Marshal(h.VoiceUsers)
	if err != nil {
		return fmt.Errorf("encode host %s voice_users: %w", h.Name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO host_config (name, connected, streaming, frame_rate, program_scene, preview_scene, scenes, voice_users)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET connected = excluded.connected, streaming = excluded.streaming,
			frame_rate = excluded.frame_rate, program_scene = excluded.program_scene,
			preview_scene = excluded.preview_scene, scenes = excluded.scenes, voice_users = excluded.voice_users`,
		h.Name, boolToInt(h.Connected), boolToInt(h.Streaming), h.FrameRate, h.ProgramScene, h.PreviewScene,
		string(scenes), string(voiceUsers))
	if err != nil {
		return fmt.Errorf("upsert host %s: %w", h.Name, err)
	}
	return nil
}

// SetCustomField upserts one custom field.
func (s *Store) SetCustomField(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_fields (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("upsert custom field %q: %w", key, err)
	}
	return nil
}

// SaveLock persists the single LockState record.
func (s *Store) SaveLock(ctx context.Context, l domain.LockState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE lock_state SET editor = ?, heartbeat_epoch_ms = ? WHERE id = 1`, l.Editor, l.HeartbeatEpochMs)
	if err != nil {
		return fmt.Errorf("save lock state: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
