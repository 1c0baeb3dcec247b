package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"automarathon/internal/domain"
	"automarathon/internal/slashcmd"
	"automarathon/internal/timer"

	"github.com/labstack/echo/v4"
)

// editorHeader names the requesting dashboard identity. The shared-secret
// auth model (session.Validator) has no per-user accounts, so layout
// mutations that need a RequestedBy / lock-holder comparison carry the
// editor's display name out-of-band in this header instead.
const editorHeader = "X-Editor-Name"

func editorOf(c echo.Context) string {
	return c.Request().Header.Get(editorHeader)
}

// decodeAndValidate reads the request body, validates it against the named
// schema, and unmarshals it into out. Returns an ERR_BAD_REQUEST response
// written directly to c on failure (second return value false).
func (s *Server) decodeAndValidate(c echo.Context, schemaName string, out interface{}) (bool, error) {
	var raw interface{}
	dec := json.NewDecoder(c.Request().Body)
	if err := dec.Decode(&raw); err != nil {
		return false, c.JSON(http.StatusBadRequest, errorBody{Kind: string(domain.ErrBadRequest), Detail: "invalid JSON body: " + err.Error()})
	}
	if err := s.schemas.validate(schemaName, raw); err != nil {
		return false, c.JSON(http.StatusBadRequest, errorBody{Kind: string(domain.ErrBadRequest), Detail: err.Error()})
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return false, c.JSON(http.StatusBadRequest, errorBody{Kind: string(domain.ErrBadRequest), Detail: err.Error()})
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return false, c.JSON(http.StatusBadRequest, errorBody{Kind: string(domain.ErrBadRequest), Detail: err.Error()})
	}
	return true, nil
}

type idBody struct {
	ID int64 `json:"id"`
}

// --- /participant ---

func (s *Server) handleCreatePerson(c echo.Context) error {
	var p domain.Person
	if ok, err := s.decodeAndValidate(c, "person", &p); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutCreatePerson, Person: &p, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.People[res.AssignedID])
}

func (s *Server) handleUpdatePerson(c echo.Context) error {
	var p domain.Person
	if ok, err := s.decodeAndValidate(c, "person", &p); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutUpdatePerson, Person: &p, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.People[res.AssignedID])
}

func (s *Server) handleDeletePerson(c echo.Context) error {
	var body idBody
	if ok, err := s.decodeAndValidate(c, "idOnly", &body); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutDeletePerson, PersonID: body.ID, RequestedBy: editorOf(c)})
	return writeMutationResult(c, res, err, body)
}

// --- /runner ---

func (s *Server) handleCreateRunner(c echo.Context) error {
	var r domain.Runner
	if ok, err := s.decodeAndValidate(c, "runner", &r); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutCreateRunner, Runner: &r, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Runners[res.AssignedID])
}

func (s *Server) handleUpdateRunner(c echo.Context) error {
	var r domain.Runner
	if ok, err := s.decodeAndValidate(c, "runner", &r); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutUpdateRunner, Runner: &r, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Runners[res.AssignedID])
}

func (s *Server) handleDeleteRunner(c echo.Context) error {
	var body idBody
	if ok, err := s.decodeAndValidate(c, "idOnly", &body); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutDeleteRunner, RunnerID: body.ID, RequestedBy: editorOf(c)})
	return writeMutationResult(c, res, err, body)
}

func (s *Server) handleRefreshRunner(c echo.Context) error {
	var body idBody
	if ok, err := s.decodeAndValidate(c, "idOnly", &body); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutRefreshRunnerURLs, RunnerID: body.ID, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Runners[body.ID])
}

// --- /event ---

func (s *Server) handleCreateEvent(c echo.Context) error {
	var e domain.Event
	if ok, err := s.decodeAndValidate(c, "event", &e); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutCreateEvent, Event: &e, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Events[res.AssignedID])
}

func (s *Server) handleUpdateEvent(c echo.Context) error {
	var e domain.Event
	if ok, err := s.decodeAndValidate(c, "event", &e); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutUpdateEvent, Event: &e, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Events[res.AssignedID])
}

func (s *Server) handleDeleteEvent(c echo.Context) error {
	var body idBody
	if ok, err := s.decodeAndValidate(c, "idOnly", &body); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutDeleteEvent, EventID: body.ID, RequestedBy: editorOf(c)})
	return writeMutationResult(c, res, err, body)
}

// --- /stream (layout-affecting: requires the editor lock, spec.md §4.6) ---

func (s *Server) handleCreateStream(c echo.Context) error {
	var str domain.Stream
	if ok, err := s.decodeAndValidate(c, "stream", &str); !ok {
		return err
	}
	if err := s.requireLockHolder(c); err != nil {
		return writeMutationError(c, err)
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutCreateStream, Stream: &str, StreamID: str.EventID, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Streams[str.EventID])
}

func (s *Server) handleUpdateStream(c echo.Context) error {
	var str domain.Stream
	if ok, err := s.decodeAndValidate(c, "stream", &str); !ok {
		return err
	}
	if err := s.requireLockHolder(c); err != nil {
		return writeMutationError(c, err)
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutUpdateStream, Stream: &str, StreamID: str.EventID, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Streams[str.EventID])
}

func (s *Server) handleDeleteStream(c echo.Context) error {
	var body idBody
	if ok, err := s.decodeAndValidate(c, "idOnly", &body); !ok {
		return err
	}
	if err := s.requireLockHolder(c); err != nil {
		return writeMutationError(c, err)
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutDeleteStream, StreamID: body.ID, RequestedBy: editorOf(c)})
	return writeMutationResult(c, res, err, body)
}

// --- /hosts, /discord/volume, /custom-field ---

type hostsToggleBody struct {
	Host      string `json:"host"`
	Streaming bool   `json:"streaming"`
}

func (s *Server) handleSetHostStreaming(c echo.Context) error {
	var body hostsToggleBody
	if ok, err := s.decodeAndValidate(c, "hostsToggle", &body); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutSetStreaming, Host: body.Host, Streaming: body.Streaming, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Hosts[body.Host])
}

type discordVolumeBody struct {
	Host   string `json:"host"`
	User   string `json:"user"`
	Volume int    `json:"volume"`
}

func (s *Server) handleSetDiscordVolume(c echo.Context) error {
	var body discordVolumeBody
	if ok, err := s.decodeAndValidate(c, "discordVolume", &body); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutSetVoiceGain, Host: body.Host, VoiceUser: body.User, GainPercent: body.Volume, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, res.Snapshot.Hosts[body.Host])
}

type customFieldBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleSetCustomField(c echo.Context) error {
	var body customFieldBody
	if ok, err := s.decodeAndValidate(c, "customField", &body); !ok {
		return err
	}
	res, err := s.hub.Apply(c.Request().Context(), domain.Mutation{Kind: domain.MutSetCustomField, CustomFieldKey: body.Key, CustomFieldValue: body.Value, RequestedBy: editorOf(c)})
	if err != nil {
		return writeMutationResult(c, res, err, nil)
	}
	return writeMutationResult(c, res, err, customFieldBody{Key: body.Key, Value: res.Snapshot.CustomFields[body.Key]})
}

// --- /command, /timer ---
//
// Neither route appears in spec.md §6.1's table, which enumerates only the
// entity-CRUD surface; the Slash-Command Adapter (§4.9) and Timer Service
// (§4.8) are still named components that need some external trigger, and
// the chat/bot transport that would normally host them is explicitly out of
// scope (§1). The REST surface is the only in-scope boundary left to expose
// them through, subject to the same session/rate-limit middleware as every
// other mutating route.

type commandBody struct {
	Line string `json:"line"`
}

type commandResponse struct {
	Text string `json:"text"`
}

func (s *Server) handleCommand(c echo.Context) error {
	var body commandBody
	if ok, err := s.decodeAndValidate(c, "command", &body); !ok {
		return err
	}
	res, err := slashcmd.Execute(c.Request().Context(), s.hub, editorOf(c), body.Line)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Kind: string(domain.ErrBadRequest), Detail: err.Error()})
	}
	return c.JSON(http.StatusOK, commandResponse{Text: res.Text})
}

type timerBody struct {
	Event  int64  `json:"event"`
	Action string `json:"action"`
}

func (s *Server) handleTimer(c echo.Context) error {
	var body timerBody
	if ok, err := s.decodeAndValidate(c, "timer", &body); !ok {
		return err
	}
	nowMs := time.Now().UnixMilli()
	var err error
	switch body.Action {
	case "start":
		err = timer.Start(c.Request().Context(), s.hub, body.Event, nowMs)
	case "stop":
		err = timer.Stop(c.Request().Context(), s.hub, body.Event, nowMs)
	default:
		err = domain.NewError(domain.ErrBadRequest, "unrecognized timer action "+body.Action)
	}
	if err != nil {
		return writeMutationError(c, err)
	}
	return c.JSON(http.StatusOK, s.hub.Snapshot().Events[body.Event])
}

// requireLockHolder enforces spec.md §4.6: "the Gateway rejects
// compositor-layout mutations from non-holders with ERR_NOT_LOCK_HOLDER."
// An empty lock (no current holder) permits any editor through, matching
// the Hub's own idle-takeover leniency in applyClaimLock.
func (s *Server) requireLockHolder(c echo.Context) error {
	lock := s.hub.Snapshot().Lock
	if lock.Editor == "" {
		return nil
	}
	if lock.Editor == editorOf(c) {
		return nil
	}
	return domain.NewError(domain.ErrNotLockHolder, "editor lock held by "+lock.Editor)
}
