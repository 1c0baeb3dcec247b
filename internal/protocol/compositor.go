// Package protocol defines the wire message shapes crossing AutoMarathon's
// external boundaries: the compositor control channel (spec.md §6.2) and
// the Broadcast Gateway's browser-facing channels (spec.md §4.7).
package protocol

import "encoding/json"

// CompositorRequest is sent to a host's compositor over its control
// WebSocket. RequestID is a ULID so responses and pushed events can be
// correlated and ordered without a central counter.
type CompositorRequest struct {
	RequestID string          `json:"request_id"`
	Op        string          `json:"op"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Compositor operations (spec.md §6.2).
const (
	OpGetSceneList      = "GetSceneList"
	OpSetProgramScene   = "SetProgramScene"
	OpSetInputSettings  = "SetInputSettings"
	OpSetInputMute      = "SetInputMute"
	OpGetStreamStatus   = "GetStreamStatus"
	OpStartStream       = "StartStream"
	OpStopStream        = "StopStream"
)

// CompositorResponse answers a CompositorRequest by RequestID.
type CompositorResponse struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CompositorEvent is a push notification from the compositor, not tied to
// any request (spec.md §6.2 "Events consumed").
type CompositorEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Compositor event names.
const (
	EventProgramSceneChanged = "CurrentProgramSceneChanged"
	EventInputSettingsChanged = "InputSettingsChanged"
	EventStreamStateChanged  = "StreamStateChanged"
)

// SetInputSettingsData is the body for OpSetInputSettings.
type SetInputSettingsData struct {
	Source string `json:"source"`
	URL    string `json:"url"`
}

// SetInputMuteData is the body for OpSetInputMute.
type SetInputMuteData struct {
	Source string `json:"source"`
	Muted  bool   `json:"muted"`
}

// SetProgramSceneData is the body for OpSetProgramScene.
type SetProgramSceneData struct {
	Scene string `json:"scene"`
}

// SceneListData answers OpGetSceneList.
type SceneListData struct {
	ProgramScene string        `json:"program_scene"`
	Scenes       []SceneSource `json:"scenes"`
}

// StreamStatusData answers OpGetStreamStatus and is the payload of
// EventStreamStateChanged: the compositor's actual output state, as opposed
// to the operator's requested state (spec.md §4.2).
type StreamStatusData struct {
	Streaming bool    `json:"streaming"`
	FrameRate float64 `json:"frame_rate"`
}

// SceneSource mirrors domain.Scene/StreamSource in wire form, decoupled
// from the domain package so the compositor client has no dependency on it.
type SceneSource struct {
	Name    string              `json:"name"`
	Sources map[int][]SourceRect `json:"sources"`
}

// SourceRect addresses a rectangle in the 1920x1080 canvas.
type SourceRect struct {
	Name  string `json:"name"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	W     int    `json:"w"`
	H     int    `json:"h"`
	CropL int    `json:"crop_l,omitempty"`
	CropR int    `json:"crop_r,omitempty"`
	CropT int    `json:"crop_t,omitempty"`
	CropB int    `json:"crop_b,omitempty"`
}
