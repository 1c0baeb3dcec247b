// Package domain holds the AutoMarathon entity model: the authoritative
// shapes owned by the State Hub and persisted by the Store.
package domain

// Person is a human participant. Parents Runner via ID.
type Person struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Pronouns    string  `json:"pronouns,omitempty"`
	ISOLocation string  `json:"iso_location,omitempty"`
	DiscordID   string  `json:"discord_id,omitempty"`
	IsHost      bool    `json:"is_host_flag"`
}

// Runner is a Person who competes. Deleted when the owning Person is
// deleted; forbidden while referenced by any Event (Invariant 1).
type Runner struct {
	ID                int64             `json:"id"`
	ParticipantID     int64             `json:"participant"`
	StreamURL         string            `json:"stream_url,omitempty"`
	OverrideStreamURL string            `json:"override_stream_url,omitempty"`
	ResolvedURLs      map[string]string `json:"resolved_urls,omitempty"`
	StreamVolumePct   int               `json:"stream_volume_percent"`
	TheRunHandle      string            `json:"therun_handle,omitempty"`
}

// RunnerResult is the tagged-variant `result` field of an Event's
// runner_state entry. The tag key is preserved on the wire so that new
// variants can be added without a schema change (spec.md §9).
type RunnerResult struct {
	Tag         string `json:"tag"`
	SingleScore string `json:"score,omitempty"`
}

// SingleScoreResult builds the only currently-defined RunnerResult variant.
func SingleScoreResult(score string) RunnerResult {
	return RunnerResult{Tag: "SingleScore", SingleScore: score}
}

// RunnerEntry is the value type of Event.RunnerState.
type RunnerEntry struct {
	Runner int64        `json:"runner"`
	Result RunnerResult `json:"result"`
}

// Event is a scheduled run.
type Event struct {
	ID                int64                 `json:"id"`
	Name              string                `json:"name"`
	Game              string                `json:"game,omitempty"`
	Category          string                `json:"category,omitempty"`
	Console           string                `json:"console,omitempty"`
	Complete          bool                  `json:"complete,omitempty"`
	EstimateSec       int64                 `json:"estimate_sec,omitempty"`
	EventStartEpochMs int64                 `json:"event_start_epoch_ms,omitempty"`
	TimerStartEpochMs int64                 `json:"timer_start_epoch_ms,omitempty"`
	TimerEndEpochMs   int64                 `json:"timer_end_epoch_ms,omitempty"`
	PreferredLayouts  []string              `json:"preferred_layouts,omitempty"`
	IsRelay           bool                  `json:"is_relay,omitempty"`
	IsMarathon        bool                  `json:"is_marathon,omitempty"`
	Commentators      []int64               `json:"commentators,omitempty"`
	RunnerState       map[int64]RunnerEntry `json:"runner_state,omitempty"`
}

// Stream binds an Event to a Host and holds the live slot layout.
type Stream struct {
	EventID        int64           `json:"event"`
	ObsHost        string          `json:"obs_host"`
	AudibleRunner  *int64          `json:"audible_runner,omitempty"`
	RequestedLayout string         `json:"requested_layout"`
	StreamRunners  map[int]int64   `json:"stream_runners,omitempty"`
}

// StreamSource addresses a rectangle in the 1920x1080 virtual canvas.
type StreamSource struct {
	Name   string `json:"name"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	W      int    `json:"w"`
	H      int    `json:"h"`
	CropL  int    `json:"crop_l,omitempty"`
	CropR  int    `json:"crop_r,omitempty"`
	CropT  int    `json:"crop_t,omitempty"`
	CropB  int    `json:"crop_b,omitempty"`
}

// Scene is a named arrangement of sources.
type Scene struct {
	Name    string                     `json:"name"`
	Active  bool                       `json:"active"`
	Sources map[int][]StreamSource     `json:"sources,omitempty"`
}

// VoiceUser is one entry in Host.VoiceUsers.
type VoiceUser struct {
	Name        string `json:"name"`
	GainPercent int    `json:"gain_percent"`
	Participant *int64 `json:"participant,omitempty"`
}

// Host is one machine running a compositor. Keyed by name, not an integer id.
type Host struct {
	Name         string               `json:"name"`
	Connected    bool                 `json:"connected"`
	Streaming    bool                 `json:"streaming"`
	FrameRate    float64              `json:"frame_rate,omitempty"`
	ProgramScene string               `json:"program_scene,omitempty"`
	PreviewScene string               `json:"preview_scene,omitempty"`
	Scenes       map[string]Scene     `json:"scenes,omitempty"`
	VoiceUsers   map[string]VoiceUser `json:"voice_users,omitempty"`
}

// LockState is the single advisory editor-lock record.
type LockState struct {
	Editor          string `json:"editor,omitempty"`
	HeartbeatEpochMs int64 `json:"heartbeat_epoch_ms"`
}

// CustomFields is the flat free-form overlay variable map.
type CustomFields map[string]string

// AMState is the full authoritative snapshot broadcast to state-subscribers.
type AMState struct {
	People       map[int64]Person  `json:"people"`
	Runners      map[int64]Runner  `json:"runners"`
	Events       map[int64]Event   `json:"events"`
	Streams      map[int64]Stream  `json:"streams"`
	Hosts        map[string]Host   `json:"hosts"`
	CustomFields CustomFields      `json:"custom_fields"`
	Lock         LockState         `json:"lock"`
}

// NewAMState returns an empty, fully-initialized state.
func NewAMState() *AMState {
	return &AMState{
		People:       make(map[int64]Person),
		Runners:      make(map[int64]Runner),
		Events:       make(map[int64]Event),
		Streams:      make(map[int64]Stream),
		Hosts:        make(map[string]Host),
		CustomFields: make(CustomFields),
	}
}

// Clone returns a deep-enough copy safe for a subscriber to read without
// racing the Hub's next mutation. Map values are copied at every level
// referenced by a later in-place mutation.
func (s *AMState) Clone() *AMState {
	out := NewAMState()
	for k, v := range s.People {
		out.People[k] = v
	}
	for k, v := range s.Runners {
		r := v
		if v.ResolvedURLs != nil {
			r.ResolvedURLs = make(map[string]string, len(v.ResolvedURLs))
			for q, u := range v.ResolvedURLs {
				r.ResolvedURLs[q] = u
			}
		}
		out.Runners[k] = r
	}
	for k, v := range s.Events {
		e := v
		if v.PreferredLayouts != nil {
			e.PreferredLayouts = append([]string(nil), v.PreferredLayouts...)
		}
		if v.Commentators != nil {
			e.Commentators = append([]int64(nil), v.Commentators...)
		}
		if v.RunnerState != nil {
			e.RunnerState = make(map[int64]RunnerEntry, len(v.RunnerState))
			for rk, rv := range v.RunnerState {
				e.RunnerState[rk] = rv
			}
		}
		out.Events[k] = e
	}
	for k, v := range s.Streams {
		str := v
		if v.StreamRunners != nil {
			str.StreamRunners = make(map[int]int64, len(v.StreamRunners))
			for sk, sv := range v.StreamRunners {
				str.StreamRunners[sk] = sv
			}
		}
		if v.AudibleRunner != nil {
			a := *v.AudibleRunner
			str.AudibleRunner = &a
		}
		out.Streams[k] = str
	}
	for k, v := range s.Hosts {
		h := v
		if v.Scenes != nil {
			h.Scenes = make(map[string]Scene, len(v.Scenes))
			for sk, sv := range v.Scenes {
				h.Scenes[sk] = sv
			}
		}
		if v.VoiceUsers != nil {
			h.VoiceUsers = make(map[string]VoiceUser, len(v.VoiceUsers))
			for vk, vv := range v.VoiceUsers {
				h.VoiceUsers[vk] = vv
			}
		}
		out.Hosts[k] = h
	}
	for k, v := range s.CustomFields {
		out.CustomFields[k] = v
	}
	out.Lock = s.Lock
	return out
}
