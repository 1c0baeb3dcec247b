package domain

// MutationKind tags the variant carried by a Mutation, the way the teacher's
// ControlMsg.Type tags a control message (protocol.go).
type MutationKind string

const (
	MutCreatePerson    MutationKind = "create_person"
	MutUpdatePerson    MutationKind = "update_person"
	MutDeletePerson    MutationKind = "delete_person"
	MutCreateRunner    MutationKind = "create_runner"
	MutUpdateRunner    MutationKind = "update_runner"
	MutDeleteRunner    MutationKind = "delete_runner"
	MutRefreshRunnerURLs MutationKind = "refresh_runner_urls"
	MutSetResolvedURLs MutationKind = "set_resolved_urls"
	MutCreateEvent     MutationKind = "create_event"
	MutUpdateEvent     MutationKind = "update_event"
	MutDeleteEvent     MutationKind = "delete_event"
	MutCreateStream    MutationKind = "create_stream"
	MutUpdateStream    MutationKind = "update_stream"
	MutDeleteStream    MutationKind = "delete_stream"
	MutSetStreaming    MutationKind = "set_streaming"
	MutSetAudible      MutationKind = "set_audible"
	MutSetStreamLayout MutationKind = "set_stream_layout"
	MutAddPlayer       MutationKind = "add_player"
	MutRemovePlayer    MutationKind = "remove_player"
	MutSwapSlots       MutationKind = "swap_slots"
	MutSetTimer        MutationKind = "set_timer"
	MutSetCustomField  MutationKind = "set_custom_field"
	MutSetVoiceGain    MutationKind = "set_voice_gain"
	MutClaimLock       MutationKind = "claim_lock"
	MutReleaseLock     MutationKind = "release_lock"
	MutUpdateHostStatus MutationKind = "update_host_status"
)

// Mutation is the single operation the Hub exposes: apply(mutation) → result.
// Exactly one of the typed payload fields is populated, selected by Kind.
type Mutation struct {
	Kind MutationKind

	Person *Person
	PersonID int64

	Runner   *Runner
	RunnerID int64

	// ResolvedURLs carries RefreshRunnerUrls' out-of-band re-resolution
	// result back in via MutSetResolvedURLs; merged into the existing map,
	// keyed by quality.
	ResolvedURLs map[string]string

	Event   *Event
	EventID int64

	Stream   *Stream
	StreamID int64 // == Stream.EventID, per spec.md §6.1 ("id is event id")

	Host      string
	Streaming bool

	// HostConnected, HostStreaming, HostProgramScene, and HostFrameRate carry
	// the Reconciler's observed compositor status (MutUpdateHostStatus); nil
	// means "unchanged". Distinct from Streaming above, which is the
	// operator's requested state via SetStreaming.
	HostConnected    *bool
	HostStreaming    *bool
	HostProgramScene *string
	HostFrameRate    *float64

	AudibleRunner *int64 // nil clears audible

	RequestedLayout string
	SlotAssignments map[int]int64 // nil entries mean "unchanged"; used by SetStreamLayout

	// AddedRunner, RemovedSlot, SwapSlotA/B drive the derived AddPlayer /
	// RemovePlayer / SwapSlots operations (spec.md §4.2 "Tie-breaking &
	// edge cases", §8 scenarios 1-4).
	AddedRunner int64
	RemovedSlot int
	SwapSlotA   int
	SwapSlotB   int

	TimerStartEpochMs *int64
	TimerEndEpochMs   *int64

	CustomFieldKey   string
	CustomFieldValue string

	VoiceUser string
	GainPercent int

	LockEditor string

	// RequestedBy is the session identity issuing the mutation, used for
	// lock-holder enforcement and audit logging; empty for internal callers
	// (e.g. the Reconciler's read-only MutUpdateHostStatus reports, which
	// have no operator behind them).
	RequestedBy string
}

// Result is returned from a successful Apply: the resulting snapshot plus,
// for create operations, the assigned id.
type Result struct {
	Snapshot  *AMState
	AssignedID int64
}
