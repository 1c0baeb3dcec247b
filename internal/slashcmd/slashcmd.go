// Package slashcmd parses the dashboard's inline slash commands into Hub
// mutations (spec.md §4.9): `/assign <runner> <event>`, `/live <host>`,
// `/switch <event-id> <slot-a> <slot-b>`. Grounded on the teacher's processControl
// switch-dispatch (client.go: command string -> validated action -> Room
// call), generalized from a chat-control-message switch to a text-command
// grammar.
package slashcmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"automarathon/internal/domain"
)

// Applier is the subset of Hub a slash command needs.
type Applier interface {
	Apply(ctx context.Context, m domain.Mutation) (domain.Result, error)
}

// Result carries the human-readable text to echo back to the dashboard
// session that issued the command.
type Result struct {
	Text string
}

// Execute parses and applies one slash command line. requestedBy is the
// editor name attributed to the resulting mutation (spec.md §4.9:
// "subject to the same session auth model" as the REST surface).
func Execute(ctx context.Context, hub Applier, requestedBy, line string) (Result, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	if !strings.HasPrefix(fields[0], "/") {
		return Result{}, fmt.Errorf("not a command: %q", line)
	}

	switch fields[0] {
	case "/assign":
		return execAssign(ctx, hub, requestedBy, fields[1:])
	case "/live":
		return execLive(ctx, hub, requestedBy, fields[1:])
	case "/switch":
		return execSwitch(ctx, hub, requestedBy, fields[1:])
	default:
		return Result{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

// execAssign implements `/assign <runner-id> <event-id>`: adds a runner
// to an event's stream via the layout tie-breaking rules (spec.md §4.2).
func execAssign(ctx context.Context, hub Applier, requestedBy string, args []string) (Result, error) {
	if len(args) != 2 {
		return Result{}, fmt.Errorf("usage: /assign <runner-id> <event-id>")
	}
	runnerID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("invalid runner id %q: %w", args[0], err)
	}
	eventID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("invalid event id %q: %w", args[1], err)
	}

	res, err := hub.Apply(ctx, domain.Mutation{
		Kind:        domain.MutAddPlayer,
		StreamID:    eventID,
		AddedRunner: runnerID,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return Result{}, err
	}
	str := res.Snapshot.Streams[eventID]
	return Result{Text: fmt.Sprintf("assigned runner %d to event %d, layout now %q", runnerID, eventID, str.RequestedLayout)}, nil
}

// execLive implements `/live <host>`: marks the named host's stream as
// live (spec.md §4.1 SetStreaming mutation).
func execLive(ctx context.Context, hub Applier, requestedBy string, args []string) (Result, error) {
	if len(args) != 1 {
		return Result{}, fmt.Errorf("usage: /live <host>")
	}
	_, err := hub.Apply(ctx, domain.Mutation{
		Kind:        domain.MutSetStreaming,
		Host:        args[0],
		Streaming:   true,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Text: fmt.Sprintf("host %q is now live", args[0])}, nil
}

// execSwitch implements `/switch <event-id> <slot-a> <slot-b>`: swaps two
// occupied slots in an event's stream (spec.md §8 scenario 3). All three
// arguments are required; the event id comes first.
func execSwitch(ctx context.Context, hub Applier, requestedBy string, args []string) (Result, error) {
	if len(args) != 3 {
		return Result{}, fmt.Errorf("usage: /switch <event-id> <slot-a> <slot-b>")
	}
	eventID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("invalid event id %q: %w", args[0], err)
	}
	slotA, err := strconv.Atoi(args[1])
	if err != nil {
		return Result{}, fmt.Errorf("invalid slot %q: %w", args[1], err)
	}
	slotB, err := strconv.Atoi(args[2])
	if err != nil {
		return Result{}, fmt.Errorf("invalid slot %q: %w", args[2], err)
	}

	_, err = hub.Apply(ctx, domain.Mutation{
		Kind:        domain.MutSwapSlots,
		StreamID:    eventID,
		SwapSlotA:   slotA,
		SwapSlotB:   slotB,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Text: fmt.Sprintf("swapped slots %d and %d on event %d", slotA, slotB, eventID)}, nil
}
