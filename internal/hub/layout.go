package hub

import (
	"context"
	"fmt"
	"sort"

	"automarathon/internal/domain"
)

// chooseLayout implements spec.md §4.2's scene-resolution tie-breaking:
// prefer preferred_layouts in the order given; among scenes with no
// preference hit (or tied), sort by source count ascending then scene name
// lexicographically, and pick the smallest sufficient for runnerCount.
func chooseLayout(event domain.Event, host domain.Host, runnerCount int) (string, error) {
	type candidate struct {
		name  string
		count int
	}
	var sufficient []candidate
	for name, scene := range host.Scenes {
		if len(scene.Sources) >= runnerCount {
			sufficient = append(sufficient, candidate{name: name, count: len(scene.Sources)})
		}
	}
	if len(sufficient) == 0 {
		return "", domain.Invariantf("no scene on host %q has >= %d sources", host.Name, runnerCount)
	}
	for _, preferred := range event.PreferredLayouts {
		for _, c := range sufficient {
			if c.name == preferred {
				return c.name, nil
			}
		}
	}
	sort.Slice(sufficient, func(i, j int) bool {
		if sufficient[i].count != sufficient[j].count {
			return sufficient[i].count < sufficient[j].count
		}
		return sufficient[i].name < sufficient[j].name
	})
	return sufficient[0].name, nil
}

func (h *Hub) applyAddPlayer(ctx context.Context, m domain.Mutation) error {
	str, ok := h.state.Streams[m.StreamID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("stream for event %d", m.StreamID))
	}
	event, ok := h.state.Events[m.StreamID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("event %d", m.StreamID))
	}
	host, ok := h.state.Hosts[str.ObsHost]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("host %q", str.ObsHost))
	}
	if _, ok := event.RunnerState[m.AddedRunner]; !ok {
		return domain.Invariantf("runner %d not in event %d runner_state", m.AddedRunner, m.StreamID)
	}
	for _, r := range str.StreamRunners {
		if r == m.AddedRunner {
			return domain.Invariantf("runner %d already occupies a slot", m.AddedRunner)
		}
	}

	wasEmpty := len(str.StreamRunners) == 0
	runnerCount := len(str.StreamRunners) + 1
	layout, err := chooseLayout(event, host, runnerCount)
	if err != nil {
		return err
	}

	if str.StreamRunners == nil {
		str.StreamRunners = make(map[int]int64)
	}
	slot := nextFreeSlot(str.StreamRunners, len(host.Scenes[layout].Sources))
	str.StreamRunners[slot] = m.AddedRunner
	str.RequestedLayout = layout
	if wasEmpty {
		audible := m.AddedRunner
		str.AudibleRunner = &audible
	}

	if err := validateStreamAgainstInvariants(str, event, host); err != nil {
		return err
	}
	if err := h.store.SaveStream(ctx, &str); err != nil {
		return domain.Wrap(domain.ErrStore, "save stream", err)
	}
	h.state.Streams[m.StreamID] = str
	return nil
}

func nextFreeSlot(occupied map[int]int64, capacity int) int {
	for s := 1; s <= capacity; s++ {
		if _, taken := occupied[s]; !taken {
			return s
		}
	}
	return capacity + 1
}

// applyRemovePlayer removes the runner at RemovedSlot, compacts subsequent
// slots down by one, and demotes audibility to the new slot-1 occupant if
// the removed runner was audible (spec.md §8 scenario 4).
func (h *Hub) applyRemovePlayer(ctx context.Context, m domain.Mutation) error {
	str, ok := h.state.Streams[m.StreamID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("stream for event %d", m.StreamID))
	}
	removedRunner, ok := str.StreamRunners[m.RemovedSlot]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("slot %d", m.RemovedSlot))
	}
	wasAudible := str.AudibleRunner != nil && *str.AudibleRunner == removedRunner

	slots := make([]int, 0, len(str.StreamRunners))
	for s := range str.StreamRunners {
		slots = append(slots, s)
	}
	sort.Ints(slots)

	compacted := make(map[int]int64, len(str.StreamRunners)-1)
	next := 1
	for _, s := range slots {
		if s == m.RemovedSlot {
			continue
		}
		compacted[next] = str.StreamRunners[s]
		next++
	}
	str.StreamRunners = compacted

	if wasAudible {
		if v, ok := compacted[1]; ok {
			str.AudibleRunner = &v
		} else {
			str.AudibleRunner = nil
		}
	}

	event := h.state.Events[m.StreamID]
	host := h.state.Hosts[str.ObsHost]
	if err := validateStreamAgainstInvariants(str, event, host); err != nil {
		return err
	}
	if err := h.store.SaveStream(ctx, &str); err != nil {
		return domain.Wrap(domain.ErrStore, "save stream", err)
	}
	h.state.Streams[m.StreamID] = str
	return nil
}

// applySwapSlots performs a compare-and-swap between two slots; when one
// side is empty the operation degenerates to a move (spec.md §4.2).
func (h *Hub) applySwapSlots(ctx context.Context, m domain.Mutation) error {
	str, ok := h.state.Streams[m.StreamID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("stream for event %d", m.StreamID))
	}
	a, aOK := str.StreamRunners[m.SwapSlotA]
	b, bOK := str.StreamRunners[m.SwapSlotB]
	if !aOK && !bOK {
		return domain.NewError(domain.ErrNotFound, fmt.Sprintf("neither slot %d nor %d is occupied", m.SwapSlotA, m.SwapSlotB))
	}
	if str.StreamRunners == nil {
		str.StreamRunners = make(map[int]int64)
	}
	if aOK {
		str.StreamRunners[m.SwapSlotB] = a
	} else {
		delete(str.StreamRunners, m.SwapSlotB)
	}
	if bOK {
		str.StreamRunners[m.SwapSlotA] = b
	} else {
		delete(str.StreamRunners, m.SwapSlotA)
	}

	event := h.state.Events[m.StreamID]
	host := h.state.Hosts[str.ObsHost]
	if err := validateStreamAgainstInvariants(str, event, host); err != nil {
		return err
	}
	if err := h.store.SaveStream(ctx, &str); err != nil {
		return domain.Wrap(domain.ErrStore, "save stream", err)
	}
	h.state.Streams[m.StreamID] = str
	return nil
}
