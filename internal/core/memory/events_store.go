package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
)

type eventsStore struct {
	mu           sync.Mutex
	events       []core.Event
	lastSequence int64
}

// NewEventsStore returns a memory-based implementation of the
// core.EventsStore interface.
func NewEventsStore() core.EventsStore {
	return &eventsStore{}
}

func (e *eventsStore) Create(
	_ context.Context,
	event core.Event,
) (core.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSequence++
	event.Sequence = e.lastSequence
	e.events = append(e.events, event)
	return event, nil
}

func (e *eventsStore) List(
	_ context.Context,
	selector core.EventsSelector,
	opts meta.ListOptions,
) (core.EventList, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var afterSequence int64
	if opts.Continue != "" {
		var err error
		afterSequence, err = strconv.ParseInt(opts.Continue, 10, 64)
		if err != nil {
			return core.EventList{}, &meta.ErrBadRequest{
				Reason: fmt.Sprintf(
					"Invalid continue value %q.",
					opts.Continue,
				),
			}
		}
	}

	events := core.EventList{}
	var remaining int64
	for _, event := range e.events {
		if event.Sequence <= afterSequence {
			continue
		}
		if !eventMatches(event, selector) {
			continue
		}
		if opts.Limit > 0 && int64(len(events.Items)) >= opts.Limit {
			remaining++
			continue
		}
		events.Items = append(events.Items, event)
	}
	if remaining > 0 {
		events.Continue = strconv.FormatInt(
			events.Items[len(events.Items)-1].Sequence,
			10,
		)
		events.RemainingItemCount = &remaining
	}
	return events, nil
}

func eventMatches(event core.Event, selector core.EventsSelector) bool {
	if len(selector.Kinds) > 0 {
		var matched bool
		for _, kind := range selector.Kinds {
			if event.Kind == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if selector.PipelineID != "" && event.PipelineID != selector.PipelineID {
		return false
	}
	if selector.BuildID != "" && event.BuildID != selector.BuildID {
		return false
	}
	return true
}
