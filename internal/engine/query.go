package engine

import (
	"context"

	"github.com/dougsko/rfmp/internal/events"
	"github.com/dougsko/rfmp/internal/store"
)

// QueryMessages answers spec §6.3's query_messages.
func (e *Engine) QueryMessages(ctx context.Context, filter store.ListFilter) ([]store.Message, error) {
	return e.st.ListMessages(ctx, filter)
}

// QueryChannels answers spec §6.3's query_channels.
func (e *Engine) QueryChannels(ctx context.Context) ([]store.Channel, error) {
	return e.st.ListChannels(ctx)
}

// QueryNodes answers spec §6.3's query_nodes(active_within?).
func (e *Engine) QueryNodes(ctx context.Context, activeWithinS *uint32) ([]store.Node, error) {
	now := uint32(e.clk.Now().Unix())
	return e.st.ListNodes(ctx, now, activeWithinS)
}

// Status is the snapshot spec §6.3's status() returns. The full counter set
// is exposed separately via the engine's metrics.Registry (scraped over
// /metrics by cmd/rfmpd); Status carries only what a caller needs without a
// prometheus dependency.
type Status struct {
	Connected       bool
	QueueDepth      int
	BloomPopulation [3]int
}

// Status reports connectivity, queue depth and bloom population.
func (e *Engine) Status(ctx context.Context, connected bool) (Status, error) {
	depth, err := e.st.QueueDepth(ctx)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	windows := e.windows.Windows()
	e.mu.Unlock()

	var pop [3]int
	for _, w := range windows {
		pop[w.Index] = w.Count
	}
	return Status{Connected: connected, QueueDepth: depth, BloomPopulation: pop}, nil
}

// Subscribe hands back a cancellable, independent stream of Events for one
// consumer (spec §6.3's subscribe()).
func (e *Engine) Subscribe(ctx context.Context) <-chan events.Event {
	return e.bus.Subscribe(ctx)
}
