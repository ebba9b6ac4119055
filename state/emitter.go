package state

import (
	"marketchain/core/events"
	"marketchain/core/types"
)

type wireEvent interface {
	Event() *types.Event
}

// LogEmitter appends emitted events to the durable event log. Because writes
// go through the state's transaction overlay, an event emitted by a failed
// operation is discarded together with the operation's other writes. An
// append failure is recorded so the transaction driver can abort the
// operation instead of committing it without its audit record.
type LogEmitter struct {
	state *MarketState
	err   error
}

// NewLogEmitter binds an emitter to the given state.
func NewLogEmitter(st *MarketState) *LogEmitter {
	return &LogEmitter{state: st}
}

// Emit implements the events.Emitter interface. Events without a wire
// representation are dropped.
func (l *LogEmitter) Emit(evt events.Event) {
	if l == nil || l.state == nil || evt == nil {
		return
	}
	wire, ok := evt.(wireEvent)
	if !ok {
		return
	}
	record := wire.Event()
	if record == nil {
		return
	}
	if err := l.state.EventAppend(record); err != nil && l.err == nil {
		l.err = err
	}
}

// Err returns the first append failure since the last Reset.
func (l *LogEmitter) Err() error {
	if l == nil {
		return nil
	}
	return l.err
}

// Reset clears the recorded append failure; call it at transaction start.
func (l *LogEmitter) Reset() {
	if l == nil {
		return
	}
	l.err = nil
}
