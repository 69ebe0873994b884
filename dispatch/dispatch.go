// Package dispatch turns client messages into simulator writes and state reads.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/guseggert/simbridge/protocol"
	"go.uber.org/zap"
)

// ErrSubprocessEnded is returned by Dispatch when the simulator's output closed while waiting for a state.
// It is how a session learns that its simulator is gone, and is not a failure.
var ErrSubprocessEnded = errors.New("simulator output ended")

// Sim is the part of a simulator session the dispatcher drives. *sim.Session implements it.
type Sim interface {
	WriteCommand(b []byte) error
	Flush() error
	ReadUntilState() (protocol.StateSnapshot, bool)
}

type Dispatcher struct {
	log *zap.SugaredLogger
	sim Sim
}

func New(log *zap.SugaredLogger, sim Sim) *Dispatcher {
	return &Dispatcher{log: log, sim: sim}
}

// Dispatch sends msg to the simulator and flushes once.
// Only a step waits for and returns a state; the other commands change inputs that are sampled on the next step.
// An out of range floor request is dropped without writing anything and without an error.
func (d *Dispatcher) Dispatch(msg protocol.ClientMessage) (protocol.StateSnapshot, error) {
	writes, ok := protocol.ControlBytes(msg)
	if !ok {
		d.log.Debugw("dropping message", "Type", msg.Type, "Floor", msg.Floor)
		return nil, nil
	}

	switch msg.Type {
	case protocol.TypeRequest:
		d.log.Infow("requesting floor", "Floor", msg.Floor)
	case protocol.TypeReset:
		d.log.Info("resetting simulation")
	case protocol.TypeEmergency:
		d.log.Infow("emergency toggle", "Value", msg.Value)
	}

	for _, b := range writes {
		err := d.sim.WriteCommand(b)
		if err != nil {
			return nil, fmt.Errorf("writing %q: %w", b, err)
		}
	}
	err := d.sim.Flush()
	if err != nil {
		return nil, err
	}

	if msg.Type != protocol.TypeStep {
		return nil, nil
	}

	state, ok := d.sim.ReadUntilState()
	if !ok {
		return nil, ErrSubprocessEnded
	}
	return state, nil
}
