package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/simbridge/dispatch"
	"github.com/guseggert/simbridge/protocol"
	"github.com/guseggert/simbridge/sim"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	readLimit = 32768
	// maxPending caps how many client messages can wait for the dispatcher.
	maxPending = 256
)

var _ dispatch.Sim = (*sim.Session)(nil)

var (
	errClientClosed = errors.New("client closed the connection")
	errBacklog      = errors.New("too many pending client messages")
)

type session struct {
	id         string
	log        *zap.SugaredLogger
	conn       *websocket.Conn
	sim        *sim.Session
	dispatcher *dispatch.Dispatcher
	observer   func(id string, state State)

	stateMut sync.Mutex
	state    State

	shutdownOnce sync.Once
}

func newSession(id string, log *zap.SugaredLogger, conn *websocket.Conn, simSession *sim.Session, observer func(string, State)) *session {
	return &session{
		id:         id,
		log:        log,
		conn:       conn,
		sim:        simSession,
		dispatcher: dispatch.New(log.Named("dispatch"), simSession),
		observer:   observer,
		state:      stateNone,
	}
}

// setState moves the session forward. Once CLOSING, only CLOSED can follow.
func (s *session) setState(state State) {
	s.stateMut.Lock()
	if s.state == state || (s.state >= StateClosing && state < s.state) {
		s.stateMut.Unlock()
		return
	}
	s.state = state
	s.stateMut.Unlock()

	s.log.Debugw("session state", "State", state.String())
	if s.observer != nil {
		s.observer(s.id, state)
	}
}

// run drives the session until the client, the transport, or the simulator ends it.
// The connection is read from the start, so a client that goes away while the simulator is still starting is noticed.
// Messages that arrive before READY wait in the backlog for the dispatcher.
func (s *session) run(ctx context.Context) {
	s.setState(StateConnecting)

	inbound := make(chan []byte, maxPending)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := s.readMessages(groupCtx, inbound)
		s.shutdown(err)
		return err
	})
	group.Go(func() error {
		err := s.sim.Start(groupCtx)
		if errors.Is(err, sim.ErrStopped) {
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.log.Errorf("starting simulator: %s", err)
			s.shutdown(err)
			return err
		}
		s.setState(StateReady)

		err = s.dispatchMessages(groupCtx, inbound)
		s.shutdown(err)
		return err
	})
	err := group.Wait()
	s.log.Debugw("session ended", "Reason", err)
}

// shutdown is the single cleanup path for a session: it signals the simulator and closes the connection, once.
func (s *session) shutdown(cause error) {
	s.shutdownOnce.Do(func() {
		s.setState(StateClosing)
		s.sim.Stop()

		code, reason := closeStatus(cause)
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
		s.setState(StateClosed)
	})
}

func closeStatus(cause error) (websocket.StatusCode, string) {
	var startupErr *sim.StartupError
	switch {
	case cause == nil, errors.Is(cause, dispatch.ErrSubprocessEnded):
		return websocket.StatusNormalClosure, "simulator exited"
	case errors.Is(cause, errClientClosed):
		return websocket.StatusNormalClosure, ""
	case errors.Is(cause, errBacklog):
		return websocket.StatusPolicyViolation, errBacklog.Error()
	case errors.Is(cause, context.Canceled):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.As(cause, &startupErr):
		return websocket.StatusInternalError, "simulator failed to start"
	}
	// websocket reason can't be above 123 chars
	reason := cause.Error()
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	return websocket.StatusInternalError, reason
}

func (s *session) readMessages(ctx context.Context, inbound chan<- []byte) error {
	for {
		_, b, err := s.conn.Read(ctx)
		if websocket.CloseStatus(err) != -1 {
			s.log.Debugf("got close from client: %s", err)
			return errClientClosed
		}
		if err != nil {
			s.log.Debugf("message reader got error: %s", err)
			return fmt.Errorf("reading client message: %w", err)
		}
		select {
		case inbound <- b:
		default:
			return errBacklog
		}
	}
}

func (s *session) dispatchMessages(ctx context.Context, inbound <-chan []byte) error {
	for {
		var b []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b = <-inbound:
		}

		msg, err := protocol.DecodeClientMessage(b)
		if err != nil {
			s.log.Debugf("skipping message: %s", err)
			continue
		}
		s.setState(StateActive)

		state, err := s.dispatcher.Dispatch(msg)
		if errors.Is(err, dispatch.ErrSubprocessEnded) {
			s.log.Info("simulator exited")
			return err
		}
		if err != nil {
			return fmt.Errorf("dispatching %s: %w", msg.Type, err)
		}
		if state == nil {
			continue
		}

		err = wsjson.Write(ctx, s.conn, state)
		if err != nil {
			return fmt.Errorf("sending state: %w", err)
		}
	}
}
