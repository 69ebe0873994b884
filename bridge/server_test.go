package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/simbridge/client"
	inet "github.com/guseggert/simbridge/internal/net"
	"github.com/guseggert/simbridge/protocol"
	"github.com/guseggert/simbridge/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// fakeSim acks every step and reports the bytes it received since the previous one in LAST.
const fakeSim = `
echo "VCD info: dumpfile sim.vcd opened for output."
echo READY
last=""
while :; do
	c=$(dd bs=1 count=1 2>/dev/null)
	[ -n "$c" ] || exit 0
	case "$c" in
	S)
		echo "ACK:stepped"
		echo "STATE:FLOOR:3|MOVING:0|LAST:$last"
		last=""
		;;
	*)
		last="$last$c"
		;;
	esac
done
`

// stateLog records session state transitions.
type stateLog struct {
	m      sync.Mutex
	states map[string][]State
}

func (l *stateLog) observe(id string, state State) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.states == nil {
		l.states = map[string][]State{}
	}
	l.states[id] = append(l.states[id], state)
}

// all returns the transitions of every session, keyed by session ID.
func (l *stateLog) all() map[string][]State {
	l.m.Lock()
	defer l.m.Unlock()
	res := map[string][]State{}
	for id, states := range l.states {
		res[id] = append([]State(nil), states...)
	}
	return res
}

// only returns the transitions of the single session the log has seen.
func (l *stateLog) only(t *testing.T) []State {
	all := l.all()
	require.LessOrEqual(t, len(all), 1)
	for _, states := range all {
		return states
	}
	return nil
}

func (l *stateLog) waitFor(t *testing.T, state State) {
	require.Eventually(t, func() bool {
		for _, s := range l.only(t) {
			if s == state {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
}

type testServer struct {
	server *Server
	client *client.Client
	states *stateLog
}

func startServer(t *testing.T, script string, opts ...Option) *testServer {
	addr, err := inet.EphemeralLoopbackAddr()
	require.NoError(t, err)

	states := &stateLog{}
	opts = append([]Option{WithListenAddr(addr), WithStateObserver(states.observe)}, opts...)
	server, err := NewServer(sim.Config{Command: "sh", Args: []string{"-c", script}}, opts...)
	require.NoError(t, err)

	go server.Run()
	t.Cleanup(func() {
		require.NoError(t, server.Stop())
	})

	c, err := client.New(log, "http://"+addr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))

	return &testServer{server: server, client: c, states: states}
}

func connect(t *testing.T, ts *testServer) *client.Conn {
	conn, err := ts.client.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStep(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, fakeSim)
	conn := connect(t, ts)

	state, err := conn.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateSnapshot{"FLOOR": 3, "MOVING": 0, "LAST": ""}, state)

	states := ts.states.only(t)
	assert.Equal(t, []State{StateConnecting, StateReady, StateActive}, states)
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, fakeSim)

	cases := []struct {
		name    string
		send    func(t *testing.T, conn *client.Conn) error
		expLast string
	}{
		{
			name:    "request",
			send:    func(t *testing.T, conn *client.Conn) error { return conn.Request(ctx, 3) },
			expLast: "R3",
		},
		{
			name: "lowest and highest floors",
			send: func(t *testing.T, conn *client.Conn) error {
				require.NoError(t, conn.Request(ctx, 0))
				return conn.Request(ctx, 7)
			},
			expLast: "R0R7",
		},
		{
			name: "out of range requests write nothing",
			send: func(t *testing.T, conn *client.Conn) error {
				require.NoError(t, conn.Request(ctx, 9))
				return conn.Request(ctx, -1)
			},
			expLast: "",
		},
		{
			name:    "reset",
			send:    func(t *testing.T, conn *client.Conn) error { return conn.Reset(ctx) },
			expLast: "X",
		},
		{
			name: "emergency on then off",
			send: func(t *testing.T, conn *client.Conn) error {
				require.NoError(t, conn.Emergency(ctx, true))
				return conn.Emergency(ctx, false)
			},
			expLast: "E1E0",
		},
		{
			name: "malformed messages are skipped",
			send: func(t *testing.T, conn *client.Conn) error {
				require.NoError(t, conn.SendRaw(ctx, []byte("not json")))
				require.NoError(t, conn.SendRaw(ctx, []byte(`{"type":"teleport"}`)))
				require.NoError(t, conn.SendRaw(ctx, []byte(`{"type":"request","floor":"3"}`)))
				return conn.Request(ctx, 5)
			},
			expLast: "R5",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn := connect(t, ts)
			require.NoError(t, c.send(t, conn))

			state, err := conn.Step(ctx)
			require.NoError(t, err)
			assert.Equal(t, c.expLast, state["LAST"])

			// the session is still usable
			state, err = conn.Step(ctx)
			require.NoError(t, err)
			assert.Equal(t, "", state["LAST"])
		})
	}
}

func TestOutOfRangeRequestKeepsSessionActive(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, fakeSim)
	conn := connect(t, ts)

	require.NoError(t, conn.SendRaw(ctx, []byte(`{"type":"request","floor":9}`)))
	ts.states.waitFor(t, StateActive)

	state, err := conn.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", state["LAST"])
	assert.NotContains(t, ts.states.only(t), StateClosing)
}

// waitForPID reads the PID a fake simulator wrote to path.
func waitForPID(t *testing.T, path string) int {
	var pid int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	return pid
}

func requireExited(t *testing.T, pid int) {
	require.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 10*time.Second, 10*time.Millisecond, "simulator %d is still running", pid)
}

func TestDisconnectDuringStep(t *testing.T) {
	ctx := context.Background()
	pidFile := filepath.Join(t.TempDir(), "pid")
	// never answers a step
	ts := startServer(t, fmt.Sprintf(`echo $$ > %s; echo READY; exec sleep 60`, pidFile))
	conn := connect(t, ts)

	require.NoError(t, conn.Send(ctx, protocol.Step()))
	ts.states.waitFor(t, StateActive)

	require.NoError(t, conn.Close())
	ts.states.waitFor(t, StateClosed)

	states := ts.states.only(t)
	assert.Equal(t, []State{StateConnecting, StateReady, StateActive, StateClosing, StateClosed}, states)

	requireExited(t, waitForPID(t, pidFile))

	// nothing else happens after CLOSED
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, states, ts.states.only(t))
}

func TestDisconnectDuringStartup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	// never prints READY
	ts := startServer(t, fmt.Sprintf(`echo $$ > %s; exec sleep 60`, pidFile))
	conn := connect(t, ts)
	pid := waitForPID(t, pidFile)

	require.NoError(t, conn.Close())
	ts.states.waitFor(t, StateClosed)
	requireExited(t, pid)

	states := ts.states.only(t)
	assert.Equal(t, []State{StateConnecting, StateClosing, StateClosed}, states)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, states, ts.states.only(t))
}

func TestMessagesBeforeReadyAreKept(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, "sleep 0.5\n"+fakeSim)
	conn := connect(t, ts)

	require.NoError(t, conn.Request(ctx, 4))
	require.NoError(t, conn.Emergency(ctx, true))
	state, err := conn.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R4E1", state["LAST"])

	assert.Equal(t, []State{StateConnecting, StateReady, StateActive}, ts.states.only(t))
}

func TestSimulatorExitClosesSession(t *testing.T) {
	ctx := context.Background()
	// exits on the first command without reporting a state
	ts := startServer(t, `echo READY; dd bs=1 count=1 2>/dev/null >/dev/null; echo "ACK:bye"`)
	conn := connect(t, ts)

	_, err := conn.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	ts.states.waitFor(t, StateClosed)
	assert.Equal(t, []State{StateConnecting, StateReady, StateActive, StateClosing, StateClosed}, ts.states.only(t))
}

func TestStartupFailure(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, `echo "error: sim.vvp not found"; exit 2`)
	conn := connect(t, ts)

	_, err := conn.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))

	ts.states.waitFor(t, StateClosed)
	assert.Equal(t, []State{StateConnecting, StateClosing, StateClosed}, ts.states.only(t))
}

func TestMissingExecutable(t *testing.T) {
	_, err := NewServer(sim.Config{Command: "no-such-simulator-runtime"})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, fakeSim)

	health, err := ts.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, health.Sessions)

	conn := connect(t, ts)
	_, err = conn.Step(ctx)
	require.NoError(t, err)

	health, err = ts.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, health.Sessions)
	assert.Len(t, health.IDs, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		health, err := ts.client.Health(ctx)
		return err == nil && health.Sessions == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestParallelSessions(t *testing.T) {
	ts := startServer(t, fakeSim)

	group, groupCtx := errgroup.WithContext(context.Background())
	for floor := 0; floor < 4; floor++ {
		floor := floor
		group.Go(func() error {
			conn, err := ts.client.Connect(groupCtx)
			if err != nil {
				return err
			}
			defer conn.Close()

			err = conn.Request(groupCtx, floor)
			if err != nil {
				return err
			}
			state, err := conn.Step(groupCtx)
			if err != nil {
				return err
			}
			assert.Equal(t, fmt.Sprintf("R%d", floor), state["LAST"])
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Len(t, ts.states.all(), 4)
}

func TestStopEndsSessions(t *testing.T) {
	ctx := context.Background()
	ts := startServer(t, fakeSim)
	conn := connect(t, ts)

	_, err := conn.Step(ctx)
	require.NoError(t, err)

	require.NoError(t, ts.server.Stop())
	ts.states.waitFor(t, StateClosed)

	_, err = conn.Step(ctx)
	assert.Error(t, err)
}

func TestTLS(t *testing.T) {
	ctx := context.Background()
	cert, err := GenerateSelfSignedCert("127.0.0.1")
	require.NoError(t, err)

	addr, err := inet.EphemeralLoopbackAddr()
	require.NoError(t, err)
	server, err := NewServer(
		sim.Config{Command: "sh", Args: []string{"-c", fakeSim}},
		WithListenAddr(addr),
		WithTLS(cert.CertPEMBytes, cert.KeyPEMBytes),
	)
	require.NoError(t, err)
	go server.Run()
	t.Cleanup(func() { require.NoError(t, server.Stop()) })

	c, err := client.New(log, "https://"+addr, client.WithRootCA(cert.CertPEMBytes))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(waitCtx))

	conn, err := c.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	state, err := conn.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, state["FLOOR"])
}
