package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/guseggert/simbridge/protocol"
	"go.uber.org/zap"
)

// maxStartupOutput caps how many lines a StartupError keeps.
const maxStartupOutput = 50

// maxStderrLine is the longest stderr line logged as one entry. Longer lines are still drained.
const maxStderrLine = 1024 * 1024

// Session is one running simulator subprocess. It is not safe for concurrent use, except for Stop.
type Session struct {
	log *zap.SugaredLogger
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	in     *bufio.Writer
	out    *bufio.Reader
	stderr io.ReadCloser

	// stderrDone is closed once stderr has been drained to EOF.
	stderrDone chan struct{}

	// cmdMut orders Start against Stop, so a Stop that wins the race keeps Start from launching.
	cmdMut        sync.Mutex
	stopRequested bool

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(log *zap.SugaredLogger, cfg Config) *Session {
	return &Session{
		log:        log,
		cfg:        cfg,
		stopped:    make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
}

// Start launches the subprocess and blocks until it prints READY.
// If ctx is done before then, the subprocess is stopped.
func (s *Session) Start(ctx context.Context) error {
	cmd, stdin, stdout, stderr, err := s.launch()
	if err != nil {
		return err
	}
	s.log.Debugw("simulator started", "PID", cmd.Process.Pid, "Command", s.cfg.Command, "Args", s.cfg.Args)

	s.stdin = stdin
	s.in = bufio.NewWriter(stdin)
	s.out = bufio.NewReader(stdout)
	s.stderr = stderr

	go s.readStderr()

	synced := make(chan struct{})
	defer close(synced)
	go func() {
		select {
		case <-ctx.Done():
			s.log.Debugf("context done during startup: %s", ctx.Err())
			s.Stop()
		case <-synced:
		}
	}()

	err = s.waitReady()
	if err != nil {
		s.Stop()
		return err
	}
	return nil
}

func (s *Session) launch() (*exec.Cmd, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	s.cmdMut.Lock()
	defer s.cmdMut.Unlock()
	if s.stopRequested {
		return nil, nil, nil, nil, ErrStopped
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("starting simulator: %w", err)
	}
	s.cmd = cmd
	return cmd, stdin, stdout, stderr, nil
}

func (s *Session) waitReady() error {
	var output []string
	for {
		line, err := s.readLine()
		if err != nil {
			return &StartupError{Output: output, Err: err}
		}
		s.log.Debugw("startup output", "Line", line)
		if protocol.Classify(line) == protocol.LineReady {
			s.log.Debug("simulator ready")
			return nil
		}
		if len(output) < maxStartupOutput {
			output = append(output, line)
		}
	}
}

// readLine returns the next line of stdout without its trailing whitespace.
// A final line with no newline is still returned; the error comes on the following call.
func (s *Session) readLine() (string, error) {
	line, err := s.out.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readStderr logs stderr line by line and keeps draining it until EOF, so the subprocess never blocks writing to it.
func (s *Session) readStderr() {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		s.log.Debugw("simulator stderr", "Line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.log.Debugf("stderr scanner error: %s", err)
	}

	n, err := io.Copy(io.Discard, s.stderr)
	if n > 0 {
		s.log.Debugw("discarded simulator stderr", "Bytes", n)
	}
	if err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Debugf("error draining stderr: %s", err)
	}
}

// WriteCommand buffers b for the subprocess. Nothing is sent until Flush.
func (s *Session) WriteCommand(b []byte) error {
	if s.in == nil {
		return ErrNotStarted
	}
	_, err := s.in.Write(b)
	return err
}

// Flush delivers all buffered command bytes to the subprocess.
func (s *Session) Flush() error {
	if s.in == nil {
		return ErrNotStarted
	}
	err := s.in.Flush()
	if err != nil {
		return fmt.Errorf("flushing simulator input: %w", err)
	}
	return nil
}

// ReadUntilState reads lines until a state report, consuming acks and log lines along the way.
// ok is false if the output ended first, which means the subprocess is gone.
func (s *Session) ReadUntilState() (state protocol.StateSnapshot, ok bool) {
	if s.out == nil {
		return nil, false
	}
	for {
		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("error reading simulator output: %s", err)
			}
			s.log.Debug("simulator output closed")
			return nil, false
		}
		s.log.Debugw("raw sim output", "Line", line)

		switch protocol.Classify(line) {
		case protocol.LineState:
			return protocol.ParseState(line), true
		case protocol.LineAck:
			s.log.Infow("ack received", "Ack", protocol.AckText(line))
		default:
			s.log.Debugw("sim log", "Line", line)
		}
	}
}

// PID returns the subprocess's PID, or 0 if it was never started.
func (s *Session) PID() int {
	s.cmdMut.Lock()
	defer s.cmdMut.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stop signals the subprocess to terminate without waiting for it to exit.
// Stop may be called before or concurrently with Start, in which case the subprocess is never launched
// or is signaled as soon as it is.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		defer close(s.stopped)

		s.cmdMut.Lock()
		s.stopRequested = true
		cmd := s.cmd
		s.cmdMut.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}
		err := terminate(cmd.Process)
		if err != nil {
			s.log.Debugf("error signaling simulator: %s", err)
		}
		go func() {
			// Wait closes the pipes, so let stderr drain first
			<-s.stderrDone
			err := cmd.Wait()
			s.log.Debugw("simulator exited", "PID", cmd.Process.Pid, "ExitCode", cmd.ProcessState.ExitCode(), "Error", err)
		}()
	})
}

// Stopped is closed once Stop has run.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}
