// Package session implements one managed child process: its argv, working
// directory, status/control state machines, and the supervisor goroutine
// that spawns, reads, and respawns it.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cmastudios/mcmdd/internal/ring"
)

// Status is the observable lifecycle state of a child.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusBackup
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopping:
		return "STOPPING"
	case StatusBackup:
		return "BACKUP"
	default:
		return "UNKNOWN"
	}
}

// ctrl is the out-of-band instruction the supervisor loop reads at each
// iteration boundary.
type ctrl int

const (
	ctrlClean ctrl = iota
	ctrlExit
	ctrlLaunch
	ctrlPause
)

// ExitMode selects how Stop/Kill should leave the supervisor loop once the
// child has gone down.
type ExitMode int

const (
	ExitPause ExitMode = iota
	ExitFull
	ExitRestart
)

// ShutdownCommand is written to a child's stdin when it is asked to stop.
const ShutdownCommand = "stop\n"

// doneMarker is the substring that promotes a STARTING child to RUNNING.
const doneMarker = "Done"

// Session is one managed child process.
type Session struct {
	ID      string
	Workdir string
	Argv    []string
	Warmup  time.Duration

	Log *ring.Buffer

	log *zap.Logger

	mu         sync.Mutex
	status     Status
	ctrl       ctrl
	pid        int
	stdin      io.WriteCloser
	startTime  time.Time
	lastRead   time.Time
	cursor     int
	killed     bool // Kill already drove status to STOPPED for this spawn
	wake       chan struct{}
}

// New constructs a child session. Run must be called (typically in its own
// goroutine) to actually supervise it.
func New(id, workdir string, argv []string, warmup time.Duration, log *zap.Logger) *Session {
	return &Session{
		ID:      id,
		Workdir: workdir,
		Argv:    argv,
		Warmup:  warmup,
		Log:     ring.New(),
		log:     log.Named("supervisor").With(zap.String("id", id)),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns the child's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Uptime reports the time elapsed since the most recent spawn started
// (difftime(now, start) semantics), or zero before the first spawn. It keeps
// growing after that child has exited.
func (s *Session) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// PID returns the live process id, or 0 if the child is not running.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusStarting, StatusRunning, StatusStopping:
		return s.pid
	default:
		return 0
	}
}

// Send writes a raw message to the child's stdin and echoes it into the
// ring buffer. The caller is responsible for any trailing newline.
func (s *Session) Send(msg string) error {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return fmt.Errorf("session %s: server is off", s.ID)
	}
	stdin := s.stdin
	s.mu.Unlock()

	s.Log.Append(msg)
	s.log.Info("console write", zap.String("message", msg))
	if stdin == nil {
		return fmt.Errorf("session %s: server is off", s.ID)
	}
	_, err := io.WriteString(stdin, msg)
	return err
}

// Stop asks the child to shut down cleanly, setting ctrl according to mode.
func (s *Session) Stop(mode ExitMode) {
	s.mu.Lock()
	switch mode {
	case ExitFull:
		s.ctrl = ctrlExit
	case ExitPause:
		s.ctrl = ctrlPause
	case ExitRestart:
		// ctrl left unchanged: the outer loop re-enters spawn immediately
		// once the child exits, since it resets to CLEAN on each pass.
	}
	// Wake a paused supervisor loop so it re-reads ctrl.
	s.notify()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopping
	s.mu.Unlock()

	if err := s.Send(ShutdownCommand); err != nil {
		s.log.Warn("failed to send shutdown command", zap.Error(err))
	}
}

// StopKill calls Stop, then polls status until the child stops or maxWait
// elapses, at which point it force-kills.
func (s *Session) StopKill(mode ExitMode, maxWait time.Duration) {
	s.Stop(mode)
	s.log.Info("waiting for server to stop", zap.Duration("max_wait", maxWait))

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if s.Status() != StatusStopping {
			return
		}
		if time.Now().After(deadline) {
			s.Kill(mode)
			return
		}
	}
}

// Kill immediately SIGKILLs the child's process group.
func (s *Session) Kill(mode ExitMode) error {
	s.mu.Lock()
	switch mode {
	case ExitFull:
		s.ctrl = ctrlExit
	case ExitPause:
		s.ctrl = ctrlPause
	case ExitRestart:
	}
	s.notify()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return fmt.Errorf("session %s: server is off", s.ID)
	}
	pid := s.pid
	s.status = StatusStopped
	s.killed = true
	s.mu.Unlock()

	s.Log.Append("Server process killed")
	s.log.Warn("killing server process", zap.Int("pid", pid))
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Resume releases a paused supervisor loop. A no-op while the session is
// interlocked for backup.
func (s *Session) Resume() {
	s.mu.Lock()
	if s.status == StatusBackup {
		s.mu.Unlock()
		return
	}
	s.ctrl = ctrlLaunch
	s.mu.Unlock()
	s.notify()
}

// SetBackup toggles the backup interlock. The caller must have already
// stopped the child.
func (s *Session) SetBackup(flag bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flag {
		s.status = StatusBackup
	} else {
		s.status = StatusStopped
	}
}

// Run drives the outer supervisor loop until ctrl == EXIT is observed at an
// iteration boundary, or ctx is canceled. It is meant to run in its own
// goroutine for the lifetime of the daemon.
func (s *Session) Run(ctx context.Context) {
	s.log.Info("supervisor started", zap.Strings("argv", s.Argv))
	for {
		s.mu.Lock()
		s.ctrl = ctrlClean
		s.killed = false
		s.mu.Unlock()

		s.spawnAndWait()

		s.mu.Lock()
		c := s.ctrl
		s.mu.Unlock()
		if c == ctrlExit {
			s.log.Info("supervisor exiting")
			return
		}

		if c == ctrlClean && !s.hasWarmedUp() {
			s.Log.Append(fmt.Sprintf("[%s] Paused - failed to keep server running long enough.", s.ID))
			s.log.Warn("paused: failed to warm up")
			s.mu.Lock()
			s.ctrl = ctrlPause
			s.mu.Unlock()
		}

		s.mu.Lock()
		c = s.ctrl
		s.mu.Unlock()
		if c == ctrlPause {
			if !s.pauseLoop(ctx) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) hasWarmedUp() bool {
	s.mu.Lock()
	start := s.startTime
	s.mu.Unlock()
	return time.Since(start) > s.Warmup
}

// pauseLoop blocks until ctrl becomes LAUNCH (returns true, restart the
// spawn cycle) or EXIT (returns false, terminate the goroutine). This
// replaces the original's 1-second sleep poll with a notification channel.
func (s *Session) pauseLoop(ctx context.Context) bool {
	for {
		s.mu.Lock()
		c := s.ctrl
		s.mu.Unlock()
		switch c {
		case ctrlExit:
			return false
		case ctrlLaunch:
			return true
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return false
		}
	}
}

// spawnAndWait runs one full spawn-to-exit cycle: start the child, read its
// merged output until EOF, reap it, and record the final status.
func (s *Session) spawnAndWait() {
	cmd := exec.Command(s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.log.Error("failed to create stdin pipe", zap.Error(err))
		return
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		s.log.Error("failed to create stdout pipe", zap.Error(err))
		return
	}
	// Merge stderr into the same pipe as stdout, since callers only ever
	// tail one combined console stream (unlike the teacher, which keeps
	// them separate).
	cmd.Stderr = cmd.Stdout

	s.mu.Lock()
	s.status = StatusStarting
	s.stdin = stdin
	s.startTime = time.Now()
	s.cursor = 0
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		s.log.Error("failed to spawn process", zap.Error(err), zap.String("command", s.Argv[0]))
		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.mu.Unlock()
	s.log.Info("process started", zap.Int("pid", cmd.Process.Pid))

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLines(out)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	// Shutdown during a live spawn is driven entirely through ctrl/status
	// (Stop/StopKill/Kill), never by canceling ctx here: ctx only bounds
	// the pause-loop wait between spawns. This keeps exactly one path by
	// which a child goes down, matching the outer loop's "ctrl == EXIT
	// observed at an iteration boundary" contract.
	err = <-waitDone
	<-readDone
	s.onExit(err)
}

func (s *Session) onExit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return
	}
	if err != nil {
		s.log.Warn("process exited abnormally", zap.Int("pid", s.pid), zap.Error(err))
	} else {
		s.log.Info("process exited normally", zap.Int("pid", s.pid))
	}
	s.status = StatusStopped
}

// readLines drains the merged stdout/stderr pipe line by line, publishing
// each line to the ring buffer and promoting STARTING to RUNNING on the
// first "Done" marker.
func (s *Session) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), ring.LineMax*4)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > ring.LineMax {
			line = line[:ring.LineMax]
		}
		s.Log.Append(line)

		s.mu.Lock()
		s.cursor++
		cursor := s.cursor
		s.lastRead = time.Now()
		if s.status == StatusStarting && containsDone(line) {
			s.status = StatusRunning
		}
		s.mu.Unlock()

		s.log.Info("child output", zap.Int("line", cursor), zap.String("text", line))
	}
}

func containsDone(line string) bool {
	return strings.Contains(line, doneMarker)
}
