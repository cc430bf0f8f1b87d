// Package recorder captures the device screen and log for the duration of
// an agent run. Both recorders are best-effort: a failure to start or stop
// is logged and never fails the run.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/droid-agent/pkg/core"
	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// Recording limits.
const (
	ScreenTimeLimit  = 7200 // seconds, screenrecord --time-limit
	DefaultStopGrace = 5 * time.Second
)

// ADB is the device bridge surface the recorders need.
// *device.AndroidDevice implements it.
type ADB interface {
	Serial() string
	Command(ctx context.Context, args ...string) *exec.Cmd
	Shell(args ...string) (string, error)
	Pull(remote, local string) error
}

// Logf receives progress lines; report.Trace.Log fits.
type Logf func(format string, args ...interface{})

// process is a started host process plus its exit notification.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func start(cmd *exec.Cmd) (*process, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// exited reports whether the process has already finished.
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stop sends sig (nil sends nothing), waits up to grace, then kills.
// It reports whether the process had to be killed.
func (p *process) stop(sig os.Signal, grace time.Duration) bool {
	if sig != nil && !p.exited() {
		if err := p.cmd.Process.Signal(sig); err != nil {
			logger.Debug("signal %v: %v", sig, err)
		}
	}
	select {
	case <-p.done:
		return false
	case <-time.After(grace):
	}
	_ = p.cmd.Process.Kill()
	<-p.done
	return true
}

// ScreenRecorder runs `screenrecord` on the device and pulls the video.
type ScreenRecorder struct {
	adb    ADB
	remote string
	local  string
	grace  time.Duration
	proc   *process
}

// NewScreenRecorder records to /sdcard/agent_session_<ts>.mp4 and pulls
// to local on Stop.
func NewScreenRecorder(adb ADB, ts, local string) *ScreenRecorder {
	return &ScreenRecorder{
		adb:    adb,
		remote: fmt.Sprintf("/sdcard/agent_session_%s.mp4", ts),
		local:  local,
		grace:  DefaultStopGrace,
	}
}

// Start launches the recording in the background.
func (r *ScreenRecorder) Start(ctx context.Context) error {
	cmd := r.adb.Command(ctx, "shell", "screenrecord", "--time-limit", fmt.Sprint(ScreenTimeLimit), r.remote)
	p, err := start(cmd)
	if err != nil {
		return fmt.Errorf("start screenrecord: %w", err)
	}
	r.proc = p
	return nil
}

// interruptCommands ask screenrecord to finalise the file. Devices ship
// different toolboxes so all are tried.
var interruptCommands = [][]string{
	{"pkill", "-l", "screenrecord"},
	{"killall", "-2", "screenrecord"},
	{"sh", "-c", "kill -2 $(pidof screenrecord)"},
}

// Stop interrupts screenrecord, waits for it to finish writing, pulls the
// video and removes the remote copy. The interrupts are sent even when the
// host adb process is already gone, since screenrecord outlives it on the
// device.
func (r *ScreenRecorder) Stop() error {
	if r.proc == nil {
		return nil
	}
	for _, args := range interruptCommands {
		if _, err := r.adb.Shell(args...); err != nil {
			logger.Debug("screenrecord interrupt %v: %v", args, err)
		}
	}
	if r.proc.stop(nil, r.grace) {
		logger.Warn("screenrecord did not exit within %s, killed", r.grace)
	}
	r.proc = nil

	if err := r.adb.Pull(r.remote, r.local); err != nil {
		return fmt.Errorf("pull screen recording: %w", err)
	}
	if _, err := r.adb.Shell("rm", "-f", r.remote); err != nil {
		logger.Warn("remove %s: %v", r.remote, err)
	}
	return nil
}

// Logcat streams `logcat -v threadtime` into a host file.
type Logcat struct {
	adb   ADB
	path  string
	grace time.Duration
	file  *os.File
	proc  *process
}

// NewLogcat writes the device log to path.
func NewLogcat(adb ADB, path string) *Logcat {
	return &Logcat{adb: adb, path: path, grace: DefaultStopGrace}
}

// Start opens the log file and starts logcat.
func (l *Logcat) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(l.path)
	if err != nil {
		return fmt.Errorf("create device log: %w", err)
	}
	cmd := l.adb.Command(ctx, "logcat", "-v", "threadtime")
	cmd.Stdout = f
	cmd.Stderr = f
	p, err := start(cmd)
	if err != nil {
		f.Close()
		return fmt.Errorf("start logcat: %w", err)
	}
	l.file, l.proc = f, p
	return nil
}

// Stop terminates logcat, killing it after the grace period.
func (l *Logcat) Stop() error {
	if l.proc == nil {
		return nil
	}
	if l.proc.stop(syscall.SIGTERM, l.grace) {
		logger.Warn("logcat did not exit within %s, killed", l.grace)
	}
	l.proc = nil
	return l.file.Close()
}

// Session owns the recorders of one run.
type Session struct {
	screen *ScreenRecorder
	logcat *Logcat
	log    Logf
}

// Options configures a Session.
type Options struct {
	ReportDir string
	Timestamp string        // used in the remote video name
	StopGrace time.Duration // 0 means DefaultStopGrace
	Log       Logf
}

// Start begins screen recording and logcat capture. A recorder that fails
// to start is logged and left out; the session is always usable.
//
// The recorders are detached from ctx cancellation: an interrupted run must
// still reach Close, which finalises the video before killing anything.
func Start(ctx context.Context, adb ADB, opts Options) *Session {
	ctx = context.WithoutCancel(ctx)
	s := &Session{log: opts.Log}
	if s.log == nil {
		s.log = logger.Info
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	screen := NewScreenRecorder(adb, opts.Timestamp, filepath.Join(opts.ReportDir, core.FileVideo))
	screen.grace = grace
	if err := screen.Start(ctx); err != nil {
		s.log("Warning: screen recording not started: %v", err)
	} else {
		s.screen = screen
		s.log("[Agent] Screen recording started -> %s", screen.remote)
	}

	logcat := NewLogcat(adb, filepath.Join(opts.ReportDir, core.FileDeviceLog))
	logcat.grace = grace
	if err := logcat.Start(ctx); err != nil {
		s.log("Warning: device log capture not started: %v", err)
	} else {
		s.logcat = logcat
	}
	return s
}

// Close stops both recorders concurrently. Failures are logged and
// returned joined; callers usually ignore them.
func (s *Session) Close() error {
	var (
		g         errgroup.Group
		screenErr error
		logcatErr error
	)
	if s.screen != nil {
		g.Go(func() error {
			screenErr = s.screen.Stop()
			if screenErr != nil {
				s.log("Warning: failed to save screen recording: %v", screenErr)
			}
			return nil
		})
	}
	if s.logcat != nil {
		g.Go(func() error {
			logcatErr = s.logcat.Stop()
			if logcatErr != nil {
				s.log("Warning: failed to save device log: %v", logcatErr)
			}
			return nil
		})
	}
	_ = g.Wait()
	s.screen, s.logcat = nil, nil
	return errors.Join(screenErr, logcatErr)
}
