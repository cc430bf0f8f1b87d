package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeADB starts local stand-in processes and records shell and pull calls.
type fakeADB struct {
	mu        sync.Mutex
	shell     []string
	pulls     []string
	pullErr   error
	screenCmd []string // host command standing in for screenrecord
	logcatCmd []string
	failStart bool
}

func (f *fakeADB) Serial() string { return "emulator-5554" }

func (f *fakeADB) Command(ctx context.Context, args ...string) *exec.Cmd {
	if f.failStart {
		return exec.CommandContext(ctx, filepath.Join(os.TempDir(), "no-such-adb-binary"))
	}
	host := f.logcatCmd
	if len(args) > 1 && args[1] == "screenrecord" {
		host = f.screenCmd
	}
	return exec.CommandContext(ctx, host[0], host[1:]...)
}

func (f *fakeADB) Shell(args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shell = append(f.shell, strings.Join(args, " "))
	return "", nil
}

func (f *fakeADB) Pull(remote, local string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, remote+" -> "+local)
	if f.pullErr != nil {
		return f.pullErr
	}
	return os.WriteFile(local, []byte("mp4"), 0o644)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func collect(lines *[]string, mu *sync.Mutex) Logf {
	return func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		*lines = append(*lines, fmt.Sprintf(format, args...))
	}
}

func TestSession_StartAndClose(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	adb := &fakeADB{
		screenCmd: []string{"sh", "-c", "exec sleep 30"},
		logcatCmd: []string{"sh", "-c", "echo 'I ActivityManager: Start proc'; exec sleep 30"},
	}
	var (
		lines []string
		mu    sync.Mutex
	)

	s := Start(context.Background(), adb, Options{
		ReportDir: dir,
		Timestamp: "20260101_120000",
		StopGrace: 100 * time.Millisecond,
		Log:       collect(&lines, &mu),
	})
	if s.screen == nil || s.logcat == nil {
		t.Fatalf("recorders not started: %v", lines)
	}
	if lines[0] != "[Agent] Screen recording started -> /sdcard/agent_session_20260101_120000.mp4" {
		t.Errorf("first line = %q", lines[0])
	}

	// give logcat a moment to write its first line
	time.Sleep(200 * time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	wantShell := []string{
		"pkill -l screenrecord",
		"killall -2 screenrecord",
		"sh -c kill -2 $(pidof screenrecord)",
		"rm -f /sdcard/agent_session_20260101_120000.mp4",
	}
	if strings.Join(adb.shell, "\n") != strings.Join(wantShell, "\n") {
		t.Errorf("shell calls = %q", adb.shell)
	}
	if len(adb.pulls) != 1 || !strings.HasSuffix(adb.pulls[0], filepath.Join(dir, "session.mp4")) {
		t.Errorf("pulls = %v", adb.pulls)
	}

	log, err := os.ReadFile(filepath.Join(dir, "device_log.txt"))
	if err != nil {
		t.Fatalf("device log: %v", err)
	}
	if !strings.Contains(string(log), "ActivityManager") {
		t.Errorf("device log = %q", log)
	}

	// second close is a no-op
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_CloseAfterCancel(t *testing.T) {
	requireShell(t)
	adb := &fakeADB{
		screenCmd: []string{"sh", "-c", "exec sleep 30"},
		logcatCmd: []string{"sh", "-c", "exec sleep 30"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := Start(ctx, adb, Options{ReportDir: t.TempDir(), Timestamp: "ts", StopGrace: 100 * time.Millisecond})

	// an interrupted run cancels its context before the session is closed
	cancel()
	time.Sleep(100 * time.Millisecond)
	if s.screen.proc.exited() {
		t.Fatal("screenrecord host process died with the run context")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wantShell := []string{
		"pkill -l screenrecord",
		"killall -2 screenrecord",
		"sh -c kill -2 $(pidof screenrecord)",
		"rm -f /sdcard/agent_session_ts.mp4",
	}
	if strings.Join(adb.shell, "\n") != strings.Join(wantShell, "\n") {
		t.Errorf("shell calls = %q", adb.shell)
	}
}

func TestScreenRecorder_StopInterruptsAfterHostExit(t *testing.T) {
	requireShell(t)
	adb := &fakeADB{screenCmd: []string{"true"}}
	r := NewScreenRecorder(adb, "ts", filepath.Join(t.TempDir(), "session.mp4"))
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-r.proc.done

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(adb.shell) == 0 || adb.shell[0] != "pkill -l screenrecord" {
		t.Errorf("shell calls = %q, want the interrupts first", adb.shell)
	}
}

func TestSession_StartFailureIsBestEffort(t *testing.T) {
	adb := &fakeADB{failStart: true}
	var (
		lines []string
		mu    sync.Mutex
	)
	s := Start(context.Background(), adb, Options{ReportDir: t.TempDir(), Timestamp: "ts", Log: collect(&lines, &mu)})

	if s.screen != nil || s.logcat != nil {
		t.Error("failed recorders must be left out")
	}
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "Warning: screen recording not started") ||
		!strings.HasPrefix(lines[1], "Warning: device log capture not started") {
		t.Errorf("lines = %v", lines)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(adb.shell) != 0 || len(adb.pulls) != 0 {
		t.Errorf("unexpected device calls: %v %v", adb.shell, adb.pulls)
	}
}

func TestSession_PullFailureLogged(t *testing.T) {
	requireShell(t)
	adb := &fakeADB{
		screenCmd: []string{"sh", "-c", "exec sleep 30"},
		logcatCmd: []string{"sh", "-c", "exec sleep 30"},
		pullErr:   errors.New("remote object does not exist"),
	}
	var (
		lines []string
		mu    sync.Mutex
	)
	s := Start(context.Background(), adb, Options{ReportDir: t.TempDir(), Timestamp: "ts", StopGrace: 50 * time.Millisecond, Log: collect(&lines, &mu)})

	err := s.Close()
	if err == nil || !strings.Contains(err.Error(), "remote object does not exist") {
		t.Errorf("Close err = %v", err)
	}
	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, "Warning: failed to save screen recording") {
			found = true
		}
	}
	if !found {
		t.Errorf("no warning logged: %v", lines)
	}
	for _, c := range adb.shell {
		if strings.HasPrefix(c, "rm -f") {
			t.Error("remote file removed although pull failed")
		}
	}
}

func TestProcessStop(t *testing.T) {
	requireShell(t)

	t.Run("exits on signal", func(t *testing.T) {
		p, err := start(exec.Command("sh", "-c", "exec sleep 30"))
		if err != nil {
			t.Fatal(err)
		}
		if killed := p.stop(os.Interrupt, 5*time.Second); killed {
			t.Error("process should exit on interrupt without a kill")
		}
	})

	t.Run("killed after grace", func(t *testing.T) {
		p, err := start(exec.Command("sh", "-c", "trap '' INT; sleep 30"))
		if err != nil {
			t.Fatal(err)
		}
		if killed := p.stop(os.Interrupt, 100*time.Millisecond); !killed {
			t.Error("process ignoring the signal should be killed")
		}
	})

	t.Run("already exited", func(t *testing.T) {
		p, err := start(exec.Command("true"))
		if err != nil {
			t.Fatal(err)
		}
		<-p.done
		if !p.exited() {
			t.Error("exited() = false after done")
		}
		if p.stop(os.Interrupt, time.Second) {
			t.Error("finished process must not be killed")
		}
	})
}
