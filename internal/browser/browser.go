// Package browser opens the handshake page in the user's default browser.
// Everything here is best effort: failures are logged and never reach the
// handshake session.
package browser

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultDelay gives the listener time to come up before the browser asks
// for the page.
const DefaultDelay = 500 * time.Millisecond

// Process is a started opener process.
type Process interface {
	Kill() error
}

// StartFunc starts name with args without waiting for it to exit.
type StartFunc func(name string, args ...string) (Process, error)

// Command returns the default-handler open command for goos.
func Command(goos, target string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	case "darwin":
		return "open", []string{target}
	default:
		return "xdg-open", []string{target}
	}
}

func startProcess(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go cmd.Wait()
	return cmd.Process, nil
}

// Launcher opens a URL after a short delay on its own goroutine.
type Launcher struct {
	delay  time.Duration
	goos   string
	start  StartFunc
	logger log.FieldLogger

	mu   sync.Mutex
	proc Process
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithDelay sets the delay before the browser is opened.
func WithDelay(d time.Duration) Option {
	return func(l *Launcher) { l.delay = d }
}

// WithStartFunc replaces the process starter.
func WithStartFunc(start StartFunc) Option {
	return func(l *Launcher) { l.start = start }
}

// WithGOOS overrides the platform used to pick the open command.
func WithGOOS(goos string) Option {
	return func(l *Launcher) { l.goos = goos }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// New creates a Launcher for the running platform.
func New(opts ...Option) *Launcher {
	l := &Launcher{
		delay:  DefaultDelay,
		goos:   runtime.GOOS,
		start:  startProcess,
		logger: log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open schedules opening target and returns immediately. The attempt is
// skipped if ctx ends before the delay has passed. The returned channel is
// closed once the attempt has been made or skipped.
func (l *Launcher) Open(ctx context.Context, target string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		timer := time.NewTimer(l.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		l.mu.Lock()
		defer l.mu.Unlock()

		name, args := Command(l.goos, target)
		proc, err := l.start(name, args...)
		if err != nil {
			l.logger.WithError(err).WithField("url", target).Warn("Could not open browser; open the URL manually")
			return
		}
		l.proc = proc
		l.logger.WithFields(log.Fields{"url": target, "command": name}).Debug("Opened browser")
	}()
	return done
}

// Close stops the opener process if it is still running. The browser
// window itself belongs to the user; the page closes itself when allowed.
func (l *Launcher) Close() {
	l.mu.Lock()
	proc := l.proc
	l.proc = nil
	l.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.WithError(err).Debug("Could not stop browser opener")
	}
}
