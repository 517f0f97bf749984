// Package locator provides the caller-facing "acquire current location"
// operation. It ties together the handshake session, the browser launcher
// and the optional result publisher.
package locator

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/whereami/internal/browser"
	"github.com/ukydev/whereami/internal/config"
	"github.com/ukydev/whereami/internal/models"
	"github.com/ukydev/whereami/internal/server"
)

// Opener opens a URL in a browser without blocking.
type Opener interface {
	Open(ctx context.Context, target string) <-chan struct{}
	Close()
}

// Publisher forwards an acquired location somewhere else.
type Publisher interface {
	Publish(ctx context.Context, loc models.Location) error
}

// Locator acquires the current location once per Acquire call.
type Locator struct {
	cfg       config.Config
	logger    *log.Entry
	opener    Opener
	publisher Publisher
	onListen  func(url string)
}

// Option configures a Locator.
type Option func(*Locator)

// WithLogger sets the logger.
func WithLogger(logger *log.Entry) Option {
	return func(l *Locator) { l.logger = logger }
}

// WithOpener replaces the browser launcher.
func WithOpener(o Opener) Option {
	return func(l *Locator) { l.opener = o }
}

// WithPublisher publishes every acquired location through p.
func WithPublisher(p Publisher) Option {
	return func(l *Locator) { l.publisher = p }
}

// OnListen registers a callback invoked with the page URL once the
// handshake server is bound.
func OnListen(fn func(url string)) Option {
	return func(l *Locator) { l.onListen = fn }
}

// New creates a Locator for cfg.
func New(cfg config.Config, opts ...Option) *Locator {
	l := &Locator{
		cfg:    cfg,
		logger: log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.opener == nil {
		l.opener = browser.New(
			browser.WithDelay(cfg.Browser.LaunchDelay),
			browser.WithLogger(l.logger),
		)
	}
	return l
}

// Acquire blocks until the browser reports a location, ctx ends or the
// configured timeout elapses. It returns nil with a nil error when no
// location was received, and an error wrapping server.ErrBind when the
// handshake server could not be started.
func (l *Locator) Acquire(ctx context.Context) (*models.Location, error) {
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	sess := server.New(l.cfg.Addr,
		server.WithLogger(l.logger),
		server.WithReadHeaderTimeout(l.cfg.ReadHeaderTimeout),
	)
	if err := sess.Listen(); err != nil {
		return nil, fmt.Errorf("acquire location: %w", err)
	}

	url := sess.URL()
	if l.onListen != nil {
		l.onListen(url)
	}
	openCtx, stopOpen := context.WithCancel(ctx)
	defer stopOpen()
	if l.cfg.Browser.Open {
		l.opener.Open(openCtx, url)
	}

	loc, err := sess.Serve(ctx)
	stopOpen()
	if err != nil {
		return nil, fmt.Errorf("acquire location: %w", err)
	}
	if loc == nil {
		return nil, nil
	}

	if l.cfg.Browser.Open && l.cfg.Browser.Close {
		l.opener.Close()
	}

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, *loc); err != nil {
			l.logger.WithError(err).Warn("Failed to publish location")
		}
	}
	return loc, nil
}
