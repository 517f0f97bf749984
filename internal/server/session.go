// Package server implements the loopback handshake server that waits for a
// single browser geolocation report.
//
// A Session binds a listener, serves the bootstrap page and accepts
// reports on /update. Connections are handled one at a time with
// keep-alives disabled. The first valid report is committed once its
// response has been flushed and the connection closed; the listener is
// closed in the same step so no later request is ever observed.
package server

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/whereami/internal/handlers"
	"github.com/ukydev/whereami/internal/middleware"
	"github.com/ukydev/whereami/internal/models"
)

// DefaultAddr is the loopback address the handshake server binds.
const DefaultAddr = "127.0.0.1:3030"

var (
	// ErrBind wraps failures to bind the handshake listener.
	ErrBind = errors.New("bind handshake listener")
	// ErrSessionUsed is returned when a session is listened on or served twice.
	ErrSessionUsed = errors.New("handshake session already used")
)

// State is the lifecycle state of a Session.
type State int32

const (
	AwaitingConnection State = iota
	Serving
	Completed
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingConnection:
		return "awaiting_connection"
	case Serving:
		return "serving"
	case Completed:
		return "completed"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type connKey struct{}

// Session is a single acquisition session. It is not reusable.
type Session struct {
	ID string

	addr              string
	logger            *log.Entry
	readHeaderTimeout time.Duration
	ioTimeout         time.Duration

	ln     *serialListener
	served bool
	state  atomic.Int32
	result *models.Location
	done   chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger; the session id is attached to every entry.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Session) {
		s.logger = logger.WithField("session", s.ID)
	}
}

// WithReadHeaderTimeout bounds how long an idle connection may hold the
// serial accept loop before sending a request.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.readHeaderTimeout = d
	}
}

// New creates a session that will bind addr. An empty addr means DefaultAddr.
func New(addr string, opts ...Option) *Session {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Session{
		ID:                uuid.NewString(),
		addr:              addr,
		readHeaderTimeout: 5 * time.Second,
		ioTimeout:         10 * time.Second,
		done:              make(chan struct{}),
	}
	s.logger = log.WithField("session", s.ID)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the listener. Binding failures wrap ErrBind.
func (s *Session) Listen() error {
	if s.ln != nil {
		return ErrSessionUsed
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, s.addr, err)
	}
	s.ln = newSerialListener(ln, s.accepted, s.released)
	s.logger.WithField("addr", ln.Addr().String()).Info("Handshake server listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Session) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// URL returns the root URL of the bound server.
func (s *Session) URL() string {
	if a := s.Addr(); a != nil {
		return "http://" + a.String()
	}
	return "http://" + s.addr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Serve runs the accept loop until a report is committed or ctx ends, and
// always releases the listener before returning. It binds first if Listen
// has not been called.
//
// The result is nil with a nil error when the session ended without a
// report.
func (s *Session) Serve(ctx context.Context) (*models.Location, error) {
	if s.served {
		return nil, ErrSessionUsed
	}
	s.served = true
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return nil, err
		}
	}

	errLog := s.logger.WriterLevel(log.DebugLevel)
	defer errLog.Close()

	srv := &http.Server{
		Handler:           middleware.Logging(s.logger)(handlers.NewLocationHandler(s, s.logger).Routes()),
		ReadHeaderTimeout: s.readHeaderTimeout,
		ReadTimeout:       s.ioTimeout,
		WriteTimeout:      s.ioTimeout,
		ErrorLog:          stdlog.New(errLog, "", 0),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connKey{}, c)
		},
	}
	srv.SetKeepAlivesEnabled(false)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(s.ln)
	}()

	var serveErr error
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.WithError(context.Cause(ctx)).Info("Handshake session ended without a location")
	case serveErr = <-errCh:
		errCh = nil
	}

	s.terminate()
	if err := srv.Close(); err != nil {
		s.logger.WithError(err).Debug("Closing handshake server")
	}
	if errCh != nil {
		serveErr = <-errCh
	}

	if s.State() == Completed {
		<-s.done
		return s.result, nil
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && !errors.Is(serveErr, net.ErrClosed) {
		return nil, fmt.Errorf("serve handshake: %w", serveErr)
	}
	return nil, nil
}

// Report implements handlers.ReportSink. The report is parked on the
// connection and committed once that connection has been closed.
func (s *Session) Report(r *http.Request, loc models.Location) {
	if c, ok := r.Context().Value(connKey{}).(*reportConn); ok {
		c.report.CompareAndSwap(nil, &loc)
		return
	}
	s.commit(&loc)
}

func (s *Session) accepted() {
	s.state.CompareAndSwap(int32(AwaitingConnection), int32(Serving))
}

func (s *Session) released(c *reportConn) {
	loc := c.report.Load()
	if loc == nil || !s.commit(loc) {
		return
	}
	if err := s.ln.Close(); err != nil {
		s.logger.WithError(err).Debug("Closing handshake listener")
	}
}

// commit stores loc as the session result. Only the first call made while
// serving succeeds.
func (s *Session) commit(loc *models.Location) bool {
	if !s.state.CompareAndSwap(int32(Serving), int32(Completed)) {
		return false
	}
	s.result = loc
	close(s.done)

	s.logger.WithFields(log.Fields{
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
		"accuracy":  loc.Accuracy,
	}).Info("Location received")
	return true
}

// terminate moves a session that has not completed to Terminated.
func (s *Session) terminate() {
	for {
		cur := s.State()
		if cur == Completed || cur == Terminated {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(Terminated)) {
			return
		}
	}
}
