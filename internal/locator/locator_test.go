package locator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/whereami/internal/config"
	"github.com/ukydev/whereami/internal/models"
	"github.com/ukydev/whereami/internal/server"
)

const report = `{"latitude":37.5665,"longitude":126.9780,"accuracy":12.5,"timestamp":1700000000000}`

// fakeBrowser plays the page: it loads / and posts a report when opened.
type fakeBrowser struct {
	mu     sync.Mutex
	urls   []string
	closed bool
	body   string
}

func (b *fakeBrowser) Open(ctx context.Context, target string) <-chan struct{} {
	b.mu.Lock()
	b.urls = append(b.urls, target)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
		if resp, err := client.Get(target + "/"); err == nil {
			resp.Body.Close()
		}
		if b.body == "" {
			return
		}
		if resp, err := client.Post(target+"/update", "application/json", strings.NewReader(b.body)); err == nil {
			resp.Body.Close()
		}
	}()
	return done
}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *fakeBrowser) wasClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, loc models.Location) error {
	return m.Called(ctx, loc).Error(0)
}

func testConfig() config.Config {
	return config.Config{
		Addr:              "127.0.0.1:0",
		ReadHeaderTimeout: 2 * time.Second,
		Browser:           config.BrowserConfig{Open: true},
	}
}

func testLogger() *log.Entry {
	logger, _ := test.NewNullLogger()
	return log.NewEntry(logger)
}

func TestLocator_Acquire(t *testing.T) {
	b := &fakeBrowser{body: report}
	var listened string
	l := New(testConfig(), WithLogger(testLogger()), WithOpener(b), OnListen(func(url string) { listened = url }))

	loc, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loc)

	assert.Equal(t, []float64{37.5665, 126.9780, 12.5}, loc.Values())
	assert.Equal(t, []string{listened}, b.urls)
	assert.True(t, strings.HasPrefix(listened, "http://127.0.0.1:"))
	assert.False(t, b.wasClosed())
}

func TestLocator_AcquireClosesBrowserWhenConfigured(t *testing.T) {
	b := &fakeBrowser{body: report}
	cfg := testConfig()
	cfg.Browser.Close = true

	loc, err := New(cfg, WithLogger(testLogger()), WithOpener(b)).Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.True(t, b.wasClosed())
}

func TestLocator_AcquireTimeout(t *testing.T) {
	b := &fakeBrowser{}
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond

	start := time.Now()
	loc, err := New(cfg, WithLogger(testLogger()), WithOpener(b)).Acquire(context.Background())

	assert.NoError(t, err)
	assert.Nil(t, loc)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestLocator_AcquireWithoutBrowser(t *testing.T) {
	b := &fakeBrowser{body: report}
	cfg := testConfig()
	cfg.Browser.Open = false

	urls := make(chan string, 1)
	l := New(cfg, WithLogger(testLogger()), WithOpener(b), OnListen(func(url string) { urls <- url }))

	go func() {
		url := <-urls
		client := &http.Client{Timeout: 5 * time.Second}
		if resp, err := client.Post(url+"/update", "application/json", strings.NewReader(report)); err == nil {
			resp.Body.Close()
		}
	}()

	loc, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Empty(t, b.urls)
}

func TestLocator_AcquireBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	b := &fakeBrowser{body: report}
	cfg := testConfig()
	cfg.Addr = busy.Addr().String()

	loc, err := New(cfg, WithLogger(testLogger()), WithOpener(b)).Acquire(context.Background())
	assert.Nil(t, loc)
	assert.True(t, errors.Is(err, server.ErrBind))
	assert.Empty(t, b.urls)
}

func TestLocator_AcquirePublishes(t *testing.T) {
	b := &fakeBrowser{body: report}
	pub := new(MockPublisher)
	want := models.Location{Latitude: 37.5665, Longitude: 126.978, Accuracy: 12.5, Timestamp: 1700000000000}
	pub.On("Publish", mock.Anything, want).Return(nil).Once()

	loc, err := New(testConfig(), WithLogger(testLogger()), WithOpener(b), WithPublisher(pub)).Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loc)
	pub.AssertExpectations(t)
}

func TestLocator_PublishFailureIsNotFatal(t *testing.T) {
	b := &fakeBrowser{body: report}
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	loc, err := New(testConfig(), WithLogger(testLogger()), WithOpener(b), WithPublisher(pub)).Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loc)
	pub.AssertExpectations(t)
}
