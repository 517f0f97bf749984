package command

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/whereami/internal/models"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func postUntilAccepted(addr, body string) {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Post("http://"+addr+"/update", "application/json", strings.NewReader(body))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRootCmd_NoLocationBeforeTimeout(t *testing.T) {
	out, err := runRoot(t, "--addr", freeAddr(t), "--no-browser", "--timeout", "100ms")

	assert.ErrorIs(t, err, ErrNoLocation)
	assert.Contains(t, out, "Waiting for the browser at http://127.0.0.1:")
}

func TestRootCmd_PrintsLocation(t *testing.T) {
	addr := freeAddr(t)
	go postUntilAccepted(addr, `{"latitude":37.5665,"longitude":126.9780,"accuracy":12.5,"timestamp":1700000000000}`)

	out, err := runRoot(t, "--addr", addr, "--no-browser", "--timeout", "10s")
	require.NoError(t, err)

	assert.Contains(t, out, "Latitude:    37.56650000°")
	assert.Contains(t, out, "Longitude:   126.97800000°")
	assert.Contains(t, out, "Accuracy:    12.50m")
	assert.Contains(t, out, "https://www.google.com/maps?q=37.5665,126.978")
}

func TestRootCmd_JSONOutput(t *testing.T) {
	addr := freeAddr(t)
	go postUntilAccepted(addr, `{"latitude":1.5,"longitude":-2.25,"accuracy":3,"timestamp":4}`)

	out, err := runRoot(t, "--addr", addr, "--no-browser", "--timeout", "10s", "--json")
	require.NoError(t, err)

	var loc models.Location
	require.NoError(t, json.Unmarshal([]byte(out), &loc))
	assert.Equal(t, models.Location{Latitude: 1.5, Longitude: -2.25, Accuracy: 3, Timestamp: 4}, loc)
}

func TestRootCmd_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	_, err = runRoot(t, "--addr", busy.Addr().String(), "--no-browser")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoLocation)
}

func TestRootCmd_InvalidFlagValue(t *testing.T) {
	_, err := runRoot(t, "--log-level", "loud", "--no-browser")
	assert.Error(t, err)
}

func TestRootCmd_RejectsNonLoopbackAddr(t *testing.T) {
	out, err := runRoot(t, "--addr", "0.0.0.0:3030", "--no-browser", "--timeout", "100ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a loopback address")
	assert.NotContains(t, out, "Waiting for the browser")
}

func TestPrintLocation(t *testing.T) {
	var out bytes.Buffer
	loc := models.Location{Latitude: 37.5665, Longitude: 126.978, Accuracy: 12.5}
	printLocation(&out, loc, time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local))

	want := "\n[2024-01-02 03:04:05] Location received:\n" +
		"  Latitude:    37.56650000°\n" +
		"  Longitude:   126.97800000°\n" +
		"  Accuracy:    12.50m\n" +
		"  Google Maps: https://www.google.com/maps?q=37.5665,126.978\n" +
		rule + "\n"
	assert.Equal(t, want, out.String())
}
