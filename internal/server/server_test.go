package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/openmined/syncbox/internal/archive"
	"github.com/openmined/syncbox/internal/client"
	"github.com/openmined/syncbox/internal/client/config"
	"github.com/openmined/syncbox/internal/server/admission"
	"github.com/openmined/syncbox/internal/server/status"
	"github.com/openmined/syncbox/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	port, err := utils.GetFreePort()
	require.NoError(t, err)
	statusPort, err := utils.GetFreePort()
	require.NoError(t, err)
	return &Config{
		Port:       port,
		Interval:   1,
		ArchiveDir: filepath.Join(t.TempDir(), "archive"),
		Journal:    true,
		Activity:   true,
		Status:     StatusConfig{Addr: fmt.Sprintf("127.0.0.1:%d", statusPort)},
		LogDir:     t.TempDir(),
	}
}

func startServer(t *testing.T, cfg *Config) (*Server, func() error) {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server not ready")
	}

	stopped := false
	var stopErr error
	stop := func() error {
		if stopped {
			return stopErr
		}
		stopped = true
		cancel()
		select {
		case stopErr = <-done:
		case <-time.After(10 * time.Second):
			stopErr = fmt.Errorf("server did not stop")
		}
		return stopErr
	}
	t.Cleanup(func() { stop() })
	return srv, stop
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Port = 70000 }, true},
		{"zero interval", func(c *Config) { c.Interval = 0 }, true},
		{"unicast group", func(c *Config) { c.Discovery = DiscoveryConfig{Enabled: true, Group: "10.0.0.1:5000"} }, true},
		{"bad status addr", func(c *Config) { c.Status.Addr = "nope" }, true},
		{"mirror without region", func(c *Config) { c.Mirror.Bucket = "b" }, true},
		{"disabled discovery ignores group", func(c *Config) { c.Discovery = DiscoveryConfig{Group: "10.0.0.1:5000"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Port: DefaultPort, Interval: DefaultInterval, ArchiveDir: t.TempDir()}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(cfg.ArchiveDir))
			assert.Equal(t, status.DefaultRate, cfg.Status.Rate)
			assert.Equal(t, 5*time.Minute, cfg.SyncInterval())
		})
	}
}

func TestServerSyncsClient(t *testing.T) {
	cfg := testConfig(t)
	srv, stop := startServer(t, cfg)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "note.txt"), []byte("hello"), 0o644))
	mtime := time.UnixMilli(1714560000123)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "docs", "note.txt"), mtime, mtime))

	c, err := client.New(&config.Config{ClientID: "laptop", Dir: dir, RetryDelay: time.Second})
	require.NoError(t, err)

	report, err := c.SyncOnce(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.WithinDuration(t, time.Now().Add(time.Minute), report.NextSync, 10*time.Second)

	archived := filepath.Join(cfg.ArchiveDir, "laptop", "docs", "note.txt")
	data, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	info, err := os.Stat(archived)
	require.NoError(t, err)
	assert.Equal(t, mtime.UnixMilli(), info.ModTime().UnixMilli())

	statusURL := "http://" + cfg.Status.Addr + "/api/v1/status"
	require.Eventually(t, func() bool {
		resp, err := http.Get(statusURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body status.Response
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		return body.Admission.Completed == 1 && body.Sessions == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, stop())
	assert.FileExists(t, filepath.Join(cfg.ArchiveDir, archive.MetadataDir, "journal.db"))
	assert.DirExists(t, filepath.Join(cfg.ArchiveDir, archive.MetadataDir, "activity", "laptop"))
}

func TestServerRefusesLockedArchive(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	second := testConfig(t)
	second.ArchiveDir = cfg.ArchiveDir
	srv, err := New(second)
	require.NoError(t, err)

	err = srv.Start(context.Background())
	assert.ErrorIs(t, err, archive.ErrArchiveLocked)
}

func TestServerFailsWhenArchiveCannotBeCreated(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cfg := testConfig(t)
	cfg.ArchiveDir = filepath.Join(blocker, "archive")
	srv, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, srv.Start(context.Background()))
}

// failingListener fails the first n accepts, then reports itself closed.
type failingListener struct {
	n     int
	calls int
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls++
	if l.calls <= l.n {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	return nil, net.ErrClosed
}

func (l *failingListener) Close() error   { return nil }
func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestAcceptKeepsGoingAfterTransientErrors(t *testing.T) {
	ln := &failingListener{n: 3}
	controller := admission.NewController(admission.HandlerFunc(func(context.Context, net.Conn) error {
		return errors.New("unexpected session")
	}))

	err := (&Server{}).accept(context.Background(), ln, controller)
	require.NoError(t, err)
	assert.Equal(t, 4, ln.calls)
}

func TestAcceptStopsWaitingOnCancel(t *testing.T) {
	ln := &failingListener{n: 1 << 30}
	controller := admission.NewController(admission.HandlerFunc(func(context.Context, net.Conn) error {
		return nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- (&Server{}).accept(ctx, ln, controller) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not return after cancel")
	}
}

func TestAcceptBackoffDoublesUpToCap(t *testing.T) {
	assert.Equal(t, minAcceptDelay, acceptBackoff(0))
	assert.Equal(t, 2*minAcceptDelay, acceptBackoff(minAcceptDelay))
	assert.Equal(t, maxAcceptDelay, acceptBackoff(800*time.Millisecond))
	assert.Equal(t, maxAcceptDelay, acceptBackoff(maxAcceptDelay))
}
