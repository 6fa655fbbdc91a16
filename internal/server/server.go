// Package server runs the sync server: the TCP session listener behind the admission
// controller, the discovery responder and the status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openmined/syncbox/internal/archive"
	"github.com/openmined/syncbox/internal/discovery"
	"github.com/openmined/syncbox/internal/server/activity"
	"github.com/openmined/syncbox/internal/server/admission"
	"github.com/openmined/syncbox/internal/server/journal"
	"github.com/openmined/syncbox/internal/server/mirror"
	"github.com/openmined/syncbox/internal/server/status"
	"github.com/openmined/syncbox/internal/session"
	"github.com/openmined/syncbox/internal/utils"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	config *Config
	store  *archive.Store

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	store := archive.New(afero.NewOsFs(), config.ArchiveDir, archive.WithDirectoryRecords(config.IncludeDirs))
	return &Server{
		config: config,
		store:  store,
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once the session listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound session listener address, nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start prepares the archive and serves until ctx is done. Archive setup failures are
// fatal and returned before any listener is opened.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("syncbox server start", "archive", s.store.Root(), "port", s.config.Port, "interval", s.config.SyncInterval())
	defer slog.Info("syncbox server stop")

	if err := s.store.Init(); err != nil {
		return err
	}
	if err := s.store.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := s.store.Unlock(); err != nil {
			slog.Warn("archive unlock failed", "error", err)
		}
	}()

	var opts []session.Option
	var sessions status.SessionSource
	if s.config.Journal {
		j, err := journal.Open(s.store.MetadataPath(journal.FileName))
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, session.WithJournal(j))
		sessions = j
	}

	if s.config.Activity {
		act, err := activity.New(afero.NewOsFs(), s.store.MetadataPath(activity.DirName))
		if err != nil {
			return err
		}
		defer act.Close()
		opts = append(opts, session.WithActivity(act))
	}

	m, err := mirror.New(&s.config.Mirror)
	if err != nil {
		return fmt.Errorf("archive mirror: %w", err)
	}
	if s.config.Mirror.Enabled() {
		slog.Info("archive mirror enabled", "bucket", s.config.Mirror.Bucket, "endpoint", s.config.Mirror.Endpoint, "accessKey", utils.MaskSecret(s.config.Mirror.AccessKey))
	}
	opts = append(opts, session.WithMirror(m))

	handler := session.NewHandler(s.store, s.config.SyncInterval(), opts...)
	controller := admission.NewController(handler)

	ln, err := net.Listen("tcp", s.config.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr(), err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	var responder *discovery.Responder
	if s.config.Discovery.Enabled {
		responder, err = discovery.ListenResponder(s.config.Discovery.Group, port)
		if err != nil {
			return fmt.Errorf("discovery responder: %w", err)
		}
		defer responder.Close()
	}

	var statusLn net.Listener
	var routes http.Handler
	if s.config.Status.Addr != "" {
		routes, err = status.New(controller, sessions).Routes(s.config.Status.Rate)
		if err != nil {
			return err
		}
		statusLn, err = net.Listen("tcp", s.config.Status.Addr)
		if err != nil {
			return fmt.Errorf("status listen %s: %w", s.config.Status.Addr, err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return controller.Run(ctx)
	})

	eg.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	eg.Go(func() error {
		return s.accept(ctx, ln, controller)
	})

	if responder != nil {
		eg.Go(func() error {
			slog.Info("discovery responder start", "group", s.config.Discovery.Group, "port", port)
			return responder.Serve(ctx)
		})
	}

	if statusLn != nil {
		eg.Go(func() error {
			return status.Serve(ctx, statusLn, routes)
		})
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)
	slog.Info("sync listener start", "addr", ln.Addr().String())

	return eg.Wait()
}

// Accept failures other than a closed listener, such as running out of file
// descriptors, are retried with a growing delay, like net/http does.
func (s *Server) accept(ctx context.Context, ln net.Listener, controller *admission.Controller) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = acceptBackoff(delay)
			slog.Warn("accept failed", "error", err, "retryIn", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		slog.Debug("connection accepted", "remote", conn.RemoteAddr().String())
		controller.Admit(ctx, conn)
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(2*prev, maxAcceptDelay)
}
