// Package admission serializes sync sessions: one active session per server, the rest
// wait in arrival order on their open connections.
package admission

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/openmined/syncbox/internal/queue"
	"github.com/openmined/syncbox/internal/wire"
)

// lineWriteTimeout bounds the READY/BUSY write so a dead peer cannot stall the promoter.
const lineWriteTimeout = 5 * time.Second

// Handler runs one admitted session. The connection is closed after it returns.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

type HandlerFunc func(ctx context.Context, conn net.Conn) error

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}

type Stats struct {
	Busy      bool   `json:"busy"`
	Active    string `json:"active,omitempty"`
	Queued    int    `json:"queued"`
	Admitted  uint64 `json:"admitted"`
	Completed uint64 `json:"completed"`
}

// Controller owns the admission slot and the wait queue.
type Controller struct {
	handler Handler
	queue   *queue.Queue[net.Conn]
	signal  chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	busy      bool
	closed    bool
	active    string
	admitted  uint64
	completed uint64
}

func NewController(handler Handler) *Controller {
	return &Controller{
		handler: handler,
		queue:   queue.New[net.Conn](),
		signal:  make(chan struct{}, 1),
	}
}

// TryAdmit takes the slot if it is free and nobody is waiting for it.
func (c *Controller) TryAdmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || c.closed || c.queue.Len() > 0 {
		return false
	}
	c.busy = true
	c.admitted++
	return true
}

// Enqueue parks a connection until the slot frees up.
func (c *Controller) Enqueue(conn net.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.queue.Push(conn)
	c.mu.Unlock()
	c.notify()
}

// Release frees the slot and wakes the promoter.
func (c *Controller) Release() {
	c.mu.Lock()
	c.busy = false
	c.active = ""
	c.completed++
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Admit is the accept path: the connection either starts a session now or is told
// BUSY and queued.
func (c *Controller) Admit(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if c.TryAdmit() {
		if err := writeLine(conn, wire.LineReady); err != nil {
			slog.Warn("admission ready failed", "remote", remote, "error", err)
			conn.Close()
			c.Release()
			return
		}
		c.dispatch(ctx, conn)
		return
	}

	if err := writeLine(conn, wire.LineBusy); err != nil {
		slog.Warn("admission busy failed", "remote", remote, "error", err)
		conn.Close()
		return
	}
	slog.Info("admission queued connection", "remote", remote, "queued", c.queue.Len()+1)
	c.Enqueue(conn)
}

// Run promotes queued connections whenever the slot is free. On return every queued
// connection has been closed and in-flight sessions have finished.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.signal:
			c.promote(ctx)
		}
	}
}

func (c *Controller) promote(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.busy || c.closed {
			c.mu.Unlock()
			return
		}
		conn, ok := c.queue.Dequeue()
		if !ok {
			c.mu.Unlock()
			return
		}
		c.busy = true
		c.admitted++
		c.mu.Unlock()

		if err := writeLine(conn, wire.LineReady); err != nil {
			slog.Warn("admission promote failed", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			c.mu.Lock()
			c.busy = false
			c.admitted--
			c.mu.Unlock()
			continue
		}
		slog.Info("admission promoted connection", "remote", conn.RemoteAddr(), "queued", c.queue.Len())
		c.dispatch(ctx, conn)
		return
	}
}

func (c *Controller) dispatch(ctx context.Context, conn net.Conn) {
	c.mu.Lock()
	if c.closed {
		c.busy = false
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.active = conn.RemoteAddr().String()
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.Release()
		defer conn.Close()

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		if err := c.handler.Handle(ctx, conn); err != nil {
			slog.Debug("admission session ended with error", "remote", conn.RemoteAddr(), "error", err)
		}
	}()
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	queued := c.queue.Drain()
	for _, conn := range queued {
		conn.Close()
	}
	if len(queued) > 0 {
		slog.Info("admission closed queued connections", "count", len(queued))
	}
	c.wg.Wait()
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Busy:      c.busy,
		Active:    c.active,
		Queued:    c.queue.Len(),
		Admitted:  c.admitted,
		Completed: c.completed,
	}
}

func writeLine(conn net.Conn, line string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(lineWriteTimeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	_, err := conn.Write([]byte(line + "\n"))
	return err
}
