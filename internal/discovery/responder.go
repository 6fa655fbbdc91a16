package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/openmined/syncbox/internal/wire"
)

// Responder answers DISCOVER datagrams with an OFFER for the server's TCP port.
type Responder struct {
	conn    net.PacketConn
	replyTo net.Addr
	port    int
}

// NewResponder answers on conn and sends every OFFER to replyTo, normally the group itself.
func NewResponder(conn net.PacketConn, replyTo net.Addr, tcpPort int) *Responder {
	return &Responder{
		conn:    conn,
		replyTo: replyTo,
		port:    tcpPort,
	}
}

// ListenResponder joins the multicast group and returns a responder replying to it.
func ListenResponder(group string, tcpPort int) (*Responder, error) {
	conn, gaddr, err := ListenGroup(group)
	if err != nil {
		return nil, err
	}
	return NewResponder(conn, gaddr, tcpPort), nil
}

// Serve answers until ctx is done or the socket is closed.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	slog.Info("discovery responder started", "addr", r.conn.LocalAddr(), "replyTo", r.replyTo, "port", r.port)
	offer, err := wire.EncodeDiscovery(wire.DiscoveryMessage{Type: wire.TypeOffer, Port: r.port})
	if err != nil {
		return err
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Info("discovery responder stopped")
				return nil
			}
			return err
		}

		msg, err := wire.DecodeDiscovery(buf[:n])
		if err != nil {
			slog.Debug("discovery ignored datagram", "from", from, "error", err)
			continue
		}
		if msg.Type != wire.TypeDiscover {
			continue
		}

		if _, err := r.conn.WriteTo(offer, r.replyTo); err != nil {
			slog.Warn("discovery offer failed", "to", r.replyTo, "error", err)
			continue
		}
		slog.Debug("discovery offered", "requester", from, "port", r.port)
	}
}

func (r *Responder) Close() error {
	return r.conn.Close()
}
