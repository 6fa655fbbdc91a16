package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syncbox/internal/wire"
)

// State of the discoverer's probe loop.
type State int32

const (
	Idle State = iota
	Probing
	WaitingForOffer
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case WaitingForOffer:
		return "waiting_for_offer"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Discoverer probes for servers on request. Run drives the probe loop; Discover asks it
// for one offer. The socket stays open between requests.
type Discoverer struct {
	conn    net.PacketConn
	target  net.Addr
	clock   clockwork.Clock
	timeout time.Duration
	backoff time.Duration

	arm     chan struct{}
	results chan Offer
	state   atomic.Int32
}

type DiscovererOption func(*Discoverer)

func WithClock(clock clockwork.Clock) DiscovererOption {
	return func(d *Discoverer) {
		d.clock = clock
	}
}

// WithTimeouts overrides the probe receive timeout and the backoff between probes.
func WithTimeouts(receive, backoff time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		d.timeout = receive
		d.backoff = backoff
	}
}

// NewDiscoverer probes by sending DISCOVER to target and reading OFFERs from conn.
func NewDiscoverer(conn net.PacketConn, target net.Addr, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		conn:    conn,
		target:  target,
		clock:   clockwork.NewRealClock(),
		timeout: ReceiveTimeout,
		backoff: RetryBackoff,
		arm:     make(chan struct{}, 1),
		results: make(chan Offer, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ListenDiscoverer joins the multicast group and probes it.
func ListenDiscoverer(group string, opts ...DiscovererOption) (*Discoverer, error) {
	conn, gaddr, err := ListenGroup(group)
	if err != nil {
		return nil, err
	}
	return NewDiscoverer(conn, gaddr, opts...), nil
}

func (d *Discoverer) State() State {
	return State(d.state.Load())
}

func (d *Discoverer) setState(s State) {
	d.state.Store(int32(s))
}

// Arm requests a probe. Arming an already armed discoverer is a no-op.
func (d *Discoverer) Arm() {
	select {
	case d.arm <- struct{}{}:
	default:
	}
}

// Discover arms the discoverer and waits for an offer. Run must be running.
func (d *Discoverer) Discover(ctx context.Context) (Offer, error) {
	// an offer left over from an abandoned request may be stale
	select {
	case <-d.results:
	default:
	}
	d.Arm()

	select {
	case offer := <-d.results:
		return offer, nil
	case <-ctx.Done():
		return Offer{}, ctx.Err()
	}
}

// Run waits for arm requests and probes until an offer arrives, backing off between
// unanswered probes. It returns when ctx is done or the socket is closed.
func (d *Discoverer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()
	defer d.setState(Idle)

	for {
		d.setState(Idle)
		select {
		case <-ctx.Done():
			return nil
		case <-d.arm:
		}

		for {
			offer, err := d.probe(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				d.setState(Idle)
				d.deliver(offer)
				slog.Info("discovery found server", "addr", offer.Addr())
				break
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, ErrNoOffer) {
				slog.Info("discovery no server answered, retrying", "in", d.backoff)
			} else {
				slog.Warn("discovery probe failed, retrying", "in", d.backoff, "error", err)
			}

			d.setState(Idle)
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(d.backoff):
			}
		}
	}
}

// deliver hands the offer to the consumer, replacing an unread one.
func (d *Discoverer) deliver(offer Offer) {
	select {
	case <-d.results:
	default:
	}
	d.results <- offer
}

func (d *Discoverer) probe(ctx context.Context) (Offer, error) {
	d.setState(Probing)
	payload, err := wire.EncodeDiscovery(wire.DiscoveryMessage{Type: wire.TypeDiscover})
	if err != nil {
		return Offer{}, err
	}
	if _, err := d.conn.WriteTo(payload, d.target); err != nil {
		return Offer{}, fmt.Errorf("send discover: %w", err)
	}
	slog.Debug("discovery sent discover", "to", d.target)

	d.setState(WaitingForOffer)
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return Offer{}, err
	}
	if ctx.Err() != nil {
		return Offer{}, ctx.Err()
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return Offer{}, ErrNoOffer
			}
			return Offer{}, err
		}

		msg, err := wire.DecodeDiscovery(buf[:n])
		if err != nil {
			slog.Debug("discovery ignored datagram", "from", from, "error", err)
			continue
		}
		if msg.Type != wire.TypeOffer || msg.Port <= 0 || msg.Port > 65535 {
			continue
		}

		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		return Offer{IP: udp.IP, Port: msg.Port}, nil
	}
}

func (d *Discoverer) Close() error {
	return d.conn.Close()
}
