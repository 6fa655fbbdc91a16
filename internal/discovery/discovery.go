// Package discovery finds a sync server on the local network over UDP multicast.
//
// A client multicasts a DISCOVER datagram; every server listening on the group answers
// with an OFFER carrying its TCP port, also sent to the group. The client takes the
// first well-formed OFFER and uses the datagram's source address as the server host.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup = "224.0.0.2:5000"

	// ReceiveTimeout bounds how long one probe waits for an OFFER.
	ReceiveTimeout = 5 * time.Second
	// RetryBackoff is the pause after a probe that got no OFFER.
	RetryBackoff = 10 * time.Second

	maxDatagramSize = 2048
	multicastTTL    = 4
)

var ErrNoOffer = errors.New("no offer received")

// Offer is a server found on the network.
type Offer struct {
	IP   net.IP
	Port int
}

// Addr returns the offer as a dialable host:port.
func (o Offer) Addr() string {
	return net.JoinHostPort(o.IP.String(), strconv.Itoa(o.Port))
}

func (o Offer) String() string {
	return o.Addr()
}

// ListenGroup binds a UDP socket to the multicast group address and joins the group on
// every multicast capable interface that is up. The returned address is the group,
// which is also where replies and probes are sent.
func ListenGroup(group string) (*net.UDPConn, *net.UDPAddr, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve group %s: %w", group, err)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, nil, fmt.Errorf("%s is not a multicast address", gaddr.IP)
	}

	// binding to the group address makes the runtime set SO_REUSEADDR,
	// so a server and a client on the same host can share the port
	conn, err := net.ListenUDP("udp4", gaddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", gaddr, err)
	}

	if err := joinGroup(conn, gaddr); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, gaddr, nil
}

func joinGroup(conn *net.UDPConn, gaddr *net.UDPAddr) error {
	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: gaddr.IP}

	joined := 0
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("discovery list interfaces", "error", err)
	}
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, group); err != nil {
			slog.Debug("discovery join group failed", "iface", iface.Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		// let the kernel pick the interface
		if err := pc.JoinGroup(nil, group); err != nil {
			return fmt.Errorf("join group %s: %w", gaddr.IP, err)
		}
		joined = 1
	}

	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		slog.Debug("discovery set ttl", "error", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		slog.Debug("discovery set loopback", "error", err)
	}
	slog.Debug("discovery joined group", "group", gaddr, "interfaces", joined)
	return nil
}
