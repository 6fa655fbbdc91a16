package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syncbox/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func runInBackground(t *testing.T, run func(context.Context) error) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return cancel
}

func send(t *testing.T, conn net.PacketConn, to net.Addr, payload string) {
	t.Helper()
	_, err := conn.WriteTo([]byte(payload), to)
	require.NoError(t, err)
}

// Unicast loopback stands in for the group: each side "multicasts" to the other's socket.
func TestDiscoveryRoundTrip(t *testing.T) {
	serverConn := listenLoopback(t)
	clientConn := listenLoopback(t)

	responder := NewResponder(serverConn, clientConn.LocalAddr(), 4040)
	discoverer := NewDiscoverer(clientConn, serverConn.LocalAddr())
	runInBackground(t, responder.Serve)
	runInBackground(t, discoverer.Run)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offer, err := discoverer.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4040, offer.Port)
	assert.True(t, offer.IP.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, "127.0.0.1:4040", offer.Addr())

	// the socket stays usable for later requests
	offer, err = discoverer.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4040, offer.Port)
	assert.Eventually(t, func() bool { return discoverer.State() == Idle }, time.Second, 10*time.Millisecond)
}

func TestDiscovererSkipsNoise(t *testing.T) {
	fakeServer := listenLoopback(t)
	clientConn := listenLoopback(t)

	discoverer := NewDiscoverer(clientConn, fakeServer.LocalAddr())
	runInBackground(t, discoverer.Run)

	go func() {
		buf := make([]byte, maxDatagramSize)
		_, from, err := fakeServer.ReadFrom(buf)
		if err != nil {
			return
		}
		for _, p := range []string{
			"garbage",
			`{"type":"DISCOVER"}`,
			`{"type":"OFFER","port":0}`,
			`{"type":"OFFER","port":70000}`,
			`{"type":"OFFER","port":7000}`,
		} {
			fakeServer.WriteTo([]byte(p), from)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offer, err := discoverer.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7000, offer.Port)
}

func TestDiscovererBacksOffAndRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fakeServer := listenLoopback(t)
	clientConn := listenLoopback(t)

	discoverer := NewDiscoverer(clientConn, fakeServer.LocalAddr(),
		WithClock(clock),
		WithTimeouts(50*time.Millisecond, 10*time.Second),
	)
	runInBackground(t, discoverer.Run)

	result := make(chan Offer, 1)
	go func() {
		offer, err := discoverer.Discover(context.Background())
		if err == nil {
			result <- offer
		}
	}()

	buf := make([]byte, maxDatagramSize)
	require.NoError(t, fakeServer.SetReadDeadline(time.Now().Add(5*time.Second)))

	// first probe goes unanswered
	n, _, err := fakeServer.ReadFrom(buf)
	require.NoError(t, err)
	msg, err := wire.DecodeDiscovery(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeDiscover, msg.Type)

	// the discoverer is now sleeping through its backoff
	clock.BlockUntil(1)
	select {
	case <-result:
		t.Fatal("offer delivered without a responder")
	default:
	}
	clock.Advance(10 * time.Second)

	// second probe gets an answer
	_, from, err := fakeServer.ReadFrom(buf)
	require.NoError(t, err)
	send(t, fakeServer, from, `{"type":"OFFER","port":5555}`)

	select {
	case offer := <-result:
		assert.Equal(t, 5555, offer.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("no offer after retry")
	}
}

func TestResponderAnswersOnlyDiscover(t *testing.T) {
	serverConn := listenLoopback(t)
	listener := listenLoopback(t)

	responder := NewResponder(serverConn, listener.LocalAddr(), 4242)
	runInBackground(t, responder.Serve)

	send(t, listener, serverConn.LocalAddr(), "not json")
	send(t, listener, serverConn.LocalAddr(), `{"type":"OFFER","port":1}`)
	send(t, listener, serverConn.LocalAddr(), `{"type":"DISCOVER"}`)

	buf := make([]byte, maxDatagramSize)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	msg, err := wire.DecodeDiscovery(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, wire.DiscoveryMessage{Type: wire.TypeOffer, Port: 4242}, msg)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = listener.ReadFrom(buf)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout(), "exactly one reply")
}

func TestDiscoverHonoursContext(t *testing.T) {
	clientConn := listenLoopback(t)
	discoverer := NewDiscoverer(clientConn, clientConn.LocalAddr(), WithTimeouts(20*time.Millisecond, time.Hour))
	runInBackground(t, discoverer.Run)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := discoverer.Discover(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "probing", Probing.String())
	assert.Equal(t, "waiting_for_offer", WaitingForOffer.String())
}

func TestListenGroupRejectsUnicast(t *testing.T) {
	_, _, err := ListenGroup("127.0.0.1:5000")
	assert.Error(t, err)
}

func TestMulticastRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("multicast test skipped in short mode")
	}
	group := "224.0.0.2:45123"
	responder, err := ListenResponder(group, 4040)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer responder.Close()
	discoverer, err := ListenDiscoverer(group, WithTimeouts(500*time.Millisecond, 100*time.Millisecond))
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer discoverer.Close()

	runInBackground(t, responder.Serve)
	runInBackground(t, discoverer.Run)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	offer, err := discoverer.Discover(ctx)
	if err != nil {
		t.Skipf("multicast loopback not delivered: %v", err)
	}
	assert.Equal(t, 4040, offer.Port)
}
