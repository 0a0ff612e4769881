package oniri

import "context"
import "errors"
import "io"
import "net"
import "sync/atomic"
import "testing"

// hooked_overlay wraps a memory overlay to count announcements, fail a
// number of them, and hold the first connect until gate is closed.
type hooked_overlay struct {
	*MemoryOverlay
	announces atomic.Int32
	fail_announces atomic.Int32
	gate chan struct{}
	gated atomic.Bool
}

type hooked_node struct {
	OverlayNode
	ov *hooked_overlay
}

func new_hooked_overlay() *hooked_overlay {
	return &hooked_overlay{MemoryOverlay: NewMemoryOverlay()}
}

func (h *hooked_overlay) NewNode(id *ServiceIdentity) (OverlayNode, error) {
	var n OverlayNode
	var err error

	n, err = h.MemoryOverlay.NewNode(id)
	if err != nil { return nil, err }
	return &hooked_node{OverlayNode: n, ov: h}, nil
}

func (n *hooked_node) Announce(ctx context.Context, topic string) error {
	n.ov.announces.Add(1)
	if n.ov.fail_announces.Add(-1) >= 0 { return errors.New("announce refused") }
	return n.OverlayNode.Announce(ctx, topic)
}

func (n *hooked_node) Connect(ctx context.Context, remote_key string, opts *ConnectOptions) (OverlayStream, error) {
	if n.ov.gate != nil && n.ov.gated.CompareAndSwap(false, true) {
		select {
			case <-n.ov.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
		}
	}
	return n.OverlayNode.Connect(ctx, remote_key, opts)
}

func TestMemoryOverlayFirewall(t *testing.T) {
	var ov *MemoryOverlay
	var srv_node OverlayNode
	var good OverlayNode
	var bad OverlayNode
	var srv OverlayServer
	var s OverlayStream
	var err error

	ov = NewMemoryOverlay()
	srv_node, _ = ov.NewNode(new_test_identity(t))
	good, _ = ov.NewNode(new_test_identity(t))
	bad, _ = ov.NewNode(new_test_identity(t))

	srv, err = srv_node.Listen(func(remote_key string) bool { return remote_key == good.Key() })
	if err != nil { t.Fatalf("listen failed - %s", err.Error()) }

	_, err = bad.Connect(context.Background(), srv_node.Key(), nil)
	if !errors.Is(err, ErrPeerConnectionFailed) { t.Fatalf("expected rejection, got %v", err) }

	s, err = good.Connect(context.Background(), srv_node.Key(), nil)
	if err != nil { t.Fatalf("connect failed - %s", err.Error()) }
	if s.RemoteKey() != srv_node.Key() || s.LocalKey() != good.Key() {
		t.Fatalf("unexpected stream keys")
	}

	s, err = srv.Accept()
	if err != nil { t.Fatalf("accept failed - %s", err.Error()) }
	if s.RemoteKey() != good.Key() { t.Fatalf("accepted stream has wrong remote key") }
}

func TestMemoryOverlayFirewallPanicFailsClosed(t *testing.T) {
	var ov *MemoryOverlay
	var a OverlayNode
	var b OverlayNode
	var err error

	ov = NewMemoryOverlay()
	a, _ = ov.NewNode(new_test_identity(t))
	b, _ = ov.NewNode(new_test_identity(t))
	a.Listen(func(string) bool { panic("broken store") })

	_, err = b.Connect(context.Background(), a.Key(), nil)
	if !errors.Is(err, ErrPeerConnectionFailed) { t.Fatalf("expected rejection, got %v", err) }
}

func TestMemoryOverlayLookupAnnounce(t *testing.T) {
	var ov *MemoryOverlay
	var a OverlayNode
	var b OverlayNode
	var peers []OverlayPeer
	var err error

	ov = NewMemoryOverlay()
	a, _ = ov.NewNode(new_test_identity(t))
	b, _ = ov.NewNode(new_test_identity(t))

	a.Announce(context.Background(), "topic")
	a.Announce(context.Background(), "topic")
	peers, err = b.Lookup(context.Background(), "topic")
	if err != nil { t.Fatalf("lookup failed - %s", err.Error()) }
	if len(peers) != 1 || peers[0].Key != a.Key() { t.Fatalf("unexpected peers %+v", peers) }

	a.Close()
	peers, _ = b.Lookup(context.Background(), "topic")
	if len(peers) != 0 { t.Fatalf("closed node still announced") }
	if ov.NodeCount() != 1 { t.Fatalf("node count %d", ov.NodeCount()) }
}

func TestMemoryOverlayRelayThrough(t *testing.T) {
	var ov *MemoryOverlay
	var a OverlayNode
	var b OverlayNode
	var relay OverlayNode
	var err error

	ov = NewMemoryOverlay()
	a, _ = ov.NewNode(new_test_identity(t))
	b, _ = ov.NewNode(new_test_identity(t))
	relay, _ = ov.NewNode(new_test_identity(t))
	b.Listen(nil)

	_, err = a.Connect(context.Background(), b.Key(), &ConnectOptions{RelayThrough: "unknown"})
	if !errors.Is(err, ErrPeerConnectionFailed) { t.Fatalf("unknown relay must fail, got %v", err) }

	_, err = a.Connect(context.Background(), b.Key(), &ConnectOptions{RelayThrough: relay.Key()})
	if err != nil { t.Fatalf("relayed connect failed - %s", err.Error()) }
}

func TestMemoryStreamCloseSemantics(t *testing.T) {
	var c OverlayStream
	var s OverlayStream
	var buf [4]byte
	var n int
	var err error

	c, s = mem_stream_pair(t)

	c.Write([]byte("abcdef"))
	c.Close()

	// data written before the reset is still delivered, in pieces if needed
	n, err = s.Read(buf[:])
	if err != nil || string(buf[:n]) != "abcd" { t.Fatalf("unexpected first read %q %v", buf[:n], err) }
	n, err = s.Read(buf[:])
	if err != nil || string(buf[:n]) != "ef" { t.Fatalf("unexpected second read %q %v", buf[:n], err) }

	_, err = s.Read(buf[:])
	if !errors.Is(err, ErrStreamReset) { t.Fatalf("expected reset, got %v", err) }
	_, err = c.Read(buf[:])
	if !errors.Is(err, net.ErrClosed) { t.Fatalf("expected closed, got %v", err) }
	_, err = s.Write([]byte("x"))
	if err == nil { t.Fatalf("write after reset must fail") }
}

func TestMemoryStreamHalfClose(t *testing.T) {
	var c OverlayStream
	var s OverlayStream
	var buf [8]byte
	var err error

	c, s = mem_stream_pair(t)
	c.CloseWrite()
	_, err = s.Read(buf[:])
	if !errors.Is(err, io.EOF) { t.Fatalf("expected EOF, got %v", err) }

	s.Write([]byte("back"))
	if string(read_exactly(t, c, 4)) != "back" { t.Fatalf("reverse direction broken after half-close") }
	_, err = c.Write([]byte("x"))
	if err == nil { t.Fatalf("write after CloseWrite must fail") }
}

func TestMemoryNodeCloseClosesListener(t *testing.T) {
	var ov *MemoryOverlay
	var a OverlayNode
	var srv OverlayServer
	var err error

	ov = NewMemoryOverlay()
	a, _ = ov.NewNode(new_test_identity(t))
	srv, _ = a.Listen(nil)
	a.Close()
	_, err = srv.Accept()
	if !errors.Is(err, net.ErrClosed) { t.Fatalf("expected closed listener, got %v", err) }
}
