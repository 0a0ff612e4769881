package oniri

import "context"
import "io"

// DuplexConn is a byte stream whose write side can be shut down
// independently of its read side.
type DuplexConn interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// OverlayStream is an encrypted point-to-point stream between two overlay
// identities. A single Write is delivered to the other side as a single
// Read as long as the reader's buffer is large enough.
type OverlayStream interface {
	DuplexConn
	LocalKey() string
	RemoteKey() string
}

// FirewallFunc decides whether an inbound stream from remote_key may be
// accepted. It returns true to allow.
type FirewallFunc func(remote_key string) bool

type OverlayPeer struct {
	Key string `json:"publicKey"`
	RelayAddresses []string `json:"relayAddresses,omitempty"`
}

type ConnectOptions struct {
	RelayThrough string
}

type OverlayServer interface {
	Accept() (OverlayStream, error)
	Close() error
	Key() string
}

type OverlayNode interface {
	Key() string
	Connect(ctx context.Context, remote_key string, opts *ConnectOptions) (OverlayStream, error)
	Listen(firewall FirewallFunc) (OverlayServer, error)
	Lookup(ctx context.Context, topic string) ([]OverlayPeer, error)
	Announce(ctx context.Context, topic string) error
	Close() error
}

type Overlay interface {
	NewNode(id *ServiceIdentity) (OverlayNode, error)
}

func call_firewall(firewall FirewallFunc, remote_key string) (allowed bool) {
	if firewall == nil { return true }
	defer func() {
		if recover() != nil { allowed = false } // fail closed
	}()
	return firewall(remote_key)
}

func unique_overlay_peers(peers []OverlayPeer) []OverlayPeer {
	var seen map[string]bool
	var out []OverlayPeer
	var p OverlayPeer

	seen = make(map[string]bool)
	out = make([]OverlayPeer, 0, len(peers))
	for _, p = range peers {
		if seen[p.Key] { continue }
		seen[p.Key] = true
		out = append(out, p)
	}
	return out
}
