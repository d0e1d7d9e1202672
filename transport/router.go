package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrpc/envelope"
	"objrpc/protocol"
)

// ErrRouterClosed is returned by Recv after Close.
var ErrRouterClosed = errors.New("transport: router closed")

// Router is the server-side socket: it accepts any number of dealer peers,
// tags every inbound envelope with the peer's routing identity, and routes
// outbound envelopes back by popping that identity off the front.
//
// Each peer connection has its own read goroutine (frame parsing must be
// sequential per stream); Send is driven by a single egress goroutine.
type Router struct {
	ln     net.Listener
	log    *zap.Logger
	recvq  chan *envelope.Envelope
	gone   chan string
	done   chan struct{}
	closed atomic.Bool

	mu    sync.Mutex
	conns map[string]net.Conn
}

// ListenRouter binds the endpoint and starts accepting peers.
func ListenRouter(endpoint string, log *zap.Logger) (*Router, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", endpoint)
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		ln:    ln,
		log:   log,
		recvq: make(chan *envelope.Envelope, 64),
		gone:  make(chan string, 64),
		done:  make(chan struct{}),
		conns: make(map[string]net.Conn),
	}
	go r.acceptLoop()
	return r, nil
}

// Addr returns the bound listener address.
func (r *Router) Addr() net.Addr { return r.ln.Addr() }

func (r *Router) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if !r.closed.Load() {
				r.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		identity := uuid.NewString()
		r.mu.Lock()
		r.conns[identity] = conn
		r.mu.Unlock()
		r.log.Debug("peer connected", zap.String("identity", identity))
		go r.readLoop(identity, conn)
	}
}

// readLoop parses frames from one peer, stacking the routing identity onto
// each envelope before handing it to the shared receive queue.
func (r *Router) readLoop(identity string, conn net.Conn) {
	defer func() {
		conn.Close()
		r.mu.Lock()
		delete(r.conns, identity)
		r.mu.Unlock()
		// Best-effort disconnect notification; never stalls the reader.
		select {
		case r.gone <- identity:
		default:
		}
	}()

	for {
		mt, env, err := protocol.ReadFrame(conn)
		if err != nil {
			if !r.closed.Load() {
				r.log.Debug("peer gone", zap.String("identity", identity), zap.Error(err))
			}
			return
		}
		if mt == protocol.MsgTypeHeartbeat {
			continue
		}
		env.PushFront([]byte(identity))
		select {
		case r.recvq <- env:
		case <-r.done:
			return
		}
	}
}

// Recv returns the next inbound envelope. Its first part is the routing
// identity of the sending peer.
func (r *Router) Recv() (*envelope.Envelope, error) {
	select {
	case env := <-r.recvq:
		return env, nil
	case <-r.done:
		return nil, ErrRouterClosed
	}
}

// Send routes an envelope back to a peer: the first part must be the routing
// identity stacked by Recv. An envelope for a departed peer is dropped with
// an error; the caller decides whether that matters.
func (r *Router) Send(env *envelope.Envelope) error {
	identity, ok := env.PopFront()
	if !ok {
		return errors.New("transport: outbound envelope has no routing identity")
	}
	r.mu.Lock()
	conn, live := r.conns[string(identity)]
	r.mu.Unlock()
	if !live {
		return errors.Errorf("transport: peer %s is gone", identity)
	}
	return protocol.WriteFrame(conn, protocol.MsgTypeMessage, env)
}

// Gone delivers routing identities of departed peers. Notifications are
// best-effort: consumers that fall behind may miss some.
func (r *Router) Gone() <-chan string { return r.gone }

// Close stops accepting, severs all peers, and unblocks Recv.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.done)
	err := r.ln.Close()
	r.mu.Lock()
	for _, conn := range r.conns {
		conn.Close()
	}
	r.mu.Unlock()
	return err
}
