package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrpc/envelope"
	"objrpc/protocol"
)

// DefaultHeartbeat is the interval between liveness probes on an idle link.
const DefaultHeartbeat = 30 * time.Second

// Dealer is the client-side socket: one long-lived connection carrying
// interleaved requests and replies in any order.
//
// Send is intended to be driven by a single goroutine (the session's send
// loop); the internal write lock exists only because the heartbeat ticker
// shares the connection.
type Dealer struct {
	conn      net.Conn
	log       *zap.Logger
	writing   sync.Mutex
	closed    atomic.Bool
	heartbeat *time.Ticker
}

// DialDealer connects to the endpoint and starts the heartbeat ticker.
// A non-positive heartbeat disables probing.
func DialDealer(endpoint string, heartbeat time.Duration, log *zap.Logger) (*Dealer, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dealer{conn: conn, log: log}
	if heartbeat > 0 {
		d.heartbeat = time.NewTicker(heartbeat)
		go d.heartbeatLoop()
	}
	return d, nil
}

// Send writes one envelope as a single frame.
func (d *Dealer) Send(env *envelope.Envelope) error {
	if d.closed.Load() {
		return errors.New("transport: dealer closed")
	}
	d.writing.Lock()
	defer d.writing.Unlock()
	return protocol.WriteFrame(d.conn, protocol.MsgTypeMessage, env)
}

// Recv reads the next payload envelope, skipping heartbeat frames. It blocks
// until a frame arrives or the link is severed.
func (d *Dealer) Recv() (*envelope.Envelope, error) {
	for {
		mt, env, err := protocol.ReadFrame(d.conn)
		if err != nil {
			return nil, err
		}
		if mt == protocol.MsgTypeHeartbeat {
			continue
		}
		return env, nil
	}
}

// Close severs the link. A blocked Recv returns with an error.
func (d *Dealer) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.heartbeat != nil {
		d.heartbeat.Stop()
	}
	return d.conn.Close()
}

// heartbeatLoop sends lightweight header-only probes so dead links are
// noticed even when no calls are in flight.
func (d *Dealer) heartbeatLoop() {
	for range d.heartbeat.C {
		d.writing.Lock()
		err := protocol.WriteFrame(d.conn, protocol.MsgTypeHeartbeat, nil)
		d.writing.Unlock()
		if err != nil {
			d.log.Debug("heartbeat failed, link severed", zap.Error(err))
			return
		}
	}
}
