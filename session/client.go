// Package session implements the transport sessions: the client side issuing
// calls against pending-call futures, and the server side executing them on
// a bounded worker pool.
//
// Concurrency contract (client): any number of caller goroutines may issue
// concurrently; exactly one goroutine drives the socket per direction. A
// caller blocks only on its own call's future, never on the network or on
// other callers.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"objrpc/balance"
	"objrpc/codec"
	"objrpc/discovery"
	"objrpc/dispatch"
	"objrpc/envelope"
	"objrpc/registry"
	"objrpc/transport"
)

// ClientOptions configures a client session. Zero values select defaults.
type ClientOptions struct {
	Logger    *zap.Logger
	SendQueue int           // outbound queue depth, default 256
	Heartbeat time.Duration // liveness probe interval, default transport.DefaultHeartbeat
}

func (o *ClientOptions) withDefaults() ClientOptions {
	out := ClientOptions{}
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.SendQueue <= 0 {
		out.SendQueue = 256
	}
	if out.Heartbeat == 0 {
		out.Heartbeat = transport.DefaultHeartbeat
	}
	return out
}

// Client is the client-side transport session. Issued calls are queued to a
// single send goroutine; a single receive goroutine matches replies to
// pending calls by call id.
type Client struct {
	reg    *registry.Registry
	dealer *transport.Dealer
	log    *zap.Logger

	sendq chan *envelope.Envelope
	done  chan struct{}

	mu      sync.Mutex
	pending map[uint64]*Call
	nextID  uint64
	closed  bool
}

// Open connects a session to the endpoint. The registry supplies the
// registered signatures both for encoding outgoing calls and for
// recognizing reference slots.
func Open(endpoint string, reg *registry.Registry, opts *ClientOptions) (*Client, error) {
	o := opts.withDefaults()
	dealer, err := transport.DialDealer(endpoint, o.Heartbeat, o.Logger)
	if err != nil {
		return nil, err
	}
	c := &Client{
		reg:     reg,
		dealer:  dealer,
		log:     o.Logger,
		sendq:   make(chan *envelope.Envelope, o.SendQueue),
		done:    make(chan struct{}),
		pending: make(map[uint64]*Call),
	}
	go c.sendLoop()
	go c.recvLoop()
	return c, nil
}

// Dial resolves the service through the discovery registry, picks one
// endpoint with the balancer, and opens a session to it.
func Dial(disc discovery.Registry, bal balance.Balancer, service string, reg *registry.Registry, opts *ClientOptions) (*Client, error) {
	endpoints, err := disc.Discover(service)
	if err != nil {
		return nil, err
	}
	ep, err := bal.Pick(endpoints)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", service)
	}
	return Open(ep.Addr, reg, opts)
}

// role returns the client role context; decoded object references are bound
// back to this session.
func (c *Client) role() *codec.RoleContext {
	return codec.ClientRole(c.reg, c)
}

// Go issues a call and returns its future immediately. The caller never
// blocks on the network. deadline 0 means no local deadline.
func (c *Client) Go(objectID uint64, qualified string, args []any, reply any, deadline time.Duration) *Call {
	call := &Call{Qualified: qualified, Reply: reply, Done: make(chan *Call, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.Err = ErrSessionClosed
		call.finish()
		return call
	}
	c.nextID++
	call.ID = c.nextID
	c.mu.Unlock()

	env, err := dispatch.Issue(c.role(), c.reg, call.ID, objectID, qualified, args...)
	if err != nil {
		call.Err = err
		call.finish()
		return call
	}

	// Register before sending, so the reply can never race past its
	// pending entry.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.Err = ErrSessionClosed
		call.finish()
		return call
	}
	c.pending[call.ID] = call
	if deadline > 0 {
		// Assigned under the lock: expire claims the call through take,
		// which orders its timer read after this write.
		id := call.ID
		call.timer = time.AfterFunc(deadline, func() { c.expire(id) })
	}
	c.mu.Unlock()

	select {
	case c.sendq <- env:
	case <-c.done:
		if taken, ok := c.take(call.ID); ok {
			taken.Err = ErrSessionClosed
			taken.finish()
		}
	}
	return call
}

// Call issues and waits.
func (c *Client) Call(objectID uint64, qualified string, args []any, reply any) error {
	return c.Go(objectID, qualified, args, reply, 0).Wait()
}

// CallWithTimeout issues with a local deadline and waits.
func (c *Client) CallWithTimeout(objectID uint64, qualified string, args []any, reply any, deadline time.Duration) error {
	return c.Go(objectID, qualified, args, reply, deadline).Wait()
}

// Close severs the session. Every outstanding call resolves with
// ErrSessionClosed; further calls fail immediately.
func (c *Client) Close() error {
	c.sever(ErrSessionClosed)
	return nil
}

// sendLoop is the sole owner of the outbound socket direction.
func (c *Client) sendLoop() {
	for {
		select {
		case env := <-c.sendq:
			if err := c.dealer.Send(env); err != nil {
				c.log.Debug("send failed, severing session", zap.Error(err))
				c.sever(ErrSessionClosed)
				return
			}
		case <-c.done:
			return
		}
	}
}

// recvLoop is the sole owner of the inbound socket direction. It matches
// each reply to its pending call; replies for unknown call ids (stale,
// duplicate, or already expired) are dropped.
func (c *Client) recvLoop() {
	for {
		env, err := c.dealer.Recv()
		if err != nil {
			c.sever(ErrSessionClosed)
			return
		}
		rep, err := dispatch.ParseReply(env)
		if err != nil {
			c.log.Warn("undecodable reply dropped", zap.Error(err))
			continue
		}
		c.resolve(rep)
	}
}

// take removes and returns the pending call for id. At most one claimant
// succeeds per id, which is what makes resolution exactly-once.
func (c *Client) take(id uint64) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return call, ok
}

func (c *Client) resolve(rep *dispatch.Reply) {
	call, ok := c.take(rep.CallID)
	if !ok {
		c.log.Debug("reply for unknown call dropped", zap.Uint64("call_id", rep.CallID))
		return
	}

	switch rep.Status {
	case dispatch.StatusOK:
		if call.Reply != nil && len(rep.Body) > 0 {
			call.Err = codec.DecodeInto(c.role(), rep.Body, call.Reply)
		}
	case dispatch.StatusBusy:
		call.Err = errors.Wrap(ErrBusy, rep.Error)
	default:
		call.Err = &RemoteError{Status: rep.Status, Detail: rep.Error}
	}
	call.finish()
}

// expire resolves a call whose deadline elapsed. The entry leaves the
// pending table here, so a late reply finds nothing and is dropped.
func (c *Client) expire(id uint64) {
	call, ok := c.take(id)
	if !ok {
		return
	}
	call.Err = ErrTimeout
	call.finish()
}

// sever tears the session down once, resolving every pending call with err.
func (c *Client) sever(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	orphans := c.pending
	c.pending = make(map[uint64]*Call)
	c.mu.Unlock()

	close(c.done)
	c.dealer.Close()
	for _, call := range orphans {
		call.Err = err
		call.finish()
	}
}

// ---- proxy.Caller ----

// Invoke forwards a typed proxy call.
func (c *Client) Invoke(objectID uint64, qualified string, args []any, reply any) error {
	return c.Call(objectID, qualified, args, reply)
}

// GoInvoke forwards an asynchronous typed proxy call.
func (c *Client) GoInvoke(objectID uint64, qualified string, args []any, reply any) *Call {
	return c.Go(objectID, qualified, args, reply, 0)
}

// Construct creates a remote object through the factory: the constructor
// arguments are encoded against the registered constructor signature and
// nested into the create call.
func (c *Client) Construct(typeName string, args ...any) (uint64, error) {
	info, err := c.reg.Type(typeName)
	if err != nil {
		return 0, err
	}
	block, err := codec.EncodeArgs(c.role(), info.CtorParams, args)
	if err != nil {
		return 0, errors.Wrapf(err, "construct %s", typeName)
	}

	var id uint64
	err = c.Call(registry.FactoryObjectID, registry.QualifiedCreate,
		[]any{typeName, codec.Raw(block)}, &id)
	return id, err
}

// Release destroys a remote object through the factory.
func (c *Client) Release(objectID uint64) error {
	return c.Call(registry.FactoryObjectID, registry.QualifiedDestroy, []any{objectID}, nil)
}
