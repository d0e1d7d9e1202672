package transport

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"objrpc/envelope"
	"objrpc/protocol"
)

// Req is the strict lockstep client socket: every Send must be followed by
// exactly one Recv. Useful for simple command/response exchanges that don't
// need the session layer's multiplexing.
type Req struct {
	conn     net.Conn
	mu       sync.Mutex
	awaiting bool
}

// DialReq connects a lockstep client to a Rep endpoint.
func DialReq(endpoint string) (*Req, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	return &Req{conn: conn}, nil
}

// Send writes one request. Sending twice without an intervening Recv is a
// protocol violation and fails.
func (q *Req) Send(env *envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.awaiting {
		return errors.New("transport: req must recv before sending again")
	}
	if err := protocol.WriteFrame(q.conn, protocol.MsgTypeMessage, env); err != nil {
		return err
	}
	q.awaiting = true
	return nil
}

// Recv reads the matching reply.
func (q *Req) Recv() (*envelope.Envelope, error) {
	q.mu.Lock()
	if !q.awaiting {
		q.mu.Unlock()
		return nil, errors.New("transport: req has nothing outstanding")
	}
	q.mu.Unlock()

	_, env, err := protocol.ReadFrame(q.conn)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.awaiting = false
	q.mu.Unlock()
	return env, nil
}

// Close severs the link.
func (q *Req) Close() error { return q.conn.Close() }

// repItem carries one inbound request together with the gate that releases
// its connection's read loop once the reply has been written.
type repItem struct {
	conn net.Conn
	env  *envelope.Envelope
	done chan struct{}
}

// Rep is the strict lockstep server socket: N clients fan into one queue,
// requests are handed out one at a time, and each Recv must be answered by
// exactly one Send before the next request from the same peer is read.
type Rep struct {
	ln      net.Listener
	reqq    chan repItem
	done    chan struct{}
	mu      sync.Mutex
	current *repItem
	closed  bool
}

// ListenRep binds the endpoint and starts accepting lockstep clients.
func ListenRep(endpoint string) (*Rep, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", endpoint)
	}
	p := &Rep{
		ln:   ln,
		reqq: make(chan repItem),
		done: make(chan struct{}),
	}
	go p.acceptLoop()
	return p, nil
}

// Addr returns the bound listener address.
func (p *Rep) Addr() net.Addr { return p.ln.Addr() }

func (p *Rep) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.readLoop(conn)
	}
}

// readLoop reads one request at a time from a peer, waiting for its reply to
// be sent before reading the next. This enforces sequential processing per
// peer while still fanning many peers into one queue.
func (p *Rep) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		_, env, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		item := repItem{conn: conn, env: env, done: make(chan struct{})}
		select {
		case p.reqq <- item:
		case <-p.done:
			return
		}
		select {
		case <-item.done:
		case <-p.done:
			return
		}
	}
}

// Recv returns the next request from any peer. The reply to it must be sent
// before Recv is called again.
func (p *Rep) Recv() (*envelope.Envelope, error) {
	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return nil, errors.New("transport: rep must send before receiving again")
	}
	p.mu.Unlock()

	select {
	case item := <-p.reqq:
		p.mu.Lock()
		p.current = &item
		p.mu.Unlock()
		return item.env, nil
	case <-p.done:
		return nil, errors.New("transport: rep closed")
	}
}

// Send writes the reply to the peer whose request was last returned by Recv.
func (p *Rep) Send(env *envelope.Envelope) error {
	p.mu.Lock()
	item := p.current
	p.current = nil
	p.mu.Unlock()
	if item == nil {
		return errors.New("transport: rep has no request to answer")
	}
	err := protocol.WriteFrame(item.conn, protocol.MsgTypeMessage, env)
	close(item.done)
	return err
}

// Close stops accepting and unblocks Recv.
func (p *Rep) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	return p.ln.Close()
}
