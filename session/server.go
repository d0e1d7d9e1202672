package session

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"objrpc/discovery"
	"objrpc/dispatch"
	"objrpc/envelope"
	"objrpc/middleware"
	"objrpc/registry"
	"objrpc/transport"
)

// ServerOptions configures a server session. Zero values select defaults.
type ServerOptions struct {
	Logger     *zap.Logger
	Workers    int    // execution pool size, default 2x NumCPU
	QueueDepth int    // ingress queue depth, default 1024
	Service    string // discovery service name, default "objrpc"
}

func (o *ServerOptions) withDefaults() ServerOptions {
	out := ServerOptions{}
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Workers <= 0 {
		out.Workers = 2 * runtime.NumCPU()
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 1024
	}
	if out.Service == "" {
		out.Service = "objrpc"
	}
	return out
}

// Server is the server-side transport session: a router socket feeding a
// bounded ingress queue drained by a fixed worker pool. When the queue is
// full new calls are rejected immediately with a busy reply instead of
// stalling the socket reader.
type Server struct {
	reg     *registry.Registry
	objects *registry.Objects
	opts    ServerOptions
	log     *zap.Logger

	chain   []middleware.Middleware
	handler middleware.HandlerFunc

	router *transport.Router
	done   chan struct{}

	inflight sync.WaitGroup

	shutdownOnce sync.Once
	disc         discovery.Registry
	advertise    string
}

// NewServer builds a server session over the registry. Register all types
// and functions before Serve; the registry is read-only once serving.
func NewServer(reg *registry.Registry, opts *ServerOptions) *Server {
	o := opts.withDefaults()
	return &Server{
		reg:     reg,
		objects: registry.NewObjects(reg),
		opts:    o,
		log:     o.Logger,
		done:    make(chan struct{}),
	}
}

// Use appends middleware around call execution. Must be called before Serve.
func (s *Server) Use(mw ...middleware.Middleware) {
	s.chain = append(s.chain, mw...)
}

// Addr returns the bound listener address; valid once Serve has started.
func (s *Server) Addr() string {
	if s.router == nil {
		return ""
	}
	return s.router.Addr().String()
}

// Listen binds the endpoint and freezes the middleware chain. Serve runs
// the processing loops afterwards; the split lets a caller bind ":0" and
// read Addr before serving.
func (s *Server) Listen(endpoint string) error {
	router, err := transport.ListenRouter(endpoint, s.log)
	if err != nil {
		return err
	}
	s.router = router
	s.handler = middleware.Chain(s.chain...)(s.execute)
	return nil
}

// Serve processes calls until Shutdown. If disc is non-nil the advertise
// address is registered under the configured service name and deregistered
// on shutdown; an empty advertise falls back to the bound address.
func (s *Server) Serve(advertise string, disc discovery.Registry) error {
	if s.router == nil {
		return errors.New("session: Serve before Listen")
	}

	if disc != nil {
		if advertise == "" {
			advertise = "tcp://" + s.router.Addr().String()
		}
		if err := disc.Register(s.opts.Service, discovery.Endpoint{Addr: advertise}); err != nil {
			s.router.Close()
			return errors.Wrapf(err, "register %s", s.opts.Service)
		}
		s.disc = disc
		s.advertise = advertise
	}

	ingress := make(chan *dispatch.Request, s.opts.QueueDepth)
	egress := make(chan *envelope.Envelope, s.opts.QueueDepth)

	var g errgroup.Group
	var workers sync.WaitGroup

	// Arrival: the only reader of the router. Parses, then admits to the
	// bounded queue or rejects with busy without ever blocking.
	g.Go(func() error {
		defer close(ingress)
		return s.arrivalLoop(ingress, egress)
	})

	// Execution pool.
	workers.Add(s.opts.Workers)
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			defer workers.Done()
			s.workerLoop(ingress, egress)
			return nil
		})
	}

	// Egress closes only after the arrival loop and every worker have
	// stopped producing.
	g.Go(func() error {
		workers.Wait()
		close(egress)
		return nil
	})
	g.Go(func() error {
		s.egressLoop(egress)
		return nil
	})

	// Peer departures tear down the objects that peer owns.
	g.Go(func() error {
		s.goneLoop()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, transport.ErrRouterClosed) {
		return nil
	}
	return err
}

// arrivalLoop admits parsed requests to the ingress queue. A full queue
// produces an immediate busy reply; the caller retries or backs off.
func (s *Server) arrivalLoop(ingress chan<- *dispatch.Request, egress chan<- *envelope.Envelope) error {
	for {
		env, err := s.router.Recv()
		if err != nil {
			return err
		}
		identity, ok := env.PopFront()
		if !ok {
			s.log.Warn("inbound envelope without routing identity dropped")
			continue
		}
		req, err := dispatch.ParseRequest(string(identity), env)
		if err != nil {
			s.log.Warn("malformed request dropped", zap.Error(err))
			continue
		}

		// Admitted calls count as in flight from here, so a shutdown that
		// starts between admission and pickup still waits for them.
		s.inflight.Add(1)
		select {
		case ingress <- req:
		default:
			s.inflight.Done()
			s.log.Warn("ingress queue full, rejecting call",
				zap.Uint64("call_id", req.CallID),
				zap.String("qualified", req.Qualified))
			busy := &dispatch.Reply{
				CallID: req.CallID,
				Status: dispatch.StatusBusy,
				Error:  "server queue full",
			}
			s.reply(egress, req.Identity, busy)
		}
	}
}

func (s *Server) workerLoop(ingress <-chan *dispatch.Request, egress chan<- *envelope.Envelope) {
	for req := range ingress {
		rep := s.handler(context.Background(), req)
		s.reply(egress, req.Identity, rep)
		s.inflight.Done()
	}
}

func (s *Server) reply(egress chan<- *envelope.Envelope, identity string, rep *dispatch.Reply) {
	env := rep.Envelope()
	env.PushFront([]byte(identity))
	select {
	case egress <- env:
	case <-s.done:
	}
}

// egressLoop is the sole writer to the router. A send to a departed peer
// only loses that peer's reply.
func (s *Server) egressLoop(egress <-chan *envelope.Envelope) {
	for env := range egress {
		if err := s.router.Send(env); err != nil {
			s.log.Debug("reply dropped", zap.Error(err))
		}
	}
}

// goneLoop destroys every object owned by a departing peer.
func (s *Server) goneLoop() {
	for {
		select {
		case identity := <-s.router.Gone():
			if n := s.objects.DestroyOwned(identity); n > 0 {
				s.log.Info("reclaimed objects of departed peer",
					zap.String("identity", identity), zap.Int("objects", n))
			}
		case <-s.done:
			return
		}
	}
}

// execute is the innermost handler under the middleware chain.
func (s *Server) execute(ctx context.Context, req *dispatch.Request) *dispatch.Reply {
	return dispatch.Execute(s.reg, s.objects, req)
}

// Shutdown stops serving: deregisters from discovery, closes the listener
// and all peers, and waits up to timeout for every admitted call, queued or
// executing, to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	s.shutdownOnce.Do(func() {
		if s.disc != nil {
			if derr := s.disc.Deregister(s.opts.Service, discovery.Endpoint{Addr: s.advertise}); derr != nil {
				s.log.Warn("deregister failed", zap.Error(derr))
			}
		}
		close(s.done)
		if s.router != nil {
			s.router.Close()
		}

		settled := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(settled)
		}()
		select {
		case <-settled:
		case <-time.After(timeout):
			err = errors.New("session: shutdown timed out waiting for in-flight calls")
		}
	})
	return err
}
