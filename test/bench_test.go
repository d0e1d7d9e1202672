package test

import (
	"sync"
	"testing"
	"time"

	"objrpc/codec"
	"objrpc/discovery"
	"objrpc/proxy"
	"objrpc/session"
)

// ---- mock registry (no etcd dependency) ----

type MockRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]discovery.Endpoint
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{endpoints: make(map[string][]discovery.Endpoint)}
}

func (m *MockRegistry) Register(service string, ep discovery.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[service] = append(m.endpoints[service], ep)
	return nil
}

func (m *MockRegistry) Deregister(service string, ep discovery.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[service]
	for i := range eps {
		if eps[i].Addr == ep.Addr {
			m.endpoints[service] = append(eps[:i], eps[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockRegistry) Discover(service string) ([]discovery.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]discovery.Endpoint(nil), m.endpoints[service]...), nil
}

func (m *MockRegistry) Watch(service string) <-chan []discovery.Endpoint {
	return nil
}

// ---- benchmarks ----

func setupBench(b *testing.B) (*session.Server, *proxy.Handle) {
	reg := buildRegistry(b)

	srv := session.NewServer(reg, nil)
	if err := srv.Listen("tcp://127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}
	go srv.Serve("", nil)

	cli, err := session.Open("tcp://"+srv.Addr(), reg, nil)
	if err != nil {
		b.Fatal(err)
	}
	h, err := proxy.New(cli, "acct", int64(0))
	if err != nil {
		b.Fatal(err)
	}

	b.Cleanup(func() {
		h.Close()
		cli.Close()
		srv.Shutdown(3 * time.Second)
	})
	return srv, h
}

// Single goroutine, one call at a time.
func BenchmarkSerialCall(b *testing.B) {
	_, h := setupBench(b)

	var after int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := h.Call("acct::Deposit", &after, int64(1)); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines over one multiplexed session.
func BenchmarkConcurrentCall(b *testing.B) {
	_, h := setupBench(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var after int64
		for pb.Next() {
			if err := h.Call("acct::Deposit", &after, int64(1)); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Pure argument encode/decode, no network.
func BenchmarkArgCodec(b *testing.B) {
	reg := buildRegistry(b)
	inv, err := reg.Lookup("teller::Move")
	if err != nil {
		b.Fatal(err)
	}
	// Skip the two reference parameters; this measures the scalar path.
	params := inv.Params()[2:]
	args := []any{int64(42)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		block, err := codec.EncodeArgs(nil, params, args)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := codec.DecodeArgs(nil, params, block); err != nil {
			b.Fatal(err)
		}
	}
}
