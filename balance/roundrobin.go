package balance

import (
	"sync/atomic"

	"objrpc/discovery"
)

// RoundRobin cycles through the endpoint list with a lock-free atomic
// counter.
type RoundRobin struct {
	counter int64
}

func (b *RoundRobin) Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
