// Package balance picks one endpoint out of a discovered set.
//
//   - RoundRobin:     stateless servers of equal capacity
//   - WeightedRandom: heterogeneous servers, weight-proportional traffic
//   - ConsistentHash: key affinity, for callers pinning objects to a server
package balance

import (
	"github.com/pkg/errors"

	"objrpc/discovery"
)

// ErrNoEndpoints is returned when the discovered set is empty.
var ErrNoEndpoints = errors.New("balance: no endpoints available")

// Balancer selects an endpoint per dial. Pick is called concurrently and
// must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error)
	Name() string
}
