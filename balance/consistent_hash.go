package balance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"objrpc/discovery"
)

// ConsistentHash maps string keys to endpoints on a hash ring, so the same
// key keeps hitting the same server while the ring is stable. Useful when a
// caller wants its remote objects co-located on one server.
//
// Each endpoint occupies replicas virtual nodes on the ring; without them a
// handful of real nodes clusters badly and skews the load.
type ConsistentHash struct {
	replicas int
	ring     []uint32
	nodes    map[uint32]*discovery.Endpoint
}

// NewConsistentHash builds an empty ring with 100 virtual nodes per
// endpoint.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Endpoint),
	}
}

// Add places an endpoint onto the ring. Virtual node i hashes "{addr}#{i}".
func (b *ConsistentHash) Add(ep *discovery.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey returns the endpoint owning the key: the first ring node at or
// after the key's hash, wrapping past the top back to the start.
func (b *ConsistentHash) PickKey(key string) (*discovery.Endpoint, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick satisfies Balancer for callers without a key: the endpoint list is
// ignored in favor of the ring, keyed by an empty string.
func (b *ConsistentHash) Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	return b.PickKey("")
}

func (b *ConsistentHash) Name() string {
	return "ConsistentHash"
}
