package balance

import (
	"math/rand"

	"objrpc/discovery"
)

// WeightedRandom picks endpoints with probability proportional to their
// advertised weight. An endpoint with weight 0 is never picked unless every
// weight is 0, in which case selection degrades to uniform.
type WeightedRandom struct{}

func (b *WeightedRandom) Pick(endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	total := 0
	for _, ep := range endpoints {
		total += ep.Weight
	}
	if total <= 0 {
		return &endpoints[rand.Intn(len(endpoints))], nil
	}

	r := rand.Intn(total)
	for i := range endpoints {
		r -= endpoints[i].Weight
		if r < 0 {
			return &endpoints[i], nil
		}
	}
	return &endpoints[len(endpoints)-1], nil
}

func (b *WeightedRandom) Name() string {
	return "WeightedRandom"
}
