package discovery

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultLeaseTTL is the registration lease in seconds. A crashed server
// stops renewing and its entry expires on its own.
const DefaultLeaseTTL = 10

const keyPrefix = "/objrpc/"

// EtcdRegistry implements Registry on etcd v3. Entries live at
// /objrpc/{service}/{addr} with a JSON-encoded Endpoint as the value,
// attached to a TTL lease that is renewed in the background.
type EtcdRegistry struct {
	client *clientv3.Client
	ttl    int64
}

// NewEtcdRegistry connects to the etcd endpoints. ttl <= 0 selects
// DefaultLeaseTTL.
func NewEtcdRegistry(endpoints []string, ttl int64) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &EtcdRegistry{client: c, ttl: ttl}, nil
}

func key(service, addr string) string {
	return keyPrefix + service + "/" + addr
}

// Register grants a lease, stores the endpoint under it, and starts
// background renewal. The lease id stays local so one EtcdRegistry can
// safely register several endpoints concurrently.
func (r *EtcdRegistry) Register(service string, ep Endpoint) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, key(service, ep.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain renewal acks so the channel never fills.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the endpoint entry.
func (r *EtcdRegistry) Deregister(service string, ep Endpoint) error {
	_, err := r.client.Delete(context.TODO(), key(service, ep.Addr))
	return err
}

// Discover lists every endpoint currently registered for the service.
func (r *EtcdRegistry) Discover(service string) ([]Endpoint, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // skip malformed entries
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch pushes the full endpoint list whenever membership under the service
// prefix changes. Re-listing on every event is simpler than replaying
// individual watch deltas.
func (r *EtcdRegistry) Watch(service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		watchChan := r.client.Watch(context.TODO(), keyPrefix+service+"/", clientv3.WithPrefix())
		for range watchChan {
			endpoints, _ := r.Discover(service)
			ch <- endpoints
		}
	}()

	return ch
}
