// Package discovery resolves service names to live endpoints.
package discovery

// Endpoint is one advertised server address with its balancing metadata.
type Endpoint struct {
	Addr    string
	Weight  int
	Version string
}

// Registry is the pluggable service-registry surface. Register keeps the
// entry alive until Deregister or process death; Watch pushes updated
// endpoint lists as membership changes.
type Registry interface {
	Register(service string, ep Endpoint) error
	Deregister(service string, ep Endpoint) error
	Discover(service string) ([]Endpoint, error)
	Watch(service string) <-chan []Endpoint
}
