package domain

// NetworkingMode selects how a service's containers attach to the network.
type NetworkingMode string

const (
	NetworkingHost   NetworkingMode = "host"
	NetworkingBridge NetworkingMode = "bridge"
)

// ServiceEndpoint is one way of reaching a service.
type ServiceEndpoint struct {
	Host     string
	Port     int
	Protocol string
	URL      string
}

// ServiceRecord is a registered service with its dual endpoints. The network
// endpoint is addressable from inside the container network, the host
// endpoint from the host namespace. Either may be nil depending on the
// networking mode and port mappings.
type ServiceRecord struct {
	Name            string
	Type            string
	NetworkingMode  NetworkingMode
	NetworkEndpoint *ServiceEndpoint
	HostEndpoint    *ServiceEndpoint
	Variables       map[string]string
}
