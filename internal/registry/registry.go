// Package registry implements per-run service discovery. Services register
// with their configuration variables and the registry synthesizes the dual
// endpoints (container network vs. host) plus the typed connection variables
// that dependents consume through template expansion.
package registry

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
)

// Registry maps service names to records, preserving registration order.
type Registry struct {
	project     string
	environment string
	order       []string
	services    map[string]*domain.ServiceRecord
	log         *slog.Logger
}

// New creates an empty registry scoped to one project and environment.
func New(project, environment string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		project:     project,
		environment: environment,
		services:    make(map[string]*domain.ServiceRecord),
		log:         log,
	}
}

// Register adds a service, deriving its networking mode and endpoints from
// the service type and configuration variables.
func (r *Registry) Register(name, serviceType string, vars map[string]string) *domain.ServiceRecord {
	if vars == nil {
		vars = map[string]string{}
	}
	mode := r.detectNetworkingMode(name, vars)
	record := &domain.ServiceRecord{
		Name:            name,
		Type:            serviceType,
		NetworkingMode:  mode,
		NetworkEndpoint: r.networkEndpoint(name, serviceType, vars),
		HostEndpoint:    r.hostEndpoint(serviceType, vars, mode),
		Variables:       vars,
	}
	if _, exists := r.services[name]; !exists {
		r.order = append(r.order, name)
	}
	r.services[name] = record
	r.log.Debug("registered service",
		"service", name, "type", serviceType, "networking_mode", string(mode))
	return record
}

// Lookup returns a registered service record.
func (r *Registry) Lookup(name string) (*domain.ServiceRecord, bool) {
	rec, ok := r.services[name]
	return rec, ok
}

// Services lists records in registration order.
func (r *Registry) Services() []*domain.ServiceRecord {
	out := make([]*domain.ServiceRecord, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name])
	}
	return out
}

// Endpoint selects the endpoint of a service a target in the given mode can
// reach: host targets prefer the host endpoint, bridge targets the network
// endpoint, with the other as fallback.
func (r *Registry) Endpoint(name string, targetMode domain.NetworkingMode) (*domain.ServiceEndpoint, error) {
	rec, ok := r.services[name]
	if !ok {
		return nil, errs.New(errs.ConfigInvalid, "service %q not registered", name)
	}
	preferHost := targetMode == domain.NetworkingHost
	if preferHost && rec.HostEndpoint != nil {
		return rec.HostEndpoint, nil
	}
	if !preferHost && rec.NetworkEndpoint != nil {
		return rec.NetworkEndpoint, nil
	}
	if rec.HostEndpoint != nil {
		return rec.HostEndpoint, nil
	}
	if rec.NetworkEndpoint != nil {
		return rec.NetworkEndpoint, nil
	}
	return nil, errs.New(errs.ConfigInvalid, "service %q has no reachable endpoint for %s mode", name, targetMode)
}

// VariablesFor builds the connection variables a target service needs for its
// dependencies, choosing endpoints by the target's networking mode.
func (r *Registry) VariablesFor(target string, dependencies []string, targetMode domain.NetworkingMode) (map[string]string, error) {
	vars := map[string]string{}
	for _, dep := range dependencies {
		rec, ok := r.services[dep]
		if !ok {
			return nil, errs.New(errs.ConfigInvalid, "dependency %q of service %q not registered", dep, target)
		}
		endpoint, err := r.Endpoint(dep, targetMode)
		if err != nil {
			return nil, err
		}
		switch rec.Type {
		case "postgres":
			for k, v := range postgresVariables(rec, endpoint) {
				vars[k] = v
			}
		case "web":
			vars["WEB_URL"] = endpoint.URL
			vars["WEB_HOST"] = endpoint.Host
			vars["WEB_PORT"] = strconv.Itoa(endpoint.Port)
		default:
			upper := strings.ToUpper(strings.ReplaceAll(rec.Name, "-", "_"))
			vars[upper+"_URL"] = endpoint.URL
			vars[upper+"_HOST"] = endpoint.Host
			vars[upper+"_PORT"] = strconv.Itoa(endpoint.Port)
		}
	}
	return vars, nil
}

func postgresVariables(rec *domain.ServiceRecord, endpoint *domain.ServiceEndpoint) map[string]string {
	return map[string]string{
		"POSTGRES_URL":      endpoint.URL,
		"DATABASE_URL":      endpoint.URL,
		"POSTGRES_HOST":     endpoint.Host,
		"POSTGRES_PORT":     strconv.Itoa(endpoint.Port),
		"POSTGRES_USER":     valueOr(rec.Variables, "DB_USER", "postgres"),
		"POSTGRES_PASSWORD": rec.Variables["DB_PASSWORD"],
		"POSTGRES_DATABASE": valueOr(rec.Variables, "DB_NAME", "postgres"),
	}
}

// detectNetworkingMode honors per-service overrides first, then the global
// NETWORK_MODE. Postgres always stays on bridge: it publishes a host port
// instead of joining the host network.
func (r *Registry) detectNetworkingMode(name string, vars map[string]string) domain.NetworkingMode {
	if name == "postgres" {
		return domain.NetworkingBridge
	}
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_USE_HOST_NETWORK"
	if strings.EqualFold(vars[key], "true") {
		return domain.NetworkingHost
	}
	if strings.EqualFold(vars["NETWORK_MODE"], "host") {
		return domain.NetworkingHost
	}
	return domain.NetworkingBridge
}

// networkEndpoint is reachable from inside the container network: the
// service's stable DNS name plus its container port.
func (r *Registry) networkEndpoint(name, serviceType string, vars map[string]string) *domain.ServiceEndpoint {
	host := fmt.Sprintf("%s-%s-%s", r.project, name, r.environment)
	port := containerPort(serviceType, vars)
	protocol := serviceProtocol(serviceType, vars)
	return &domain.ServiceEndpoint{
		Host:     host,
		Port:     port,
		Protocol: protocol,
		URL:      endpointURL(host, port, protocol, serviceType, vars),
	}
}

// hostEndpoint is reachable from the host namespace. Host-mode services bind
// their container port directly; bridge-mode services need an explicit host
// port mapping or they have no host endpoint at all.
func (r *Registry) hostEndpoint(serviceType string, vars map[string]string, mode domain.NetworkingMode) *domain.ServiceEndpoint {
	var port int
	if mode == domain.NetworkingHost {
		port = containerPort(serviceType, vars)
	} else {
		mapped, ok := hostPort(serviceType, vars)
		if !ok {
			return nil
		}
		port = mapped
	}
	protocol := serviceProtocol(serviceType, vars)
	return &domain.ServiceEndpoint{
		Host:     "localhost",
		Port:     port,
		Protocol: protocol,
		URL:      endpointURL("localhost", port, protocol, serviceType, vars),
	}
}

func containerPort(serviceType string, vars map[string]string) int {
	switch serviceType {
	case "postgres":
		return 5432
	case "web":
		if strings.EqualFold(vars["WEB_TLS"], "true") {
			return 443
		}
		return 80
	}
	for _, key := range []string{"CONTAINER_PORT", "PORT"} {
		if p, err := strconv.Atoi(vars[key]); err == nil && p > 0 {
			return p
		}
	}
	return 8080
}

func hostPort(serviceType string, vars map[string]string) (int, bool) {
	keys := []string{"HOST_PORT", "EXPOSED_PORT"}
	if serviceType == "postgres" {
		keys = append([]string{"DB_PORT", "POSTGRES_HOST_PORT"}, keys...)
	}
	for _, key := range keys {
		if p, err := strconv.Atoi(vars[key]); err == nil && p > 0 {
			return p, true
		}
	}
	return 0, false
}

func serviceProtocol(serviceType string, vars map[string]string) string {
	switch serviceType {
	case "postgres":
		return "postgresql"
	case "web":
		if strings.EqualFold(vars["WEB_TLS"], "true") {
			return "https"
		}
		return "http"
	default:
		return "tcp"
	}
}

func endpointURL(host string, port int, protocol, serviceType string, vars map[string]string) string {
	if serviceType == "postgres" {
		user := valueOr(vars, "DB_USER", "postgres")
		database := valueOr(vars, "DB_NAME", "postgres")
		if password := vars["DB_PASSWORD"]; password != "" {
			return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s", user, url.QueryEscape(password), host, port, database)
		}
		return fmt.Sprintf("postgresql://%s@%s:%d/%s", user, host, port, database)
	}
	return fmt.Sprintf("%s://%s:%d", protocol, host, port)
}

func valueOr(vars map[string]string, key, fallback string) string {
	if v := vars[key]; v != "" {
		return v
	}
	return fallback
}
