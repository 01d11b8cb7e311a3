package protocol

import (
	"fmt"
	"net/url"
	"strconv"
)

// TransportEnvelope distinguishes plaintext from TLS-wrapped transport, per
// spec §6's server URL grammar.
type TransportEnvelope int

const (
	EnvelopePlain TransportEnvelope = iota
	EnvelopeTLS
)

// Endpoint is the (envelope, host, port) triple plus HTTP path prefix
// that keys connection pooling (spec §3 "Server Endpoint").
type Endpoint struct {
	Envelope   TransportEnvelope
	Host       string
	Port       int
	PathPrefix string
}

// Key returns a string uniquely identifying this endpoint for use as a
// connection-pool map key.
func (e Endpoint) Key() string {
	scheme := "ws"
	if e.Envelope == EnvelopeTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, e.Host, e.Port, e.PathPrefix)
}

// defaultPort maps each grammar scheme to its (hack-enabled, hack-disabled)
// default port pair, per spec §6: "realm"->80/7800, "realms"->443/7801,
// "ws"->80, "wss"->443.
func defaultPort(scheme string, hackEnabled bool) int {
	switch scheme {
	case "realm":
		if hackEnabled {
			return 80
		}
		return 7800
	case "realms":
		if hackEnabled {
			return 443
		}
		return 7801
	case "ws":
		return 80
	case "wss":
		return 443
	}
	return 0
}

// ParseServerURL parses a server URL of the grammar
// "scheme://host[:port][/path]", scheme in {realm, realms, ws, wss}. No
// userinfo, query, or fragment is permitted; an invalid URL fails
// initialization (spec §6).
func ParseServerURL(raw string, hackEnabled bool) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "realm", "realms", "ws", "wss":
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.User != nil {
		return Endpoint{}, fmt.Errorf("server url must not contain userinfo")
	}
	if u.RawQuery != "" {
		return Endpoint{}, fmt.Errorf("server url must not contain a query")
	}
	if u.Fragment != "" {
		return Endpoint{}, fmt.Errorf("server url must not contain a fragment")
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("server url must specify a host")
	}

	envelope := EnvelopePlain
	if u.Scheme == "realms" || u.Scheme == "wss" {
		envelope = EnvelopeTLS
	}

	port := defaultPort(u.Scheme, hackEnabled)
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
		port = parsed
	}

	return Endpoint{
		Envelope:   envelope,
		Host:       u.Hostname(),
		Port:       port,
		PathPrefix: u.Path,
	}, nil
}
