package transport

import (
	"fmt"
	"strings"
)

// Schemes understood by the built-in drivers.
const (
	SchemeTCP      = "tcp"
	SchemeIPC      = "ipc"
	SchemeUDP      = "udp"
	SchemeUnixgram = "unixgram"
	SchemeInproc   = "inproc"

	SchemeChannel = "channel"
	SchemeNATS    = "nats"
	SchemeKafka   = "kafka"
	SchemeAMQP    = "amqp"
	SchemeHTTP    = "http"
	SchemeAWS     = "aws"
)

// IsBrokerScheme reports whether scheme is served by a message broker.
// Broker endpoints may leave the address empty and use configured defaults.
func IsBrokerScheme(scheme string) bool {
	switch scheme {
	case SchemeChannel, SchemeNATS, SchemeKafka, SchemeAMQP, SchemeHTTP, SchemeAWS:
		return true
	}
	return false
}

// Endpoint is a parsed socket URI:
//
//	<pub|sub|req|rep|dealer|router>+<bind|connect>:<scheme>://<address>[:<source>]
//
// The optional source names the topic writers publish under. It is
// recognised as a trailing ":<source>" that is not purely numeric and holds
// no '/', '@' or ']', so "tcp://127.0.0.1:5555" has no source while
// "tcp://127.0.0.1:5555:cam-1" publishes as "cam-1".
type Endpoint struct {
	Socket  SocketType
	Bind    bool
	Scheme  string
	Address string
	Source  string
}

// URL is the scheme and address without socket options or source.
func (e Endpoint) URL() string { return e.Scheme + "://" + e.Address }

func (e Endpoint) String() string {
	mode := "connect"
	if e.Bind {
		mode = "bind"
	}
	s := fmt.Sprintf("%s+%s:%s", e.Socket, mode, e.URL())
	if e.Source != "" {
		s += ":" + e.Source
	}
	return s
}

// ParseEndpoint parses a socket URI.
func ParseEndpoint(raw string) (Endpoint, error) {
	opts, url, ok := strings.Cut(raw, ":")
	if !ok || !strings.Contains(opts, "+") {
		return Endpoint{}, fmt.Errorf("endpoint %q: want <socket>+<bind|connect>:<scheme>://<address>", raw)
	}
	socket, mode, _ := strings.Cut(opts, "+")

	var ep Endpoint
	switch st := SocketType(socket); st {
	case SocketPub, SocketSub, SocketReq, SocketRep, SocketDealer, SocketRouter:
		ep.Socket = st
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unknown socket type %q", raw, socket)
	}
	switch mode {
	case "bind":
		ep.Bind = true
	case "connect":
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unknown mode %q, want bind or connect", raw, mode)
	}

	scheme, addr, ok := strings.Cut(url, "://")
	if !ok || scheme == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing scheme", raw)
	}
	ep.Scheme = strings.ToLower(scheme)
	ep.Address, ep.Source = splitSource(addr)

	if ep.Address == "" && !IsBrokerScheme(ep.Scheme) {
		return Endpoint{}, fmt.Errorf("endpoint %q: address is required for %s", raw, ep.Scheme)
	}
	if ep.Source != "" && !ep.Socket.IsWriter() {
		return Endpoint{}, fmt.Errorf("endpoint %q: source %q is only allowed on writer sockets", raw, ep.Source)
	}
	return ep, nil
}

// MustParseEndpoint is ParseEndpoint for literals; it panics on error.
func MustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

func splitSource(addr string) (string, string) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr, ""
	}
	suffix := addr[i+1:]
	if suffix == "" || strings.ContainsAny(suffix, "/@]") || isDigits(suffix) {
		return addr, ""
	}
	return addr[:i], suffix
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
