package metrics

import "time"

// Recorder receives proxy events. Implementations must be safe for concurrent use.
type Recorder interface {
	// Reactor
	DatagramReceived(endpoint string, size int)
	DatagramDropped(endpoint, reason string)
	DatagramSent(endpoint string, size int)
	SocketClosed(endpoint string)
	SocketRebound(endpoint string)

	// Proxy server
	RequestHandled(proxy, pdu, path string)

	// Outbound client
	UpstreamRequest(target string)
	UpstreamTimeout(target string)
	PendingRequests(target string, n int)

	// Cache
	CacheRefresh(base string, duration time.Duration, entries int, err error)
}

// Drop reasons reported by the reactor.
const (
	ReasonDecode     = "decode"
	ReasonValidation = "validation"
	ReasonUnhandled  = "unhandled"
)

// Request paths reported by the proxy server.
const (
	PathCache       = "cache"
	PathPassthrough = "passthrough"
	PathRejected    = "rejected"
)

// Nop discards every event.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) DatagramReceived(string, int)                   {}
func (Nop) DatagramDropped(string, string)                 {}
func (Nop) DatagramSent(string, int)                       {}
func (Nop) SocketClosed(string)                            {}
func (Nop) SocketRebound(string)                           {}
func (Nop) RequestHandled(string, string, string)          {}
func (Nop) UpstreamRequest(string)                         {}
func (Nop) UpstreamTimeout(string)                         {}
func (Nop) PendingRequests(string, int)                    {}
func (Nop) CacheRefresh(string, time.Duration, int, error) {}
