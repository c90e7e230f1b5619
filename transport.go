package lwm2m

import (
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// LWM2M content formats. go-coap declares its media types as variables,
// so these are too.
var (
	// ContentFormatText is text/plain (0), the default for requests
	// carrying no Content-Format option.
	ContentFormatText = message.TextPlain

	// ContentFormatOpaque is application/octet-stream (42).
	ContentFormatOpaque = message.AppOctets

	// ContentFormatTLV is the LWM2M binary TLV format (11542).
	ContentFormatTLV = message.AppLwm2mTLV

	// ContentFormatJSON is the LWM2M JSON format (110). Recognized and
	// rejected.
	ContentFormatJSON message.MediaType = 110
)

// Packet is one CoAP message as the engine sees it: code, addressing
// options and payload. The wire encoding is owned by the Endpoint
// implementations.
type Packet struct {
	// Code is the request method or response code.
	Code codes.Code

	// Type is the CoAP message type.
	Type message.Type

	// MessageID is the CoAP message id, or -1 when the endpoint picks one.
	MessageID int32

	// Token matches responses to requests and notifications to
	// observations.
	Token message.Token

	// Path holds the URI-Path segments.
	Path []string

	// LocationPath holds the Location-Path segments of a response.
	LocationPath []string

	// Queries holds the URI-Query options.
	Queries []string

	// Format is the Content-Format option; valid only when HasFormat.
	Format message.MediaType

	// HasFormat reports whether a Content-Format option is present.
	HasFormat bool

	// Observe is the Observe option value; valid only when HasObserve.
	Observe uint32

	// HasObserve reports whether an Observe option is present.
	HasObserve bool

	// Payload is the message body.
	Payload []byte
}

// NewPacket creates a packet with the given code and message type and no
// preassigned message id.
func NewPacket(code codes.Code, typ message.Type) *Packet {
	return &Packet{Code: code, Type: typ, MessageID: -1}
}

// SetFormat sets the Content-Format option.
func (p *Packet) SetFormat(mt message.MediaType) {
	p.Format = mt
	p.HasFormat = true
}

// SetObserve sets the Observe option.
func (p *Packet) SetObserve(v uint32) {
	p.Observe = v
	p.HasObserve = true
}

// PathString renders the URI-Path options as a /-joined string.
func (p *Packet) PathString() string {
	return "/" + strings.Join(p.Path, "/")
}

// response creates the response packet for a request, echoing its token.
// Confirmable requests are answered with a piggybacked acknowledgement.
func (p *Packet) response(code codes.Code) *Packet {
	typ := message.NonConfirmable
	mid := int32(-1)
	if p.Type == message.Confirmable {
		typ = message.Acknowledgement
		mid = p.MessageID
	}
	return &Packet{Code: code, Type: typ, MessageID: mid, Token: p.Token}
}

// ReplyFunc receives the reply to a request sent with SendWithReply. A nil
// reply means the request timed out on that address.
type ReplyFunc func(reply *Packet, from string)

// ResourceHandler serves one inbound request and returns the response, or
// nil when no response must be sent.
type ResourceHandler func(req *Packet, from string) *Packet

// NotifyBuilder produces the notification payload for one observer,
// identified by its remote address. Returning nil skips that observer.
type NotifyBuilder func(from string) *Packet

// Endpoint is one CoAP server handle bound to a single security mode. The
// engine replicates resource registration and notification across the
// endpoints enabled by the Security object.
type Endpoint interface {
	// Mode returns the endpoint's security mode.
	Mode() SecurityMode

	// Connect makes the remote address reachable. DTLS endpoints open a
	// session; the NoSec endpoint only validates the address.
	Connect(addr string) error

	// RegisterResource exposes a path. The handler also receives Observe
	// requests; the endpoint keeps the observer bookkeeping.
	RegisterResource(path string, h ResourceHandler) error

	// UnregisterResource removes a path and drops its observers.
	UnregisterResource(path string) error

	// SetDefaultHandler installs the handler for requests on unknown
	// paths. A nil handler removes it.
	SetDefaultHandler(h ResourceHandler)

	// Send queues a packet without expecting a reply.
	Send(addr string, pkt *Packet) error

	// SendWithReply queues a confirmable request and invokes cb with the
	// reply, or with nil on timeout. The endpoint owns the packet.
	SendWithReply(addr string, pkt *Packet, cb ReplyFunc) error

	// CancelSend drops a pending request matched by token, without
	// invoking its callback.
	CancelSend(addr string, token message.Token)

	// Notify emits one notification per current observer of the path and
	// returns how many were sent.
	Notify(path string, build NotifyBuilder) (int, error)

	// Observers returns the number of observers of a path.
	Observers(path string) int

	// Close shuts the endpoint down and drops all state.
	Close() error
}

// EndpointFactory creates the endpoint for one security mode. The client
// uses newDefaultEndpoint unless an option overrides it, which is how tests
// substitute an in-memory transport.
type EndpointFactory func(c *Client, mode SecurityMode) (Endpoint, error)
