package lwm2m

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Resolver resolves a hostname to one or more IP addresses. It is called
// once per server connection, off the client's event loop, to enable custom
// service discovery.
type Resolver func(ctx context.Context, host string) ([]string, error)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	logger  Logger
	metrics Metrics

	// Opaque pointer handed to every object callback.
	userData any

	// Optional path segment prepended to every exposed CoAP path.
	pathPrefix string

	// Optional MSISDN advertised in the register query.
	smsNumber string

	rng             *rand.Rand
	resolver        Resolver
	resolveTimeout  time.Duration
	endpointFactory EndpointFactory
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		logger:  NewNoOpLogger(),
		metrics: NewNoOpMetrics(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		resolver: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
		resolveTimeout:  30 * time.Second,
		endpointFactory: newDefaultEndpoint,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLogger sets the logger for client events.
func WithLogger(l Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink for protocol counters.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithUserData sets the opaque value passed to every object callback via
// ObjectContext.UserData.
func WithUserData(data any) Option {
	return func(o *clientOptions) {
		o.userData = data
	}
}

// WithPathPrefix prepends a fixed segment to every CoAP path the client
// exposes and advertises, so several clients can share one host.
func WithPathPrefix(prefix string) Option {
	return func(o *clientOptions) {
		o.pathPrefix = strings.Trim(prefix, "/")
	}
}

// WithSMSNumber advertises an MSISDN in the registration query.
func WithSMSNumber(number string) Option {
	return func(o *clientOptions) {
		o.smsNumber = number
	}
}

// WithRandom sets the random source used for CoAP tokens and message ids.
// Useful for deterministic tests.
func WithRandom(r *rand.Rand) Option {
	return func(o *clientOptions) {
		if r != nil {
			o.rng = r
		}
	}
}

// WithResolver replaces the DNS resolver used for server hostnames.
func WithResolver(r Resolver) Option {
	return func(o *clientOptions) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithResolveTimeout bounds a single hostname resolution.
func WithResolveTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.resolveTimeout = d
		}
	}
}

// WithEndpointFactory replaces the transport construction, which is how
// tests substitute an in-memory endpoint.
func WithEndpointFactory(f EndpointFactory) Option {
	return func(o *clientOptions) {
		if f != nil {
			o.endpointFactory = f
		}
	}
}

// newDefaultEndpoint builds the production endpoint for a security mode: a
// plain UDP socket for NoSec, a DTLS dialer for PSK and RPK with
// credentials looked up in the Security object by server address.
func newDefaultEndpoint(c *Client, mode SecurityMode) (Endpoint, error) {
	switch mode {
	case SecurityModeNoSec:
		return newUDPEndpoint(c.opts.logger)
	case SecurityModePSK, SecurityModeRPK:
		return newDTLSEndpoint(mode, c.credentialsForAddr, c.opts.logger)
	default:
		return nil, ErrNotSupported
	}
}
