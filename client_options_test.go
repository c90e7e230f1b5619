package lwm2m

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	assert.NotNil(t, o.logger)
	assert.NotNil(t, o.metrics)
	assert.NotNil(t, o.rng)
	assert.NotNil(t, o.resolver)
	assert.Equal(t, 30*time.Second, o.resolveTimeout)
	assert.NotNil(t, o.endpointFactory)
	assert.Empty(t, o.pathPrefix)
}

func TestOptions(t *testing.T) {
	logger := NewStdLogger(nil, LogLevelError)
	metrics := NewMemoryMetrics()
	rng := rand.New(rand.NewSource(1))
	resolver := func(context.Context, string) ([]string, error) { return nil, nil }

	o := defaultOptions()
	for _, opt := range []Option{
		WithLogger(logger),
		WithMetrics(metrics),
		WithUserData("payload"),
		WithPathPrefix("/lwm2m/"),
		WithSMSNumber("+15550001"),
		WithRandom(rng),
		WithResolver(resolver),
		WithResolveTimeout(5 * time.Second),
	} {
		opt(o)
	}

	assert.Equal(t, logger, o.logger)
	assert.Equal(t, metrics, o.metrics)
	assert.Equal(t, "payload", o.userData)
	assert.Equal(t, "lwm2m", o.pathPrefix, "prefix slashes are trimmed")
	assert.Equal(t, "+15550001", o.smsNumber)
	assert.Equal(t, rng, o.rng)
	assert.NotNil(t, o.resolver)
	assert.Equal(t, 5*time.Second, o.resolveTimeout)
}

func TestOptionsIgnoreNil(t *testing.T) {
	o := defaultOptions()
	WithLogger(nil)(o)
	WithMetrics(nil)(o)
	WithRandom(nil)(o)
	WithResolver(nil)(o)
	WithResolveTimeout(0)(o)
	WithEndpointFactory(nil)(o)

	require.NotNil(t, o.logger)
	require.NotNil(t, o.metrics)
	require.NotNil(t, o.rng)
	require.NotNil(t, o.resolver)
	assert.Equal(t, 30*time.Second, o.resolveTimeout)
	require.NotNil(t, o.endpointFactory)
}
