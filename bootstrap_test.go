package lwm2m

import (
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBootstrapClient seeds only a Bootstrap Server account and starts the
// client, which enters bootstrap mode and immediately solicits.
func newBootstrapClient(t *testing.T) (*Client, *fakeEndpoint, chan BootstrapEvent) {
	t.Helper()

	c, ep := newTestClient(t, coreObjects(testSensorObject()))
	_, err := c.AddSecurityInstance(SecurityInstance{
		ServerURI:   testEndpointURI,
		IsBootstrap: true,
		Mode:        SecurityModeNoSec,
	})
	require.NoError(t, err)

	events := make(chan BootstrapEvent, 4)
	_, err = c.AddBootstrapMonitor(func(e BootstrapEvent) { events <- e })
	require.NoError(t, err)

	require.NoError(t, c.Start())
	return c, ep, events
}

func waitBootstrapRequest(t *testing.T, ep *fakeEndpoint) *fakeRequest {
	t.Helper()
	req := ep.waitRequest(t)
	require.Equal(t, codes.POST, req.pkt.Code)
	require.Equal(t, []string{"bs"}, req.pkt.Path)
	return req
}

func waitEvent(t *testing.T, events chan BootstrapEvent) BootstrapEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no bootstrap event")
		return 0
	}
}

func securityTLV(t *testing.T, uri string, shortID uint16) []byte {
	t.Helper()
	payload, err := EncodeResources([]*Resource{
		NewStringResource(securityServerURIResID, uri),
		NewBoolResource(securityIsBootstrapResID, false),
		NewIntResource(securityModeResID, int64(SecurityModeNoSec)),
		NewIntResource(securityShortServerIDResID, int64(shortID)),
	})
	require.NoError(t, err)
	return payload
}

func serverTLV(t *testing.T, shortID uint16, lifetime int64) []byte {
	t.Helper()
	payload, err := EncodeResources([]*Resource{
		NewIntResource(serverShortIDResID, int64(shortID)),
		NewIntResource(serverLifetimeResID, lifetime),
		NewStringResource(serverBindingResID, BindingModeU),
	})
	require.NoError(t, err)
	return payload
}

func bootstrapPut(path []string, payload []byte) *Packet {
	req := &Packet{
		Code:    codes.PUT,
		Path:    path,
		Payload: payload,
		Token:   message.Token{0x51},
	}
	req.SetFormat(ContentFormatTLV)
	return req
}

func TestBootstrapSolicitation(t *testing.T) {
	_, ep, _ := newBootstrapClient(t)

	req := waitBootstrapRequest(t, ep)
	assert.Equal(t, testServerAddr, req.addr)
	assert.Equal(t, message.Confirmable, req.pkt.Type)
	assert.Equal(t, []string{"ep=test-client"}, req.pkt.Queries)

	// Bootstrap mode exposes /bs and nothing of the object tree.
	assert.True(t, ep.hasResource(bsPath))
	assert.False(t, ep.hasResource("/3303"))
}

func TestBootstrapFullSequence(t *testing.T) {
	c, ep, events := newBootstrapClient(t)

	req := waitBootstrapRequest(t, ep)
	req.cb(&Packet{Code: codes.Changed, Token: req.pkt.Token}, req.addr)

	// The server writes a management account and finishes.
	resp := ep.serve(bootstrapPut([]string{"0", "1"}, securityTLV(t, "coap://mgmt.example:5683", 201)), testServerAddr)
	require.NotNil(t, resp)
	require.Equal(t, codes.Changed, resp.Code)

	resp = ep.serve(bootstrapPut([]string{"1", "0"}, serverTLV(t, 201, 120)), testServerAddr)
	require.NotNil(t, resp)
	require.Equal(t, codes.Changed, resp.Code)

	finish := &Packet{Code: codes.POST, Path: []string{"bs"}, Token: message.Token{0x52}}
	resp = ep.serve(finish, testServerAddr)
	require.NotNil(t, resp)
	require.Equal(t, codes.Changed, resp.Code)

	assert.Equal(t, BootstrapEventFinished, waitEvent(t, events))

	// The client re-enters the start path and registers with the written
	// server account.
	reg := ep.waitRequest(t)
	require.Equal(t, codes.POST, reg.pkt.Code)
	require.Equal(t, []string{"rd"}, reg.pkt.Path)
	assert.Contains(t, reg.pkt.Queries, "lt=120")
	reg.cb(&Packet{
		Code:         codes.Created,
		Token:        reg.pkt.Token,
		LocationPath: []string{"rd", "reg9"},
	}, reg.addr)
	waitRegistered(t, c)

	// Out of bootstrap mode the object tree is exposed again.
	assert.True(t, ep.hasResource("/3303"))
	assert.False(t, ep.hasResource(bsPath))
}

func TestBootstrapRequestRefused(t *testing.T) {
	_, ep, events := newBootstrapClient(t)

	req := waitBootstrapRequest(t, ep)
	req.cb(&Packet{Code: codes.BadRequest, Token: req.pkt.Token}, req.addr)

	assert.Equal(t, BootstrapEventError, waitEvent(t, events))
}

func TestBootstrapRequestTimesOutToError(t *testing.T) {
	_, ep, events := newBootstrapClient(t)

	req := waitBootstrapRequest(t, ep)
	req.cb(nil, req.addr)

	assert.Equal(t, BootstrapEventError, waitEvent(t, events))
}

func TestBootstrapWholeObjectWrite(t *testing.T) {
	c, ep, _ := newBootstrapClient(t)

	req := waitBootstrapRequest(t, ep)
	req.cb(&Packet{Code: codes.Changed, Token: req.pkt.Token}, req.addr)

	first, err := EncodeObjectInstance(0, []*Resource{
		NewFloatResource(sensorValueRes, 1),
		NewStringResource(sensorLabelRes, "a"),
	})
	require.NoError(t, err)
	second, err := EncodeObjectInstance(4, []*Resource{
		NewFloatResource(sensorValueRes, 2),
		NewStringResource(sensorLabelRes, "b"),
	})
	require.NoError(t, err)

	resp := ep.serve(bootstrapPut([]string{"3303"}, append(first, second...)), testServerAddr)
	require.NotNil(t, resp)
	require.Equal(t, codes.Changed, resp.Code)

	var labels []string
	require.NoError(t, c.do(func() error {
		for _, inst := range c.objectByID(testObjectID).liveInstances() {
			labels = append(labels, inst.data.(*sensorState).label)
		}
		return nil
	}))
	assert.ElementsMatch(t, []string{"a", "b"}, labels)
}

func TestBootstrapWriteRequiresTLV(t *testing.T) {
	_, ep, _ := newBootstrapClient(t)

	req := waitBootstrapRequest(t, ep)
	req.cb(&Packet{Code: codes.Changed, Token: req.pkt.Token}, req.addr)

	put := &Packet{
		Code:    codes.PUT,
		Path:    []string{"3303", "0"},
		Payload: []byte("text"),
		Token:   message.Token{0x53},
	}
	resp := ep.serve(put, testServerAddr)
	require.NotNil(t, resp)
	assert.Equal(t, codes.UnsupportedMediaType, resp.Code)
}

func TestBootstrapDelete(t *testing.T) {
	c, ep, _ := newBootstrapClient(t)
	_, err := c.AddObjectInstance(testObjectID, &sensorState{label: "gone"})
	require.NoError(t, err)

	// Instances bound during bootstrap are not exposed yet; the delete
	// reaches the bootstrap catch-all, not a management handler.
	assert.False(t, ep.hasResource("/3303/0"))

	req := waitBootstrapRequest(t, ep)
	req.cb(&Packet{Code: codes.Changed, Token: req.pkt.Token}, req.addr)

	del := &Packet{Code: codes.DELETE, Path: []string{"3303", "0"}, Token: message.Token{0x54}}
	resp := ep.serve(del, testServerAddr)
	require.NotNil(t, resp)
	require.Equal(t, codes.Deleted, resp.Code)

	require.Eventually(t, func() bool {
		var n int
		c.do(func() error {
			n = len(c.objectByID(testObjectID).liveInstances())
			return nil
		})
		return n == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBootstrapDeleteAll(t *testing.T) {
	c, ep, _ := newBootstrapClient(t)
	_, err := c.AddObjectInstance(testObjectID, &sensorState{})
	require.NoError(t, err)

	req := waitBootstrapRequest(t, ep)
	req.cb(&Packet{Code: codes.Changed, Token: req.pkt.Token}, req.addr)

	del := &Packet{Code: codes.DELETE, Token: message.Token{0x55}}
	resp := ep.serve(del, testServerAddr)
	require.NotNil(t, resp)
	require.Equal(t, codes.Deleted, resp.Code)

	require.Eventually(t, func() bool {
		empty := true
		c.do(func() error {
			for _, obj := range c.sortedObjects() {
				if obj.def.ID == AccessControlObjectID {
					continue
				}
				if len(obj.liveInstances()) > 0 {
					empty = false
				}
			}
			return nil
		})
		return empty
	}, 2*time.Second, 5*time.Millisecond, "instances survived delete-all")
}

func TestBootstrapFinishWithoutBootstrap(t *testing.T) {
	_, ep, _ := startedSensorClient(t)

	finish := &Packet{Code: codes.POST, Path: []string{"bs"}, Token: message.Token{0x56}}
	resp := ep.serve(finish, testServerAddr)
	require.NotNil(t, resp)
	assert.Equal(t, codes.NotFound, resp.Code, "management mode does not expose /bs")
}
