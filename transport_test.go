package lwm2m

import (
	"sync"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireEndpoint is a coapEndpoint whose wire hooks capture outbound
// datagrams.
type wireEndpoint struct {
	*coapEndpoint

	mu   sync.Mutex
	out  [][]byte
	dest []string
}

func newWireEndpoint() *wireEndpoint {
	w := &wireEndpoint{coapEndpoint: newCoapEndpoint(SecurityModeNoSec, NewNoOpLogger())}
	w.writeTo = func(addr string, data []byte) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.out = append(w.out, data)
		w.dest = append(w.dest, addr)
		return nil
	}
	w.connect = func(string) error { return nil }
	w.closeConns = func() error { return nil }
	return w
}

func (w *wireEndpoint) takeWire(t *testing.T) (*Packet, string) {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.out, "nothing on the wire")
	data, addr := w.out[0], w.dest[0]
	w.out = w.out[1:]
	w.dest = w.dest[1:]
	pkt, err := unmarshalPacket(data)
	require.NoError(t, err)
	return pkt, addr
}

func TestPacketCodec(t *testing.T) {
	pkt := NewPacket(codes.POST, message.Confirmable)
	pkt.Token = message.Token{0x01, 0x02}
	pkt.Path = []string{"rd"}
	pkt.Queries = []string{"ep=device", "lt=300"}
	pkt.Payload = []byte("</3/0>")
	pkt.SetFormat(message.AppLinkFormat)

	data, err := marshalPacket(pkt, 7)
	require.NoError(t, err)

	got, err := unmarshalPacket(data)
	require.NoError(t, err)
	assert.Equal(t, codes.POST, got.Code)
	assert.Equal(t, message.Confirmable, got.Type)
	assert.EqualValues(t, 7, got.MessageID)
	assert.Equal(t, pkt.Token, got.Token)
	assert.Equal(t, []string{"rd"}, got.Path)
	assert.Equal(t, []string{"ep=device", "lt=300"}, got.Queries)
	assert.Equal(t, []byte("</3/0>"), got.Payload)
	require.True(t, got.HasFormat)
	assert.Equal(t, message.AppLinkFormat, got.Format)
}

func TestPacketCodecObserveAndLocation(t *testing.T) {
	pkt := NewPacket(codes.Created, message.Acknowledgement)
	pkt.Token = message.Token{0xAB}
	pkt.LocationPath = []string{"rd", "x91"}
	pkt.SetObserve(3)

	data, err := marshalPacket(pkt, 1)
	require.NoError(t, err)
	got, err := unmarshalPacket(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"rd", "x91"}, got.LocationPath)
	require.True(t, got.HasObserve)
	assert.EqualValues(t, 3, got.Observe)
}

func TestEndpointRoutesRequests(t *testing.T) {
	w := newWireEndpoint()

	var seen *Packet
	require.NoError(t, w.RegisterResource("/3/0", func(req *Packet, from string) *Packet {
		seen = req
		return req.response(codes.Content)
	}))

	req := NewPacket(codes.GET, message.Confirmable)
	req.Token = message.Token{0x01}
	req.Path = []string{"3", "0"}
	data, err := marshalPacket(req, 9)
	require.NoError(t, err)

	w.handleDatagram(data, "192.0.2.1:5683")
	require.NotNil(t, seen)
	assert.Equal(t, []string{"3", "0"}, seen.Path)

	resp, addr := w.takeWire(t)
	assert.Equal(t, "192.0.2.1:5683", addr)
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, req.Token, resp.Token)
	assert.Equal(t, message.Acknowledgement, resp.Type)
}

func TestEndpointUnknownPath(t *testing.T) {
	w := newWireEndpoint()

	req := NewPacket(codes.GET, message.Confirmable)
	req.Token = message.Token{0x02}
	req.Path = []string{"9"}
	data, err := marshalPacket(req, 1)
	require.NoError(t, err)

	w.handleDatagram(data, "192.0.2.1:5683")
	resp, _ := w.takeWire(t)
	assert.Equal(t, codes.NotFound, resp.Code)
}

func TestEndpointDefaultHandler(t *testing.T) {
	w := newWireEndpoint()
	w.SetDefaultHandler(func(req *Packet, from string) *Packet {
		return req.response(codes.Changed)
	})

	req := NewPacket(codes.PUT, message.Confirmable)
	req.Token = message.Token{0x03}
	req.Path = []string{"0", "1"}
	data, err := marshalPacket(req, 2)
	require.NoError(t, err)

	w.handleDatagram(data, "192.0.2.1:5683")
	resp, _ := w.takeWire(t)
	assert.Equal(t, codes.Changed, resp.Code)
}

func TestEndpointObserveLifecycle(t *testing.T) {
	w := newWireEndpoint()
	require.NoError(t, w.RegisterResource("/3/0", func(req *Packet, from string) *Packet {
		return req.response(codes.Content)
	}))

	reg := NewPacket(codes.GET, message.Confirmable)
	reg.Token = message.Token{0x04}
	reg.Path = []string{"3", "0"}
	reg.SetObserve(0)
	data, err := marshalPacket(reg, 3)
	require.NoError(t, err)

	w.handleDatagram(data, "192.0.2.1:5683")
	resp, _ := w.takeWire(t)
	require.True(t, resp.HasObserve)
	assert.Equal(t, 1, w.Observers("/3/0"))

	// Notifications run the builder per observer and bump the sequence.
	n, err := w.Notify("/3/0", func(addr string) *Packet {
		pkt := NewPacket(codes.Content, message.NonConfirmable)
		pkt.Payload = []byte{0xC1, 0x00, 0x2A}
		return pkt
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	note, addr := w.takeWire(t)
	assert.Equal(t, "192.0.2.1:5683", addr)
	assert.Equal(t, reg.Token, note.Token, "notifications reuse the observe token")
	require.True(t, note.HasObserve)
	assert.EqualValues(t, 1, note.Observe)

	// Observe=1 cancels.
	cancel := NewPacket(codes.GET, message.Confirmable)
	cancel.Token = message.Token{0x04}
	cancel.Path = []string{"3", "0"}
	cancel.SetObserve(1)
	data, err = marshalPacket(cancel, 4)
	require.NoError(t, err)

	w.handleDatagram(data, "192.0.2.1:5683")
	w.takeWire(t)
	assert.Equal(t, 0, w.Observers("/3/0"))
}

func TestEndpointReplyMatching(t *testing.T) {
	w := newWireEndpoint()

	req := NewPacket(codes.POST, message.Confirmable)
	req.Token = message.Token{0x05, 0x06}
	req.Path = []string{"rd"}

	var reply *Packet
	require.NoError(t, w.SendWithReply("192.0.2.1:5683", req, func(r *Packet, from string) {
		reply = r
	}))
	w.takeWire(t)

	ack := NewPacket(codes.Created, message.Acknowledgement)
	ack.Token = req.Token
	ack.LocationPath = []string{"rd", "1"}
	data, err := marshalPacket(ack, 5)
	require.NoError(t, err)

	w.handleDatagram(data, "192.0.2.1:5683")
	require.NotNil(t, reply)
	assert.Equal(t, codes.Created, reply.Code)
	assert.Equal(t, []string{"rd", "1"}, reply.LocationPath)
}

func TestEndpointCancelSend(t *testing.T) {
	w := newWireEndpoint()

	req := NewPacket(codes.POST, message.Confirmable)
	req.Token = message.Token{0x07}
	req.Path = []string{"rd"}

	called := false
	require.NoError(t, w.SendWithReply("192.0.2.1:5683", req, func(*Packet, string) {
		called = true
	}))
	w.takeWire(t)
	w.CancelSend("192.0.2.1:5683", req.Token)

	ack := NewPacket(codes.Created, message.Acknowledgement)
	ack.Token = req.Token
	data, err := marshalPacket(ack, 6)
	require.NoError(t, err)
	w.handleDatagram(data, "192.0.2.1:5683")

	assert.False(t, called, "cancelled request must not see the reply")
}

func TestEndpointRegisterResourceTwice(t *testing.T) {
	w := newWireEndpoint()
	h := func(req *Packet, from string) *Packet { return nil }

	require.NoError(t, w.RegisterResource("/1", h))
	assert.Error(t, w.RegisterResource("/1", h))
	require.NoError(t, w.UnregisterResource("/1"))
	assert.ErrorIs(t, w.UnregisterResource("/1"), ErrNotFound)
}
