package lwm2m

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

const (
	maxDatagramSize = 65535

	// Confirmable retransmission parameters, RFC 7252 defaults.
	ackTimeout    = 2 * time.Second
	maxRetransmit = 4
)

// marshalPacket encodes a Packet with the go-coap UDP message coder.
func marshalPacket(p *Packet, mid int32) ([]byte, error) {
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	msg.SetCode(p.Code)
	msg.SetType(p.Type)
	msg.SetMessageID(mid)
	msg.SetToken(p.Token)

	for _, seg := range p.Path {
		msg.AddOptionString(message.URIPath, seg)
	}
	for _, seg := range p.LocationPath {
		msg.AddOptionString(message.LocationPath, seg)
	}
	for _, q := range p.Queries {
		msg.AddOptionString(message.URIQuery, q)
	}
	if p.HasFormat {
		msg.SetContentFormat(p.Format)
	}
	if p.HasObserve {
		msg.SetObserve(p.Observe)
	}
	if len(p.Payload) > 0 {
		msg.SetBody(bytes.NewReader(p.Payload))
	}

	return msg.MarshalWithEncoder(coder.DefaultCoder)
}

// unmarshalPacket decodes a datagram with the go-coap UDP message coder.
func unmarshalPacket(data []byte) (*Packet, error) {
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, err
	}

	p := &Packet{
		Code:      msg.Code(),
		Type:      msg.Type(),
		MessageID: msg.MessageID(),
		Token:     append(message.Token(nil), msg.Token()...),
	}

	for _, opt := range msg.Options() {
		switch opt.ID {
		case message.URIPath:
			p.Path = append(p.Path, string(opt.Value))
		case message.LocationPath:
			p.LocationPath = append(p.LocationPath, string(opt.Value))
		case message.URIQuery:
			p.Queries = append(p.Queries, string(opt.Value))
		}
	}
	if mt, err := msg.ContentFormat(); err == nil {
		p.Format = mt
		p.HasFormat = true
	}
	if obs, err := msg.Observe(); err == nil {
		p.Observe = obs
		p.HasObserve = true
	}
	if body, err := msg.ReadBody(); err == nil && len(body) > 0 {
		p.Payload = body
	}

	return p, nil
}

// observation is one observer of one registered path.
type observation struct {
	addr  string
	token message.Token
	seq   uint32
}

// pendingRequest is one confirmable request awaiting its reply.
type pendingRequest struct {
	addr    string
	data    []byte
	cb      ReplyFunc
	timer   *time.Timer
	retries int
}

// coapEndpoint is the message engine shared by the NoSec and DTLS
// endpoints: resource routing, reply matching by token, confirmable
// retransmission and observe bookkeeping. The wire itself is behind the
// writeTo, connect and closeConns hooks.
type coapEndpoint struct {
	mode   SecurityMode
	log    Logger
	nextID int32

	writeTo    func(addr string, data []byte) error
	connect    func(addr string) error
	closeConns func() error

	mu           sync.Mutex
	resources    map[string]ResourceHandler
	defaultH     ResourceHandler
	observations map[string][]*observation
	pending      map[string]*pendingRequest
	closed       bool
}

func newCoapEndpoint(mode SecurityMode, log Logger) *coapEndpoint {
	return &coapEndpoint{
		mode:         mode,
		log:          log,
		resources:    make(map[string]ResourceHandler),
		observations: make(map[string][]*observation),
		pending:      make(map[string]*pendingRequest),
	}
}

// Mode returns the endpoint's security mode.
func (e *coapEndpoint) Mode() SecurityMode { return e.mode }

// Connect makes the remote address reachable.
func (e *coapEndpoint) Connect(addr string) error { return e.connect(addr) }

// RegisterResource exposes a path on this endpoint.
func (e *coapEndpoint) RegisterResource(path string, h ResourceHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClientClosed
	}
	if _, ok := e.resources[path]; ok {
		return fmt.Errorf("resource %s already registered", path)
	}
	e.resources[path] = h
	return nil
}

// UnregisterResource removes a path and its observers.
func (e *coapEndpoint) UnregisterResource(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.resources[path]; !ok {
		return ErrNotFound
	}
	delete(e.resources, path)
	delete(e.observations, path)
	return nil
}

// SetDefaultHandler installs the catch-all handler for unknown paths.
func (e *coapEndpoint) SetDefaultHandler(h ResourceHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultH = h
}

func (e *coapEndpoint) messageID() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID = (e.nextID + 1) & 0xFFFF
	return e.nextID
}

// Send queues a packet without expecting a reply.
func (e *coapEndpoint) Send(addr string, pkt *Packet) error {
	mid := pkt.MessageID
	if mid < 0 {
		mid = e.messageID()
	}
	data, err := marshalPacket(pkt, mid)
	if err != nil {
		return err
	}
	return e.writeTo(addr, data)
}

// SendWithReply queues a confirmable request and arranges for cb to run
// with the reply, or with nil after the retransmissions are exhausted.
func (e *coapEndpoint) SendWithReply(addr string, pkt *Packet, cb ReplyFunc) error {
	data, err := marshalPacket(pkt, e.messageID())
	if err != nil {
		return err
	}

	req := &pendingRequest{addr: addr, data: data, cb: cb}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClientClosed
	}
	e.pending[pendingKey(addr, pkt.Token)] = req
	e.mu.Unlock()

	if err := e.writeTo(addr, data); err != nil {
		e.mu.Lock()
		delete(e.pending, pendingKey(addr, pkt.Token))
		e.mu.Unlock()
		return err
	}

	e.armRetransmit(pendingKey(addr, pkt.Token), req, ackTimeout)
	return nil
}

func (e *coapEndpoint) armRetransmit(key string, req *pendingRequest, after time.Duration) {
	req.timer = time.AfterFunc(after, func() {
		e.mu.Lock()
		cur, ok := e.pending[key]
		if !ok || cur != req {
			e.mu.Unlock()
			return
		}
		if req.retries >= maxRetransmit {
			delete(e.pending, key)
			e.mu.Unlock()
			req.cb(nil, req.addr)
			return
		}
		req.retries++
		e.mu.Unlock()

		if err := e.writeTo(req.addr, req.data); err != nil {
			e.log.Warn("retransmit failed", LogFields{LogFieldAddr: req.addr, LogFieldError: err})
		}
		e.armRetransmit(key, req, after*2)
	})
}

// CancelSend drops a pending request without invoking its callback.
func (e *coapEndpoint) CancelSend(addr string, token message.Token) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pendingKey(addr, token)
	if req, ok := e.pending[key]; ok {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(e.pending, key)
	}
}

// Notify emits one notification per observer of the path.
func (e *coapEndpoint) Notify(path string, build NotifyBuilder) (int, error) {
	e.mu.Lock()
	obs := append([]*observation(nil), e.observations[path]...)
	e.mu.Unlock()

	sent := 0
	for _, o := range obs {
		pkt := build(o.addr)
		if pkt == nil {
			continue
		}

		e.mu.Lock()
		o.seq++
		seq := o.seq
		e.mu.Unlock()

		pkt.Token = o.token
		pkt.Type = message.NonConfirmable
		pkt.SetObserve(seq)

		if err := e.Send(o.addr, pkt); err != nil {
			e.log.Warn("notification dropped", LogFields{
				LogFieldPath: path, LogFieldAddr: o.addr, LogFieldError: err,
			})
			continue
		}
		sent++
	}
	return sent, nil
}

// Observers returns the number of observers of a path.
func (e *coapEndpoint) Observers(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observations[path])
}

// Close shuts the endpoint down.
func (e *coapEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for key, req := range e.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(e.pending, key)
	}
	e.resources = make(map[string]ResourceHandler)
	e.observations = make(map[string][]*observation)
	e.defaultH = nil
	e.mu.Unlock()

	return e.closeConns()
}

// handleDatagram routes one inbound datagram: responses to their pending
// request, requests to their resource handler.
func (e *coapEndpoint) handleDatagram(data []byte, from string) {
	pkt, err := unmarshalPacket(data)
	if err != nil {
		e.log.Debug("dropping undecodable datagram", LogFields{
			LogFieldAddr: from, LogFieldError: err,
		})
		return
	}

	if pkt.Code >= codes.Created || pkt.Type == message.Acknowledgement {
		e.handleReply(pkt, from)
		return
	}
	if pkt.Code == codes.Empty {
		return
	}
	e.handleRequest(pkt, from)
}

func (e *coapEndpoint) handleReply(pkt *Packet, from string) {
	e.mu.Lock()
	key := pendingKey(from, pkt.Token)
	req, ok := e.pending[key]
	if ok {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(e.pending, key)
	}
	e.mu.Unlock()

	if ok {
		req.cb(pkt, from)
	}
}

func (e *coapEndpoint) handleRequest(pkt *Packet, from string) {
	path := pkt.PathString()

	e.mu.Lock()
	h, registered := e.resources[path]
	if !registered {
		h = e.defaultH
	}
	e.mu.Unlock()

	if h == nil {
		resp := pkt.response(codes.NotFound)
		if err := e.Send(from, resp); err != nil {
			e.log.Warn("response dropped", LogFields{LogFieldAddr: from, LogFieldError: err})
		}
		return
	}

	cancel := registered && pkt.Code == codes.GET && pkt.HasObserve && pkt.Observe == 1
	if cancel {
		e.removeObservation(path, from, pkt.Token)
	}

	resp := h(pkt, from)
	if resp == nil {
		return
	}

	// A successful Observe registration is acknowledged in the response
	// and recorded for later notifications.
	if registered && pkt.Code == codes.GET && pkt.HasObserve && pkt.Observe == 0 &&
		resp.Code == codes.Content {
		e.addObservation(path, from, pkt.Token)
		resp.SetObserve(0)
	}

	if err := e.Send(from, resp); err != nil {
		e.log.Warn("response dropped", LogFields{LogFieldAddr: from, LogFieldError: err})
	}
}

func (e *coapEndpoint) addObservation(path, addr string, token message.Token) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range e.observations[path] {
		if o.addr == addr && o.token.String() == token.String() {
			return
		}
	}
	e.observations[path] = append(e.observations[path], &observation{
		addr:  addr,
		token: append(message.Token(nil), token...),
	})
}

func (e *coapEndpoint) removeObservation(path, addr string, token message.Token) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := e.observations[path]
	for i, o := range obs {
		if o.addr == addr && o.token.String() == token.String() {
			e.observations[path] = append(obs[:i], obs[i+1:]...)
			return
		}
	}
}

func pendingKey(addr string, token message.Token) string {
	return addr + "|" + token.String()
}

// udpEndpoint is the NoSec endpoint: one UDP socket shared by the client
// and server roles.
type udpEndpoint struct {
	*coapEndpoint
	conn *net.UDPConn
	done chan struct{}
}

// newUDPEndpoint opens the NoSec endpoint and starts its read loop.
func newUDPEndpoint(log Logger) (*udpEndpoint, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	u := &udpEndpoint{
		coapEndpoint: newCoapEndpoint(SecurityModeNoSec, log),
		conn:         conn,
		done:         make(chan struct{}),
	}
	u.writeTo = u.write
	u.connect = u.checkAddr
	u.closeConns = u.closeConn

	go u.readLoop()
	return u, nil
}

func (u *udpEndpoint) write(addr string, data []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(data, udpAddr)
	return err
}

func (u *udpEndpoint) checkAddr(addr string) error {
	_, err := net.ResolveUDPAddr("udp", addr)
	return err
}

func (u *udpEndpoint) closeConn() error {
	select {
	case <-u.done:
		return nil
	default:
	}
	close(u.done)
	return u.conn.Close()
}

func (u *udpEndpoint) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Warn("udp read failed", LogFields{LogFieldError: err})
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		u.handleDatagram(data, from.String())
	}
}
