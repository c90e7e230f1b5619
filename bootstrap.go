package lwm2m

import (
	"sort"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// BootstrapEvent is delivered to bootstrap monitors.
type BootstrapEvent int

const (
	// BootstrapEventFinished signals a completed bootstrap sequence; the
	// client re-reads the Security object and registers with the servers
	// it was given.
	BootstrapEventFinished BootstrapEvent = iota

	// BootstrapEventError signals a failed bootstrap attempt.
	BootstrapEventError
)

// String returns the string representation of the event.
func (e BootstrapEvent) String() string {
	switch e {
	case BootstrapEventFinished:
		return "finished"
	case BootstrapEventError:
		return "error"
	default:
		return "unknown"
	}
}

// BootstrapMonitor observes bootstrap events. Monitors run on the client's
// event loop and must not block.
type BootstrapMonitor func(event BootstrapEvent)

// bsPath is the well-known Bootstrap-Finish resource.
const bsPath = "/bs"

// bootstrapState is the live state of one bootstrap sequence.
type bootstrapState struct {
	account   *securityAccount
	ep        Endpoint
	conn      *serverConn
	holdTimer *time.Timer
}

// startBootstrap enters bootstrap mode: expose /bs and a catch-all handler
// on the bootstrap account's endpoint, then wait client_hold_off_time
// seconds for a server-initiated sequence before soliciting one.
func (c *Client) startBootstrap(acct *securityAccount) error {
	ep := c.endpoints[acct.mode]
	if ep == nil {
		return ErrNotStarted
	}

	if err := ep.RegisterResource(bsPath, c.bootstrapFinishHandler()); err != nil {
		return err
	}
	ep.SetDefaultHandler(c.bridgeHandler(c.dispatchBootstrap))

	bs := &bootstrapState{account: acct, ep: ep}
	c.bootstrap = bs

	c.log().Info("expecting server-initiated bootstrap", LogFields{
		LogFieldSecurityMode: acct.mode.String(),
		"hold_off_seconds":   acct.holdOff,
	})
	bs.holdTimer = time.AfterFunc(time.Duration(acct.holdOff)*time.Second, func() {
		c.post(c.solicitBootstrap)
	})
	return nil
}

// solicitBootstrap starts a client-initiated bootstrap once the hold-off
// expired without the server showing up.
func (c *Client) solicitBootstrap() {
	bs := c.bootstrap
	if bs == nil || bs.conn != nil {
		return
	}

	conn, err := c.newServerConn(bs.account, true)
	if err != nil {
		c.log().Warn("client-initiated bootstrap failed", LogFields{
			LogFieldError: err,
		})
		c.bootstrapFailed()
		return
	}
	bs.conn = conn
}

// sendBootstrapRequest sends POST /bs?ep=<name> once the bootstrap server
// resolved.
func (c *Client) sendBootstrapRequest(conn *serverConn) {
	bs := c.bootstrap
	if bs == nil || bs.conn != conn {
		return
	}

	if err := c.connectCurrent(conn); err != nil {
		c.bootstrapRequestFailed(conn, err)
		return
	}

	pkt := NewPacket(codes.POST, message.Confirmable)
	pkt.Token = c.newToken()
	pkt.Path = []string{"bs"}
	pkt.Queries = []string{"ep=" + c.name}

	conn.state = connSending
	conn.pendingToken = pkt.Token
	conn.hasPending = true

	c.log().Info("soliciting bootstrap", LogFields{
		LogFieldAddr:         conn.currentAddr(),
		LogFieldSecurityMode: conn.mode.String(),
	})

	err := conn.endpoint().SendWithReply(conn.currentAddr(), pkt, func(reply *Packet, from string) {
		c.post(func() { c.bootstrapRequestReply(conn, reply) })
	})
	if err != nil {
		conn.hasPending = false
		c.bootstrapRequestFailed(conn, err)
	}
}

func (c *Client) bootstrapRequestReply(conn *serverConn, reply *Packet) {
	conn.hasPending = false
	if c.bootstrap == nil || c.bootstrap.conn != conn {
		return
	}

	if reply == nil {
		c.bootstrapRequestFailed(conn, ErrRegistrationTimeout)
		return
	}
	if reply.Code != codes.Changed {
		c.log().Warn("bootstrap request refused", LogFields{
			LogFieldAddr: conn.currentAddr(),
			LogFieldCode: reply.Code.String(),
		})
		c.bootstrapFailed()
		return
	}

	// The server answered; the write sequence follows on our exposed
	// handlers until Bootstrap-Finish.
	c.log().Info("bootstrap request accepted", LogFields{
		LogFieldAddr: conn.currentAddr(),
	})
}

func (c *Client) bootstrapRequestFailed(conn *serverConn, err error) {
	c.log().Warn("bootstrap request failed", LogFields{
		LogFieldAddr:  conn.currentAddr(),
		LogFieldError: err,
	})

	if conn.addrIndex+1 < len(conn.addrs) {
		conn.addrIndex++
		c.sendBootstrapRequest(conn)
		return
	}
	c.bootstrapFailed()
}

// bootstrapFailed tears bootstrap mode down and tells the monitors.
func (c *Client) bootstrapFailed() {
	c.stopBootstrap()
	c.running = false
	c.dispatchBootstrapEvent(BootstrapEventError)
}

func (c *Client) stopBootstrap() {
	bs := c.bootstrap
	if bs == nil {
		return
	}

	if bs.holdTimer != nil {
		bs.holdTimer.Stop()
		bs.holdTimer = nil
	}
	if bs.conn != nil {
		bs.conn.state = connClosed
		if bs.conn.hasPending {
			if ep := bs.conn.endpoint(); ep != nil {
				ep.CancelSend(bs.conn.currentAddr(), bs.conn.pendingToken)
			}
			bs.conn.hasPending = false
		}
	}
	bs.ep.UnregisterResource(bsPath)
	bs.ep.SetDefaultHandler(nil)
	c.bootstrap = nil
}

func (c *Client) dispatchBootstrapEvent(event BootstrapEvent) {
	ids := make([]int, 0, len(c.monitors))
	for id := range c.monitors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		c.monitors[id](event)
	}
}

// bootstrapFinishHandler accepts POST /bs ending the sequence.
func (c *Client) bootstrapFinishHandler() ResourceHandler {
	return c.bridgeHandler(func(req *Packet, from string) *Packet {
		if c.bootstrap == nil || req.Code != codes.POST {
			return req.response(codes.BadRequest)
		}

		c.log().Info("bootstrap finish received", LogFields{LogFieldAddr: from})

		// Finish after the response is on its way out.
		c.post(c.finishBootstrap)
		return req.response(codes.Changed)
	})
}

// finishBootstrap leaves bootstrap mode and re-enters the start path with
// whatever Security and Server instances the sequence wrote.
func (c *Client) finishBootstrap() {
	if c.bootstrap == nil {
		return
	}

	c.stopBootstrap()
	c.opts.metrics.Counter(MetricBootstraps, nil).Inc()
	c.dispatchBootstrapEvent(BootstrapEventFinished)

	c.running = false
	if err := c.start(); err != nil {
		c.log().Warn("restart after bootstrap failed", LogFields{
			LogFieldError: err,
		})
	}
}

// dispatchBootstrap serves the write and delete sequence: any PUT with TLV
// on any path, any DELETE with or without a path.
func (c *Client) dispatchBootstrap(req *Packet, from string) *Packet {
	if c.bootstrap == nil {
		return req.response(codes.Unauthorized)
	}

	path, err := ParsePath(req.Path, c.opts.pathPrefix)
	if err != nil {
		return req.response(codes.BadRequest)
	}

	switch req.Code {
	case codes.PUT:
		return req.response(c.handleBootstrapWrite(path, requestFormat(req), req.Payload))
	case codes.DELETE:
		return req.response(c.handleBootstrapDelete(path))
	default:
		return req.response(codes.BadRequest)
	}
}

func (c *Client) handleBootstrapWrite(path Path, format message.MediaType, payload []byte) codes.Code {
	if !path.HasObject() {
		return codes.BadRequest
	}
	if format != ContentFormatTLV {
		return codes.UnsupportedMediaType
	}

	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound
	}

	tlvs, err := ParseTLV(payload)
	if err != nil {
		return responseCode(err)
	}

	if !path.HasInstance() {
		// Whole-object write: the TLV groups resources under object
		// instance records.
		for id, group := range groupByInstance(tlvs) {
			if code := c.bootstrapWriteInstance(obj, int32(id), group); code != codes.Changed {
				return code
			}
		}
		return codes.Changed
	}
	return c.bootstrapWriteInstance(obj, path.Instance, tlvs)
}

// bootstrapWriteInstance writes one instance, creating it first when the
// path names an instance the client does not have yet.
func (c *Client) bootstrapWriteInstance(obj *objectContext, instanceID int32, tlvs []TLV) codes.Code {
	inst := obj.instance(uint16(instanceID))
	if inst == nil {
		if _, err := c.createInstance(obj, instanceID, tlvs, BootstrapServerID, false); err != nil {
			return responseCode(err)
		}
		return codes.Changed
	}

	if obj.def.WriteTLV == nil {
		return codes.MethodNotAllowed
	}
	if err := obj.def.WriteTLV(c.objectContextFor(obj, inst), tlvs); err != nil {
		return responseCode(err)
	}
	return codes.Changed
}

// groupByInstance splits a flat whole-object TLV record list into one
// record list per object instance id.
func groupByInstance(tlvs []TLV) map[uint16][]TLV {
	groups := make(map[uint16][]TLV)
	current := uint16(0)
	for _, rec := range tlvs {
		if rec.Type == TLVObjectInstance {
			current = rec.ID
			if _, ok := groups[current]; !ok {
				groups[current] = nil
			}
			continue
		}
		groups[current] = append(groups[current], rec)
	}
	return groups
}

func (c *Client) handleBootstrapDelete(path Path) codes.Code {
	if !path.HasObject() {
		c.bootstrapDeleteAll()
		return codes.Deleted
	}
	if !path.HasInstance() || path.HasResource() {
		return codes.BadRequest
	}

	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound
	}
	inst := obj.instance(uint16(path.Instance))
	if inst == nil {
		return codes.NotFound
	}
	if err := c.deleteInstance(obj, inst, BootstrapServerID); err != nil {
		return responseCode(err)
	}
	return codes.Deleted
}

// bootstrapDeleteAll sweeps every instance of every object implementing
// delete, then rebuilds the factory Access Control table once the sweep
// drained.
func (c *Client) bootstrapDeleteAll() {
	for _, obj := range c.sortedObjects() {
		if obj.def.Delete == nil {
			continue
		}
		for _, inst := range obj.liveInstances() {
			if err := c.deleteInstance(obj, inst, BootstrapServerID); err != nil {
				c.log().Warn("bootstrap delete failed", LogFields{
					LogFieldPath:  NewPath(int32(obj.def.ID), int32(inst.id), pathUnset).String(),
					LogFieldError: err,
				})
			}
		}
	}

	// Deletions finalize on queued closures; rebuild after them.
	c.post(func() {
		if err := c.setupAccessControlInstances(); err != nil {
			c.log().Warn("access control rebuild failed", LogFields{LogFieldError: err})
		}
	})
}
