package lwm2m

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// connState tracks one server connection through the registration
// lifecycle.
type connState int

const (
	connResolving connState = iota
	connSending
	connRegistered
	connUpdating
	connDeregistering
	connFailed
	connClosed
)

func (s connState) String() string {
	switch s {
	case connResolving:
		return "resolving"
	case connSending:
		return "sending"
	case connRegistered:
		return "registered"
	case connUpdating:
		return "updating"
	case connDeregistering:
		return "deregistering"
	case connFailed:
		return "failed"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// serverConn is the client's connection to one LWM2M server, or to the
// Bootstrap Server. All fields are owned by the event loop.
type serverConn struct {
	client *Client

	serverID    uint16
	mode        SecurityMode
	security    *SecurityInstance
	isBootstrap bool

	host string
	port string

	addrs     []string
	addrIndex int

	state connState

	// location holds the Location-Path segments of the registration,
	// empty until the server answered Created.
	location []string

	lifetime     int64
	registeredAt time.Time

	// pendingToken identifies the in-flight register, update or
	// bootstrap request so Stop can cancel it.
	pendingToken message.Token
	hasPending   bool
}

func (s *serverConn) currentAddr() string {
	if s.addrIndex >= len(s.addrs) {
		return ""
	}
	return s.addrs[s.addrIndex]
}

func (s *serverConn) endpoint() Endpoint {
	return s.client.endpoints[s.mode]
}

func (s *serverConn) registered() bool {
	return len(s.location) > 0
}

func (s *serverConn) remainingLifetime(now time.Time) int64 {
	return s.lifetime - int64(now.Sub(s.registeredAt).Seconds())
}

// newServerConn parses the account's URI, checks the scheme against the
// security mode and schedules the hostname resolution. Registration (or
// the bootstrap request) follows once addresses arrive.
func (c *Client) newServerConn(acct *securityAccount, isBootstrap bool) (*serverConn, error) {
	u, err := url.Parse(acct.uri)
	if err != nil {
		return nil, fmt.Errorf("lwm2m: server uri %q: %w", acct.uri, err)
	}

	switch u.Scheme {
	case "coap":
		if acct.mode != SecurityModeNoSec {
			return nil, NewRegistrationError(acct.shortID, acct.uri, ErrSchemeMismatch)
		}
	case "coaps":
		if acct.mode != SecurityModePSK && acct.mode != SecurityModeRPK {
			return nil, NewRegistrationError(acct.shortID, acct.uri, ErrSchemeMismatch)
		}
	default:
		return nil, NewRegistrationError(acct.shortID, acct.uri, ErrSchemeMismatch)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "coaps" {
			port = DefaultPortDTLS
		} else {
			port = DefaultPort
		}
	}

	conn := &serverConn{
		client:      c,
		serverID:    acct.shortID,
		mode:        acct.mode,
		security:    acct.instance,
		isBootstrap: isBootstrap,
		host:        u.Hostname(),
		port:        port,
		state:       connResolving,
	}
	if isBootstrap {
		conn.serverID = DefaultShortServerID
	}

	go c.resolveConn(conn)
	return conn, nil
}

// resolveConn runs off the event loop and posts the result back.
func (c *Client) resolveConn(conn *serverConn) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.resolveTimeout)
	defer cancel()

	addrs, err := c.opts.resolver(ctx, conn.host)
	c.post(func() { c.connResolved(conn, addrs, err) })
}

func (c *Client) connResolved(conn *serverConn, addrs []string, err error) {
	if conn.state == connClosed {
		return
	}
	if err != nil || len(addrs) == 0 {
		c.log().Warn("hostname resolution failed", LogFields{
			LogFieldServerID: conn.serverID,
			LogFieldAddr:     conn.host,
			LogFieldError:    err,
		})
		conn.state = connFailed
		if conn.isBootstrap {
			c.bootstrapFailed()
			return
		}
		c.unlinkConn(conn)
		return
	}

	for _, addr := range addrs {
		conn.addrs = append(conn.addrs, net.JoinHostPort(addr, conn.port))
	}
	conn.addrIndex = 0

	if conn.isBootstrap {
		c.sendBootstrapRequest(conn)
		return
	}
	c.sendRegistration(conn, false)
}

// connectCurrent makes the connection's current address reachable on its
// endpoint. DTLS endpoints dial the session here.
func (c *Client) connectCurrent(conn *serverConn) error {
	ep := conn.endpoint()
	if ep == nil {
		return ErrNotStarted
	}
	return ep.Connect(conn.currentAddr())
}

// newToken draws a fresh CoAP token from the client's random source.
func (c *Client) newToken() message.Token {
	t := make(message.Token, 8)
	c.opts.rng.Read(t)
	return t
}

// objectListPayload renders the CoRE link-format object list advertised in
// register and update requests: one entry per instance-less object, one
// per (object, instance) pair otherwise.
func (c *Client) objectListPayload() []byte {
	var b strings.Builder

	if c.opts.pathPrefix != "" {
		fmt.Fprintf(&b, "</%s>;rt=\"oma.lwm2m\",", c.opts.pathPrefix)
	}

	for _, obj := range c.sortedObjects() {
		live := obj.liveInstances()
		if len(live) == 0 {
			fmt.Fprintf(&b, "</%d>,", obj.def.ID)
			continue
		}
		for _, inst := range live {
			fmt.Fprintf(&b, "</%d/%d>,", obj.def.ID, inst.id)
		}
	}

	return []byte(strings.TrimSuffix(b.String(), ","))
}

// bindingAndLifetime reads the policy of one server from the Server object
// instance carrying its short id.
func (c *Client) bindingAndLifetime(serverID uint16) (int64, string, error) {
	serverObj := c.objectByID(ServerObjectID)
	if serverObj == nil {
		return 0, "", NewRegistrationError(serverID, "", ErrNotFound)
	}

	for _, inst := range serverObj.liveInstances() {
		res, err := c.readResources(serverObj, inst,
			serverShortIDResID, serverLifetimeResID, serverBindingResID)
		if err != nil {
			return 0, "", err
		}
		if uint16(res[0].Values[0].Int) != serverID {
			continue
		}

		binding := string(res[2].Values[0].Bytes)
		if binding == "" {
			binding = BindingModeU
		}
		if err := parseBindingMode(binding); err != nil {
			return 0, "", NewRegistrationError(serverID, "", err)
		}
		return res[1].Values[0].Int, binding, nil
	}
	return 0, "", NewRegistrationError(serverID, "", ErrNotFound)
}

// sendRegistration issues the register or update request for a connection.
func (c *Client) sendRegistration(conn *serverConn, isUpdate bool) {
	lifetime, binding, err := c.bindingAndLifetime(conn.serverID)
	if err != nil {
		c.log().Warn("no server policy for registration", LogFields{
			LogFieldServerID: conn.serverID,
			LogFieldError:    err,
		})
		conn.state = connFailed
		c.unlinkConn(conn)
		return
	}
	conn.lifetime = lifetime

	if err := c.connectCurrent(conn); err != nil {
		c.registrationFailed(conn, isUpdate, err)
		return
	}

	pkt := NewPacket(codes.POST, message.Confirmable)
	pkt.Token = c.newToken()
	if isUpdate {
		// Updates go to the Location-Path the server handed out.
		pkt.Path = append([]string(nil), conn.location...)
	} else {
		pkt.Path = []string{"rd"}
	}
	pkt.SetFormat(message.AppLinkFormat)
	if !isUpdate {
		pkt.Queries = append(pkt.Queries, "ep="+c.name)
	}
	pkt.Queries = append(pkt.Queries, fmt.Sprintf("lt=%d", lifetime), "binding="+binding)
	if c.opts.smsNumber != "" {
		pkt.Queries = append(pkt.Queries, "sms="+c.opts.smsNumber)
	}
	pkt.Payload = c.objectListPayload()

	conn.registeredAt = time.Now()
	conn.pendingToken = pkt.Token
	conn.hasPending = true
	if isUpdate {
		conn.state = connUpdating
	} else {
		conn.state = connSending
	}

	c.log().Info("registering with server", LogFields{
		LogFieldServerID:     conn.serverID,
		LogFieldAddr:         conn.currentAddr(),
		LogFieldLifetime:     lifetime,
		LogFieldSecurityMode: conn.mode.String(),
	})
	c.opts.metrics.Counter(MetricRegistrationAttempts, nil).Inc()

	err = conn.endpoint().SendWithReply(conn.currentAddr(), pkt, func(reply *Packet, from string) {
		c.post(func() {
			if isUpdate {
				c.updateReply(conn, reply)
			} else {
				c.registerReply(conn, reply)
			}
		})
	})
	if err != nil {
		c.registrationFailed(conn, isUpdate, err)
	}
}

func (c *Client) registerReply(conn *serverConn, reply *Packet) {
	conn.hasPending = false
	if conn.state == connClosed {
		return
	}

	if reply == nil {
		c.registrationFailed(conn, false, ErrRegistrationTimeout)
		return
	}

	if reply.Code != codes.Created || len(reply.LocationPath) == 0 {
		c.log().Warn("registration refused", LogFields{
			LogFieldServerID: conn.serverID,
			LogFieldAddr:     conn.currentAddr(),
			LogFieldCode:     reply.Code.String(),
		})
		conn.state = connFailed
		c.unlinkConn(conn)
		return
	}

	conn.location = reply.LocationPath
	conn.state = connRegistered
	c.registrations.Inc()

	c.log().Info("registered with server", LogFields{
		LogFieldServerID: conn.serverID,
		LogFieldAddr:     conn.currentAddr(),
		LogFieldLocation: strings.Join(conn.location, "/"),
	})
	c.rescheduleLifetime()
}

func (c *Client) updateReply(conn *serverConn, reply *Packet) {
	conn.hasPending = false
	if conn.state == connClosed {
		return
	}

	if reply != nil && reply.Code == codes.Changed {
		conn.state = connRegistered
		c.rescheduleLifetime()
		return
	}

	code := "timeout"
	if reply != nil {
		code = reply.Code.String()
	}
	c.log().Warn("registration update failed", LogFields{
		LogFieldServerID: conn.serverID,
		LogFieldAddr:     conn.currentAddr(),
		LogFieldCode:     code,
	})
	conn.state = connFailed
	c.registrations.Dec()
	c.unlinkConn(conn)
}

// registrationFailed advances to the next resolved address, or gives the
// connection up when none remain.
func (c *Client) registrationFailed(conn *serverConn, isUpdate bool, err error) {
	c.log().Warn("registration attempt failed", LogFields{
		LogFieldServerID: conn.serverID,
		LogFieldAddr:     conn.currentAddr(),
		LogFieldError:    err,
	})

	if !isUpdate && conn.addrIndex+1 < len(conn.addrs) {
		conn.addrIndex++
		c.sendRegistration(conn, false)
		return
	}

	conn.state = connFailed
	if conn.registered() {
		c.registrations.Dec()
	}
	c.unlinkConn(conn)
}

// unlinkConn drops a connection from the table and re-arms the lifetime
// timer against the survivors.
func (c *Client) unlinkConn(conn *serverConn) {
	for i, cur := range c.conns {
		if cur == conn {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			break
		}
	}
	c.rescheduleLifetime()
}

// refreshServerPolicies re-reads every connection's lifetime from the
// Server object and re-arms the timer, so a server-issued lifetime write
// takes effect before the next update.
func (c *Client) refreshServerPolicies() {
	for _, conn := range c.conns {
		lifetime, _, err := c.bindingAndLifetime(conn.serverID)
		if err != nil {
			continue
		}
		conn.lifetime = lifetime
	}
	c.rescheduleLifetime()
}

// rescheduleLifetime re-arms the singular lifetime timer against the
// smallest remaining lifetime across all registered connections.
func (c *Client) rescheduleLifetime() {
	now := time.Now()
	var smallest int64 = -1
	var lf int64

	for _, conn := range c.conns {
		if !conn.registered() {
			continue
		}
		remaining := conn.remainingLifetime(now)
		if remaining < 0 {
			remaining = 0
		}
		if smallest < 0 || remaining < smallest {
			smallest = remaining
			lf = conn.lifetime
		}
	}

	c.stopLifetimeTimer()
	if smallest < 0 {
		return
	}

	c.lifetimeDeadline = lf
	c.lifetimeTimer = time.AfterFunc(time.Duration(smallest)*time.Second, func() {
		c.post(func() { c.updateRegistrations(true) })
	})
}

func (c *Client) stopLifetimeTimer() {
	if c.lifetimeTimer != nil {
		c.lifetimeTimer.Stop()
		c.lifetimeTimer = nil
	}
}

// updateRegistrations refreshes registered connections. With
// considerLifetime set only the connections whose lifetime armed the
// current timer are refreshed.
func (c *Client) updateRegistrations(considerLifetime bool) {
	for _, conn := range append([]*serverConn(nil), c.conns...) {
		if !conn.registered() {
			continue
		}
		if considerLifetime && conn.lifetime != c.lifetimeDeadline {
			continue
		}
		c.sendRegistration(conn, true)
	}
	c.rescheduleLifetime()
}

// Update refreshes every live registration immediately, the LWM2M Update
// operation. Applications call it after the object table changed outside a
// server-issued Create or Delete.
func (c *Client) Update() error {
	return c.do(func() error {
		if !c.running {
			return ErrNotStarted
		}
		c.updateRegistrations(false)
		return nil
	})
}

// teardownConn cancels an in-flight register and sends a best-effort
// deregister for a registered connection.
func (c *Client) teardownConn(conn *serverConn) {
	ep := conn.endpoint()
	if ep == nil {
		conn.state = connClosed
		return
	}

	if conn.hasPending {
		ep.CancelSend(conn.currentAddr(), conn.pendingToken)
		conn.hasPending = false
	}

	if conn.registered() {
		conn.state = connDeregistering
		pkt := NewPacket(codes.DELETE, message.NonConfirmable)
		pkt.Token = c.newToken()
		pkt.Path = append([]string(nil), conn.location...)
		if err := ep.Send(conn.currentAddr(), pkt); err != nil {
			c.log().Warn("deregister failed", LogFields{
				LogFieldServerID: conn.serverID,
				LogFieldAddr:     conn.currentAddr(),
				LogFieldError:    err,
			})
		}
	}
	conn.state = connClosed
}
