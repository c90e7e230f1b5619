package lwm2m

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Client is an LWM2M client: one endpoint name, a table of objects and the
// connections to the servers configured in the Security object.
//
// All protocol state lives on a single event loop goroutine. Transport
// receive loops, timers and resolver callbacks post closures onto it, so
// object callbacks never race each other.
type Client struct {
	name string
	opts *clientOptions

	userData any
	objects  map[uint16]*objectContext

	// Endpoints by security mode, populated at Start from the Security
	// object instances.
	endpoints map[SecurityMode]Endpoint

	conns []*serverConn

	// Singular lifetime timer covering every registered connection.
	lifetimeTimer    *time.Timer
	lifetimeDeadline int64

	bootstrap *bootstrapState
	monitors  map[int]BootstrapMonitor
	monitorID int

	firstStart bool
	running    bool

	loopCh   chan func()
	loopDone chan struct{}
	loopID   atomic.Uint64

	stateMu sync.Mutex
	closed  bool

	registrations Gauge
}

// New creates a client with the given endpoint name and object definitions.
// The client owns the object table until Close.
func New(name string, objects []*ObjectDef, opts ...Option) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("lwm2m: empty endpoint name")
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		name:       name,
		opts:       options,
		userData:   options.userData,
		objects:    make(map[uint16]*objectContext),
		endpoints:  make(map[SecurityMode]Endpoint),
		monitors:   make(map[int]BootstrapMonitor),
		firstStart: true,
		loopCh:     make(chan func(), 1024),
		loopDone:   make(chan struct{}),
	}
	c.registrations = options.metrics.Gauge(MetricRegistrations, nil)

	for _, def := range objects {
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, ok := c.objects[def.ID]; ok {
			return nil, fmt.Errorf("lwm2m: duplicate object id %d", def.ID)
		}
		c.objects[def.ID] = &objectContext{def: def}
	}

	go c.run()
	return c, nil
}

func (c *Client) run() {
	c.loopID.Store(goroutineID())
	for f := range c.loopCh {
		f()
	}
	close(c.loopDone)
}

// goroutineID parses the current goroutine's id out of the runtime stack
// header ("goroutine 123 [running]:").
func goroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for _, b := range buf[len("goroutine "):n] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + uint64(b-'0')
	}
	return id
}

// do runs f on the event loop and waits for its result. Called from code
// already on the loop, object callbacks re-entering the API through
// Notify, f runs inline instead of deadlocking on the reply.
func (c *Client) do(f func() error) error {
	if c.loopID.Load() == goroutineID() {
		return f()
	}
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return ErrClientClosed
	}
	done := make(chan error, 1)
	c.loopCh <- func() { done <- f() }
	c.stateMu.Unlock()
	return <-done
}

// post schedules f on the event loop without waiting. Used by timers,
// transports and resolver goroutines; after Close it is a no-op.
func (c *Client) post(f func()) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return
	}
	c.loopCh <- f
}

// Name returns the endpoint name.
func (c *Client) Name() string { return c.name }

// AddObjectInstance adds an instance of a registered object with the given
// instance data, the programmatic equivalent of a server-issued Create. The
// instance id is picked by the client.
func (c *Client) AddObjectInstance(objectID uint16, data any) (uint16, error) {
	var id uint16
	err := c.do(func() error {
		obj := c.objectByID(objectID)
		if obj == nil {
			return NewPathError(NewPath(int32(objectID), pathUnset, pathUnset), ErrNotFound)
		}

		inst := &objectInstance{id: obj.nextInstanceID(), data: data}
		obj.instances = append(obj.instances, inst)
		id = inst.id

		if c.exposing() {
			if err := c.registerInstancePaths(obj, inst); err != nil {
				obj.removeInstance(inst)
				return err
			}
		}
		return c.setupAccessControlForInstance(objectID, inst.id, BootstrapServerID, nil, c.exposing())
	})
	return id, err
}

// AddSecurityInstance seeds the built-in Security object with one server
// credential. The object must have been registered, typically by passing
// NewSecurityObject to New.
func (c *Client) AddSecurityInstance(inst SecurityInstance) (uint16, error) {
	return c.AddObjectInstance(SecurityObjectID, &inst)
}

// AddServerInstance seeds the built-in Server object with one server
// policy.
func (c *Client) AddServerInstance(inst ServerInstance) (uint16, error) {
	return c.AddObjectInstance(ServerObjectID, &inst)
}

// AddBootstrapMonitor registers a callback for bootstrap events and returns
// a handle for RemoveBootstrapMonitor. Monitors run on the event loop in
// registration order.
func (c *Client) AddBootstrapMonitor(m BootstrapMonitor) (int, error) {
	var id int
	err := c.do(func() error {
		if m == nil {
			return fmt.Errorf("lwm2m: nil bootstrap monitor")
		}
		c.monitorID++
		id = c.monitorID
		c.monitors[id] = m
		return nil
	})
	return id, err
}

// RemoveBootstrapMonitor drops a monitor by its handle.
func (c *Client) RemoveBootstrapMonitor(id int) error {
	return c.do(func() error {
		if _, ok := c.monitors[id]; !ok {
			return ErrNotFound
		}
		delete(c.monitors, id)
		return nil
	})
}

// Start reads the Security object and either registers with every
// configured server or, with only a bootstrap credential present, enters
// bootstrap mode. It schedules the work and returns without waiting for
// any server to answer.
func (c *Client) Start() error {
	return c.do(c.start)
}

func (c *Client) start() error {
	if c.running {
		return fmt.Errorf("lwm2m: client already started")
	}

	if c.firstStart {
		if err := c.setupAccessControlInstances(); err != nil {
			return err
		}
		c.firstStart = false
	}

	secObj := c.objectByID(SecurityObjectID)
	if secObj == nil || len(secObj.liveInstances()) == 0 {
		return fmt.Errorf("lwm2m: no security instances: %w", ErrNotFound)
	}

	accounts, err := c.securityAccounts(secObj)
	if err != nil {
		return err
	}

	modes := make(map[SecurityMode]bool)
	var bootstrapAccount *securityAccount
	var hasServer bool
	for _, acct := range accounts {
		switch acct.mode {
		case SecurityModeNoSec, SecurityModePSK, SecurityModeRPK:
		case SecurityModeCertificate:
			return fmt.Errorf("lwm2m: certificate security mode: %w", ErrNotSupported)
		default:
			return fmt.Errorf("lwm2m: security mode %d: %w", acct.mode, ErrBadRequest)
		}
		modes[acct.mode] = true
		if acct.isBootstrap {
			bootstrapAccount = acct
		} else {
			hasServer = true
		}
	}

	for mode := range modes {
		if _, ok := c.endpoints[mode]; ok {
			continue
		}
		ep, err := c.opts.endpointFactory(c, mode)
		if err != nil {
			c.closeEndpoints()
			return err
		}
		c.endpoints[mode] = ep
	}

	if !hasServer {
		if bootstrapAccount == nil {
			return fmt.Errorf("lwm2m: no bootstrap account: %w", ErrNotFound)
		}
		c.running = true
		return c.startBootstrap(bootstrapAccount)
	}

	if err := c.registerAllPaths(); err != nil {
		c.closeEndpoints()
		return err
	}

	for _, acct := range accounts {
		if acct.isBootstrap {
			continue
		}
		conn, err := c.newServerConn(acct, false)
		if err != nil {
			c.log().Warn("server connection failed", LogFields{
				LogFieldServerID: acct.shortID,
				LogFieldError:    err,
			})
			continue
		}
		c.conns = append(c.conns, conn)
	}
	if len(c.conns) == 0 {
		c.unregisterAllPaths()
		return ErrResolveFailed
	}

	c.running = true
	return nil
}

// Stop cancels pending registrations, sends best-effort deregisters, drops
// every connection and unregisters all CoAP resources. The client can be
// started again afterwards.
func (c *Client) Stop() error {
	return c.do(func() error {
		c.stop()
		return nil
	})
}

func (c *Client) stop() {
	for _, conn := range c.conns {
		c.teardownConn(conn)
	}
	c.conns = nil
	c.registrations.Set(0)

	c.stopBootstrap()
	c.stopLifetimeTimer()
	c.closeEndpoints()
	c.running = false
}

// Close stops the client and releases the event loop. The client is
// unusable afterwards; closing twice is a no-op.
func (c *Client) Close() error {
	err := c.do(func() error {
		c.stop()
		return nil
	})
	if errors.Is(err, ErrClientClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.loopCh)
	c.stateMu.Unlock()

	<-c.loopDone
	return nil
}

func (c *Client) closeEndpoints() {
	for mode, ep := range c.endpoints {
		if err := ep.Close(); err != nil {
			c.log().Warn("endpoint close failed", LogFields{
				LogFieldSecurityMode: mode.String(),
				LogFieldError:        err,
			})
		}
		delete(c.endpoints, mode)
	}
}

func (c *Client) log() Logger { return c.opts.logger }

// exposing reports whether object paths are live on the endpoints. During
// a bootstrap sequence only /bs and the catch-all handler are exposed;
// instances bound meanwhile get their paths when start runs after
// Bootstrap-Finish.
func (c *Client) exposing() bool { return c.running && c.bootstrap == nil }

// securityAccount is the engine's view of one Security object instance,
// read through the object's Read callback so replacement Security
// implementations keep working.
type securityAccount struct {
	instanceID  uint16
	uri         string
	isBootstrap bool
	mode        SecurityMode
	shortID     uint16
	holdOff     int64
	instance    *SecurityInstance
}

func (c *Client) securityAccounts(secObj *objectContext) ([]*securityAccount, error) {
	var out []*securityAccount
	for _, inst := range secObj.liveInstances() {
		res, err := c.readResources(secObj, inst,
			securityServerURIResID, securityIsBootstrapResID,
			securityModeResID, securityShortServerIDResID,
			securityClientHoldOffTimeResID)
		if err != nil {
			return nil, err
		}
		for _, r := range res {
			if len(r.Values) == 0 {
				return nil, NewPathError(NewPath(int32(SecurityObjectID), int32(inst.id), int32(r.ID)), ErrInvalidResource)
			}
		}

		acct := &securityAccount{
			instanceID:  inst.id,
			uri:         string(res[0].Values[0].Bytes),
			isBootstrap: res[1].Values[0].Bool,
			mode:        SecurityMode(res[2].Values[0].Int),
			shortID:     uint16(res[3].Values[0].Int),
			holdOff:     res[4].Values[0].Int,
		}
		if si, ok := inst.data.(*SecurityInstance); ok {
			acct.instance = si
		}
		out = append(out, acct)
	}
	return out, nil
}

// credentialsForAddr backs the DTLS endpoints: find the Security instance
// whose server resolved to addr. DTLS sessions are dialed from Connect on
// the event loop, so the connection table is safe to read directly.
func (c *Client) credentialsForAddr(addr string) (*SecurityInstance, error) {
	for _, conn := range c.conns {
		if conn.currentAddr() == addr && conn.security != nil {
			return conn.security, nil
		}
	}
	if c.bootstrap != nil && c.bootstrap.conn != nil &&
		c.bootstrap.conn.currentAddr() == addr && c.bootstrap.conn.security != nil {
		return c.bootstrap.conn.security, nil
	}
	return nil, NewRegistrationError(0, addr, ErrNotFound)
}

// serverIDForAddr maps a request's source address to the short server id
// of its connection. With a single registered server the dispatcher does
// not need the mapping, every request is attributed to it.
func (c *Client) serverIDForAddr(addr string) (uint16, bool) {
	for _, conn := range c.conns {
		if conn.currentAddr() == addr {
			return conn.serverID, true
		}
	}
	if len(c.conns) == 1 {
		return c.conns[0].serverID, true
	}
	return 0, false
}

// pathFor renders a CoAP path with the configured prefix.
func (c *Client) pathFor(ids ...uint16) string {
	path := ""
	if c.opts.pathPrefix != "" {
		path = "/" + c.opts.pathPrefix
	}
	for _, id := range ids {
		path += fmt.Sprintf("/%d", id)
	}
	return path
}

// registerAllPaths exposes every object, instance and resource path on
// every enabled endpoint. On any failure the paths registered so far are
// rolled back.
func (c *Client) registerAllPaths() error {
	var done []string
	for _, obj := range c.sortedObjects() {
		paths := c.objectPaths(obj)
		for _, path := range paths {
			if err := c.registerPath(path); err != nil {
				for _, p := range done {
					c.unregisterPath(p)
				}
				return err
			}
			done = append(done, path)
		}
	}
	return nil
}

func (c *Client) unregisterAllPaths() {
	for _, obj := range c.sortedObjects() {
		for _, path := range c.objectPaths(obj) {
			c.unregisterPath(path)
		}
	}
}

// objectPaths lists the CoAP paths of one object: the object itself, each
// live instance and each instance's resource ids.
func (c *Client) objectPaths(obj *objectContext) []string {
	paths := []string{c.pathFor(obj.def.ID)}
	for _, inst := range obj.liveInstances() {
		paths = append(paths, c.instancePaths(obj, inst)...)
	}
	return paths
}

func (c *Client) instancePaths(obj *objectContext, inst *objectInstance) []string {
	paths := []string{c.pathFor(obj.def.ID, inst.id)}
	for res := uint16(0); res < obj.def.ResourceCount; res++ {
		paths = append(paths, c.pathFor(obj.def.ID, inst.id, res))
	}
	return paths
}

// registerInstancePaths exposes a freshly created instance, rolling back on
// partial failure.
func (c *Client) registerInstancePaths(obj *objectContext, inst *objectInstance) error {
	var done []string
	for _, path := range c.instancePaths(obj, inst) {
		if err := c.registerPath(path); err != nil {
			for _, p := range done {
				c.unregisterPath(p)
			}
			return err
		}
		done = append(done, path)
	}
	return nil
}

func (c *Client) unregisterInstancePaths(obj *objectContext, inst *objectInstance) {
	for _, path := range c.instancePaths(obj, inst) {
		c.unregisterPath(path)
	}
}

// registerPath registers one path on every endpoint, rolling back the
// endpoints already done when a later one fails.
func (c *Client) registerPath(path string) error {
	var done []Endpoint
	for _, ep := range c.endpoints {
		if err := ep.RegisterResource(path, c.endpointHandler()); err != nil {
			for _, prev := range done {
				prev.UnregisterResource(path)
			}
			return err
		}
		done = append(done, ep)
	}
	return nil
}

func (c *Client) unregisterPath(path string) {
	for _, ep := range c.endpoints {
		ep.UnregisterResource(path)
	}
}

// bridgeHandler bridges a transport receive goroutine into the event loop:
// the wrapped dispatcher runs on the loop, the transport blocks for the
// response.
func (c *Client) bridgeHandler(dispatch func(req *Packet, from string) *Packet) ResourceHandler {
	return func(req *Packet, from string) *Packet {
		respCh := make(chan *Packet, 1)
		c.stateMu.Lock()
		if c.closed {
			c.stateMu.Unlock()
			return nil
		}
		c.loopCh <- func() { respCh <- dispatch(req, from) }
		c.stateMu.Unlock()
		return <-respCh
	}
}

func (c *Client) endpointHandler() ResourceHandler {
	return c.bridgeHandler(c.dispatch)
}
