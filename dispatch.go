package lwm2m

import (
	"errors"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// operation names a dispatched management operation, for logs and metrics.
type operation int

const (
	opRead operation = iota
	opObserve
	opWrite
	opExecute
	opCreate
	opDelete
)

func (o operation) String() string {
	switch o {
	case opRead:
		return "read"
	case opObserve:
		return "observe"
	case opWrite:
		return "write"
	case opExecute:
		return "execute"
	case opCreate:
		return "create"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// requestFormat returns the effective content format of a request. A
// missing Content-Format option defaults to text.
func requestFormat(req *Packet) message.MediaType {
	if req.HasFormat {
		return req.Format
	}
	return ContentFormatText
}

// dispatch routes one management request. It runs on the event loop; the
// returned packet is the response the endpoint sends back.
func (c *Client) dispatch(req *Packet, from string) *Packet {
	path, err := ParsePath(req.Path, c.opts.pathPrefix)
	if err != nil {
		return req.response(codes.BadRequest)
	}

	if requestFormat(req) == ContentFormatJSON {
		return req.response(codes.UnsupportedMediaType)
	}

	serverID, ok := c.serverIDForAddr(from)
	if !ok {
		c.log().Warn("request from unknown server", LogFields{
			LogFieldAddr: from,
			LogFieldPath: path.String(),
		})
		return req.response(codes.Unauthorized)
	}

	op, code, payload := c.handleRequest(req, path, serverID)

	resp := req.response(code)
	if len(payload) > 0 {
		resp.Payload = payload
		resp.SetFormat(ContentFormatTLV)
	}

	c.log().Debug("request dispatched", LogFields{
		LogFieldServerID: serverID,
		LogFieldPath:     path.String(),
		LogFieldCode:     code.String(),
	})
	c.opts.metrics.Counter(MetricRequests, MetricLabels{
		"operation": op.String(),
		"code":      code.String(),
	}).Inc()

	if mutated(op, code) {
		c.notifyMutation(path)
	}
	return resp
}

// mutated reports whether an operation outcome must wake the notification
// engine. Execute answers Changed without mutating anything.
func mutated(op operation, code codes.Code) bool {
	switch code {
	case codes.Created, codes.Deleted:
		return true
	case codes.Changed:
		return op != opExecute
	default:
		return false
	}
}

func (c *Client) handleRequest(req *Packet, path Path, serverID uint16) (operation, codes.Code, []byte) {
	if !path.HasObject() && req.Code != codes.DELETE {
		return opRead, codes.BadRequest, nil
	}

	// The Security object belongs to the Bootstrap Server alone.
	if path.HasObject() && uint16(path.Object) == SecurityObjectID {
		return opForMethod(req), codes.Unauthorized, nil
	}

	switch req.Code {
	case codes.GET:
		op := opRead
		if req.HasObserve {
			op = opObserve
		}
		code, payload := c.handleRead(path, serverID, req.HasObserve)
		return op, code, payload

	case codes.PUT:
		if !path.HasResource() {
			// Writes on object or instance level are PUT only during a
			// bootstrap sequence; management uses POST on the instance.
			return opWrite, codes.BadRequest, nil
		}
		return opWrite, c.handleWriteResource(path, serverID, requestFormat(req), req.Payload), nil

	case codes.POST:
		switch path.Len() {
		case 1:
			return opCreate, c.handleCreate(path, serverID, pathUnset, requestFormat(req), req.Payload), nil
		case 2:
			obj := c.objectByID(uint16(path.Object))
			if obj != nil && obj.instance(uint16(path.Instance)) == nil {
				return opCreate, c.handleCreate(path, serverID, path.Instance, requestFormat(req), req.Payload), nil
			}
			return opWrite, c.handleWriteInstance(path, serverID, requestFormat(req), req.Payload), nil
		case 3:
			return opExecute, c.handleExecute(path, serverID, req, req.Payload), nil
		default:
			return opCreate, codes.BadRequest, nil
		}

	case codes.DELETE:
		if path.Len() != 2 {
			// Pathless delete is Bootstrap-Delete-All, bootstrap only.
			return opDelete, codes.MethodNotAllowed, nil
		}
		return opDelete, c.handleDelete(path, serverID), nil

	default:
		return opRead, codes.MethodNotAllowed, nil
	}
}

func opForMethod(req *Packet) operation {
	switch req.Code {
	case codes.GET:
		return opRead
	case codes.PUT, codes.POST:
		return opWrite
	case codes.DELETE:
		return opDelete
	default:
		return opRead
	}
}

// authorize maps an Access Control evaluation onto a response code, nil
// meaning allowed.
func (c *Client) authorize(serverID uint16, objectID uint16, instanceID int32, rights int64) *codes.Code {
	result, err := c.checkAuthorization(serverID, objectID, instanceID, rights)
	if err != nil {
		code := codes.InternalServerError
		return &code
	}
	switch result {
	case authAllowed:
		return nil
	case authDenied:
		code := codes.Unauthorized
		return &code
	default:
		// No ACO instance covers the target at all; the table is broken
		// rather than restrictive.
		code := codes.InternalServerError
		return &code
	}
}

// readInstanceResources reads every resource of an instance through the
// object's Read callback. Sparse id holes are skipped; ErrInvalidResource
// ends the sweep with what was collected so far.
func (c *Client) readInstanceResources(obj *objectContext, inst *objectInstance) ([]*Resource, error) {
	if obj.def.Read == nil {
		return nil, ErrNotAllowed
	}

	ctx := c.objectContextFor(obj, inst)
	var out []*Resource
	for id := uint16(0); id < obj.def.ResourceCount; id++ {
		res, err := obj.def.Read(ctx, id)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				continue
			}
			if errors.Is(err, ErrInvalidResource) {
				break
			}
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (c *Client) handleRead(path Path, serverID uint16, observe bool) (codes.Code, []byte) {
	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound, nil
	}
	if obj.def.Read == nil {
		return codes.MethodNotAllowed, nil
	}

	if path.HasResource() {
		inst := obj.instance(uint16(path.Instance))
		if inst == nil {
			return codes.NotFound, nil
		}
		if code := c.authorize(serverID, obj.def.ID, path.Instance, AclRead); code != nil {
			return *code, nil
		}

		res, err := obj.def.Read(c.objectContextFor(obj, inst), uint16(path.Resource))
		if err != nil {
			return responseCode(err), nil
		}
		payload, err := EncodeResource(res)
		if err != nil {
			return responseCode(err), nil
		}
		return codes.Content, payload
	}

	if path.HasInstance() {
		inst := obj.instance(uint16(path.Instance))
		if inst == nil {
			return codes.NotFound, nil
		}
		if code := c.authorize(serverID, obj.def.ID, path.Instance, AclRead); code != nil {
			return *code, nil
		}

		resources, err := c.readInstanceResources(obj, inst)
		if err != nil {
			return responseCode(err), nil
		}
		payload, err := EncodeResources(resources)
		if err != nil {
			return responseCode(err), nil
		}
		return codes.Content, payload
	}

	// Object-level read serves every instance the caller may read. An
	// Observe on the bare object is authorized against object-level ACO
	// instances too.
	if observe {
		if code := c.authorize(serverID, obj.def.ID, pathUnset, AclRead); code != nil {
			return *code, nil
		}
	}

	var payload []byte
	denied := false
	for _, inst := range obj.liveInstances() {
		if code := c.authorize(serverID, obj.def.ID, int32(inst.id), AclRead); code != nil {
			denied = true
			continue
		}
		resources, err := c.readInstanceResources(obj, inst)
		if err != nil {
			return responseCode(err), nil
		}
		chunk, err := EncodeObjectInstance(inst.id, resources)
		if err != nil {
			return responseCode(err), nil
		}
		payload = append(payload, chunk...)
	}
	if len(payload) == 0 && denied {
		return codes.Unauthorized, nil
	}
	return codes.Content, payload
}

func (c *Client) handleWriteResource(path Path, serverID uint16, format message.MediaType, payload []byte) codes.Code {
	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound
	}
	inst := obj.instance(uint16(path.Instance))
	if inst == nil {
		return codes.NotFound
	}
	if obj.def.WriteResource == nil {
		return codes.MethodNotAllowed
	}
	if code := c.authorize(serverID, obj.def.ID, path.Instance, AclWrite); code != nil {
		return *code
	}

	ctx := c.objectContextFor(obj, inst)

	switch format {
	case ContentFormatTLV:
		tlvs, err := ParseTLV(payload)
		if err != nil {
			return responseCode(err)
		}
		if err := obj.def.WriteTLV(ctx, tlvs); err != nil {
			return responseCode(err)
		}

	case ContentFormatText, ContentFormatOpaque:
		res := &Resource{
			ID:     uint16(path.Resource),
			Type:   ResourceString,
			Values: []ResourceValue{StringValue(0, string(payload))},
		}
		if format == ContentFormatOpaque {
			res.Type = ResourceOpaque
			res.Values = []ResourceValue{OpaqueValue(0, payload)}
		}
		if err := obj.def.WriteResource(ctx, res); err != nil {
			return responseCode(err)
		}

	default:
		return codes.UnsupportedMediaType
	}
	if obj.def.ID == ServerObjectID {
		c.refreshServerPolicies()
	}
	return codes.Changed
}

func (c *Client) handleWriteInstance(path Path, serverID uint16, format message.MediaType, payload []byte) codes.Code {
	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound
	}
	inst := obj.instance(uint16(path.Instance))
	if inst == nil {
		return codes.NotFound
	}
	if obj.def.WriteTLV == nil {
		return codes.MethodNotAllowed
	}
	if format != ContentFormatTLV {
		// Multi-resource writes carry TLV, always.
		return codes.UnsupportedMediaType
	}
	if code := c.authorize(serverID, obj.def.ID, path.Instance, AclWrite); code != nil {
		return *code
	}

	tlvs, err := ParseTLV(payload)
	if err != nil {
		return responseCode(err)
	}
	if err := obj.def.WriteTLV(c.objectContextFor(obj, inst), tlvs); err != nil {
		return responseCode(err)
	}
	if obj.def.ID == ServerObjectID {
		c.refreshServerPolicies()
	}
	return codes.Changed
}

func (c *Client) handleExecute(path Path, serverID uint16, req *Packet, payload []byte) codes.Code {
	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound
	}
	inst := obj.instance(uint16(path.Instance))
	if inst == nil {
		return codes.NotFound
	}
	if obj.def.Execute == nil {
		return codes.MethodNotAllowed
	}
	if code := c.authorize(serverID, obj.def.ID, path.Instance, AclExecute); code != nil {
		return *code
	}

	args := string(payload)
	if len(payload) > 0 && requestFormat(req) != ContentFormatText {
		return codes.BadRequest
	}
	if !validExecuteArgs(args) {
		return codes.BadRequest
	}

	if err := obj.def.Execute(c.objectContextFor(obj, inst), uint16(path.Resource), args); err != nil {
		return responseCode(err)
	}
	return codes.Changed
}

func (c *Client) handleCreate(path Path, serverID uint16, dictatedID int32, format message.MediaType, payload []byte) codes.Code {
	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound
	}
	if obj.def.Create == nil {
		return codes.MethodNotAllowed
	}
	if len(payload) > 0 && format != ContentFormatTLV {
		return codes.UnsupportedMediaType
	}

	// Create is gated by the object-level ACO instance.
	if code := c.authorize(serverID, obj.def.ID, int32(BootstrapServerID), AclCreate); code != nil {
		return *code
	}

	var tlvs []TLV
	if len(payload) > 0 {
		var err error
		tlvs, err = ParseTLV(payload)
		if err != nil {
			return responseCode(err)
		}
	}

	if _, err := c.createInstance(obj, dictatedID, tlvs, serverID, c.exposing()); err != nil {
		return responseCode(err)
	}
	return codes.Created
}

func (c *Client) handleDelete(path Path, serverID uint16) codes.Code {
	obj := c.objectByID(uint16(path.Object))
	if obj == nil {
		return codes.NotFound
	}
	inst := obj.instance(uint16(path.Instance))
	if inst == nil {
		return codes.NotFound
	}
	if code := c.authorize(serverID, obj.def.ID, path.Instance, AclDelete); code != nil {
		return *code
	}

	if err := c.deleteInstance(obj, inst, serverID); err != nil {
		return responseCode(err)
	}
	return codes.Deleted
}

// createInstance instantiates an object, exposes the new paths and creates
// the covering ACO instance. A serverID of BootstrapServerID marks a
// client- or bootstrap-issued create, which owns its ACO instance itself
// and therefore does not get one here.
func (c *Client) createInstance(obj *objectContext, dictatedID int32, payload []TLV, serverID uint16, register bool) (*objectInstance, error) {
	if obj.def.Create == nil {
		return nil, ErrNotAllowed
	}

	var id uint16
	if dictatedID >= 0 {
		if obj.instance(uint16(dictatedID)) != nil {
			return nil, NewPathError(NewPath(int32(obj.def.ID), dictatedID, pathUnset), ErrBadRequest)
		}
		id = uint16(dictatedID)
	} else {
		id = obj.nextInstanceID()
	}

	ctx := ObjectContext{Client: c, UserData: c.userData, InstanceID: id}
	data, err := obj.def.Create(ctx, payload)
	if err != nil {
		return nil, err
	}

	inst := &objectInstance{id: id, data: data}
	obj.instances = append(obj.instances, inst)

	if register {
		if err := c.registerInstancePaths(obj, inst); err != nil {
			obj.removeInstance(inst)
			return nil, err
		}
	}

	if serverID != BootstrapServerID {
		acl := []aclEntry{{serverID: serverID, rights: AclAll}}
		if err := c.setupAccessControlForInstance(obj.def.ID, inst.id, serverID, acl, register); err != nil {
			c.log().Warn("access control setup failed for created instance", LogFields{
				LogFieldPath:  NewPath(int32(obj.def.ID), int32(inst.id), pathUnset).String(),
				LogFieldError: err,
			})
		}
	}

	c.log().Info("object instance created", LogFields{
		LogFieldPath:     NewPath(int32(obj.def.ID), int32(inst.id), pathUnset).String(),
		LogFieldServerID: serverID,
	})
	return inst, nil
}

// deleteInstance tears an instance down. The instance stays addressable,
// marked for deletion, until the event loop drains the current dispatch, so
// the response goes out before the CoAP paths disappear.
func (c *Client) deleteInstance(obj *objectContext, inst *objectInstance, serverID uint16) error {
	if obj.def.Delete == nil {
		return ErrNotAllowed
	}
	if err := obj.def.Delete(c.objectContextFor(obj, inst)); err != nil {
		return err
	}

	inst.shouldDelete = true
	c.post(func() { c.finalizeDelete(obj, inst, serverID) })
	return nil
}

// finalizeDelete drops the instance and its paths. The covering ACO
// instance goes with it only when the deleting server owns it; the
// Bootstrap Server id bypasses the ownership check.
func (c *Client) finalizeDelete(obj *objectContext, inst *objectInstance, serverID uint16) {
	if c.exposing() {
		c.unregisterInstancePaths(obj, inst)
	}
	obj.removeInstance(inst)
	c.removeAccessControlFor(obj.def.ID, inst.id, serverID)
}

// Execute argument grammar: digit (',' digit)* | digit '=' "'" chars "'".
// Empty arguments are valid.

type execArgState int

const (
	execNeedsDigit execArgState = iota
	execNeedsCommaOrEqual
	execNeedsApostrophe
	execNeedsCharOrApostrophe
	execNeedsComma
)

func validExecArgChar(b byte) bool {
	return b == '!' || (b >= '#' && b <= '&') || (b >= '(' && b <= '[') || (b >= ']' && b <= '~')
}

func validExecuteArgs(args string) bool {
	if args == "" {
		return true
	}

	state := execNeedsDigit
	for i := 0; i < len(args); i++ {
		b := args[i]
		switch state {
		case execNeedsDigit:
			if b < '0' || b > '9' {
				return false
			}
			state = execNeedsCommaOrEqual
		case execNeedsCommaOrEqual:
			switch b {
			case ',':
				state = execNeedsDigit
			case '=':
				state = execNeedsApostrophe
			default:
				return false
			}
		case execNeedsApostrophe:
			if b != '\'' {
				return false
			}
			state = execNeedsCharOrApostrophe
		case execNeedsCharOrApostrophe:
			if b == '\'' {
				state = execNeedsComma
			} else if !validExecArgChar(b) {
				return false
			}
		case execNeedsComma:
			if b != ',' {
				return false
			}
			state = execNeedsDigit
		}
	}
	return state == execNeedsCommaOrEqual || state == execNeedsComma
}
