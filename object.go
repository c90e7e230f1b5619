package lwm2m

import (
	"fmt"
	"sort"
)

// ObjectContext carries the call context handed to object callbacks.
type ObjectContext struct {
	// Client is the client the object is registered with.
	Client *Client

	// UserData is the opaque pointer given to New.
	UserData any

	// InstanceData is the per-instance data returned by Create or given
	// to AddObjectInstance. Nil inside Create itself.
	InstanceData any

	// InstanceID is the id of the target object instance.
	InstanceID uint16
}

// ObjectDef is the fixed schema of an LWM2M object: its id, resource count
// and operation callbacks. A nil callback means the corresponding operation
// answers 4.05 Method Not Allowed. WriteResource and WriteTLV must be both
// set or both unset.
type ObjectDef struct {
	// ID is the 16-bit object id.
	ID uint16

	// ResourceCount is the number of resources the object exposes.
	// Resource ids may be sparse within [0, ResourceCount).
	ResourceCount uint16

	// Create instantiates the object from a decoded TLV payload and
	// returns the new instance's data.
	Create func(ctx ObjectContext, payload []TLV) (any, error)

	// Read returns the current value of one resource. ErrResourceNotFound
	// skips a sparse id hole; ErrInvalidResource stops iteration.
	Read func(ctx ObjectContext, resource uint16) (*Resource, error)

	// WriteResource replaces one resource with a typed value.
	WriteResource func(ctx ObjectContext, resource *Resource) error

	// WriteTLV applies a TLV record list to the instance.
	WriteTLV func(ctx ObjectContext, tlvs []TLV) error

	// Execute runs a resource with the given text arguments.
	Execute func(ctx ObjectContext, resource uint16, args string) error

	// Delete tears down an instance's data.
	Delete func(ctx ObjectContext) error
}

// validate checks the schema invariants.
func (d *ObjectDef) validate() error {
	if d == nil {
		return fmt.Errorf("nil object definition")
	}
	if (d.WriteResource == nil) != (d.WriteTLV == nil) {
		return fmt.Errorf("object %d: WriteResource and WriteTLV must be both set or both unset", d.ID)
	}
	return nil
}

// objectInstance is one live instance of an object.
type objectInstance struct {
	id   uint16
	data any

	// shouldDelete keeps a deleted instance addressable until the
	// response for the delete has been sent.
	shouldDelete bool
}

// objectContext is the client-internal registry entry for one object.
type objectContext struct {
	def       *ObjectDef
	instances []*objectInstance
}

func (o *objectContext) instance(id uint16) *objectInstance {
	for _, inst := range o.instances {
		if inst.id == id && !inst.shouldDelete {
			return inst
		}
	}
	return nil
}

// liveInstances returns the instances not marked for deletion, ordered by id.
func (o *objectContext) liveInstances() []*objectInstance {
	out := make([]*objectInstance, 0, len(o.instances))
	for _, inst := range o.instances {
		if !inst.shouldDelete {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// removeInstance unlinks an instance from the vector.
func (o *objectContext) removeInstance(inst *objectInstance) {
	for i, cur := range o.instances {
		if cur == inst {
			o.instances = append(o.instances[:i], o.instances[i+1:]...)
			return
		}
	}
}

// nextInstanceID picks the id used for a Create without a dictated id.
func (o *objectContext) nextInstanceID() uint16 {
	var next uint16
	for {
		if o.instance(next) == nil {
			return next
		}
		next++
	}
}

func (c *Client) objectByID(id uint16) *objectContext {
	return c.objects[id]
}

func (c *Client) objectContextFor(obj *objectContext, inst *objectInstance) ObjectContext {
	ctx := ObjectContext{Client: c, UserData: c.userData}
	if inst != nil {
		ctx.InstanceData = inst.data
		ctx.InstanceID = inst.id
	}
	return ctx
}

// readResources reads a fixed set of resource ids from an instance through
// its object's Read callback.
func (c *Client) readResources(obj *objectContext, inst *objectInstance, ids ...uint16) ([]*Resource, error) {
	if obj.def.Read == nil {
		return nil, ErrNotAllowed
	}

	out := make([]*Resource, 0, len(ids))
	ctx := c.objectContextFor(obj, inst)
	for _, id := range ids {
		res, err := obj.def.Read(ctx, id)
		if err != nil {
			return nil, NewPathError(NewPath(int32(obj.def.ID), int32(inst.id), int32(id)), err)
		}
		out = append(out, res)
	}
	return out, nil
}

// sortedObjects returns the object contexts ordered by object id.
func (c *Client) sortedObjects() []*objectContext {
	out := make([]*objectContext, 0, len(c.objects))
	for _, obj := range c.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].def.ID < out[j].def.ID })
	return out
}
