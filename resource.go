package lwm2m

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// ResourceType identifies the data type of a resource value.
type ResourceType int

const (
	// ResourceString is a UTF-8 string resource.
	ResourceString ResourceType = iota
	// ResourceInt is a signed integer resource.
	ResourceInt
	// ResourceFloat is a floating point resource.
	ResourceFloat
	// ResourceBool is a boolean resource.
	ResourceBool
	// ResourceOpaque is a raw byte sequence resource.
	ResourceOpaque
	// ResourceTime is a unix time resource, carried as a signed integer.
	ResourceTime
	// ResourceObjectLink is an object link resource: a pair of object id
	// and instance id.
	ResourceObjectLink
)

// String returns the string representation of the resource type.
func (t ResourceType) String() string {
	switch t {
	case ResourceString:
		return "string"
	case ResourceInt:
		return "int"
	case ResourceFloat:
		return "float"
	case ResourceBool:
		return "bool"
	case ResourceOpaque:
		return "opaque"
	case ResourceTime:
		return "time"
	case ResourceObjectLink:
		return "objlink"
	default:
		return "unknown"
	}
}

// ResourceValue is one value of a resource. Single-instance resources carry
// exactly one; multiple-instance resources carry one per resource instance,
// each with its own instance ID.
type ResourceValue struct {
	// ID is the resource instance id. Meaningful only inside a
	// multiple-instance resource.
	ID uint16

	// Int carries ResourceInt and ResourceTime values.
	Int int64

	// Float carries ResourceFloat values.
	Float float64

	// Bool carries ResourceBool values.
	Bool bool

	// Bytes carries ResourceString and ResourceOpaque values.
	Bytes []byte

	// ObjectID and InstanceID carry ResourceObjectLink values.
	ObjectID   uint16
	InstanceID uint16
}

// IntValue creates a ResourceValue holding an integer.
func IntValue(id uint16, v int64) ResourceValue {
	return ResourceValue{ID: id, Int: v}
}

// FloatValue creates a ResourceValue holding a float.
func FloatValue(id uint16, v float64) ResourceValue {
	return ResourceValue{ID: id, Float: v}
}

// BoolValue creates a ResourceValue holding a boolean.
func BoolValue(id uint16, v bool) ResourceValue {
	return ResourceValue{ID: id, Bool: v}
}

// StringValue creates a ResourceValue holding a string.
func StringValue(id uint16, v string) ResourceValue {
	return ResourceValue{ID: id, Bytes: []byte(v)}
}

// OpaqueValue creates a ResourceValue holding raw bytes.
func OpaqueValue(id uint16, v []byte) ResourceValue {
	return ResourceValue{ID: id, Bytes: v}
}

// ObjectLinkValue creates a ResourceValue holding an object link.
func ObjectLinkValue(id, objectID, instanceID uint16) ResourceValue {
	return ResourceValue{ID: id, ObjectID: objectID, InstanceID: instanceID}
}

// Resource is a typed value, or sequence of typed values, identified by an
// id unique within its object instance.
type Resource struct {
	// ID is the resource id.
	ID uint16

	// Type is the data type shared by all values.
	Type ResourceType

	// Multiple marks a multiple-instance resource.
	Multiple bool

	// Values holds the resource values. Exactly one for single-instance
	// resources.
	Values []ResourceValue
}

// NewStringResource creates a single-instance string resource.
func NewStringResource(id uint16, v string) *Resource {
	return &Resource{ID: id, Type: ResourceString, Values: []ResourceValue{StringValue(0, v)}}
}

// NewIntResource creates a single-instance integer resource.
func NewIntResource(id uint16, v int64) *Resource {
	return &Resource{ID: id, Type: ResourceInt, Values: []ResourceValue{IntValue(0, v)}}
}

// NewFloatResource creates a single-instance float resource.
func NewFloatResource(id uint16, v float64) *Resource {
	return &Resource{ID: id, Type: ResourceFloat, Values: []ResourceValue{FloatValue(0, v)}}
}

// NewBoolResource creates a single-instance boolean resource.
func NewBoolResource(id uint16, v bool) *Resource {
	return &Resource{ID: id, Type: ResourceBool, Values: []ResourceValue{BoolValue(0, v)}}
}

// NewOpaqueResource creates a single-instance opaque resource.
func NewOpaqueResource(id uint16, v []byte) *Resource {
	return &Resource{ID: id, Type: ResourceOpaque, Values: []ResourceValue{OpaqueValue(0, v)}}
}

// NewTimeResource creates a single-instance time resource.
func NewTimeResource(id uint16, v time.Time) *Resource {
	return &Resource{ID: id, Type: ResourceTime, Values: []ResourceValue{IntValue(0, v.Unix())}}
}

// NewObjectLinkResource creates a single-instance object link resource.
func NewObjectLinkResource(id, objectID, instanceID uint16) *Resource {
	return &Resource{ID: id, Type: ResourceObjectLink, Values: []ResourceValue{ObjectLinkValue(0, objectID, instanceID)}}
}

// NewMultiResource creates a multiple-instance resource from the given
// values. The values keep the instance ids they were created with.
func NewMultiResource(id uint16, typ ResourceType, values ...ResourceValue) *Resource {
	return &Resource{ID: id, Type: typ, Multiple: true, Values: values}
}

// Validate checks the resource for internal consistency.
func (r *Resource) Validate() error {
	if r == nil {
		return errors.New("nil resource")
	}
	if len(r.Values) == 0 {
		return fmt.Errorf("resource %d has no values", r.ID)
	}
	if !r.Multiple && len(r.Values) != 1 {
		return fmt.Errorf("single-instance resource %d has %d values", r.ID, len(r.Values))
	}
	switch r.Type {
	case ResourceString, ResourceInt, ResourceFloat, ResourceBool,
		ResourceOpaque, ResourceTime, ResourceObjectLink:
		return nil
	default:
		return fmt.Errorf("resource %d has unknown type %d", r.ID, r.Type)
	}
}

// Equal reports whether two resources carry the same id, type and values.
func (r *Resource) Equal(o *Resource) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.ID != o.ID || r.Type != o.Type || r.Multiple != o.Multiple ||
		len(r.Values) != len(o.Values) {
		return false
	}
	for i := range r.Values {
		if !r.Values[i].equal(o.Values[i], r.Type, r.Multiple) {
			return false
		}
	}
	return true
}

func (v ResourceValue) equal(o ResourceValue, typ ResourceType, multiple bool) bool {
	if multiple && v.ID != o.ID {
		return false
	}
	switch typ {
	case ResourceInt, ResourceTime:
		return v.Int == o.Int
	case ResourceFloat:
		return v.Float == o.Float
	case ResourceBool:
		return v.Bool == o.Bool
	case ResourceString, ResourceOpaque:
		return bytes.Equal(v.Bytes, o.Bytes)
	case ResourceObjectLink:
		return v.ObjectID == o.ObjectID && v.InstanceID == o.InstanceID
	default:
		return false
	}
}
