package lwm2m

import (
	"fmt"
	"strconv"
	"strings"
)

// pathUnset marks an absent path component.
const pathUnset = -1

// Path addresses an object, object instance or resource. Unset components
// are -1.
type Path struct {
	// Object is the object id, or -1.
	Object int32

	// Instance is the object instance id, or -1.
	Instance int32

	// Resource is the resource id, or -1.
	Resource int32
}

// NewPath creates a path from the given components. Pass -1 for absent
// components.
func NewPath(object, instance, resource int32) Path {
	return Path{Object: object, Instance: instance, Resource: resource}
}

// HasObject reports whether the object component is set.
func (p Path) HasObject() bool { return p.Object != pathUnset }

// HasInstance reports whether the instance component is set.
func (p Path) HasInstance() bool { return p.Instance != pathUnset }

// HasResource reports whether the resource component is set.
func (p Path) HasResource() bool { return p.Resource != pathUnset }

// Len returns the number of set components.
func (p Path) Len() int {
	switch {
	case p.HasResource():
		return 3
	case p.HasInstance():
		return 2
	case p.HasObject():
		return 1
	default:
		return 0
	}
}

// String renders the path in /object/instance/resource form.
func (p Path) String() string {
	var sb strings.Builder
	if p.HasObject() {
		fmt.Fprintf(&sb, "/%d", p.Object)
	}
	if p.HasInstance() {
		fmt.Fprintf(&sb, "/%d", p.Instance)
	}
	if p.HasResource() {
		fmt.Fprintf(&sb, "/%d", p.Resource)
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

// ParsePath converts URI-path segments into a Path, skipping the given path
// prefix if one was configured. Each component must be a decimal number that
// fits a 16-bit id; anything else fails with ErrBadRequest.
func ParsePath(segments []string, prefix string) (Path, error) {
	path := NewPath(pathUnset, pathUnset, pathUnset)

	if prefix != "" && len(segments) > 0 && segments[0] == prefix {
		segments = segments[1:]
	}
	if len(segments) > 3 {
		return path, NewPathError(path, ErrBadRequest)
	}

	dst := []*int32{&path.Object, &path.Instance, &path.Resource}
	for i, seg := range segments {
		v, err := strconv.ParseUint(seg, 10, 16)
		if err != nil {
			return NewPath(pathUnset, pathUnset, pathUnset), NewPathError(path, ErrBadRequest)
		}
		*dst[i] = int32(v)
	}

	return path, nil
}

// ParsePathString converts a /object/instance/resource string into a Path.
func ParsePathString(path string, prefix string) (Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return NewPath(pathUnset, pathUnset, pathUnset), nil
	}
	return ParsePath(strings.Split(trimmed, "/"), prefix)
}
