package lwm2m

import (
	"bytes"
	"encoding/binary"
	"math"
)

// TLVType is the record kind carried in the top two bits of a TLV type byte.
type TLVType uint8

const (
	// TLVObjectInstance wraps the resources of one object instance.
	TLVObjectInstance TLVType = 0x00

	// TLVResourceInstance is one value inside a multiple-instance resource.
	TLVResourceInstance TLVType = 0x40

	// TLVMultipleResources wraps the instances of a multiple-instance
	// resource.
	TLVMultipleResources TLVType = 0x80

	// TLVResourceWithValue is a single-instance resource value.
	TLVResourceWithValue TLVType = 0xC0
)

// TLV type byte layout.
const (
	tlvTypeMask     = 0xC0
	tlvIDSizeMask   = 0x20
	tlvLenSizeMask  = 0x18
	tlvLenInlineMax = 0x07

	tlvLenSize8  = 0x08
	tlvLenSize16 = 0x10
	tlvLenSize24 = 0x18

	tlvMaxLength = 0xFFFFFF
	objLinkLen   = 4
)

// String returns the string representation of the TLV record kind.
func (t TLVType) String() string {
	switch t {
	case TLVObjectInstance:
		return "object instance"
	case TLVResourceInstance:
		return "resource instance"
	case TLVMultipleResources:
		return "multiple resources"
	case TLVResourceWithValue:
		return "resource with value"
	default:
		return "unknown"
	}
}

// TLV is one decoded LWM2M TLV record. Content is an owned copy of the
// record's value bytes.
type TLV struct {
	// Type is the record kind.
	Type TLVType

	// ID is the object instance, resource or resource instance id.
	ID uint16

	// Content holds the value bytes. For nested kinds (TLVObjectInstance
	// and TLVMultipleResources) it holds the serialized children.
	Content []byte
}

// ParseTLV decodes a TLV byte sequence into an ordered, flat record list.
//
// Nested kinds appear before their children: the record carries the full
// nested content and the children follow as further records. Value kinds
// consume their content. Returns ErrTLVOverflow if any declared length would
// read past the end of data.
func ParseTLV(data []byte) ([]TLV, error) {
	var out []TLV

	for i := 0; i < len(data); {
		typeByte := data[i]
		rec := TLV{Type: TLVType(typeByte & tlvTypeMask)}

		offset := i + 1
		if typeByte&tlvIDSizeMask == 0 {
			if offset >= len(data) {
				return nil, ErrTLVOverflow
			}
			rec.ID = uint16(data[offset])
			offset++
		} else {
			if offset+1 >= len(data) {
				return nil, ErrTLVOverflow
			}
			rec.ID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}

		var length int
		switch typeByte & tlvLenSizeMask {
		case tlvLenSize8:
			if offset >= len(data) {
				return nil, ErrTLVOverflow
			}
			length = int(data[offset])
			offset++
		case tlvLenSize16:
			if offset+1 >= len(data) {
				return nil, ErrTLVOverflow
			}
			length = int(binary.BigEndian.Uint16(data[offset:]))
			offset += 2
		case tlvLenSize24:
			if offset+2 >= len(data) {
				return nil, ErrTLVOverflow
			}
			length = int(data[offset])<<16 | int(data[offset+1])<<8 | int(data[offset+2])
			offset += 3
		default:
			length = int(typeByte & tlvLenInlineMax)
		}

		if offset+length > len(data) {
			return nil, ErrTLVOverflow
		}

		rec.Content = append([]byte(nil), data[offset:offset+length]...)
		out = append(out, rec)

		// Nested kinds advance past the header only, so their children
		// are emitted as subsequent records.
		if rec.Type == TLVObjectInstance || rec.Type == TLVMultipleResources {
			i = offset
		} else {
			i = offset + length
		}
	}

	return out, nil
}

// hasValue reports whether the record kind carries a scalar value.
func (t *TLV) hasValue() bool {
	return t.Type == TLVResourceWithValue || t.Type == TLVResourceInstance
}

// Int decodes the record content as a signed integer of 1, 2, 4 or 8 bytes.
func (t *TLV) Int() (int64, error) {
	if !t.hasValue() {
		return 0, ErrTLVInvalid
	}
	switch len(t.Content) {
	case 1:
		return int64(int8(t.Content[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(t.Content))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(t.Content))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(t.Content)), nil
	default:
		return 0, ErrTLVInvalid
	}
}

// Float decodes the record content as an IEEE 754 float of 4 or 8 bytes.
func (t *TLV) Float() (float64, error) {
	if !t.hasValue() {
		return 0, ErrTLVInvalid
	}
	switch len(t.Content) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(t.Content))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(t.Content)), nil
	default:
		return 0, ErrTLVInvalid
	}
}

// Bool decodes the record content as a one-byte boolean.
func (t *TLV) Bool() (bool, error) {
	if !t.hasValue() || len(t.Content) != 1 {
		return false, ErrTLVInvalid
	}
	switch t.Content[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrTLVInvalid
	}
}

// ObjectLink decodes the record content as an object link: upper 16 bits
// object id, lower 16 bits instance id.
func (t *TLV) ObjectLink() (objectID, instanceID uint16, err error) {
	if !t.hasValue() || len(t.Content) != objLinkLen {
		return 0, 0, ErrTLVInvalid
	}
	return binary.BigEndian.Uint16(t.Content), binary.BigEndian.Uint16(t.Content[2:]), nil
}

// Bytes returns the record content for string and opaque values.
func (t *TLV) Bytes() ([]byte, error) {
	if !t.hasValue() {
		return nil, ErrTLVInvalid
	}
	return t.Content, nil
}

// appendTLVHeader writes a TLV header for a record of the given kind, id
// and content length.
func appendTLVHeader(buf *bytes.Buffer, typ TLVType, id uint16, length int) error {
	header := [6]byte{byte(typ)}
	n := 2

	if id > math.MaxUint8 {
		header[0] |= tlvIDSizeMask
		binary.BigEndian.PutUint16(header[1:], id)
		n++
	} else {
		header[1] = byte(id)
	}

	switch {
	case length <= tlvLenInlineMax:
		header[0] |= byte(length)
	case length <= math.MaxUint8:
		header[0] |= tlvLenSize8
		header[n] = byte(length)
		n++
	case length <= math.MaxUint16:
		header[0] |= tlvLenSize16
		binary.BigEndian.PutUint16(header[n:], uint16(length))
		n += 2
	case length <= tlvMaxLength:
		header[0] |= tlvLenSize24
		header[n] = byte(length >> 16)
		header[n+1] = byte(length >> 8)
		header[n+2] = byte(length)
		n += 3
	default:
		return ErrTLVOverflow
	}

	buf.Write(header[:n])
	return nil
}

// intWidth returns the minimum of 1, 2, 4 or 8 bytes that holds v in
// two's complement.
func intWidth(v int64) int {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return 1
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 2
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return 4
	default:
		return 8
	}
}

func appendInt(buf *bytes.Buffer, v int64, width int) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(v))
	buf.Write(scratch[8-width:])
}

func valueLen(typ ResourceType, v ResourceValue) int {
	switch typ {
	case ResourceString, ResourceOpaque:
		return len(v.Bytes)
	case ResourceInt, ResourceTime:
		return intWidth(v.Int)
	case ResourceBool:
		return 1
	case ResourceFloat:
		return 8
	case ResourceObjectLink:
		return objLinkLen
	default:
		return 0
	}
}

func appendValue(buf *bytes.Buffer, typ ResourceType, v ResourceValue) {
	switch typ {
	case ResourceString, ResourceOpaque:
		buf.Write(v.Bytes)
	case ResourceInt, ResourceTime:
		appendInt(buf, v.Int, intWidth(v.Int))
	case ResourceBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case ResourceFloat:
		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], math.Float64bits(v.Float))
		buf.Write(scratch[:])
	case ResourceObjectLink:
		appendInt(buf, int64(v.ObjectID)<<16|int64(v.InstanceID), objLinkLen)
	}
}

// EncodeResource serializes a resource as TLV. Single-instance resources
// become one resource-with-value record; multiple-instance resources become
// a multiple-resources record wrapping one resource-instance record per
// value.
func EncodeResource(res *Resource) ([]byte, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := appendResource(&buf, res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendResource(buf *bytes.Buffer, res *Resource) error {
	if !res.Multiple {
		if err := appendTLVHeader(buf, TLVResourceWithValue, res.ID, valueLen(res.Type, res.Values[0])); err != nil {
			return err
		}
		appendValue(buf, res.Type, res.Values[0])
		return nil
	}

	var inner bytes.Buffer
	for _, v := range res.Values {
		if err := appendTLVHeader(&inner, TLVResourceInstance, v.ID, valueLen(res.Type, v)); err != nil {
			return err
		}
		appendValue(&inner, res.Type, v)
	}

	if err := appendTLVHeader(buf, TLVMultipleResources, res.ID, inner.Len()); err != nil {
		return err
	}
	buf.Write(inner.Bytes())
	return nil
}

// Value decodes the record content into a ResourceValue of the given type.
func (t *TLV) Value(typ ResourceType) (ResourceValue, error) {
	v := ResourceValue{ID: t.ID}
	var err error

	switch typ {
	case ResourceString, ResourceOpaque:
		v.Bytes, err = t.Bytes()
	case ResourceInt, ResourceTime:
		v.Int, err = t.Int()
	case ResourceFloat:
		v.Float, err = t.Float()
	case ResourceBool:
		v.Bool, err = t.Bool()
	case ResourceObjectLink:
		v.ObjectID, v.InstanceID, err = t.ObjectLink()
	default:
		err = ErrTLVInvalid
	}
	return v, err
}

// DecodeResource rebuilds a typed resource from a flat record list as
// produced by ParseTLV. The list must start with the resource record; for a
// multiple-resources record the following resource-instance records are its
// values.
func DecodeResource(typ ResourceType, recs []TLV) (*Resource, error) {
	if len(recs) == 0 {
		return nil, ErrTLVInvalid
	}

	switch recs[0].Type {
	case TLVResourceWithValue:
		v, err := recs[0].Value(typ)
		if err != nil {
			return nil, err
		}
		return &Resource{ID: recs[0].ID, Type: typ, Values: []ResourceValue{v}}, nil
	case TLVMultipleResources:
		res := &Resource{ID: recs[0].ID, Type: typ, Multiple: true}
		for _, rec := range recs[1:] {
			if rec.Type != TLVResourceInstance {
				break
			}
			v, err := rec.Value(typ)
			if err != nil {
				return nil, err
			}
			res.Values = append(res.Values, v)
		}
		if len(res.Values) == 0 {
			return nil, ErrTLVInvalid
		}
		return res, nil
	default:
		return nil, ErrTLVInvalid
	}
}

// EncodeResources serializes a sequence of resources as sibling TLV
// records, the form used when reading a whole object instance.
func EncodeResources(resources []*Resource) ([]byte, error) {
	var buf bytes.Buffer
	for _, res := range resources {
		if err := res.Validate(); err != nil {
			return nil, err
		}
		if err := appendResource(&buf, res); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeObjectInstance serializes the resources of one object instance
// wrapped in an object-instance record, the form used when reading a whole
// object.
func EncodeObjectInstance(instanceID uint16, resources []*Resource) ([]byte, error) {
	inner, err := EncodeResources(resources)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := appendTLVHeader(&buf, TLVObjectInstance, instanceID, len(inner)); err != nil {
		return nil, err
	}
	buf.Write(inner)
	return buf.Bytes(), nil
}
