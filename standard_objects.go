package lwm2m

// Core object ids.
const (
	// SecurityObjectID is the LWM2M Security object (id 0).
	SecurityObjectID uint16 = 0

	// ServerObjectID is the LWM2M Server object (id 1).
	ServerObjectID uint16 = 1

	// AccessControlObjectID is the LWM2M Access Control object (id 2).
	AccessControlObjectID uint16 = 2
)

// Security object resource ids.
const (
	securityServerURIResID           uint16 = 0
	securityIsBootstrapResID         uint16 = 1
	securityModeResID                uint16 = 2
	securityPublicKeyOrIdentityResID uint16 = 3
	securityServerPublicKeyResID     uint16 = 4
	securitySecretKeyResID           uint16 = 5
	securityShortServerIDResID       uint16 = 10
	securityClientHoldOffTimeResID   uint16 = 11
	securityBootstrapTimeoutResID    uint16 = 12

	securityResourceCount uint16 = 13
)

// Server object resource ids.
const (
	serverShortIDResID  uint16 = 0
	serverLifetimeResID uint16 = 1
	serverBindingResID  uint16 = 7

	serverResourceCount uint16 = 8
)

// Access Control object resource ids.
const (
	accessControlObjectResID   uint16 = 0
	accessControlInstanceResID uint16 = 1
	accessControlACLResID      uint16 = 2
	accessControlOwnerResID    uint16 = 3

	accessControlResourceCount uint16 = 4
)

// SecurityMode selects the DTLS mode of one server credential, with the
// wire values of the Security object's Security Mode resource.
type SecurityMode int

const (
	// SecurityModePSK is DTLS with a pre-shared key.
	SecurityModePSK SecurityMode = 0

	// SecurityModeRPK is DTLS with raw public keys.
	SecurityModeRPK SecurityMode = 1

	// SecurityModeCertificate is DTLS with X.509 certificates. Enumerated
	// but not implemented; Start refuses it.
	SecurityModeCertificate SecurityMode = 2

	// SecurityModeNoSec is plain UDP.
	SecurityModeNoSec SecurityMode = 3
)

// String returns the string representation of the security mode.
func (m SecurityMode) String() string {
	switch m {
	case SecurityModePSK:
		return "psk"
	case SecurityModeRPK:
		return "rpk"
	case SecurityModeCertificate:
		return "certificate"
	case SecurityModeNoSec:
		return "nosec"
	default:
		return "unknown"
	}
}

// Default CoAP ports per security mode.
const (
	DefaultPort     = "5683"
	DefaultPortDTLS = "5684"
)

// BindingModeU is the UDP binding, the only one supported.
const BindingModeU = "U"

// parseBindingMode validates a Server object binding string. Everything
// except "U" is parsed but rejected.
func parseBindingMode(s string) error {
	switch s {
	case BindingModeU:
		return nil
	case "UQ", "S", "SQ", "US", "UQS":
		return ErrUnknownBinding
	default:
		return ErrUnknownBinding
	}
}

// SecurityInstance is one instance of the built-in Security object: the
// credential for one LWM2M or Bootstrap server.
type SecurityInstance struct {
	// ServerURI is the coap:// or coaps:// URI of the server.
	ServerURI string

	// IsBootstrap marks the Bootstrap Server credential.
	IsBootstrap bool

	// Mode is the security mode of the connection.
	Mode SecurityMode

	// PublicKeyOrIdentity is the PSK identity or the client's raw public
	// key, depending on Mode.
	PublicKeyOrIdentity []byte

	// ServerPublicKey is the server's raw public key (RPK mode).
	ServerPublicKey []byte

	// SecretKey is the PSK secret or the client's private key.
	SecretKey []byte

	// ShortServerID links this credential to a Server instance. Unused
	// for the Bootstrap Server.
	ShortServerID uint16

	// ClientHoldOffTime is how many seconds to wait for a
	// server-initiated bootstrap before soliciting one.
	ClientHoldOffTime int64

	// BootstrapAccountTimeout is how many seconds the bootstrap account
	// lives after the sequence finished.
	BootstrapAccountTimeout int64
}

// ServerInstance is one instance of the built-in Server object: the policy
// for one registered server.
type ServerInstance struct {
	// ShortServerID identifies the server.
	ShortServerID uint16

	// Lifetime is the registration lifetime in seconds.
	Lifetime int64

	// Binding is the transport binding. Only "U" is supported; empty
	// means "U".
	Binding string
}

// ACLEntry is one row of an Access Control instance's ACL resource.
type ACLEntry struct {
	// ServerID is the short server id the row applies to;
	// DefaultShortServerID keys the default row.
	ServerID uint16

	// Rights is the Acl* bitmask granted.
	Rights int64
}

// AccessControlInstance is one instance of the built-in Access Control
// object, gating one target object instance.
type AccessControlInstance struct {
	// TargetObject is the gated object id.
	TargetObject uint16

	// TargetInstance is the gated instance id, or BootstrapServerID for
	// an object-level (Create-gating) instance.
	TargetInstance uint16

	// ACL holds the per-server rights rows.
	ACL []ACLEntry

	// Owner is the short server id owning this instance.
	Owner uint16
}

// NewSecurityObject returns the built-in Security object definition. Its
// instance data type is *SecurityInstance.
func NewSecurityObject() *ObjectDef {
	return &ObjectDef{
		ID:            SecurityObjectID,
		ResourceCount: securityResourceCount,
		Create: func(ctx ObjectContext, payload []TLV) (any, error) {
			inst := &SecurityInstance{}
			if err := applySecurityTLV(inst, payload); err != nil {
				return nil, err
			}
			return inst, nil
		},
		Read: func(ctx ObjectContext, resource uint16) (*Resource, error) {
			inst, ok := ctx.InstanceData.(*SecurityInstance)
			if !ok {
				return nil, ErrInternal
			}
			return readSecurityResource(inst, resource)
		},
		WriteResource: func(ctx ObjectContext, resource *Resource) error {
			inst, ok := ctx.InstanceData.(*SecurityInstance)
			if !ok {
				return ErrInternal
			}
			return applySecurityResource(inst, resource)
		},
		WriteTLV: func(ctx ObjectContext, tlvs []TLV) error {
			inst, ok := ctx.InstanceData.(*SecurityInstance)
			if !ok {
				return ErrInternal
			}
			return applySecurityTLV(inst, tlvs)
		},
		Delete: func(ctx ObjectContext) error { return nil },
	}
}

func readSecurityResource(inst *SecurityInstance, resource uint16) (*Resource, error) {
	switch resource {
	case securityServerURIResID:
		return NewStringResource(resource, inst.ServerURI), nil
	case securityIsBootstrapResID:
		return NewBoolResource(resource, inst.IsBootstrap), nil
	case securityModeResID:
		return NewIntResource(resource, int64(inst.Mode)), nil
	case securityPublicKeyOrIdentityResID:
		return NewOpaqueResource(resource, inst.PublicKeyOrIdentity), nil
	case securityServerPublicKeyResID:
		return NewOpaqueResource(resource, inst.ServerPublicKey), nil
	case securitySecretKeyResID:
		return NewOpaqueResource(resource, inst.SecretKey), nil
	case securityShortServerIDResID:
		return NewIntResource(resource, int64(inst.ShortServerID)), nil
	case securityClientHoldOffTimeResID:
		return NewIntResource(resource, inst.ClientHoldOffTime), nil
	case securityBootstrapTimeoutResID:
		return NewIntResource(resource, inst.BootstrapAccountTimeout), nil
	default:
		if resource >= securityResourceCount {
			return nil, ErrInvalidResource
		}
		return nil, ErrResourceNotFound
	}
}

func applySecurityResource(inst *SecurityInstance, res *Resource) error {
	if len(res.Values) == 0 {
		return ErrBadRequest
	}
	v := res.Values[0]

	switch res.ID {
	case securityServerURIResID:
		inst.ServerURI = string(v.Bytes)
	case securityIsBootstrapResID:
		inst.IsBootstrap = v.Bool
	case securityModeResID:
		inst.Mode = SecurityMode(v.Int)
	case securityPublicKeyOrIdentityResID:
		inst.PublicKeyOrIdentity = v.Bytes
	case securityServerPublicKeyResID:
		inst.ServerPublicKey = v.Bytes
	case securitySecretKeyResID:
		inst.SecretKey = v.Bytes
	case securityShortServerIDResID:
		inst.ShortServerID = uint16(v.Int)
	case securityClientHoldOffTimeResID:
		inst.ClientHoldOffTime = v.Int
	case securityBootstrapTimeoutResID:
		inst.BootstrapAccountTimeout = v.Int
	default:
		return ErrResourceNotFound
	}
	return nil
}

func securityResourceType(id uint16) (ResourceType, bool) {
	switch id {
	case securityServerURIResID:
		return ResourceString, true
	case securityIsBootstrapResID:
		return ResourceBool, true
	case securityModeResID, securityShortServerIDResID,
		securityClientHoldOffTimeResID, securityBootstrapTimeoutResID:
		return ResourceInt, true
	case securityPublicKeyOrIdentityResID, securityServerPublicKeyResID,
		securitySecretKeyResID:
		return ResourceOpaque, true
	default:
		return 0, false
	}
}

func applySecurityTLV(inst *SecurityInstance, tlvs []TLV) error {
	for i := range tlvs {
		rec := &tlvs[i]
		if rec.Type != TLVResourceWithValue {
			continue
		}
		typ, ok := securityResourceType(rec.ID)
		if !ok {
			continue
		}
		v, err := rec.Value(typ)
		if err != nil {
			return err
		}
		if err := applySecurityResource(inst, &Resource{ID: rec.ID, Type: typ, Values: []ResourceValue{v}}); err != nil {
			return err
		}
	}
	return nil
}

// NewServerObject returns the built-in Server object definition. Its
// instance data type is *ServerInstance.
func NewServerObject() *ObjectDef {
	return &ObjectDef{
		ID:            ServerObjectID,
		ResourceCount: serverResourceCount,
		Create: func(ctx ObjectContext, payload []TLV) (any, error) {
			inst := &ServerInstance{Binding: BindingModeU}
			if err := applyServerTLV(inst, payload); err != nil {
				return nil, err
			}
			return inst, nil
		},
		Read: func(ctx ObjectContext, resource uint16) (*Resource, error) {
			inst, ok := ctx.InstanceData.(*ServerInstance)
			if !ok {
				return nil, ErrInternal
			}
			return readServerResource(inst, resource)
		},
		WriteResource: func(ctx ObjectContext, resource *Resource) error {
			inst, ok := ctx.InstanceData.(*ServerInstance)
			if !ok {
				return ErrInternal
			}
			return applyServerResource(inst, resource)
		},
		WriteTLV: func(ctx ObjectContext, tlvs []TLV) error {
			inst, ok := ctx.InstanceData.(*ServerInstance)
			if !ok {
				return ErrInternal
			}
			return applyServerTLV(inst, tlvs)
		},
		Delete: func(ctx ObjectContext) error { return nil },
	}
}

func readServerResource(inst *ServerInstance, resource uint16) (*Resource, error) {
	switch resource {
	case serverShortIDResID:
		return NewIntResource(resource, int64(inst.ShortServerID)), nil
	case serverLifetimeResID:
		return NewIntResource(resource, inst.Lifetime), nil
	case serverBindingResID:
		binding := inst.Binding
		if binding == "" {
			binding = BindingModeU
		}
		return NewStringResource(resource, binding), nil
	default:
		if resource >= serverResourceCount {
			return nil, ErrInvalidResource
		}
		return nil, ErrResourceNotFound
	}
}

func applyServerResource(inst *ServerInstance, res *Resource) error {
	if len(res.Values) == 0 {
		return ErrBadRequest
	}
	v := res.Values[0]

	switch res.ID {
	case serverShortIDResID:
		inst.ShortServerID = uint16(v.Int)
	case serverLifetimeResID:
		inst.Lifetime = v.Int
	case serverBindingResID:
		if err := parseBindingMode(string(v.Bytes)); err != nil {
			return err
		}
		inst.Binding = string(v.Bytes)
	default:
		return ErrResourceNotFound
	}
	return nil
}

func applyServerTLV(inst *ServerInstance, tlvs []TLV) error {
	for i := range tlvs {
		rec := &tlvs[i]
		if rec.Type != TLVResourceWithValue {
			continue
		}

		var typ ResourceType
		switch rec.ID {
		case serverShortIDResID, serverLifetimeResID:
			typ = ResourceInt
		case serverBindingResID:
			typ = ResourceString
		default:
			continue
		}

		v, err := rec.Value(typ)
		if err != nil {
			return err
		}
		if err := applyServerResource(inst, &Resource{ID: rec.ID, Type: typ, Values: []ResourceValue{v}}); err != nil {
			return err
		}
	}
	return nil
}

// NewAccessControlObject returns the built-in Access Control object
// definition. Its instance data type is *AccessControlInstance.
func NewAccessControlObject() *ObjectDef {
	return &ObjectDef{
		ID:            AccessControlObjectID,
		ResourceCount: accessControlResourceCount,
		Create: func(ctx ObjectContext, payload []TLV) (any, error) {
			inst := &AccessControlInstance{}
			if err := applyAccessControlTLV(inst, payload); err != nil {
				return nil, err
			}
			return inst, nil
		},
		Read: func(ctx ObjectContext, resource uint16) (*Resource, error) {
			inst, ok := ctx.InstanceData.(*AccessControlInstance)
			if !ok {
				return nil, ErrInternal
			}
			return readAccessControlResource(inst, resource)
		},
		WriteResource: func(ctx ObjectContext, resource *Resource) error {
			inst, ok := ctx.InstanceData.(*AccessControlInstance)
			if !ok {
				return ErrInternal
			}
			return applyAccessControlResource(inst, resource)
		},
		WriteTLV: func(ctx ObjectContext, tlvs []TLV) error {
			inst, ok := ctx.InstanceData.(*AccessControlInstance)
			if !ok {
				return ErrInternal
			}
			return applyAccessControlTLV(inst, tlvs)
		},
		Delete: func(ctx ObjectContext) error { return nil },
	}
}

func readAccessControlResource(inst *AccessControlInstance, resource uint16) (*Resource, error) {
	switch resource {
	case accessControlObjectResID:
		return NewIntResource(resource, int64(inst.TargetObject)), nil
	case accessControlInstanceResID:
		return NewIntResource(resource, int64(inst.TargetInstance)), nil
	case accessControlACLResID:
		values := make([]ResourceValue, 0, len(inst.ACL))
		for _, entry := range inst.ACL {
			values = append(values, IntValue(entry.ServerID, entry.Rights))
		}
		return NewMultiResource(resource, ResourceInt, values...), nil
	case accessControlOwnerResID:
		return NewIntResource(resource, int64(inst.Owner)), nil
	default:
		return nil, ErrInvalidResource
	}
}

func applyAccessControlResource(inst *AccessControlInstance, res *Resource) error {
	if len(res.Values) == 0 && res.ID != accessControlACLResID {
		return ErrBadRequest
	}

	switch res.ID {
	case accessControlObjectResID:
		inst.TargetObject = uint16(res.Values[0].Int)
	case accessControlInstanceResID:
		inst.TargetInstance = uint16(res.Values[0].Int)
	case accessControlACLResID:
		acl := make([]ACLEntry, 0, len(res.Values))
		for _, v := range res.Values {
			acl = append(acl, ACLEntry{ServerID: v.ID, Rights: v.Int})
		}
		inst.ACL = acl
	case accessControlOwnerResID:
		inst.Owner = uint16(res.Values[0].Int)
	default:
		return ErrResourceNotFound
	}
	return nil
}

func applyAccessControlTLV(inst *AccessControlInstance, tlvs []TLV) error {
	for i := 0; i < len(tlvs); i++ {
		rec := &tlvs[i]

		switch rec.Type {
		case TLVResourceWithValue:
			v, err := rec.Value(ResourceInt)
			if err != nil {
				return err
			}
			res := &Resource{ID: rec.ID, Type: ResourceInt, Values: []ResourceValue{v}}
			if err := applyAccessControlResource(inst, res); err != nil {
				return err
			}
		case TLVMultipleResources:
			if rec.ID != accessControlACLResID {
				continue
			}
			res, err := DecodeResource(ResourceInt, tlvs[i:])
			if err != nil {
				return err
			}
			if err := applyAccessControlResource(inst, res); err != nil {
				return err
			}
			i += len(res.Values)
		}
	}
	return nil
}
