package lwm2m

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityModeString(t *testing.T) {
	assert.Equal(t, "psk", SecurityModePSK.String())
	assert.Equal(t, "rpk", SecurityModeRPK.String())
	assert.Equal(t, "certificate", SecurityModeCertificate.String())
	assert.Equal(t, "nosec", SecurityModeNoSec.String())
	assert.Equal(t, "unknown", SecurityMode(9).String())
}

func TestParseBindingMode(t *testing.T) {
	assert.NoError(t, parseBindingMode("U"))
	for _, binding := range []string{"UQ", "S", "SQ", "US", "UQS", "x", ""} {
		assert.ErrorIs(t, parseBindingMode(binding), ErrUnknownBinding, binding)
	}
}

func TestSecurityObjectRoundTrip(t *testing.T) {
	def := NewSecurityObject()
	inst := &SecurityInstance{
		ServerURI:           "coaps://server:5684",
		Mode:                SecurityModePSK,
		PublicKeyOrIdentity: []byte("identity"),
		SecretKey:           []byte{0x01, 0x02},
		ShortServerID:       42,
		ClientHoldOffTime:   10,
	}
	ctx := ObjectContext{InstanceData: inst}

	res, err := def.Read(ctx, securityServerURIResID)
	require.NoError(t, err)
	assert.Equal(t, "coaps://server:5684", string(res.Values[0].Bytes))

	res, err = def.Read(ctx, securityModeResID)
	require.NoError(t, err)
	assert.Equal(t, int64(SecurityModePSK), res.Values[0].Int)

	require.NoError(t, def.WriteResource(ctx, NewIntResource(securityShortServerIDResID, 77)))
	assert.Equal(t, uint16(77), inst.ShortServerID)

	_, err = def.Read(ctx, securityResourceCount)
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestSecurityObjectCreateFromTLV(t *testing.T) {
	def := NewSecurityObject()

	encoded, err := EncodeResources([]*Resource{
		NewStringResource(securityServerURIResID, "coap://host:5683"),
		NewBoolResource(securityIsBootstrapResID, true),
		NewIntResource(securityModeResID, int64(SecurityModeNoSec)),
		NewIntResource(securityClientHoldOffTimeResID, 30),
	})
	require.NoError(t, err)
	tlvs, err := ParseTLV(encoded)
	require.NoError(t, err)

	data, err := def.Create(ObjectContext{}, tlvs)
	require.NoError(t, err)

	inst := data.(*SecurityInstance)
	assert.Equal(t, "coap://host:5683", inst.ServerURI)
	assert.True(t, inst.IsBootstrap)
	assert.Equal(t, SecurityModeNoSec, inst.Mode)
	assert.Equal(t, int64(30), inst.ClientHoldOffTime)
}

func TestServerObjectRoundTrip(t *testing.T) {
	def := NewServerObject()
	inst := &ServerInstance{ShortServerID: 7, Lifetime: 60, Binding: "U"}
	ctx := ObjectContext{InstanceData: inst}

	res, err := def.Read(ctx, serverLifetimeResID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Values[0].Int)

	require.NoError(t, def.WriteResource(ctx, NewIntResource(serverLifetimeResID, 90)))
	assert.Equal(t, int64(90), inst.Lifetime)

	res, err = def.Read(ctx, serverBindingResID)
	require.NoError(t, err)
	assert.Equal(t, "U", string(res.Values[0].Bytes))
}

func TestAccessControlObjectRoundTrip(t *testing.T) {
	def := NewAccessControlObject()
	inst := &AccessControlInstance{
		TargetObject:   3303,
		TargetInstance: 0,
		ACL: []ACLEntry{
			{ServerID: 101, Rights: AclRead | AclWrite},
			{ServerID: DefaultShortServerID, Rights: AclRead},
		},
		Owner: 101,
	}
	ctx := ObjectContext{InstanceData: inst}

	res, err := def.Read(ctx, accessControlACLResID)
	require.NoError(t, err)
	require.True(t, res.Multiple)
	require.Len(t, res.Values, 2)
	assert.Equal(t, uint16(101), res.Values[0].ID)
	assert.Equal(t, AclRead|AclWrite, res.Values[0].Int)

	res, err = def.Read(ctx, accessControlOwnerResID)
	require.NoError(t, err)
	assert.Equal(t, int64(101), res.Values[0].Int)

	// Round trip through TLV keeps the table.
	encoded, err := EncodeResources([]*Resource{
		NewIntResource(accessControlObjectResID, 3303),
		NewIntResource(accessControlInstanceResID, 0),
		NewMultiResource(accessControlACLResID, ResourceInt,
			IntValue(102, AclExecute),
		),
		NewIntResource(accessControlOwnerResID, 102),
	})
	require.NoError(t, err)
	tlvs, err := ParseTLV(encoded)
	require.NoError(t, err)

	data, err := def.Create(ObjectContext{}, tlvs)
	require.NoError(t, err)
	created := data.(*AccessControlInstance)
	assert.Equal(t, uint16(3303), created.TargetObject)
	require.Len(t, created.ACL, 1)
	assert.Equal(t, uint16(102), created.ACL[0].ServerID)
	assert.Equal(t, AclExecute, created.ACL[0].Rights)
	assert.Equal(t, uint16(102), created.Owner)
}
