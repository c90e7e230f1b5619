package lwm2m

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAuthzClient returns a client whose connection table holds two servers,
// so the single-server ACL bypass stays out of the way.
func newAuthzClient(t *testing.T, acos ...*AccessControlInstance) *Client {
	t.Helper()

	c, _ := newTestClient(t, coreObjects(testSensorObject()))
	require.NoError(t, c.do(func() error {
		c.conns = []*serverConn{
			{client: c, serverID: 101},
			{client: c, serverID: 102},
		}
		return nil
	}))
	for _, aco := range acos {
		_, err := c.AddObjectInstance(AccessControlObjectID, aco)
		require.NoError(t, err)
	}
	return c
}

func checkAuth(t *testing.T, c *Client, serverID uint16, objectID uint16, instanceID int32, rights int64) authResult {
	t.Helper()
	var result authResult
	require.NoError(t, c.do(func() error {
		var err error
		result, err = c.checkAuthorization(serverID, objectID, instanceID, rights)
		return err
	}))
	return result
}

func TestCheckAuthorizationSingleServerBypass(t *testing.T) {
	c, _ := newTestClient(t, coreObjects(testSensorObject()))
	require.NoError(t, c.do(func() error {
		c.conns = []*serverConn{{client: c, serverID: 101}}
		return nil
	}))

	assert.Equal(t, authAllowed, checkAuth(t, c, 101, testObjectID, 0, AclWrite))
}

func TestCheckAuthorizationBootstrapBypass(t *testing.T) {
	c := newAuthzClient(t)
	assert.Equal(t, authAllowed, checkAuth(t, c, BootstrapServerID, testObjectID, 0, AclDelete))
}

func TestCheckAuthorizationACLRows(t *testing.T) {
	tests := []struct {
		name     string
		acl      []ACLEntry
		owner    uint16
		serverID uint16
		rights   int64
		want     authResult
	}{
		{
			name:     "explicit grant",
			acl:      []ACLEntry{{ServerID: 101, Rights: AclRead | AclWrite}},
			owner:    102,
			serverID: 101,
			rights:   AclWrite,
			want:     authAllowed,
		},
		{
			name: "explicit row wins over default",
			acl: []ACLEntry{
				{ServerID: 101, Rights: AclRead},
				{ServerID: DefaultShortServerID, Rights: AclAll},
			},
			owner:    102,
			serverID: 101,
			rights:   AclWrite,
			want:     authDenied,
		},
		{
			name:     "default row grants",
			acl:      []ACLEntry{{ServerID: DefaultShortServerID, Rights: AclRead}},
			owner:    102,
			serverID: 101,
			rights:   AclRead,
			want:     authAllowed,
		},
		{
			name:     "owner without row holds full rights",
			acl:      []ACLEntry{{ServerID: 102, Rights: AclRead}},
			owner:    101,
			serverID: 101,
			rights:   AclDelete,
			want:     authAllowed,
		},
		{
			name:     "no row no default",
			acl:      []ACLEntry{{ServerID: 102, Rights: AclAll}},
			owner:    102,
			serverID: 101,
			rights:   AclRead,
			want:     authDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAuthzClient(t, &AccessControlInstance{
				TargetObject:   testObjectID,
				TargetInstance: 0,
				ACL:            tt.acl,
				Owner:          tt.owner,
			})
			assert.Equal(t, tt.want, checkAuth(t, c, tt.serverID, testObjectID, 0, tt.rights))
		})
	}
}

func TestCheckAuthorizationNoMatchingInstance(t *testing.T) {
	c := newAuthzClient(t, &AccessControlInstance{
		TargetObject:   testObjectID,
		TargetInstance: 5,
		ACL:            []ACLEntry{{ServerID: 101, Rights: AclAll}},
		Owner:          101,
	})

	assert.Equal(t, authNoACL, checkAuth(t, c, 101, testObjectID, 0, AclRead))
}

func TestCheckAuthorizationObserveOnObject(t *testing.T) {
	c := newAuthzClient(t,
		&AccessControlInstance{
			TargetObject:   testObjectID,
			TargetInstance: 0,
			ACL:            []ACLEntry{{ServerID: 102, Rights: AclAll}},
			Owner:          102,
		},
		&AccessControlInstance{
			TargetObject:   testObjectID,
			TargetInstance: 1,
			ACL:            []ACLEntry{{ServerID: 101, Rights: AclRead}},
			Owner:          102,
		},
	)

	// Any instance granting Read satisfies an object-level Observe.
	assert.Equal(t, authAllowed, checkAuth(t, c, 101, testObjectID, pathUnset, AclRead))

	// Servers with no grant anywhere are denied, not unanswered.
	assert.Equal(t, authDenied, checkAuth(t, c, 103, testObjectID, pathUnset, AclRead))
}

func TestCheckAuthorizationACOInstanceOwnership(t *testing.T) {
	c := newAuthzClient(t, &AccessControlInstance{
		TargetObject:   testObjectID,
		TargetInstance: 0,
		Owner:          101,
	})

	var acoID int32 = pathUnset
	require.NoError(t, c.do(func() error {
		insts := c.objectByID(AccessControlObjectID).liveInstances()
		if len(insts) > 0 {
			acoID = int32(insts[len(insts)-1].id)
		}
		return nil
	}))
	require.NotEqual(t, int32(pathUnset), acoID)

	assert.Equal(t, authAllowed, checkAuth(t, c, 101, AccessControlObjectID, acoID, AclWrite))
	assert.Equal(t, authDenied, checkAuth(t, c, 102, AccessControlObjectID, acoID, AclWrite))
	assert.Equal(t, authNoACL, checkAuth(t, c, 101, AccessControlObjectID, 4242, AclWrite))
}

func TestSetupAccessControlSkipsPrivilegedObjects(t *testing.T) {
	c, _ := newTestClient(t, coreObjects(testSensorObject()))

	require.NoError(t, c.do(func() error {
		if err := c.setupAccessControlForInstance(SecurityObjectID, 0, BootstrapServerID, nil, false); err != nil {
			return err
		}
		return c.setupAccessControlForInstance(AccessControlObjectID, 0, BootstrapServerID, nil, false)
	}))

	var count int
	require.NoError(t, c.do(func() error {
		count = len(c.objectByID(AccessControlObjectID).liveInstances())
		return nil
	}))
	assert.Zero(t, count)
}

func TestSetupAccessControlInstances(t *testing.T) {
	c, _ := newTestClient(t, coreObjects(testSensorObject()))
	seedServerAccount(t, c, 300)
	_, err := c.AddObjectInstance(testObjectID, &sensorState{})
	require.NoError(t, err)

	require.NoError(t, c.do(c.setupAccessControlInstances))

	type aco struct {
		target   uint16
		instance uint16
		owner    uint16
	}
	var got []aco
	require.NoError(t, c.do(func() error {
		acObj := c.objectByID(AccessControlObjectID)
		for _, inst := range acObj.liveInstances() {
			data := inst.data.(*AccessControlInstance)
			got = append(got, aco{data.TargetObject, data.TargetInstance, data.Owner})
		}
		return nil
	}))

	// One Create-gating instance per object plus one per live instance,
	// all owned by the client; Security, Server and Access Control are
	// exempt.
	assert.Contains(t, got, aco{testObjectID, BootstrapServerID, BootstrapServerID})
	assert.Contains(t, got, aco{testObjectID, 0, BootstrapServerID})
	for _, entry := range got {
		assert.NotEqual(t, SecurityObjectID, entry.target)
		assert.NotEqual(t, AccessControlObjectID, entry.target)
	}
}
