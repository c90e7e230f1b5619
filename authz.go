package lwm2m

import "math"

// Access Control Object rights bits.
const (
	// AclNone grants nothing.
	AclNone int64 = 0
	// AclRead grants Read and Observe.
	AclRead int64 = 1
	// AclWrite grants Write.
	AclWrite int64 = 2
	// AclExecute grants Execute.
	AclExecute int64 = 4
	// AclDelete grants Delete.
	AclDelete int64 = 8
	// AclCreate grants Create.
	AclCreate int64 = 16
	// AclAll grants every right.
	AclAll = AclRead | AclWrite | AclExecute | AclDelete | AclCreate
)

// Well-known short server ids.
const (
	// DefaultShortServerID keys the default ACL entry.
	DefaultShortServerID uint16 = 0

	// BootstrapServerID denotes the Bootstrap Server or the client
	// itself; it holds full rights everywhere.
	BootstrapServerID uint16 = math.MaxUint16
)

// authResult is the outcome of an Access Control evaluation.
type authResult int

const (
	authDenied authResult = iota
	authAllowed
	authNoACL
)

// checkAuthorization evaluates the Access Control Object table for one
// server and one required-rights mask. instanceID of -1 with AclRead
// required marks an Observe on object level, which matches any ACO instance
// of the object. The evaluation only reads the ACO table; same inputs give
// the same answer.
func (c *Client) checkAuthorization(serverID uint16, objectID uint16, instanceID int32, rights int64) (authResult, error) {
	// A single-server deployment and the Bootstrap Server bypass ACLs.
	if len(c.conns) == 1 || serverID == BootstrapServerID {
		return authAllowed, nil
	}

	acObj := c.objectByID(AccessControlObjectID)
	if acObj == nil {
		return authAllowed, nil
	}

	// An ACO instance itself may only be touched by its owner.
	if objectID == AccessControlObjectID {
		for _, inst := range acObj.liveInstances() {
			if int32(inst.id) != instanceID {
				continue
			}
			res, err := c.readResources(acObj, inst, accessControlOwnerResID)
			if err != nil {
				return authDenied, err
			}
			if res[0].Values[0].Int == int64(serverID) {
				return authAllowed, nil
			}
			return authDenied, nil
		}
		return authNoACL, nil
	}

	observeOnObject := instanceID == pathUnset && rights&AclRead != 0

	for _, inst := range acObj.liveInstances() {
		res, err := c.readResources(acObj, inst,
			accessControlObjectResID, accessControlInstanceResID)
		if err != nil {
			return authDenied, err
		}

		targetObject := res[0].Values[0].Int
		targetInstance := res[1].Values[0].Int
		if targetObject != int64(objectID) {
			continue
		}
		if targetInstance != int64(instanceID) && !observeOnObject {
			continue
		}

		res, err = c.readResources(acObj, inst,
			accessControlACLResID, accessControlOwnerResID)
		if err != nil {
			return authDenied, err
		}

		defaultACL := AclNone
		matched := false
		granted := false
		for _, entry := range res[0].Values {
			if entry.ID == serverID {
				matched = true
				granted = entry.Int&rights != 0
				break
			}
			if entry.ID == DefaultShortServerID {
				defaultACL = entry.Int
			}
		}

		switch {
		case matched:
			if granted {
				return authAllowed, nil
			}
		case res[1].Values[0].Int == int64(serverID):
			// The owner holds full rights when it has no explicit
			// ACL entry.
			return authAllowed, nil
		case defaultACL&rights != 0:
			return authAllowed, nil
		}

		// An Observe on object level keeps scanning; any instance
		// granting Read is enough.
		if !observeOnObject {
			return authDenied, nil
		}
	}

	// Observe on object level with no grant answers 4.01, not 4.04.
	if observeOnObject {
		return authDenied, nil
	}

	return authNoACL, nil
}

// aclEntry is one server_id to rights-mask row of an ACL resource.
type aclEntry struct {
	serverID uint16
	rights   int64
}

// setupAccessControlForInstance creates the ACO instance covering one
// object instance. Security and Access Control instances are owned by the
// client and never get one.
func (c *Client) setupAccessControlForInstance(targetObject, targetInstance uint16, owner uint16, acl []aclEntry, register bool) error {
	if targetObject == SecurityObjectID || targetObject == AccessControlObjectID {
		return nil
	}

	acObj := c.objectByID(AccessControlObjectID)
	if acObj == nil {
		return nil
	}

	resources := []*Resource{
		NewIntResource(accessControlObjectResID, int64(targetObject)),
		NewIntResource(accessControlInstanceResID, int64(targetInstance)),
	}
	if len(acl) > 0 {
		values := make([]ResourceValue, 0, len(acl))
		for _, entry := range acl {
			values = append(values, IntValue(entry.serverID, entry.rights))
		}
		resources = append(resources, NewMultiResource(accessControlACLResID, ResourceInt, values...))
	}
	resources = append(resources, NewIntResource(accessControlOwnerResID, int64(owner)))

	encoded, err := EncodeResources(resources)
	if err != nil {
		return err
	}
	tlvs, err := ParseTLV(encoded)
	if err != nil {
		return err
	}

	_, err = c.createInstance(acObj, pathUnset, tlvs, BootstrapServerID, register)
	return err
}

// setupAccessControlInstances rebuilds the factory Access Control table:
// one ACO instance per non-privileged object, with a Create-grant row per
// known server, plus one per live object instance owned by the client.
func (c *Client) setupAccessControlInstances() error {
	if c.objectByID(AccessControlObjectID) == nil {
		return nil
	}

	var createACL []aclEntry

	serverObj := c.objectByID(ServerObjectID)
	if serverObj != nil && len(serverObj.liveInstances()) > 0 {
		for _, inst := range serverObj.liveInstances() {
			res, err := c.readResources(serverObj, inst, serverShortIDResID)
			if err != nil {
				return err
			}
			createACL = append(createACL, aclEntry{
				serverID: uint16(res[0].Values[0].Int),
				rights:   AclCreate,
			})
		}
	} else {
		// Without Server instances there is no way to tell which
		// server may instantiate which object, so every server may
		// instantiate every object.
		createACL = append(createACL, aclEntry{serverID: DefaultShortServerID, rights: AclCreate})
	}

	for _, obj := range c.sortedObjects() {
		id := obj.def.ID
		if id == SecurityObjectID || id == ServerObjectID || id == AccessControlObjectID {
			continue
		}
		if err := c.setupAccessControlForInstance(id, BootstrapServerID, BootstrapServerID, createACL, false); err != nil {
			return err
		}
		for _, inst := range obj.liveInstances() {
			if err := c.setupAccessControlForInstance(id, inst.id, BootstrapServerID, nil, false); err != nil {
				return err
			}
		}
	}

	return nil
}

// removeAccessControlFor drops the ACO instance targeting one object
// instance when the requesting server owns it.
func (c *Client) removeAccessControlFor(targetObject, targetInstance uint16, serverID uint16) {
	acObj := c.objectByID(AccessControlObjectID)
	if acObj == nil {
		return
	}

	for _, inst := range acObj.liveInstances() {
		res, err := c.readResources(acObj, inst,
			accessControlObjectResID, accessControlInstanceResID, accessControlOwnerResID)
		if err != nil {
			continue
		}
		if res[0].Values[0].Int != int64(targetObject) ||
			res[1].Values[0].Int != int64(targetInstance) {
			continue
		}
		owner := res[2].Values[0].Int
		if owner != int64(serverID) && serverID != BootstrapServerID {
			continue
		}
		c.deleteInstance(acObj, inst, BootstrapServerID)
		return
	}
}
