package lwm2m

import (
	"sort"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Notify tells the client that the given resources changed outside of a
// server-issued write, so observers can be notified. Paths name an object,
// an instance or a single resource, like "/3303/0/5700"; the configured
// path prefix is implied. Every observer of an affected path that is still
// authorized to read it receives exactly one notification per path.
func (c *Client) Notify(paths ...string) error {
	return c.do(func() error {
		if !c.running {
			return ErrNotStarted
		}

		affected := make(map[string]bool)
		for _, p := range paths {
			path, err := ParsePathString(p, "")
			if err != nil {
				return err
			}
			if !path.HasObject() {
				return NewPathError(path, ErrBadRequest)
			}
			c.collectObservedPaths(path, affected)
		}
		c.emitNotifications(affected)
		return nil
	})
}

// notifyMutation is the post-dispatch hook: a server-issued mutation at
// path wakes the observers of the object, of the instance when the
// mutation had instance scope, and of the resource on a resource write.
func (c *Client) notifyMutation(path Path) {
	affected := make(map[string]bool)
	c.collectObservedPaths(path, affected)
	c.emitNotifications(affected)
}

// collectObservedPaths expands a mutation path into the CoAP paths whose
// observers it affects, deduplicated across calls through the set.
func (c *Client) collectObservedPaths(path Path, affected map[string]bool) {
	if !path.HasObject() {
		return
	}
	obj := uint16(path.Object)
	affected[c.pathFor(obj)] = true

	if !path.HasInstance() {
		return
	}
	inst := uint16(path.Instance)
	affected[c.pathFor(obj, inst)] = true

	if path.HasResource() {
		affected[c.pathFor(obj, inst, uint16(path.Resource))] = true
	}
}

// emitNotifications fans the affected paths out to every enabled endpoint.
// Authorization is re-evaluated per observer at emission time, so a
// revoked ACL silences a standing observation.
func (c *Client) emitNotifications(affected map[string]bool) {
	paths := make([]string, 0, len(affected))
	for path := range affected {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		build := c.notificationBuilder(path)
		for _, ep := range c.endpoints {
			if ep.Observers(path) == 0 {
				continue
			}
			n, err := ep.Notify(path, build)
			if err != nil {
				c.log().Warn("notify failed", LogFields{
					LogFieldPath:  path,
					LogFieldError: err,
				})
				continue
			}
			if n > 0 {
				c.opts.metrics.Counter(MetricNotifications, nil).Add(float64(n))
				c.log().Debug("notifications emitted", LogFields{LogFieldPath: path})
			}
		}
	}
}

// notificationBuilder produces the per-observer notification payload by
// re-entering the read handler with the observer's server id. A read that
// no longer succeeds skips the observer.
func (c *Client) notificationBuilder(path string) NotifyBuilder {
	parsed, err := ParsePathString(path, c.opts.pathPrefix)
	if err != nil || !parsed.HasObject() {
		return func(string) *Packet { return nil }
	}

	return func(from string) *Packet {
		serverID, ok := c.serverIDForAddr(from)
		if !ok {
			return nil
		}

		code, payload := c.handleRead(parsed, serverID, !parsed.HasInstance())
		if code != codes.Content {
			return nil
		}

		pkt := NewPacket(codes.Content, message.NonConfirmable)
		pkt.Payload = payload
		pkt.SetFormat(ContentFormatTLV)
		return pkt
	}
}
