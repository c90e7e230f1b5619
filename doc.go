// Package lwm2m implements the device side of the OMA Lightweight M2M
// protocol: an LWM2M Client that registers with LWM2M Servers over CoAP
// (plain UDP or DTLS), exposes a tree of Objects, Instances and Resources,
// answers Management and Bootstrap requests, and pushes Observe
// notifications when watched resources change.
//
// This package implements the OMA LightweightM2M v1.0 Technical
// Specification (OMA-TS-LightweightM2M-V1_0_2-20180209-A).
//
// # Features
//
//   - Full Management interface: Read, Write (replace and partial update),
//     Execute, Create, Delete, Observe
//   - LWM2M binary TLV content format
//   - Built-in Security (0), Server (1) and Access Control (2) objects
//   - Access Control Object evaluation for multi-server deployments
//   - Registration lifecycle with lifetime renewal and address fail-over
//   - Client-initiated and server-initiated Bootstrap
//   - NoSec, DTLS-PSK and DTLS-RPK transports, fanned out per the
//     Security object
//
// # Objects
//
// Application objects are described by an ObjectDef carrying the object id
// and the operation callbacks the object supports. A callback left nil means
// the corresponding operation answers 4.05 Method Not Allowed:
//
//	location := &lwm2m.ObjectDef{
//	    ID:            3345,
//	    ResourceCount: 2,
//	    Read: func(ctx lwm2m.ObjectContext, res uint16) (*lwm2m.Resource, error) {
//	        switch res {
//	        case 0:
//	            return lwm2m.NewFloatResource(0, latitude), nil
//	        case 1:
//	            return lwm2m.NewFloatResource(1, longitude), nil
//	        }
//	        return nil, lwm2m.ErrResourceNotFound
//	    },
//	}
//
// # Client
//
// A client is created from an endpoint name and its object definitions, then
// seeded with Security and Server instances before Start:
//
//	client, err := lwm2m.New("urn:imei:600000", []*lwm2m.ObjectDef{location},
//	    lwm2m.WithLogger(lwm2m.NewStdLogger(os.Stderr, lwm2m.LogLevelInfo)),
//	)
//	client.AddSecurityInstance(lwm2m.SecurityInstance{
//	    ServerURI: "coap://leshan.example:5683",
//	    ShortServerID: 101,
//	})
//	client.AddServerInstance(lwm2m.ServerInstance{ShortServerID: 101, Lifetime: 120})
//	err = client.Start()
//
// Start is asynchronous: it resolves the configured server URIs, registers
// with every non-bootstrap server and keeps the registrations alive until
// Stop. If no non-bootstrap server is configured the client enters bootstrap
// mode instead and waits for, or solicits, a Bootstrap sequence.
//
// # Notifications
//
// When a resource changes outside of a server-initiated write, the
// application tells the client which paths changed:
//
//	client.Notify("/3345/0/1")
//
// Every server observing an affected path, and still authorized to read it,
// receives exactly one notification per path.
//
// # Logging and metrics
//
// The package logs through the Logger interface (NewStdLogger for a
// ready-made implementation, NoOpLogger by default) and counts protocol
// events through the Metrics interface (NewMemoryMetrics for tests).
package lwm2m
