// Package testing provides an in-memory delivery network for exercising
// group sessions without an ActivityPub server.
//
// # Overview
//
// A SimulatedNetwork holds one inbox per actor. Each actor gets an
// interfaces.IDelivery from Delivery; messages it sends are encoded with
// the network's codec, base64 encoded and appended to the recipients'
// inboxes. Tests decide when and in what order inboxes are drained, which
// makes reordering and loss easy to stage:
//
//	net := testsim.NewSimulatedNetwork(engine)
//	alice, _ := group.New(group.Config{Actor: "alice", Delivery: net.Delivery("alice"), ...})
//	bob, _ := group.New(group.Config{Actor: "bob", Delivery: net.Delivery("bob"), ...})
//
//	// ... alice adds bob and sends ...
//	errs := net.Deliver(ctx, "bob", bob.OnEnvelope)
//
// # Delivery Logs
//
// Every send is logged per recipient. A DeliveryRecord holds:
//
//   - From and To: the sending and receiving actors
//   - Kind: framed, private, groupinfo or welcome
//   - Size: encoded payload size in bytes
//   - Timestamp: Unix nanoseconds when delivery occurred
//   - Success and Error: the outcome
//
// Sends to an actor the network does not know fail like a 404 from a real
// server. FailNext injects errors for the next sends of one actor.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package testing
