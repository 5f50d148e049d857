// Package group drives encrypted group conversations.
//
// A Session composes the protocol engine, the store, the directory and the
// delivery transport. Every operation that reads and rewrites the state of
// one group holds that group's lock from load to persist, so an inbound
// commit can never interleave with a local AddMembers or SendMessage on the
// same group. Operations on different groups run in parallel.
//
// # Outbound
//
//	session, err := group.New(group.Config{
//	    Actor:     "https://example.com/users/alice",
//	    Store:     st,
//	    Engine:    devmls.New(),
//	    Delivery:  d,
//	    Directory: dir,
//	})
//	g, err := session.CreateGroup(ctx)
//	err = session.AddMembers(ctx, g.ID, []string{"https://example.com/users/bob"})
//	msg, err := session.SendMessage(ctx, g.ID, "hi")
//
// Local state is committed before anything is delivered. A delivery failure
// is returned wrapped in ErrDelivery and the group keeps its new state; the
// remote members simply have not heard about it yet.
//
// # Inbound
//
// OnEnvelope is the handler for receiver.Receiver. It decodes one base64
// payload and dispatches it by wire format:
//
//   - welcome: join the group and persist it with the engine's membership
//   - private message: advance the group state, and for application
//     messages store the decrypted note
//   - key package, group info and public message: logged only
//
// Envelopes are remembered by the SHA-256 digest of their payload once they
// have changed local state, so polling the same collection again is
// harmless.
package group
