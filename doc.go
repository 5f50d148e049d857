// Package apmls is an end-to-end-encrypted group messaging client that
// carries its messages over an ActivityPub server.
//
// Each local user is an ActivityPub actor. Group messages are sealed by a
// secure group messaging engine, base64 encoded and posted to the actor's
// outbox inside a Create activity. Incoming messages are read from the
// actor's mls:messages collection, either when the server pushes an event
// or on a poll.
//
// # Getting Started
//
// Build a client for an actor, publish its key package and start receiving:
//
//	options := apmls.NewOptions()
//	options.ActorID = "https://example.com/users/alice"
//	options.Token = token
//	options.StoreDriver = config.DriverBolt
//	options.StorePath = "alice.db"
//
//	client, err := apmls.New(ctx, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if _, err := client.PublishKeyPackage(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Groups
//
// Group operations come from the embedded [group.Session]:
//
//	g, err := client.CreateGroup(ctx)
//	err = client.AddMembers(ctx, g.ID, []string{"https://example.com/users/bob"})
//	msg, err := client.SendMessage(ctx, g.ID, "hello")
//
// AddMembers resolves the new members' published key packages, commits the
// change locally and then sends a welcome to the new members and the commit
// to the existing ones. Local state is kept when delivery fails; the error
// wraps [group.ErrDelivery].
//
// # Receiving
//
// Start checks the messages collection once. When it advertises an
// sse:eventStream the client subscribes and polls on every event; otherwise
// it polls once and relies on Options.PollInterval or explicit [Client.Poll]
// calls. Every envelope goes through [group.Session.OnEnvelope], which
// ignores content it has already ingested.
//
// Use [Client.OnChange] to be told when groups or messages change.
//
// # Storage
//
// Options.StoreDriver selects an in-memory store, a bbolt file
// (optionally sealed with a passphrase) or a sqlite database through gorm.
// A caller-supplied Options.Store takes precedence and is left open by
// [Client.Close].
//
// # Engines
//
// Options.Engine defaults to [devmls], a development engine with the right
// message flow and no real security. Production deployments must supply a
// real MLS implementation of [protocol.Engine].
package apmls
