// Package interfaces defines the transport capabilities the group session
// depends on.
//
// # Core Interfaces
//
// [IDelivery] wraps protocol messages in Create activities and posts them to
// the local actor's outbox:
//
//	d := delivery.New(actorID, outboxURL, engine, client, cfg)
//	err := d.SendWelcome(ctx, []string{"https://b.example/bob"}, welcome)
//	if err != nil {
//	    log.Printf("welcome not delivered: %v", err)
//	}
//
// Every IDelivery method drops the local actor from recipients and makes no
// request at all if nobody is left.
//
// [IDirectory] resolves actors to the key packages they published in their
// keyPackages collection, and publishes the local one.
//
// [IReceiver] retrieves envelopes from the actor's messages collection and
// hands each content string to one [MessageHandler]. Registration is single
// slot: the last handler registered receives everything.
//
// # Configuration
//
// [DeliveryConfig] tunes timeouts and retries:
//
//	cfg := interfaces.DefaultDeliveryConfig()
//	cfg.RetryAttempts = 5
//	if err := cfg.Validate(); err != nil {
//	    log.Fatalf("invalid config: %v", err)
//	}
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package interfaces
