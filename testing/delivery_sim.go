package testing

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/apmls/delivery"
	"github.com/opd-ai/apmls/interfaces"
	"github.com/opd-ai/apmls/protocol"
)

// DeliveryRecord is one simulated delivery to one recipient.
type DeliveryRecord struct {
	From      string
	To        string
	Kind      string
	Size      int
	Timestamp int64
	Success   bool
	Error     error
}

// Stats summarizes a network's delivery log.
type Stats struct {
	ActorCount           int
	TotalDeliveries      int
	SuccessfulDeliveries int
	FailedDeliveries     int
	Pending              int
}

// SimulatedNetwork routes protocol messages between actors in memory.
// Each actor has an inbox of base64 envelope contents, the same strings a
// receiver would read from a messages collection.
type SimulatedNetwork struct {
	codec protocol.Codec

	mu          sync.RWMutex
	inboxes     map[string][]string
	deliveryLog []DeliveryRecord
	failures    map[string][]error
}

// NewSimulatedNetwork returns an empty network encoding with codec.
func NewSimulatedNetwork(codec protocol.Codec) *SimulatedNetwork {
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedNetwork",
	}).Debug("Creating simulated delivery network")

	return &SimulatedNetwork{
		codec:    codec,
		inboxes:  make(map[string][]string),
		failures: make(map[string][]error),
	}
}

// AddActor gives actor an inbox. Adding an actor twice keeps its inbox.
func (n *SimulatedNetwork) AddActor(actor string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[actor]; !ok {
		n.inboxes[actor] = nil
	}
}

// RemoveActor drops actor and anything waiting in its inbox.
func (n *SimulatedNetwork) RemoveActor(actor string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inboxes, actor)
}

// FailNext makes the next sends by actor return errs, in order.
func (n *SimulatedNetwork) FailNext(actor string, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[actor] = append(n.failures[actor], errs...)
}

// Delivery returns an interfaces.IDelivery that sends as actor.
func (n *SimulatedNetwork) Delivery(actor string) *SimulatedDelivery {
	n.AddActor(actor)
	return &SimulatedDelivery{network: n, actor: actor}
}

// Drain removes and returns everything waiting in actor's inbox, oldest
// first.
func (n *SimulatedNetwork) Drain(actor string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.inboxes[actor]
	if _, ok := n.inboxes[actor]; ok {
		n.inboxes[actor] = nil
	}
	return out
}

// Deliver drains actor's inbox into handler and returns the handler
// errors, one entry per failed envelope.
func (n *SimulatedNetwork) Deliver(ctx context.Context, actor string, handler interfaces.MessageHandler) []error {
	var errs []error
	for _, content := range n.Drain(actor) {
		if err := handler(ctx, content); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// GetDeliveryLog returns a copy of the delivery log.
func (n *SimulatedNetwork) GetDeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	log := make([]DeliveryRecord, len(n.deliveryLog))
	copy(log, n.deliveryLog)
	return log
}

// ClearDeliveryLog empties the delivery log.
func (n *SimulatedNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = nil
}

// GetStats summarizes the delivery log.
func (n *SimulatedNetwork) GetStats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats := Stats{ActorCount: len(n.inboxes), TotalDeliveries: len(n.deliveryLog)}
	for _, record := range n.deliveryLog {
		if record.Success {
			stats.SuccessfulDeliveries++
		} else {
			stats.FailedDeliveries++
		}
	}
	for _, inbox := range n.inboxes {
		stats.Pending += len(inbox)
	}
	return stats
}

func (n *SimulatedNetwork) send(from, kind string, recipients []string, msg protocol.Message) error {
	others := delivery.Recipients(from, recipients)
	if len(others) == 0 {
		return nil
	}

	payload, err := n.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	content := base64.StdEncoding.EncodeToString(payload)

	n.mu.Lock()
	defer n.mu.Unlock()

	if errs := n.failures[from]; len(errs) > 0 {
		n.failures[from] = errs[1:]
		for _, to := range others {
			n.record(from, to, kind, len(payload), errs[0])
		}
		return errs[0]
	}

	var missing []string
	for _, to := range others {
		if _, ok := n.inboxes[to]; !ok {
			missing = append(missing, to)
			n.record(from, to, kind, len(payload), fmt.Errorf("actor %s not found in simulation", to))
			continue
		}
		n.inboxes[to] = append(n.inboxes[to], content)
		n.record(from, to, kind, len(payload), nil)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SimulatedNetwork.send",
		"from":       from,
		"kind":       kind,
		"recipients": len(others),
		"missing":    len(missing),
	}).Debug("Simulated delivery")

	if len(missing) > 0 {
		return fmt.Errorf("actors not found in simulation: %v", missing)
	}
	return nil
}

func (n *SimulatedNetwork) record(from, to, kind string, size int, err error) {
	n.deliveryLog = append(n.deliveryLog, DeliveryRecord{
		From:      from,
		To:        to,
		Kind:      kind,
		Size:      size,
		Timestamp: time.Now().UnixNano(),
		Success:   err == nil,
		Error:     err,
	})
}

// SimulatedDelivery is one actor's view of a SimulatedNetwork.
type SimulatedDelivery struct {
	network *SimulatedNetwork
	actor   string
}

var _ interfaces.IDelivery = (*SimulatedDelivery)(nil)

// SendFramedMessage implements interfaces.IDelivery.
func (d *SimulatedDelivery) SendFramedMessage(ctx context.Context, recipients []string, msg protocol.Message) error {
	return d.network.send(d.actor, "framed", recipients, msg)
}

// SendPrivateMessage implements interfaces.IDelivery.
func (d *SimulatedDelivery) SendPrivateMessage(ctx context.Context, recipients []string, msg protocol.Message) error {
	return d.network.send(d.actor, "private", recipients, msg)
}

// SendGroupInfo implements interfaces.IDelivery.
func (d *SimulatedDelivery) SendGroupInfo(ctx context.Context, recipients []string, msg protocol.Message) error {
	return d.network.send(d.actor, "groupinfo", recipients, msg)
}

// SendWelcome implements interfaces.IDelivery.
func (d *SimulatedDelivery) SendWelcome(ctx context.Context, recipients []string, msg protocol.Message) error {
	return d.network.send(d.actor, "welcome", recipients, msg)
}

// IsSimulation reports that no network is involved.
func (d *SimulatedDelivery) IsSimulation() bool {
	return true
}
