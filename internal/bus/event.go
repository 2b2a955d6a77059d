package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace
// prefix, e.g. "rt." for everything inbound from the transport.
const (
	// Inbound transport events.
	KindInboundMessage = "rt.message"
	KindReaction       = "rt.reaction"
	KindUnsend         = "rt.unsend"
	KindPresence       = "rt.presence"
	KindReadReceipt    = "rt.read_receipt"

	// Transport connection transitions.
	KindConnUp     = "conn.up"
	KindConnDown   = "conn.down"
	KindConnFailed = "conn.failed" // retries exhausted, explicit retry required

	// Reconciliation engine outputs.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendFailed = "message.send_failed"
	KindMessageMutated    = "message.mutated" // reaction or unsend applied

	// Roster aggregator output.
	KindRosterUpdated = "roster.updated"

	// Session lifecycle.
	KindStatusChanged = "session.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
