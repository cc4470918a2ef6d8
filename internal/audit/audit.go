// Package audit provides an optional, non-authoritative record of critical
// section grants and releases. It never participates in the mutual
// exclusion decision itself (spec.md §6: the audit trail observes, it does
// not arbitrate) — a failed or slow write here must never block or deny a
// grant. Grounded on the teacher's mongo-driver seat-reservation
// persistence in 03-lock-distribuido/server/main.go, repurposed from
// "source of truth" to "observability sink".
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Event is one grant or release record.
type Event struct {
	Peer      string        `bson:"peer"`
	Kind      string        `bson:"kind"` // "grant" or "release"
	At        time.Time     `bson:"at"`
	Timestamp uint64        `bson:"request_timestamp,omitempty"`
	Waited    time.Duration `bson:"waited_ms,omitempty"`
	HeldFor   time.Duration `bson:"held_for_ms,omitempty"`
}

// Sink is implemented by both the no-op and Mongo auditors; it satisfies
// cs.Auditor.
type Sink interface {
	RecordGrant(peer string, requestTimestamp uint64, waited time.Duration)
	RecordRelease(peer string, held time.Duration)
}

// Noop discards every event. Used when no AUDIT_MONGO_URI is configured.
type Noop struct{}

func (Noop) RecordGrant(string, uint64, time.Duration) {}
func (Noop) RecordRelease(string, time.Duration)        {}

// Mongo writes events to a capped-free collection, best-effort, with a
// short per-write timeout so a database outage can never stall a peer's
// critical-section path.
type Mongo struct {
	col     *mongo.Collection
	log     logrus.FieldLogger
	timeout time.Duration
}

// Dial connects to uri and returns a Mongo sink writing to
// db.critical_section_events.
func Dial(ctx context.Context, uri, db string, log logrus.FieldLogger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &Mongo{
		col:     client.Database(db).Collection("critical_section_events"),
		log:     log,
		timeout: 2 * time.Second,
	}, nil
}

func (m *Mongo) RecordGrant(peer string, requestTimestamp uint64, waited time.Duration) {
	m.insert(Event{Peer: peer, Kind: "grant", At: time.Now(), Timestamp: requestTimestamp, Waited: waited})
}

func (m *Mongo) RecordRelease(peer string, held time.Duration) {
	m.insert(Event{Peer: peer, Kind: "release", At: time.Now(), HeldFor: held})
}

func (m *Mongo) insert(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	doc := bson.M{
		"peer": e.Peer,
		"kind": e.Kind,
		"at":   e.At,
	}
	if e.Timestamp > 0 {
		doc["request_timestamp"] = e.Timestamp
	}
	if e.Waited > 0 {
		doc["waited_ms"] = e.Waited.Milliseconds()
	}
	if e.HeldFor > 0 {
		doc["held_for_ms"] = e.HeldFor.Milliseconds()
	}
	if _, err := m.col.InsertOne(ctx, doc); err != nil {
		m.log.WithError(err).Warn("audit: failed to record event, continuing unaudited")
	}
}
