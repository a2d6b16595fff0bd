package peerscore

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// deliveryStatus is the state of a DeliveryRecord's message id.
type deliveryStatus int

const (
	// deliveryUnknown means validation hasn't finished yet.
	deliveryUnknown deliveryStatus = iota
	// deliveryValid means the message validated successfully.
	deliveryValid
	// deliveryInvalid means the message was rejected as invalid.
	deliveryInvalid
	// deliveryIgnored means a topic validator asked to drop the message
	// silently; no one is penalized for having forwarded it.
	deliveryIgnored
)

// deliveryRecord is the single source of truth for a message id: whether
// it has finished validation, when it was first seen, and which peers
// forwarded us a duplicate of it while it was still unvalidated or after it
// validated (peers sending it once it is invalid or ignored are not added).
type deliveryRecord struct {
	status    deliveryStatus
	firstSeen time.Time
	validated time.Time
	peers     map[peer.ID]struct{}
}

// deliveryEntry is a node in messageDeliveries' FIFO expiry queue.
type deliveryEntry struct {
	id     string
	expire time.Time
	next   *deliveryEntry
}

// messageDeliveries is a bounded map of DeliveryRecords plus an
// insertion-ordered FIFO queue for O(1) amortized expiry: since every
// record's expire time is firstSeen+retention and entries are pushed in
// firstSeen order, the queue is monotone and GC can always stop at the
// first unexpired entry.
type messageDeliveries struct {
	retention time.Duration
	clock     Clock

	records map[string]*deliveryRecord

	head, tail *deliveryEntry
}

func newMessageDeliveries(retention time.Duration, clock Clock) *messageDeliveries {
	return &messageDeliveries{
		retention: retention,
		clock:     clock,
		records:   make(map[string]*deliveryRecord),
	}
}

// ensureRecord returns the existing record for id, or creates one in the
// Unknown state and enqueues it for expiry GC.
func (d *messageDeliveries) ensureRecord(id string) *deliveryRecord {
	if rec, ok := d.records[id]; ok {
		return rec
	}

	now := d.clock.Now()
	rec := &deliveryRecord{peers: make(map[peer.ID]struct{}), firstSeen: now}
	d.records[id] = rec

	entry := &deliveryEntry{id: id, expire: now.Add(d.retention)}
	if d.tail != nil {
		d.tail.next = entry
	} else {
		d.head = entry
	}
	d.tail = entry

	return rec
}

// gc pops every record whose expiry has passed from the front of the
// queue.
func (d *messageDeliveries) gc() {
	now := d.clock.Now()
	for d.head != nil && !now.Before(d.head.expire) {
		delete(d.records, d.head.id)
		d.head = d.head.next
	}
	if d.head == nil {
		d.tail = nil
	}
}

// clear discards every tracked record.
func (d *messageDeliveries) clear() {
	d.records = make(map[string]*deliveryRecord)
	d.head, d.tail = nil, nil
}
