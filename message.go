package peerscore

import "github.com/libp2p/go-libp2p/core/peer"

// Message is the slice of an inbound pubsub message the scoring core
// actually needs. The overlay's wire format, payload, and signature are
// none of this package's business; it only cares who relayed the message
// and which topics it was published to.
type Message struct {
	// ReceivedFrom is the peer that handed us this copy of the message.
	ReceivedFrom peer.ID
	// Topics is the set of topic ids the message was published to.
	Topics []string
}

// RejectReason is the bit-exact reason string the overlay's validation
// pipeline passes to RejectMessage.
type RejectReason string

const (
	// RejectMissingSignature is returned when a message that was expected
	// to carry a signature did not.
	RejectMissingSignature RejectReason = "ERR_MISSING_SIGNATURE"
	// RejectInvalidSignature is returned when a message's signature did
	// not verify.
	RejectInvalidSignature RejectReason = "ERR_INVALID_SIGNATURE"
	// RejectValidationIgnore is returned when a topic validator asked for
	// the message to be dropped silently, without penalizing anyone.
	RejectValidationIgnore RejectReason = "ERR_TOPIC_VALIDATOR_IGNORE"
	// RejectValidationReject is returned when a topic validator rejected
	// the message outright.
	RejectValidationReject RejectReason = "ERR_TOPIC_VALIDATOR_REJECT"
)
