package peerscore

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerScoreParams is the validated configuration bundle for the peer score
// engine: global weights, per-topic weights, decay interval, caps,
// thresholds, and retention.
type PeerScoreParams struct {
	// Topics carries the per-topic score parameters. A topic absent from
	// this map is not scored: ingest hooks that only reference it create
	// no TopicStats for it.
	Topics map[string]*TopicScoreParams

	// TopicScoreCap clamps the summed topic-score contribution before the
	// application-specific, IP-colocation, and behaviour-penalty terms are
	// added. Zero disables the cap.
	TopicScoreCap float64

	// AppSpecificScore lets the overlay mix in an arbitrary opinion about a
	// peer (allowlists, denylists, reputation carried over from elsewhere).
	AppSpecificScore  func(p peer.ID) float64
	AppSpecificWeight float64

	// IPColocationFactorWeight and IPColocationFactorThreshold punish
	// clusters of peers sharing the same observed IP, a common Sybil
	// pattern. The weight must be <= 0.
	IPColocationFactorWeight    float64
	IPColocationFactorThreshold int
	// IPColocationFactorWhitelist exempts known-legitimate shared egress
	// points (relays, NAT gateways) from the colocation penalty.
	IPColocationFactorWhitelist []*net.IPNet

	// BehaviourPenaltyWeight, BehaviourPenaltyThreshold, and
	// BehaviourPenaltyDecay control the generic misbehavior counter fed by
	// AddPenalty. The weight must be <= 0.
	BehaviourPenaltyWeight    float64
	BehaviourPenaltyThreshold float64
	BehaviourPenaltyDecay     float64

	// DecayInterval is the period of the background decay tick.
	DecayInterval time.Duration
	// DecayToZero is the counter value below which decay clamps to 0.
	DecayToZero float64

	// RetainScore is how long a disconnected peer's (necessarily
	// non-positive) score is remembered before the peer is forgotten.
	RetainScore time.Duration
}

// TopicScoreParams is the validated per-topic configuration: the weight
// given to each of the four delivery-based counters plus time-in-mesh.
type TopicScoreParams struct {
	// TopicWeight scales this topic's whole contribution to the peer's
	// total score. Must be >= 0.
	TopicWeight float64

	// TimeInMeshWeight, TimeInMeshQuantum, and TimeInMeshCap score the
	// duration a peer has spent grafted into the mesh. Weight must be >= 0.
	TimeInMeshWeight  float64
	TimeInMeshQuantum time.Duration
	TimeInMeshCap     float64

	// FirstMessageDeliveriesWeight, ...Decay, and ...Cap score the number
	// of messages this peer was the first to deliver. Weight must be >= 0.
	FirstMessageDeliveriesWeight float64
	FirstMessageDeliveriesDecay  float64
	FirstMessageDeliveriesCap    float64

	// MeshMessageDeliveries* penalize a mesh peer that isn't pulling its
	// weight relaying messages quickly. Weight must be <= 0.
	MeshMessageDeliveriesWeight     float64
	MeshMessageDeliveriesDecay      float64
	MeshMessageDeliveriesCap        float64
	MeshMessageDeliveriesThreshold  float64
	MeshMessageDeliveriesWindow     time.Duration
	MeshMessageDeliveriesActivation time.Duration

	// MeshFailurePenaltyWeight and ...Decay apply a sticky penalty when a
	// peer is pruned or removed while already under-delivering. Weight
	// must be <= 0.
	MeshFailurePenaltyWeight float64
	MeshFailurePenaltyDecay  float64

	// InvalidMessageDeliveriesWeight and ...Decay penalize a peer that
	// forwards invalid messages. Weight must be <= 0; Decay must lie in
	// (0,1) even when the weight is 0.
	InvalidMessageDeliveriesWeight float64
	InvalidMessageDeliveriesDecay  float64
}

// validate checks p's bounds, returning an InvalidParams-class error built
// the same way the overlay's own configuration layer does: a plain,
// descriptive fmt.Errorf, not a sentinel error hierarchy.
func (p *PeerScoreParams) validate() error {
	for topic, params := range p.Topics {
		if err := params.validate(); err != nil {
			return fmt.Errorf("invalid score parameters for topic %s: %w", topic, err)
		}
	}

	if p.TopicScoreCap < 0 || isInvalidNumber(p.TopicScoreCap) {
		return fmt.Errorf("invalid TopicScoreCap; must be positive (or 0 for no cap) and a valid number")
	}

	if p.AppSpecificScore == nil {
		return fmt.Errorf("missing application specific score function")
	}

	if p.IPColocationFactorWeight > 0 || isInvalidNumber(p.IPColocationFactorWeight) {
		return fmt.Errorf("invalid IPColocationFactorWeight; must be negative (or 0 to disable) and a valid number")
	}
	if p.IPColocationFactorWeight != 0 && p.IPColocationFactorThreshold < 1 {
		return fmt.Errorf("invalid IPColocationFactorThreshold; must be at least 1")
	}

	if p.BehaviourPenaltyWeight > 0 || isInvalidNumber(p.BehaviourPenaltyWeight) {
		return fmt.Errorf("invalid BehaviourPenaltyWeight; must be negative (or 0 to disable) and a valid number")
	}
	if p.BehaviourPenaltyWeight != 0 && (p.BehaviourPenaltyDecay <= 0 || p.BehaviourPenaltyDecay >= 1 || isInvalidNumber(p.BehaviourPenaltyDecay)) {
		return fmt.Errorf("invalid BehaviourPenaltyDecay; must be between 0 and 1")
	}
	if p.BehaviourPenaltyThreshold < 0 || isInvalidNumber(p.BehaviourPenaltyThreshold) {
		return fmt.Errorf("invalid BehaviourPenaltyThreshold; must be >= 0 and a valid number")
	}

	if p.DecayInterval < time.Second {
		return fmt.Errorf("invalid DecayInterval; must be at least 1s")
	}
	if p.DecayToZero <= 0 || p.DecayToZero >= 1 || isInvalidNumber(p.DecayToZero) {
		return fmt.Errorf("invalid DecayToZero; must be between 0 and 1")
	}

	// a RetainScore of 0 simply means we don't retain scores; nothing to check.
	return nil
}

func (p *TopicScoreParams) validate() error {
	if p.TopicWeight < 0 || isInvalidNumber(p.TopicWeight) {
		return fmt.Errorf("invalid topic weight; must be >= 0 and a valid number")
	}

	if p.TimeInMeshWeight < 0 || isInvalidNumber(p.TimeInMeshWeight) {
		return fmt.Errorf("invalid TimeInMeshWeight; must be positive (or 0 to disable) and a valid number")
	}
	if p.TimeInMeshWeight != 0 && p.TimeInMeshQuantum <= 0 {
		return fmt.Errorf("invalid TimeInMeshQuantum; must be positive")
	}
	if p.TimeInMeshWeight != 0 && (p.TimeInMeshCap <= 0 || isInvalidNumber(p.TimeInMeshCap)) {
		return fmt.Errorf("invalid TimeInMeshCap; must be positive and a valid number")
	}

	if p.FirstMessageDeliveriesWeight < 0 || isInvalidNumber(p.FirstMessageDeliveriesWeight) {
		return fmt.Errorf("invalid FirstMessageDeliveriesWeight; must be positive (or 0 to disable) and a valid number")
	}
	if p.FirstMessageDeliveriesWeight != 0 && (p.FirstMessageDeliveriesDecay <= 0 || p.FirstMessageDeliveriesDecay >= 1 || isInvalidNumber(p.FirstMessageDeliveriesDecay)) {
		return fmt.Errorf("invalid FirstMessageDeliveriesDecay; must be between 0 and 1")
	}
	if p.FirstMessageDeliveriesWeight != 0 && (p.FirstMessageDeliveriesCap <= 0 || isInvalidNumber(p.FirstMessageDeliveriesCap)) {
		return fmt.Errorf("invalid FirstMessageDeliveriesCap; must be positive and a valid number")
	}

	if p.MeshMessageDeliveriesWeight > 0 || isInvalidNumber(p.MeshMessageDeliveriesWeight) {
		return fmt.Errorf("invalid MeshMessageDeliveriesWeight; must be negative (or 0 to disable) and a valid number")
	}
	if p.MeshMessageDeliveriesWeight != 0 && (p.MeshMessageDeliveriesDecay <= 0 || p.MeshMessageDeliveriesDecay >= 1 || isInvalidNumber(p.MeshMessageDeliveriesDecay)) {
		return fmt.Errorf("invalid MeshMessageDeliveriesDecay; must be between 0 and 1")
	}
	if p.MeshMessageDeliveriesWeight != 0 && (p.MeshMessageDeliveriesCap <= 0 || isInvalidNumber(p.MeshMessageDeliveriesCap)) {
		return fmt.Errorf("invalid MeshMessageDeliveriesCap; must be positive and a valid number")
	}
	if p.MeshMessageDeliveriesWeight != 0 && (p.MeshMessageDeliveriesThreshold <= 0 || isInvalidNumber(p.MeshMessageDeliveriesThreshold)) {
		return fmt.Errorf("invalid MeshMessageDeliveriesThreshold; must be positive and a valid number")
	}
	if p.MeshMessageDeliveriesWindow < 0 {
		return fmt.Errorf("invalid MeshMessageDeliveriesWindow; must be non-negative")
	}
	if p.MeshMessageDeliveriesWeight != 0 && p.MeshMessageDeliveriesActivation < time.Second {
		return fmt.Errorf("invalid MeshMessageDeliveriesActivation; must be at least 1s")
	}

	if p.MeshFailurePenaltyWeight > 0 || isInvalidNumber(p.MeshFailurePenaltyWeight) {
		return fmt.Errorf("invalid MeshFailurePenaltyWeight; must be negative (or 0 to disable) and a valid number")
	}
	if p.MeshFailurePenaltyWeight != 0 && (p.MeshFailurePenaltyDecay <= 0 || p.MeshFailurePenaltyDecay >= 1 || isInvalidNumber(p.MeshFailurePenaltyDecay)) {
		return fmt.Errorf("invalid MeshFailurePenaltyDecay; must be between 0 and 1")
	}

	if p.InvalidMessageDeliveriesWeight > 0 || isInvalidNumber(p.InvalidMessageDeliveriesWeight) {
		return fmt.Errorf("invalid InvalidMessageDeliveriesWeight; must be negative (or 0 to disable) and a valid number")
	}
	if p.InvalidMessageDeliveriesDecay <= 0 || p.InvalidMessageDeliveriesDecay >= 1 || isInvalidNumber(p.InvalidMessageDeliveriesDecay) {
		return fmt.Errorf("invalid InvalidMessageDeliveriesDecay; must be between 0 and 1")
	}

	return nil
}

const (
	// DefaultDecayInterval is the tick assumed by ScoreParameterDecay.
	DefaultDecayInterval = time.Second
	// DefaultDecayToZero is the clamp-to-zero threshold assumed by
	// ScoreParameterDecay.
	DefaultDecayToZero = 0.01
)

// ScoreParameterDecay computes the per-tick multiplicative decay factor
// that drives a counter to DefaultDecayToZero over the given duration,
// assuming DefaultDecayInterval ticks.
func ScoreParameterDecay(decay time.Duration) float64 {
	return ScoreParameterDecayWithBase(decay, DefaultDecayInterval, DefaultDecayToZero)
}

// ScoreParameterDecayWithBase is ScoreParameterDecay generalized over the
// engine's actual DecayInterval and DecayToZero.
func ScoreParameterDecayWithBase(decay, base time.Duration, decayToZero float64) float64 {
	ticks := float64(decay / base)
	return math.Pow(decayToZero, 1/ticks)
}

func isInvalidNumber(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
