package peerscore

import (
	"context"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("peerscore")

// MessageIdFunction computes a deterministic id for a message. The engine
// never inspects the returned bytes beyond equality.
type MessageIdFunction func(*Message) string

// TimeCacheDuration is how long a delivery record is retained after it is
// first seen, absent an explicit override passed to NewEngine.
const TimeCacheDuration = 120 * time.Second

// peerStats is the per-peer state the engine maintains for scoring.
type peerStats struct {
	// connected is true while the peer has an active connection.
	connected bool
	// expire is when a disconnected peer's retained state is dropped; it
	// is only meaningful while !connected.
	expire time.Time

	// topics holds this peer's per-(peer,topic) stats, lazily created.
	topics map[string]*topicStats

	// behaviourPenalty is the generic misbehavior counter fed by AddPenalty.
	behaviourPenalty float64

	// ips is the peer's current set of observed remote IPs.
	ips []string
}

// topicStats is the per-(peer,topic) state the engine maintains.
type topicStats struct {
	// inMesh is true while the peer is grafted into this topic's mesh.
	inMesh bool
	// graftTime is when inMesh last became true.
	graftTime time.Time
	// meshTime is how long the peer has been continuously grafted,
	// refreshed on every decay tick (rather than computed on every Score
	// call) to avoid a clock read per score query.
	meshTime time.Duration

	firstMessageDeliveries   float64
	meshMessageDeliveries    float64
	meshFailurePenalty       float64
	invalidMessageDeliveries float64

	// meshMessageDeliveriesActive gates the mesh-message-deliveries
	// penalty: a peer just grafted in hasn't had a fair chance to deliver
	// yet, so the penalty only activates after
	// MeshMessageDeliveriesActivation time in the mesh.
	meshMessageDeliveriesActive bool
}

// Engine is the peer-score core: it ingests connectivity, mesh-membership,
// and message-delivery notifications from a gossip overlay and computes a
// numeric score for each known peer.
type Engine struct {
	sync.Mutex

	params  *PeerScoreParams
	msgID   MessageIdFunction
	connMgr ConnectionManager
	clock   Clock

	peerStats map[peer.ID]*peerStats
	// peerIPs is the secondary index from observed IP to the set of peers
	// currently using it, used for the IP-colocation penalty.
	peerIPs map[string]map[peer.ID]struct{}
	// ipWhitelistCache memoizes the (possibly expensive) CIDR-whitelist
	// check per observed IP.
	ipWhitelistCache map[string]bool

	deliveries *messageDeliveries
	promises   *promiseTracker

	deliveryRetention time.Duration

	cancel func()
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithConnectionManager wires a ConnectionManager used to refresh peer IPs
// in AddPeer and the periodic IP refresh.
func WithConnectionManager(cm ConnectionManager) EngineOption {
	return func(e *Engine) { e.connMgr = cm }
}

// WithClock overrides the engine's time source; tests use this to inject a
// clock.Mock for deterministic decay and retention.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithDeliveryRecordRetention overrides how long a DeliveryRecord survives
// after it is first seen. Defaults to TimeCacheDuration.
func WithDeliveryRecordRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.deliveryRetention = d }
}

// NewEngine validates params and constructs an Engine. msgID computes the
// deterministic id the engine uses to correlate Validate/Deliver/Reject/
// Duplicate calls for the same message.
func NewEngine(params *PeerScoreParams, msgID MessageIdFunction, opts ...EngineOption) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		params:            params,
		msgID:             msgID,
		connMgr:           nilConnectionManager{},
		clock:             NewClock(),
		peerStats:         make(map[peer.ID]*peerStats),
		peerIPs:           make(map[string]map[peer.ID]struct{}),
		ipWhitelistCache:  make(map[string]bool),
		deliveryRetention: TimeCacheDuration,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.deliveries = newMessageDeliveries(e.deliveryRetention, e.clock)
	e.promises = newPromiseTracker(IWantFollowupTime, e.clock)

	return e, nil
}

// IWantFollowupTime is how long a peer has to follow up on an IHAVE with
// the actual message before the promise is considered broken.
const IWantFollowupTime = 3 * time.Second

// Start begins the background decay/IP-refresh/GC ticker. Calling Start
// twice without an intervening Stop leaks the first goroutine.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.background(ctx)
}

// Stop cancels the background ticker and clears all in-memory state.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	e.Lock()
	defer e.Unlock()

	e.peerStats = make(map[peer.ID]*peerStats)
	e.peerIPs = make(map[string]map[peer.ID]struct{})
	e.deliveries.clear()
	e.promises.Clear()
}

func (e *Engine) background(ctx context.Context) {
	ticker := e.clock.Ticker(e.params.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.refreshScores()
			e.updateIPs()
			for p, count := range e.GetBrokenPromises() {
				e.AddPenalty(p, float64(count))
			}
			e.Lock()
			e.deliveries.gc()
			e.Unlock()

		case <-ctx.Done():
			return
		}
	}
}

// Score returns p's current total score, or 0 for an unknown peer.
func (e *Engine) Score(p peer.ID) float64 {
	e.Lock()
	defer e.Unlock()

	return e.score(p)
}

func (e *Engine) score(p peer.ID) float64 {
	pstats, ok := e.peerStats[p]
	if !ok {
		return 0
	}

	var topicScore float64
	for topic, tstats := range pstats.topics {
		topicParams, ok := e.params.Topics[topic]
		if !ok {
			continue
		}

		var contribution float64

		// P1: time in mesh. A zero weight disables P1 outright, which also
		// sidesteps TimeInMeshQuantum possibly being left at its zero
		// default (valid per spec.md §4.1 when the weight is unused).
		if tstats.inMesh && topicParams.TimeInMeshWeight != 0 {
			p1 := float64(tstats.meshTime / topicParams.TimeInMeshQuantum)
			if p1 > topicParams.TimeInMeshCap {
				p1 = topicParams.TimeInMeshCap
			}
			contribution += p1 * topicParams.TimeInMeshWeight
		}

		// P2: first message deliveries.
		contribution += tstats.firstMessageDeliveries * topicParams.FirstMessageDeliveriesWeight

		// P3: mesh message delivery rate.
		if tstats.meshMessageDeliveriesActive && tstats.meshMessageDeliveries < topicParams.MeshMessageDeliveriesThreshold {
			deficit := topicParams.MeshMessageDeliveriesThreshold - tstats.meshMessageDeliveries
			contribution += deficit * deficit * topicParams.MeshMessageDeliveriesWeight
		}

		// P3b: sticky mesh failure penalty.
		contribution += tstats.meshFailurePenalty * topicParams.MeshFailurePenaltyWeight

		// P4: invalid message deliveries.
		contribution += tstats.invalidMessageDeliveries * tstats.invalidMessageDeliveries * topicParams.InvalidMessageDeliveriesWeight

		topicScore += contribution * topicParams.TopicWeight
	}

	if e.params.TopicScoreCap > 0 && topicScore > e.params.TopicScoreCap {
		topicScore = e.params.TopicScoreCap
	}

	score := topicScore

	// P5: application-specific score.
	score += e.params.AppSpecificScore(p) * e.params.AppSpecificWeight

	// P6: IP colocation factor.
	score += e.ipColocationFactor(pstats) * e.params.IPColocationFactorWeight

	// P7: behaviour penalty.
	if excess := pstats.behaviourPenalty - e.params.BehaviourPenaltyThreshold; excess > 0 {
		score += excess * excess * e.params.BehaviourPenaltyWeight
	}

	return score
}

func (e *Engine) ipColocationFactor(pstats *peerStats) float64 {
	var result float64
	for _, ip := range pstats.ips {
		if e.ipWhitelisted(ip) {
			continue
		}

		peersInIP := len(e.peerIPs[ip])
		if peersInIP > e.params.IPColocationFactorThreshold {
			surplus := float64(peersInIP - e.params.IPColocationFactorThreshold)
			result += surplus * surplus
		}
	}
	return result
}

func (e *Engine) ipWhitelisted(ip string) bool {
	if len(e.params.IPColocationFactorWhitelist) == 0 {
		return false
	}

	if whitelisted, ok := e.ipWhitelistCache[ip]; ok {
		return whitelisted
	}

	parsed := net.ParseIP(ip)
	whitelisted := false
	for _, cidr := range e.params.IPColocationFactorWhitelist {
		if cidr.Contains(parsed) {
			whitelisted = true
			break
		}
	}
	e.ipWhitelistCache[ip] = whitelisted
	return whitelisted
}

// AddPromise records that p is expected to deliver one of msgIDs within
// IWantFollowupTime, per an IHAVE/IWANT exchange the mesh layer conducted
// outside the engine. Failing to follow up is reflected the next time the
// background tick calls GetBrokenPromises.
func (e *Engine) AddPromise(p peer.ID, msgIDs []string) {
	e.promises.AddPromise(p, msgIDs)
}

// GetBrokenPromises scans for promises that expired without a matching
// DeliverMessage/RejectMessage and returns each offending peer's count,
// clearing the entries it reports.
func (e *Engine) GetBrokenPromises() map[peer.ID]int {
	return e.promises.GetBrokenPromises()
}

// AddPenalty applies an ad-hoc behavioral penalty, e.g. for protocol abuse
// the router detected outside the scope of message delivery (broken
// promises, invalid RPCs). A no-op for unknown peers.
func (e *Engine) AddPenalty(p peer.ID, count float64) {
	e.Lock()
	defer e.Unlock()

	pstats, ok := e.peerStats[p]
	if !ok {
		return
	}
	pstats.behaviourPenalty += count
}

// refreshScores runs the periodic decay: every topic's decayed counters
// age by their configured factor, mesh time is recomputed, and
// disconnected peers past their retention window are forgotten.
// Disconnected peers are deliberately not decayed — otherwise a
// misbehaving peer could bleed off a negative score just by going
// offline and back online within the retention window.
func (e *Engine) refreshScores() {
	e.Lock()
	defer e.Unlock()

	now := e.clock.Now()
	for p, pstats := range e.peerStats {
		if !pstats.connected {
			if now.After(pstats.expire) {
				e.removeIPs(p, pstats.ips)
				delete(e.peerStats, p)
			}
			continue
		}

		for topic, tstats := range pstats.topics {
			topicParams, ok := e.params.Topics[topic]
			if !ok {
				continue
			}

			tstats.firstMessageDeliveries *= topicParams.FirstMessageDeliveriesDecay
			if tstats.firstMessageDeliveries < e.params.DecayToZero {
				tstats.firstMessageDeliveries = 0
			}

			tstats.meshMessageDeliveries *= topicParams.MeshMessageDeliveriesDecay
			if tstats.meshMessageDeliveries < e.params.DecayToZero {
				tstats.meshMessageDeliveries = 0
			}

			tstats.meshFailurePenalty *= topicParams.MeshFailurePenaltyDecay
			if tstats.meshFailurePenalty < e.params.DecayToZero {
				tstats.meshFailurePenalty = 0
			}

			tstats.invalidMessageDeliveries *= topicParams.InvalidMessageDeliveriesDecay
			if tstats.invalidMessageDeliveries < e.params.DecayToZero {
				tstats.invalidMessageDeliveries = 0
			}

			if tstats.inMesh {
				tstats.meshTime = now.Sub(tstats.graftTime)
				if tstats.meshTime > topicParams.MeshMessageDeliveriesActivation {
					tstats.meshMessageDeliveriesActive = true
				}
			}
		}

		pstats.behaviourPenalty *= e.params.BehaviourPenaltyDecay
		if pstats.behaviourPenalty < e.params.DecayToZero {
			pstats.behaviourPenalty = 0
		}
	}
}

// updateIPs re-fetches every connected peer's current IPs from the
// connection manager and reconciles the change against peerIPs.
func (e *Engine) updateIPs() {
	e.Lock()
	defer e.Unlock()

	for p, pstats := range e.peerStats {
		if !pstats.connected {
			continue
		}
		ips := e.connMgr.GetIPs(p)
		e.setIPs(p, ips, pstats.ips)
		pstats.ips = ips
	}
}

// AddPeer registers a newly connected peer and seeds its IP list.
func (e *Engine) AddPeer(p peer.ID) {
	e.Lock()
	defer e.Unlock()

	pstats, ok := e.peerStats[p]
	if !ok {
		pstats = &peerStats{topics: make(map[string]*topicStats)}
		e.peerStats[p] = pstats
	}

	pstats.connected = true
	ips := e.connMgr.GetIPs(p)
	e.setIPs(p, ips, pstats.ips)
	pstats.ips = ips
}

// RemovePeer handles a disconnect. A peer in good standing (score > 0) is
// forgotten immediately; there's nothing worth retaining. A peer with a
// non-positive score has its mesh-failure penalties applied for any topic
// it's abandoning mid-delivery, then is retained for RetainScore so it
// can't escape a bad score just by disconnecting and reconnecting.
func (e *Engine) RemovePeer(p peer.ID) {
	e.Lock()
	defer e.Unlock()

	pstats, ok := e.peerStats[p]
	if !ok {
		return
	}

	if e.score(p) > 0 {
		e.removeIPs(p, pstats.ips)
		delete(e.peerStats, p)
		return
	}

	for topic, tstats := range pstats.topics {
		tstats.firstMessageDeliveries = 0

		topicParams, ok := e.params.Topics[topic]
		if ok && tstats.inMesh && tstats.meshMessageDeliveriesActive && tstats.meshMessageDeliveries < topicParams.MeshMessageDeliveriesThreshold {
			deficit := topicParams.MeshMessageDeliveriesThreshold - tstats.meshMessageDeliveries
			tstats.meshFailurePenalty += deficit * deficit
		}

		tstats.inMesh = false
	}

	pstats.connected = false
	pstats.expire = e.clock.Now().Add(e.params.RetainScore)
}

// Graft records that a peer has been added to topic's mesh.
func (e *Engine) Graft(p peer.ID, topic string) {
	e.Lock()
	defer e.Unlock()

	pstats, ok := e.peerStats[p]
	if !ok {
		return
	}

	tstats, ok := e.getTopicStats(pstats, topic)
	if !ok {
		return
	}

	tstats.inMesh = true
	tstats.graftTime = e.clock.Now()
	tstats.meshTime = 0
	tstats.meshMessageDeliveriesActive = false
}

// Prune records that a peer has been removed from topic's mesh, applying
// the sticky mesh-failure penalty if it was under-delivering.
func (e *Engine) Prune(p peer.ID, topic string) {
	e.Lock()
	defer e.Unlock()

	pstats, ok := e.peerStats[p]
	if !ok {
		return
	}

	tstats, ok := e.getTopicStats(pstats, topic)
	if !ok {
		return
	}

	topicParams := e.params.Topics[topic]
	if tstats.meshMessageDeliveriesActive && tstats.meshMessageDeliveries < topicParams.MeshMessageDeliveriesThreshold {
		deficit := topicParams.MeshMessageDeliveriesThreshold - tstats.meshMessageDeliveries
		tstats.meshFailurePenalty += deficit * deficit
	}

	tstats.inMesh = false
}

// ValidateMessage notes that the overlay has begun validating a message,
// so its DeliveryRecord exists with an accurate firstSeen time before any
// Deliver/Reject/Duplicate call can race it.
func (e *Engine) ValidateMessage(msg *Message) {
	id := e.msgID(msg)

	e.Lock()
	defer e.Unlock()

	e.deliveries.ensureRecord(id)
}

// DeliverMessage notes that msg validated successfully. The peer that
// delivered it is credited a first delivery; every other peer that had
// already forwarded us a duplicate is retroactively credited a mesh
// delivery, since it beat the message's own validation.
func (e *Engine) DeliverMessage(msg *Message) {
	id := e.msgID(msg)

	e.Lock()
	defer e.Unlock()

	e.markFirstMessageDelivery(msg.ReceivedFrom, msg)
	e.promises.DeliverMessage(id)

	drec := e.deliveries.ensureRecord(id)
	if drec.status != deliveryUnknown {
		log.Debugf("unexpected delivery: message %q already has status %d", id, drec.status)
		return
	}

	drec.status = deliveryValid
	drec.validated = e.clock.Now()
	for p := range drec.peers {
		if p != msg.ReceivedFrom {
			e.markDuplicateMessageDelivery(p, msg, drec.validated)
		}
	}
}

// RejectMessage notes that msg failed validation. Peers that forwarded it
// (including the one that triggered rejection) are penalized for an
// invalid delivery, except when the rejection reason is a signature
// failure — the message's id was never trustworthy enough to build a
// DeliveryRecord for, so only the immediate sender is penalized — or a
// validator ignore, which marks the record ignored and penalizes no one.
func (e *Engine) RejectMessage(msg *Message, reason RejectReason) {
	id := e.msgID(msg)

	e.Lock()
	defer e.Unlock()

	e.promises.RejectMessage(id, reason)

	switch reason {
	case RejectMissingSignature, RejectInvalidSignature:
		e.markInvalidMessageDelivery(msg.ReceivedFrom, msg)
		return
	}

	drec := e.deliveries.ensureRecord(id)
	if drec.status != deliveryUnknown {
		log.Debugf("unexpected rejection: message %q already has status %d", id, drec.status)
		return
	}

	if reason == RejectValidationIgnore {
		drec.status = deliveryIgnored
		return
	}

	drec.status = deliveryInvalid
	e.markInvalidMessageDelivery(msg.ReceivedFrom, msg)
	for p := range drec.peers {
		e.markInvalidMessageDelivery(p, msg)
	}
}

// DuplicateMessage notes that we've seen another copy of an
// already-tracked message from a peer.
func (e *Engine) DuplicateMessage(msg *Message) {
	id := e.msgID(msg)

	e.Lock()
	defer e.Unlock()

	drec := e.deliveries.ensureRecord(id)

	if _, ok := drec.peers[msg.ReceivedFrom]; ok {
		return
	}

	switch drec.status {
	case deliveryUnknown:
		// still validating; remember the peer and decide once we know.
		drec.peers[msg.ReceivedFrom] = struct{}{}

	case deliveryValid:
		drec.peers[msg.ReceivedFrom] = struct{}{}
		e.markDuplicateMessageDelivery(msg.ReceivedFrom, msg, drec.validated)

	case deliveryInvalid:
		e.markInvalidMessageDelivery(msg.ReceivedFrom, msg)

	case deliveryIgnored:
		// nothing to do: the validator asked us to pretend this never happened.
	}
}

// getTopicStats returns pstats' stats for topic, creating them only if
// topic is one this engine scores.
func (e *Engine) getTopicStats(pstats *peerStats, topic string) (*topicStats, bool) {
	if tstats, ok := pstats.topics[topic]; ok {
		return tstats, true
	}

	if _, scored := e.params.Topics[topic]; !scored {
		return nil, false
	}

	tstats := &topicStats{}
	pstats.topics[topic] = tstats
	return tstats, true
}

func (e *Engine) markInvalidMessageDelivery(p peer.ID, msg *Message) {
	pstats, ok := e.peerStats[p]
	if !ok {
		return
	}

	for _, topic := range msg.Topics {
		tstats, ok := e.getTopicStats(pstats, topic)
		if !ok {
			continue
		}
		tstats.invalidMessageDeliveries++
	}
}

func (e *Engine) markFirstMessageDelivery(p peer.ID, msg *Message) {
	pstats, ok := e.peerStats[p]
	if !ok {
		return
	}

	for _, topic := range msg.Topics {
		tstats, ok := e.getTopicStats(pstats, topic)
		if !ok {
			continue
		}

		topicParams := e.params.Topics[topic]

		tstats.firstMessageDeliveries++
		if tstats.firstMessageDeliveries > topicParams.FirstMessageDeliveriesCap {
			tstats.firstMessageDeliveries = topicParams.FirstMessageDeliveriesCap
		}

		if !tstats.inMesh {
			continue
		}

		tstats.meshMessageDeliveries++
		if tstats.meshMessageDeliveries > topicParams.MeshMessageDeliveriesCap {
			tstats.meshMessageDeliveries = topicParams.MeshMessageDeliveriesCap
		}
	}
}

// markDuplicateMessageDelivery credits a mesh delivery for a peer that
// sent us a duplicate of an already-validated message, provided it
// arrived within the topic's delivery window. validated.IsZero() is the
// explicit signal for "this duplicate arrived before validation
// finished" — always within window, regardless of how long validation
// itself took.
func (e *Engine) markDuplicateMessageDelivery(p peer.ID, msg *Message, validated time.Time) {
	pstats, ok := e.peerStats[p]
	if !ok {
		return
	}

	for _, topic := range msg.Topics {
		tstats, ok := e.getTopicStats(pstats, topic)
		if !ok || !tstats.inMesh {
			continue
		}

		topicParams := e.params.Topics[topic]

		if !validated.IsZero() && e.clock.Now().After(validated.Add(topicParams.MeshMessageDeliveriesWindow)) {
			continue
		}

		tstats.meshMessageDeliveries++
		if tstats.meshMessageDeliveries > topicParams.MeshMessageDeliveriesCap {
			tstats.meshMessageDeliveries = topicParams.MeshMessageDeliveriesCap
		}
	}
}

// setIPs reconciles a peer's IP set against the global peerIPs index: new
// IPs are added, IPs no longer in use are removed and their bucket pruned
// once empty.
func (e *Engine) setIPs(p peer.ID, newIPs, oldIPs []string) {
addNew:
	for _, ip := range newIPs {
		for _, old := range oldIPs {
			if ip == old {
				continue addNew
			}
		}
		peers, ok := e.peerIPs[ip]
		if !ok {
			peers = make(map[peer.ID]struct{})
			e.peerIPs[ip] = peers
		}
		peers[p] = struct{}{}
	}

removeOld:
	for _, ip := range oldIPs {
		for _, cur := range newIPs {
			if ip == cur {
				continue removeOld
			}
		}
		peers, ok := e.peerIPs[ip]
		if !ok {
			continue
		}
		delete(peers, p)
		if len(peers) == 0 {
			delete(e.peerIPs, ip)
		}
	}
}

func (e *Engine) removeIPs(p peer.ID, ips []string) {
	for _, ip := range ips {
		peers, ok := e.peerIPs[ip]
		if !ok {
			continue
		}
		delete(peers, p)
		if len(peers) == 0 {
			delete(e.peerIPs, ip)
		}
	}
}
