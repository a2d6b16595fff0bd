package peerscore

import (
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// promiseTracker tracks IWANT follow-up promises: after we send a peer an
// IWANT for one or more message ids, we expect it to deliver one of them
// within IWantFollowupTime. Tracking is probabilistic — we remember at
// most one message id per (peer, IHAVE batch) — so memory stays O(number
// of outstanding IWANTs) rather than O(number of message ids advertised).
type promiseTracker struct {
	sync.Mutex

	clock Clock
	rng   *rand.Rand

	followupTime time.Duration

	// promises maps a message id to the peers we're waiting on for it,
	// and when each of those promises expires.
	promises map[string]map[peer.ID]time.Time
	// peerPromises is the reverse index: for each peer, the message ids we
	// are waiting on it for. It is kept in step with promises and emptied by
	// Clear together with it; no method clears a single peer's promises.
	peerPromises map[peer.ID]map[string]struct{}
}

func newPromiseTracker(followupTime time.Duration, clock Clock) *promiseTracker {
	return newPromiseTrackerWithSeed(followupTime, clock, time.Now().UnixNano())
}

// newPromiseTrackerWithSeed is used by tests that need AddPromise's random
// choice of message id to be reproducible.
func newPromiseTrackerWithSeed(followupTime time.Duration, clock Clock, seed int64) *promiseTracker {
	return &promiseTracker{
		clock:        clock,
		rng:          rand.New(rand.NewSource(seed)),
		followupTime: followupTime,
		promises:     make(map[string]map[peer.ID]time.Time),
		peerPromises: make(map[peer.ID]map[string]struct{}),
	}
}

// AddPromise records an expectation that p will deliver one of msgIDs. One
// id is chosen uniformly at random from the batch; if p already has an
// outstanding promise for that id, the call is a no-op.
func (pt *promiseTracker) AddPromise(p peer.ID, msgIDs []string) {
	if len(msgIDs) == 0 {
		return
	}
	mid := msgIDs[pt.rng.Intn(len(msgIDs))]

	pt.Lock()
	defer pt.Unlock()

	promises, ok := pt.promises[mid]
	if !ok {
		promises = make(map[peer.ID]time.Time)
		pt.promises[mid] = promises
	}

	if _, ok := promises[p]; ok {
		return
	}
	promises[p] = pt.clock.Now().Add(pt.followupTime)

	peerPromises, ok := pt.peerPromises[p]
	if !ok {
		peerPromises = make(map[string]struct{})
		pt.peerPromises[p] = peerPromises
	}
	peerPromises[mid] = struct{}{}
}

// GetBrokenPromises scans every outstanding promise, counts one broken
// promise per (peer, expired message id) pair found, and removes those
// entries.
func (pt *promiseTracker) GetBrokenPromises() map[peer.ID]int {
	pt.Lock()
	defer pt.Unlock()

	var broken map[peer.ID]int
	now := pt.clock.Now()

	for mid, promises := range pt.promises {
		for p, expire := range promises {
			if !expire.Before(now) {
				continue
			}

			if broken == nil {
				broken = make(map[peer.ID]int)
			}
			broken[p]++

			delete(promises, p)
			pt.forgetPeerPromise(p, mid)
		}

		if len(promises) == 0 {
			delete(pt.promises, mid)
		}
	}

	return broken
}

// fulfill removes every outstanding promise for id, because the message
// has reached a terminal state (delivered, or rejected for a reason that
// doesn't leave the promise's peer on the hook).
func (pt *promiseTracker) fulfill(id string) {
	pt.Lock()
	defer pt.Unlock()

	promises, ok := pt.promises[id]
	if !ok {
		return
	}
	delete(pt.promises, id)

	for p := range promises {
		pt.forgetPeerPromise(p, id)
	}
}

// DeliverMessage fulfills every promise for msg's id: it showed up, so
// nothing is broken.
func (pt *promiseTracker) DeliverMessage(id string) {
	pt.fulfill(id)
}

// RejectMessage fulfills every promise for msg's id unless reason is one
// of the signature failures: the message's claimed id was never really
// validated to exist, so the peers we were waiting on for it are still on
// the hook — rejecting on a signature failure doesn't prove the content
// behind that id doesn't exist.
func (pt *promiseTracker) RejectMessage(id string, reason RejectReason) {
	switch reason {
	case RejectMissingSignature, RejectInvalidSignature:
		return
	}
	pt.fulfill(id)
}

// Clear discards all tracked promises.
func (pt *promiseTracker) Clear() {
	pt.Lock()
	defer pt.Unlock()

	pt.promises = make(map[string]map[peer.ID]time.Time)
	pt.peerPromises = make(map[peer.ID]map[string]struct{})
}

// forgetPeerPromise removes mid from p's reverse-index entry, pruning the
// entry entirely once it's empty. Callers must hold pt.Mutex.
func (pt *promiseTracker) forgetPeerPromise(p peer.ID, mid string) {
	peerPromises, ok := pt.peerPromises[p]
	if !ok {
		return
	}
	delete(peerPromises, mid)
	if len(peerPromises) == 0 {
		delete(pt.peerPromises, p)
	}
}
