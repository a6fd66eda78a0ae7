package icmpmux

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"
)

// probeOutcome is delivered on a waiter's channel exactly once.
type probeOutcome struct {
	rtt time.Duration
	err error
}

// waiter is a pending result slot: created when a probe is issued, removed
// when fulfilled by a matching reply, by timeout, or by cancellation.
type waiter struct {
	family   Family
	id       uint16
	seq      uint16
	dest     net.IP
	deadline time.Time
	sendTime time.Time
	pattern  []byte // payload bytes (after the timestamp) this probe expects echoed back
	dgram    bool   // true if indexed by (family, seq) only, scope is per-family not per-id

	resultCh chan probeOutcome
	once     sync.Once
}

func (w *waiter) fulfill(o probeOutcome) {
	w.once.Do(func() {
		w.resultCh <- o
		close(w.resultCh)
	})
}

type waiterKey struct {
	family Family
	id     uint16
	seq    uint16
}

// seqKey scopes a RAW-socket sequence reservation to the identifier it was
// drawn from: (family, id, seq) is the probe identity, but two different
// ids may legitimately hold the same seq concurrently.
type seqKey struct {
	id  uint16
	seq uint16
}

// dgramKey scopes a DGRAM-socket waiter (and its sequence reservation) to
// the family alone: per spec.md §4.3, Linux overrides the ICMP identifier
// on DGRAM sockets, so every in-flight DGRAM probe for a family — regardless
// of which Session or identifier issued it — shares one sequence space on
// that family's single shared socket.
type dgramKey struct {
	family Family
	seq    uint16
}

// registry is the shared, concurrency-safe component mediating between
// issuers (Ping/IterRTT) and the per-family receive loop. It is a
// process-wide singleton (see sharedRegistry in session.go): spec.md §3
// draws identifiers "from a per-process registry" and §9 describes "a
// process-wide counter", so every Session in the process shares one
// identifier pool, one per-id RAW sequence space, and one per-family DGRAM
// sequence space — never one registry per Session.
//
// At any moment it holds at most one waiter per (family, id, seq) for RAW
// sockets, and at most one per (family, seq) for DGRAM sockets — enforced
// by registering under the same lock used to look up on dispatch,
// mirroring the teacher's mutex-guarded received-set discipline
// (sender_linux.go's received/receivedMu), generalized from a dedup set
// into a full waiter map.
type registry struct {
	mu sync.Mutex

	cond *sync.Cond

	nextSeq map[uint16]uint16 // per-id (RAW) next sequence to try
	seqBusy map[seqKey]int    // (id, seq) -> number of live RAW waiters using it

	nextDgramSeq map[Family]uint16  // per-family (DGRAM) next sequence to try
	dgramSeqBusy map[dgramKey]int   // (family, seq) -> number of live DGRAM waiters using it

	byID    map[waiterKey]*waiter
	byDgram map[dgramKey]*waiter

	ids       chan uint16         // free identifier pool
	allocated map[uint16]struct{} // identifiers currently checked out, for BPF filter rebuilds

	// idListeners are notified, with the current allocated-identifier
	// snapshot, every time acquireID/releaseID changes that set. Used by
	// the RAW-socket path (dial.go) to keep a kernel-side BPF filter in
	// sync with the live identifier set, per spec.md §4.2.
	idListeners []func(ids []uint16)
}

func newRegistry() *registry {
	r := &registry{
		nextSeq:      make(map[uint16]uint16),
		seqBusy:      make(map[seqKey]int),
		nextDgramSeq: make(map[Family]uint16),
		dgramSeqBusy: make(map[dgramKey]int),
		byID:         make(map[waiterKey]*waiter),
		byDgram:      make(map[dgramKey]*waiter),
		allocated:    make(map[uint16]struct{}),
		// Identifier 0 is never handed out; see idSpace's doc comment.
		ids: make(chan uint16, idSpace-1),
	}
	r.cond = sync.NewCond(&r.mu)
	for id := 1; id < idSpace; id++ {
		r.ids <- uint16(id)
	}
	return r
}

// acquireID blocks until an identifier is free or ctx is done. A Session
// calls this once, at construction, and holds the result for its lifetime
// (see session.go) — probes issued against the same Session all share its
// one identifier and draw distinct sequence numbers from it instead of
// drawing a fresh identifier per probe.
func (r *registry) acquireID(ctx context.Context) (uint16, error) {
	select {
	case id := <-r.ids:
		r.mu.Lock()
		r.allocated[id] = struct{}{}
		listeners, ids := r.idSnapshotLocked()
		r.mu.Unlock()
		notifyIDListeners(listeners, ids)
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *registry) releaseID(id uint16) {
	r.mu.Lock()
	delete(r.allocated, id)
	listeners, ids := r.idSnapshotLocked()
	r.mu.Unlock()
	notifyIDListeners(listeners, ids)
	r.ids <- id
}

// onIDSetChanged registers fn to be invoked, with the current snapshot of
// allocated identifiers, immediately and again every time acquireID or
// releaseID changes that set. fn must not block or call back into the
// registry. Used to (re)attach a RAW socket's kernel-side BPF identifier
// filter; best-effort by design, so fn is expected to log and swallow its
// own errors.
func (r *registry) onIDSetChanged(fn func(ids []uint16)) {
	r.mu.Lock()
	r.idListeners = append(r.idListeners, fn)
	_, ids := r.idSnapshotLocked()
	r.mu.Unlock()
	fn(ids)
}

func (r *registry) idSnapshotLocked() ([]func(ids []uint16), []uint16) {
	ids := make([]uint16, 0, len(r.allocated))
	for id := range r.allocated {
		ids = append(ids, id)
	}
	listeners := append([]func(ids []uint16){}, r.idListeners...)
	return listeners, ids
}

func notifyIDListeners(listeners []func(ids []uint16), ids []uint16) {
	for _, fn := range listeners {
		fn(ids)
	}
}

// allocateSeq returns the next RAW-socket sequence number for id that names
// no currently-live waiter, advancing id's monotone counter and wrapping
// modulo 2^16. It blocks only in the pathological case of 65,536
// simultaneously outstanding probes on the same identifier.
func (r *registry) allocateSeq(ctx context.Context, id uint16) (uint16, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := r.nextSeq[id]
		for i := 0; i < idSpace; i++ {
			candidate := start + uint16(i)
			if r.seqBusy[seqKey{id: id, seq: candidate}] == 0 {
				r.nextSeq[id] = candidate + 1
				r.seqBusy[seqKey{id: id, seq: candidate}]++
				return candidate, nil
			}
		}
		// Every sequence for this id names a live waiter: wait for one to
		// be removed (fulfilled, timed out, or cancelled) and retry.
		r.cond.Wait()
	}
}

// releaseSeq drops a RAW sequence reservation taken by allocateSeq that was
// never turned into a registered waiter (e.g. probe construction failed
// after the sequence was reserved but before register was called).
func (r *registry) releaseSeq(id, seq uint16) {
	r.mu.Lock()
	r.releaseSeqLocked(id, seq)
	r.mu.Unlock()
}

func (r *registry) releaseSeqLocked(id, seq uint16) {
	sk := seqKey{id: id, seq: seq}
	if r.seqBusy[sk] > 0 {
		r.seqBusy[sk]--
		if r.seqBusy[sk] == 0 {
			delete(r.seqBusy, sk)
		}
	}
	r.cond.Broadcast()
}

// allocateDgramSeq returns the next DGRAM-socket sequence number for family
// that names no currently-live waiter, scoped to the family alone (not to
// any identifier) per spec.md §4.3's DGRAM caveat: the kernel, not this
// code, assigns the ICMP identifier on a DGRAM socket, so every concurrent
// DGRAM probe on one family — across every Session — must draw from the
// same sequence space to avoid two probes colliding on the same (family,
// seq) key in byDgram.
func (r *registry) allocateDgramSeq(ctx context.Context, family Family) (uint16, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := r.nextDgramSeq[family]
		for i := 0; i < idSpace; i++ {
			candidate := start + uint16(i)
			dk := dgramKey{family: family, seq: candidate}
			if r.dgramSeqBusy[dk] == 0 {
				r.nextDgramSeq[family] = candidate + 1
				r.dgramSeqBusy[dk]++
				return candidate, nil
			}
		}
		r.cond.Wait()
	}
}

// releaseDgramSeq drops a DGRAM sequence reservation taken by
// allocateDgramSeq that was never turned into a registered waiter.
func (r *registry) releaseDgramSeq(family Family, seq uint16) {
	r.mu.Lock()
	r.releaseDgramSeqLocked(family, seq)
	r.mu.Unlock()
}

func (r *registry) releaseDgramSeqLocked(family Family, seq uint16) {
	dk := dgramKey{family: family, seq: seq}
	if r.dgramSeqBusy[dk] > 0 {
		r.dgramSeqBusy[dk]--
		if r.dgramSeqBusy[dk] == 0 {
			delete(r.dgramSeqBusy, dk)
		}
	}
	r.cond.Broadcast()
}

// register places a waiter into the index matching its scope: (family, id,
// seq) for RAW, or (family, seq) alone for DGRAM, where the kernel
// overrides the echoed identifier. Insertion happens before the caller is
// allowed to send, satisfying the insert-before-send ordering rule. seq
// must have come from allocateSeq(ctx, id) for a RAW waiter, or
// allocateDgramSeq(ctx, family) for a DGRAM waiter; register consumes that
// reservation.
func (r *registry) register(family Family, id, seq uint16, dest net.IP, deadline time.Time, pattern []byte, dgram bool) *waiter {
	w := &waiter{
		family:   family,
		id:       id,
		seq:      seq,
		dest:     dest,
		deadline: deadline,
		sendTime: time.Now(),
		pattern:  pattern,
		dgram:    dgram,
		resultCh: make(chan probeOutcome, 1),
	}
	r.mu.Lock()
	if dgram {
		r.byDgram[dgramKey{family: family, seq: seq}] = w
	} else {
		r.byID[waiterKey{family: family, id: id, seq: seq}] = w
	}
	r.mu.Unlock()
	return w
}

// remove unconditionally drops w from its index, and releases its sequence
// reservation. Used on fulfillment, timeout, and cancellation alike, so a
// late reply after any of those finds no waiter and is dropped.
func (r *registry) remove(w *waiter) {
	r.mu.Lock()
	r.removeLocked(w)
	r.mu.Unlock()
}

// removeLocked is remove's body, for callers that already hold r.mu — used
// by dispatch so the "is this waiter still present" check and its removal
// happen in the same critical section, which is what makes at-most-one
// dispatch hold under concurrent duplicate replies.
func (r *registry) removeLocked(w *waiter) {
	if w.dgram {
		dk := dgramKey{family: w.family, seq: w.seq}
		if cur, ok := r.byDgram[dk]; ok && cur == w {
			delete(r.byDgram, dk)
		}
		r.releaseDgramSeqLocked(w.family, w.seq)
		return
	}
	key := waiterKey{family: w.family, id: w.id, seq: w.seq}
	if cur, ok := r.byID[key]; ok && cur == w {
		delete(r.byID, key)
	}
	r.releaseSeqLocked(w.id, w.seq)
}

// dispatch handles a parsed Echo Reply: look up by (family, id, seq) — or,
// for DGRAM sockets, by (family, seq) alone — verify the payload pattern,
// and, still under the same lock acquisition, remove the waiter so a
// duplicate reply arriving concurrently finds nothing left to match. A
// miss, or a payload mismatch, is silently dropped: the former is normal
// (duplicate/foreign reply), the latter defeats cross-process replies on
// DGRAM sockets where the kernel assigns the id.
func (r *registry) dispatch(family Family, dgram bool, ev decodedEcho) bool {
	r.mu.Lock()
	var w *waiter
	if dgram {
		w = r.byDgram[dgramKey{family: family, seq: ev.Seq}]
	} else {
		w = r.byID[waiterKey{family: family, id: ev.ID, seq: ev.Seq}]
	}
	if w == nil {
		r.mu.Unlock()
		return false
	}
	if !bytes.Equal(w.pattern, ev.Payload) {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(w)
	r.mu.Unlock()

	rtt := time.Since(time.Unix(0, ev.SendNanos))
	w.fulfill(probeOutcome{rtt: rtt})
	return true
}
