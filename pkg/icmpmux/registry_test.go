package icmpmux

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_AcquireIDsAreUnique(t *testing.T) {
	r := newRegistry()

	const n = 256
	ctx := context.Background()
	seen := make(map[uint16]bool, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.acquireID(ctx)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			require.False(t, seen[id], "identifier %d handed out twice concurrently", id)
			seen[id] = true
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
	require.NotContains(t, seen, uint16(0), "identifier 0 is reserved")
}

func TestRegistry_AllocateSeq_NeverRepeatsWhileBusy(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	const id = uint16(5)
	const n = 64
	var mu sync.Mutex
	seen := make(map[uint16]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := r.allocateSeq(ctx, id)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			require.False(t, seen[seq], "sequence %d allocated twice while busy", seq)
			seen[seq] = true
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
}

// markAllSeqBusy marks every sequence number for id as busy except free,
// standing in for "65,535 outstanding probes on one identifier" without
// actually registering that many waiters.
func (r *registry) markAllSeqBusy(id uint16, free int) func() {
	r.mu.Lock()
	for i := 0; i < idSpace; i++ {
		if i == free {
			continue
		}
		r.seqBusy[seqKey{id: id, seq: uint16(i)}] = 1
	}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		for i := 0; i < idSpace; i++ {
			if i != free {
				delete(r.seqBusy, seqKey{id: id, seq: uint16(i)})
			}
		}
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

func TestRegistry_AllocateSeq_BlocksUntilReleased(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	const id = uint16(9)

	// Exhaust every slot so the only way allocateSeq can return is after
	// markAllSeqBusy's cleanup frees one of them.
	unmark := r.markAllSeqBusy(id, -1)

	done := make(chan uint16, 1)
	go func() {
		seq, err := r.allocateSeq(ctx, id)
		require.NoError(t, err)
		done <- seq
	}()

	select {
	case <-done:
		t.Fatalf("allocateSeq returned while every sequence was busy")
	case <-time.After(50 * time.Millisecond):
	}

	unmark()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("allocateSeq did not unblock after a slot was released")
	}
}

func TestRegistry_AllocateSeq_CancelUnblocks(t *testing.T) {
	r := newRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	const id = uint16(3)

	unmark := r.markAllSeqBusy(id, -1)
	defer unmark()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.allocateSeq(ctx, id)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("allocateSeq did not observe cancellation")
	}
}

func TestRegistry_Dispatch_AtMostOnce(t *testing.T) {
	r := newRegistry()
	pattern := []byte("abc123")
	w := r.register(FamilyIPv4, 1, 1, net.ParseIP("127.0.0.1"), time.Now().Add(time.Second), pattern, false)

	ev := decodedEcho{ID: 1, Seq: 1, SendNanos: time.Now().UnixNano(), Payload: pattern}

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.dispatch(FamilyIPv4, false, ev)
		}(i)
	}
	wg.Wait()

	hits := 0
	for _, ok := range results {
		if ok {
			hits++
		}
	}
	require.Equal(t, 1, hits, "exactly one concurrent dispatch must win")

	select {
	case o := <-w.resultCh:
		require.NoError(t, o.err)
	default:
		t.Fatalf("winning dispatch did not fulfill the waiter")
	}
}

func TestRegistry_Dispatch_PayloadMismatchIsDropped(t *testing.T) {
	r := newRegistry()
	r.register(FamilyIPv4, 1, 1, net.ParseIP("127.0.0.1"), time.Now().Add(time.Second), []byte("expected"), false)

	ev := decodedEcho{ID: 1, Seq: 1, SendNanos: time.Now().UnixNano(), Payload: []byte("forged!!")}
	require.False(t, r.dispatch(FamilyIPv4, false, ev))
}

func TestRegistry_Dispatch_CrossFamilyDoesNotCollide(t *testing.T) {
	r := newRegistry()
	w4 := r.register(FamilyIPv4, 7, 3, net.ParseIP("127.0.0.1"), time.Now().Add(time.Second), []byte("p"), false)

	// An IPv6 reply sharing the same (id, seq) as the live IPv4 waiter must
	// not match it — the probe identity is (family, id, seq) jointly.
	ev := decodedEcho{ID: 7, Seq: 3, SendNanos: time.Now().UnixNano(), Payload: []byte("p")}
	require.False(t, r.dispatch(FamilyIPv6, false, ev))

	select {
	case <-w4.resultCh:
		t.Fatalf("ipv4 waiter must not be fulfilled by an ipv6 dispatch sharing its (id,seq)")
	default:
	}
}

func TestRegistry_Remove_ReleasesSeqForReuse(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	const id = uint16(11)

	seq, err := r.allocateSeq(ctx, id)
	require.NoError(t, err)
	w := r.register(FamilyIPv4, id, seq, net.ParseIP("127.0.0.1"), time.Now().Add(time.Second), []byte("x"), false)
	r.remove(w)

	unmark := r.markAllSeqBusy(id, int(seq))
	defer unmark()
	got, err := r.allocateSeq(ctx, id)
	require.NoError(t, err)
	require.Equal(t, seq, got, "a removed waiter's sequence must become available again")
}
