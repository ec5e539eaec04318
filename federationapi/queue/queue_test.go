package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedapi "github.com/meshline-im/meshline/federationapi/api"
	"github.com/meshline-im/meshline/internal/process"
	"github.com/meshline-im/meshline/roomserver/types"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []fedapi.Transaction
	failN int // number of leading calls that fail, per destination
	calls map[string]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(map[string]int)}
}

func (f *fakeSender) SendTransaction(_ context.Context, txn fedapi.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[txn.Destination]++
	if f.calls[txn.Destination] <= f.failN {
		return assert.AnError
	}
	f.sent = append(f.sent, txn)
	return nil
}

func (f *fakeSender) transactions() []fedapi.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fedapi.Transaction(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSendEvent_DeliversToEachDestination(t *testing.T) {
	proc := process.New()
	defer proc.Shutdown()
	sender := newFakeSender()
	q := NewOutgoingQueues(proc, "origin.example.org", sender)

	pdu := &types.PDU{EventID: "$event1"}
	q.SendEvent(pdu, []string{"a.example.org", "b.example.org"})

	waitFor(t, func() bool { return len(sender.transactions()) == 2 })

	destinations := map[string]bool{}
	for _, txn := range sender.transactions() {
		destinations[txn.Destination] = true
		require.Len(t, txn.PDUs, 1)
		assert.Equal(t, "$event1", txn.PDUs[0].EventID)
		assert.Equal(t, "origin.example.org", txn.Origin)
	}
	assert.True(t, destinations["a.example.org"])
	assert.True(t, destinations["b.example.org"])
}

func TestSendEvent_SkipsOwnOrigin(t *testing.T) {
	proc := process.New()
	defer proc.Shutdown()
	sender := newFakeSender()
	q := NewOutgoingQueues(proc, "origin.example.org", sender)

	pdu := &types.PDU{EventID: "$event1"}
	q.SendEvent(pdu, []string{"origin.example.org"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.transactions(), "a destination equal to this server's own name must never be queued")
}

func TestSendEvent_RetriesAfterFailure(t *testing.T) {
	proc := process.New()
	defer proc.Shutdown()
	sender := newFakeSender()
	sender.failN = 1
	q := NewOutgoingQueues(proc, "origin.example.org", sender)

	pdu := &types.PDU{EventID: "$event1"}
	q.SendEvent(pdu, []string{"a.example.org"})

	// The failed send puts the destination into its 5-minute backoff;
	// clear the entry once it is recorded so the retry happens within the
	// test's deadline.
	waitFor(t, func() bool { return q.backoff.Tries("a.example.org") >= 1 })
	q.backoff.Reset("a.example.org")

	waitFor(t, func() bool { return len(sender.transactions()) == 1 })
	assert.GreaterOrEqual(t, sender.calls["a.example.org"], 2, "the first failed attempt must be retried")
}

func TestSendEvent_BatchesLargeQueuesAt50(t *testing.T) {
	proc := process.New()
	defer proc.Shutdown()
	sender := newFakeSender()
	q := NewOutgoingQueues(proc, "origin.example.org", sender)

	for i := 0; i < 120; i++ {
		q.SendEvent(&types.PDU{EventID: "$event"}, []string{"a.example.org"})
	}

	waitFor(t, func() bool {
		total := 0
		for _, txn := range sender.transactions() {
			total += len(txn.PDUs)
		}
		return total == 120
	})

	for _, txn := range sender.transactions() {
		assert.LessOrEqual(t, len(txn.PDUs), maxPDUsPerTransaction)
	}
}
