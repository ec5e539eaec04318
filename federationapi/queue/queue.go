// Package queue implements the outbound federation transaction queue: one
// worker goroutine per destination server, each serializing delivery of
// PDUs queued for it and backing off on failure using the same
// 5min*tries^2 formula internal/ratelimit applies to inbound admission,
// grounded on the corpus's per-destination retry-worker pattern (a single
// running goroutine per remote peer, guarded by an atomic flag so a
// send failure doesn't spawn a second concurrent worker for the same
// destination).
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	fedapi "github.com/meshline-im/meshline/federationapi/api"
	"github.com/meshline-im/meshline/internal/logging"
	"github.com/meshline-im/meshline/internal/process"
	"github.com/meshline-im/meshline/internal/ratelimit"
	"github.com/meshline-im/meshline/roomserver/types"
)

const maxPDUsPerTransaction = 50

// destinationQueue holds the pending PDUs for one remote server and the
// single worker goroutine draining them.
type destinationQueue struct {
	destination string
	origin      string
	sender      fedapi.Sender
	backoff     *ratelimit.Limiter
	proc        *process.Context

	mu      sync.Mutex
	pending []*types.PDU
	running atomic.Bool
	wake    chan struct{}
}

// OutgoingQueues fans out admitted events to every server that needs to
// see them, one destinationQueue per remote server name.
type OutgoingQueues struct {
	proc    *process.Context
	origin  string
	sender  fedapi.Sender
	backoff *ratelimit.Limiter

	mu         sync.Mutex
	byDest     map[string]*destinationQueue
}

// NewOutgoingQueues constructs an OutgoingQueues bound to origin (this
// server's own name) and sender (the injected transport).
func NewOutgoingQueues(proc *process.Context, origin string, sender fedapi.Sender) *OutgoingQueues {
	return &OutgoingQueues{
		proc:    proc,
		origin:  origin,
		sender:  sender,
		backoff: ratelimit.New(),
		byDest:  make(map[string]*destinationQueue),
	}
}

// SendEvent enqueues pdu for delivery to every server in destinations,
// skipping this server's own name, starting each destination's worker if
// it is not already running.
func (q *OutgoingQueues) SendEvent(pdu *types.PDU, destinations []string) {
	for _, dest := range destinations {
		if dest == "" || dest == q.origin {
			continue
		}
		q.destinationQueueFor(dest).enqueue(pdu)
	}
}

func (q *OutgoingQueues) destinationQueueFor(dest string) *destinationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.byDest[dest]
	if !ok {
		dq = &destinationQueue{
			destination: dest,
			origin:      q.origin,
			sender:      q.sender,
			backoff:     q.backoff,
			proc:        q.proc,
			wake:        make(chan struct{}, 1),
		}
		q.byDest[dest] = dq
	}
	return dq
}

func (dq *destinationQueue) enqueue(pdu *types.PDU) {
	dq.mu.Lock()
	dq.pending = append(dq.pending, pdu)
	dq.mu.Unlock()

	select {
	case dq.wake <- struct{}{}:
	default:
	}

	if dq.running.CompareAndSwap(false, true) {
		dq.proc.Go("federationapi.queue."+dq.destination, func(ctx context.Context) {
			dq.run(ctx)
		})
	}
}

// run drains pending PDUs in batches of up to maxPDUsPerTransaction until
// the queue is empty, then marks itself not-running. A failed send
// requeues the batch at the front and backs off per the destination's
// ratelimiter entry before retrying.
func (dq *destinationQueue) run(ctx context.Context) {
	log := logging.Logger("federationapi.queue").WithField("destination", dq.destination)

	for {
		select {
		case <-ctx.Done():
			dq.running.Store(false)
			return
		default:
		}

		batch := dq.nextBatch()
		if len(batch) == 0 {
			// Clear running, then re-check: an enqueue that landed after
			// nextBatch saw running still set and started no worker.
			dq.running.Store(false)
			dq.mu.Lock()
			more := len(dq.pending) > 0
			dq.mu.Unlock()
			if more && dq.running.CompareAndSwap(false, true) {
				continue
			}
			return
		}

		if dq.backoff.InBackoff(dq.destination) {
			select {
			case <-dq.wake:
			case <-time.After(time.Second):
			case <-ctx.Done():
				dq.requeueFront(batch)
				dq.running.Store(false)
				return
			}
			dq.requeueFront(batch)
			continue
		}

		txn := fedapi.Transaction{
			TransactionID: uuid.NewString(),
			Origin:        dq.origin,
			Destination:   dq.destination,
			PDUs:          batch,
		}
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := dq.sender.SendTransaction(sendCtx, txn)
		cancel()

		if err != nil {
			dq.backoff.Fail(dq.destination)
			log.WithError(err).WithField("batch_size", len(batch)).Debug("transaction delivery failed, requeuing")
			dq.requeueFront(batch)
			continue
		}
	}
}

func (dq *destinationQueue) nextBatch() []*types.PDU {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if len(dq.pending) == 0 {
		return nil
	}
	n := len(dq.pending)
	if n > maxPDUsPerTransaction {
		n = maxPDUsPerTransaction
	}
	batch := dq.pending[:n]
	dq.pending = dq.pending[n:]
	return batch
}

func (dq *destinationQueue) requeueFront(batch []*types.PDU) {
	dq.mu.Lock()
	dq.pending = append(batch, dq.pending...)
	dq.mu.Unlock()
}
