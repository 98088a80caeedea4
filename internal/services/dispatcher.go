package services

import (
	"context"
	"log"
	"sync"

	"github.com/streamtip/backend/internal/models"
)

// SettledHandler consumes a settled event off the critical path. Handler
// failures are the handler's problem; settlement has already committed.
type SettledHandler func(ctx context.Context, event *models.DistributionEvent, entries []models.LedgerEntry)

type settledWork struct {
	event   *models.DistributionEvent
	entries []models.LedgerEntry
}

// Dispatcher hands settled events to the experience engine and the
// realtime publisher through a bounded queue consumed by independent
// workers. Enqueueing never blocks; when the queue is full the event is
// dropped and logged, since neither consumer is allowed to affect
// settlement correctness.
type Dispatcher struct {
	queue    chan settledWork
	handlers []SettledHandler
	wg       sync.WaitGroup
}

func NewDispatcher(buffer, workers int, handlers ...SettledHandler) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		queue:    make(chan settledWork, buffer),
		handlers: handlers,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for work := range d.queue {
		for _, handler := range d.handlers {
			handler(context.Background(), work.event, work.entries)
		}
	}
}

// Dispatch enqueues a settled event for the side-effect consumers.
func (d *Dispatcher) Dispatch(event *models.DistributionEvent, entries []models.LedgerEntry) {
	select {
	case d.queue <- settledWork{event: event, entries: entries}:
	default:
		log.Printf("[DISPATCH] Queue full, dropping side effects for event %s", event.ID)
	}
}

// Close drains the queue and stops the workers.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}
