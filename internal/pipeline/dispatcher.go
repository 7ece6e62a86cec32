package pipeline

import (
	"context"
	"log"
	"sync"

	"github.com/echodiary/echodiary/internal/store"
)

// Dispatcher fans finalized calls out to a bounded worker pool. Enqueue
// never blocks the lifecycle engine and duplicate enqueues of a call that
// is still queued or running collapse into one run.
type Dispatcher struct {
	processor *Processor
	queue     chan string
	workers   int

	mu       sync.Mutex
	inflight map[string]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(processor *Processor, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		processor: processor,
		queue:     make(chan string, queueSize),
		workers:   workers,
		inflight:  make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the worker pool. Workers drain until ctx is cancelled;
// Wait blocks until they finish what they picked up.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		close(d.done)
	}()
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case callID := <-d.queue:
					d.run(ctx, callID)
				}
			}
		}()
	}
}

func (d *Dispatcher) Wait() { d.wg.Wait() }

// Enqueue hands a finalized call to the pool. When the queue is full the
// call is pushed from a goroutine instead of dropping it: losing a
// pipeline run loses graph updates and check-ins. The overflow push gives
// up once the dispatcher shuts down so the goroutine and the inflight
// slot do not outlive the pool; the call stays recoverable via Recover.
func (d *Dispatcher) Enqueue(callID string) {
	d.mu.Lock()
	if _, dup := d.inflight[callID]; dup {
		d.mu.Unlock()
		return
	}
	d.inflight[callID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- callID:
	default:
		go func() {
			select {
			case d.queue <- callID:
			case <-d.done:
				d.mu.Lock()
				delete(d.inflight, callID)
				d.mu.Unlock()
				log.Printf("pipeline: dispatcher stopped, not queueing call %s", callID)
			}
		}()
	}
}

// Recover re-enqueues finalized calls stuck in a non-terminal processing
// state. Run once at startup to close the crash window between a call's
// finalize and its pipeline run.
func (d *Dispatcher) Recover(ctx context.Context, st store.Store, limit int) int {
	calls, err := st.UnprocessedCalls(ctx, limit)
	if err != nil {
		log.Printf("pipeline: list unprocessed calls: %v", err)
		return 0
	}
	for _, c := range calls {
		d.Enqueue(c.ID)
	}
	return len(calls)
}

func (d *Dispatcher) run(ctx context.Context, callID string) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, callID)
		d.mu.Unlock()
	}()
	if _, err := d.processor.Process(ctx, callID); err != nil {
		log.Printf("pipeline: process call %s: %v", callID, err)
	}
}
