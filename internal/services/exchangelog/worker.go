package exchangelog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Egham-7/adaptive-wsproxy/internal/models"
	"github.com/Egham-7/adaptive-wsproxy/pkg/wsfetch"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	defaultPoolSize   = 2
	defaultBufferSize = 1024
	recordTimeout     = 5 * time.Second
)

// Recorder stores a single exchange record
type Recorder interface {
	Record(ctx context.Context, rec models.ExchangeRecord) error
}

// Worker persists exchange records off the request path
type Worker struct {
	recorder Recorder
	tasks    chan models.ExchangeRecord
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	// mu orders Submit's enqueue against Stop so nothing lands after the drain
	mu     sync.RWMutex
	closed bool
}

// NewWorker starts poolSize goroutines draining a buffer of bufferSize records
func NewWorker(recorder Recorder, poolSize, bufferSize int) *Worker {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	w := &Worker{
		recorder: recorder,
		tasks:    make(chan models.ExchangeRecord, bufferSize),
		stopped:  make(chan struct{}),
	}
	for range poolSize {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Submit queues rec without blocking; records are dropped when the buffer is full
func (w *Worker) Submit(rec models.ExchangeRecord) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		fiberlog.Warnf("[%s] Exchange log stopped, dropping record", rec.RequestID)
		return false
	}

	select {
	case w.tasks <- rec:
		return true
	default:
		fiberlog.Warnf("[%s] Exchange log buffer full, dropping record", rec.RequestID)
		return false
	}
}

// Hook adapts the worker to wsfetch.WithExchangeHook. Busy rejections never
// carried traffic and are not logged.
func (w *Worker) Hook(credentialHash string) func(wsfetch.ExchangeReport) {
	return func(report wsfetch.ExchangeReport) {
		if errors.Is(report.Err, wsfetch.ErrConnectionBusy) {
			return
		}
		w.Submit(FromReport(report, credentialHash))
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopped:
			w.drain()
			return
		case rec := <-w.tasks:
			w.record(rec)
		}
	}
}

// drain flushes whatever is still buffered after Stop
func (w *Worker) drain() {
	for {
		select {
		case rec := <-w.tasks:
			w.record(rec)
		default:
			return
		}
	}
}

func (w *Worker) record(rec models.ExchangeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := w.recorder.Record(ctx, rec); err != nil {
		fiberlog.Errorf("[%s] Failed to record exchange: %v", rec.RequestID, err)
	}
}

// Stop flushes buffered records and waits for the pool to exit
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.stopped)
		w.mu.Unlock()

		w.wg.Wait()
	})
}
