package trace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultTouchQueueSize = 256
	defaultTouchBatchSize = 64
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// AccountToucher is the slice of SpanStore the touch writer needs.
type AccountToucher interface {
	TouchAccount(ctx context.Context, id string, at time.Time) error
}

// Touch records that an account was seen at a point in time.
type Touch struct {
	AccountID string
	At        time.Time
}

// TouchDiagnostics is a point-in-time view of the touch queue.
type TouchDiagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	CoalescedTotal          int64            `json:"coalesced_total"`
	WriteFailedTotal        int64            `json:"write_failed_total"`
	LastDropAt              *time.Time       `json:"last_drop_at,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// TouchFailure describes account touches that could not be persisted.
type TouchFailure struct {
	AccountID  string
	Err        error
	ErrorClass string
}

// TouchHooks are optional callbacks invoked at key points of the pipeline.
type TouchHooks struct {
	OnDrop    func()
	OnFailure func(TouchFailure)
	OnFlush   func(batchSize int, duration time.Duration)
}

type TouchWriterOptions struct {
	QueueSize int
	BatchSize int
	// FlushInterval bounds how long a partial batch waits for more touches.
	// Zero flushes as soon as the queue is momentarily empty.
	FlushInterval time.Duration
	Hooks         TouchHooks
}

// TouchWriter moves account last-seen updates off the request path. Touches
// are batched, coalesced per account (latest time wins) and dropped rather
// than blocking when the queue is full.
type TouchWriter struct {
	store         AccountToucher
	queue         chan Touch
	batchSize     int
	flushInterval time.Duration
	hooks         TouchHooks

	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	queueMu  sync.RWMutex

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	coalescedTotal          atomic.Int64
	writeFailedTotal        atomic.Int64
	lastDropUnixNano        atomic.Int64

	failureMu      sync.Mutex
	failureByClass map[string]int64
}

func NewTouchWriter(store AccountToucher, opts TouchWriterOptions) *TouchWriter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultTouchQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultTouchBatchSize
	}
	return &TouchWriter{
		store:          store,
		queue:          make(chan Touch, opts.QueueSize),
		batchSize:      opts.BatchSize,
		flushInterval:  opts.FlushInterval,
		hooks:          opts.Hooks,
		done:           make(chan struct{}),
		failureByClass: make(map[string]int64),
	}
}

func (w *TouchWriter) Start(ctx context.Context) {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()
		w.run(ctx)
	}()
}

func (w *TouchWriter) run(ctx context.Context) {
	var timer *time.Timer
	if w.flushInterval > 0 {
		timer = time.NewTimer(w.flushInterval)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background(), w.drainRemaining(nil))
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch := []Touch{first}
			if timer != nil {
				timer.Reset(w.flushInterval)
			}

		collect:
			for len(batch) < w.batchSize {
				if timer == nil {
					select {
					case next, ok := <-w.queue:
						if !ok {
							w.flush(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break collect
					}
					continue
				}
				select {
				case <-ctx.Done():
					w.flush(context.Background(), w.drainRemaining(batch))
					return
				case next, ok := <-w.queue:
					if !ok {
						w.flush(context.Background(), batch)
						return
					}
					batch = append(batch, next)
				case <-timer.C:
					break collect
				}
			}
			if timer != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			w.flush(ctx, batch)
		}
	}
}

func (w *TouchWriter) drainRemaining(batch []Touch) []Touch {
	for {
		select {
		case next, ok := <-w.queue:
			if !ok {
				return batch
			}
			batch = append(batch, next)
		default:
			return batch
		}
	}
}

// Enqueue schedules a touch. It reports false when the touch was dropped.
func (w *TouchWriter) Enqueue(touch Touch) bool {
	if w == nil || w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- touch:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		w.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
		if w.hooks.OnDrop != nil {
			w.hooks.OnDrop()
		}
		return false
	}
}

// Shutdown stops accepting touches and waits for queued ones to be written.
func (w *TouchWriter) Shutdown(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *TouchWriter) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *TouchWriter) flush(ctx context.Context, batch []Touch) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()

	latest := make(map[string]time.Time, len(batch))
	order := make([]string, 0, len(batch))
	for _, touch := range batch {
		if touch.AccountID == "" {
			continue
		}
		current, seen := latest[touch.AccountID]
		if !seen {
			order = append(order, touch.AccountID)
			latest[touch.AccountID] = touch.At
			continue
		}
		w.coalescedTotal.Add(1)
		if touch.At.After(current) {
			latest[touch.AccountID] = touch.At
		}
	}

	for _, accountID := range order {
		if err := w.store.TouchAccount(ctx, accountID, latest[accountID]); err != nil {
			w.reportFailure(TouchFailure{AccountID: accountID, Err: err})
		}
	}

	if w.hooks.OnFlush != nil {
		w.hooks.OnFlush(len(order), time.Since(start))
	}
}

func (w *TouchWriter) reportFailure(failure TouchFailure) {
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeFailedTotal.Add(1)

	w.failureMu.Lock()
	w.failureByClass[failure.ErrorClass]++
	w.failureMu.Unlock()

	if w.hooks.OnFailure != nil {
		w.hooks.OnFailure(failure)
	}
}

// QueueLen returns the number of touches waiting to be written.
func (w *TouchWriter) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

func (w *TouchWriter) Diagnostics() TouchDiagnostics {
	if w == nil {
		return TouchDiagnostics{}
	}

	capacity := cap(w.queue)
	depth := len(w.queue)
	highWatermark := int(w.queueDepthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}
	utilization := queueUtilizationPct(depth, capacity)

	snapshot := TouchDiagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: highWatermark,
		QueueUtilizationPct:     utilization,
		QueuePressureState:      queuePressureState(utilization),
		EnqueueAcceptedTotal:    w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     w.enqueueDroppedTotal.Load(),
		CoalescedTotal:          w.coalescedTotal.Load(),
		WriteFailedTotal:        w.writeFailedTotal.Load(),
	}
	if ts := w.lastDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDropAt = &last
	}

	w.failureMu.Lock()
	if len(w.failureByClass) > 0 {
		snapshot.WriteFailuresByClass = make(map[string]int64, len(w.failureByClass))
		for class, count := range w.failureByClass {
			snapshot.WriteFailuresByClass[class] = count
		}
	}
	w.failureMu.Unlock()
	return snapshot
}

func (w *TouchWriter) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	value := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if value <= current {
			return
		}
		if w.queueDepthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
