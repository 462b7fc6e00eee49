package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quotaguard/quotaguard/internal/domain/audit"
)

// EventService delivers events asynchronously through a buffered channel
// and a background worker, so emitting never blocks on the sink.
type EventService struct {
	store         audit.EventStore
	events        chan audit.Event
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	logger        *slog.Logger
	metrics       *Metrics
	batchSize     int
	flushInterval time.Duration

	channelSize int
	// sendTimeout: 0 drops immediately when full, >0 waits up to this long.
	sendTimeout time.Duration
	dropCount   atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64
	lastDropWarning  atomic.Int64
}

// EventOption configures EventService.
type EventOption func(*EventService)

// WithBatchSize sets the number of events written per store call.
func WithBatchSize(size int) EventOption {
	return func(s *EventService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets how often a partial batch is written.
func WithFlushInterval(interval time.Duration) EventOption {
	return func(s *EventService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the buffer size.
func WithChannelSize(size int) EventOption {
	return func(s *EventService) {
		if size > 0 {
			s.events = make(chan audit.Event, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets the backpressure timeout.
func WithSendTimeout(timeout time.Duration) EventOption {
	return func(s *EventService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth percentage (0-100) that logs a warning.
func WithWarningThreshold(percent int) EventOption {
	return func(s *EventService) {
		s.warningThreshold = max(0, min(percent, 100))
	}
}

// WithEventMetrics counts drops on m.
func WithEventMetrics(m *Metrics) EventOption {
	return func(s *EventService) { s.metrics = m }
}

// NewEventService creates an event service writing to store.
func NewEventService(store audit.EventStore, logger *slog.Logger, opts ...EventOption) *EventService {
	const defaultChannelSize = 1000
	s := &EventService{
		store:            store,
		events:           make(chan audit.Event, defaultChannelSize),
		stop:             make(chan struct{}),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the background worker until Stop is called or ctx is cancelled.
func (s *EventService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Emit queues an event. When the buffer is full it waits up to the send
// timeout and then drops the event. Events emitted after Stop are dropped.
func (s *EventService) Emit(e audit.Event) {
	if s.warningThreshold > 0 {
		depth := len(s.events)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case <-s.stop:
		s.recordDrop(e)
		return
	default:
	}

	select {
	case s.events <- e:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(e)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.events <- e:
	case <-timer.C:
		s.recordDrop(e)
	case <-s.stop:
		s.recordDrop(e)
	}
}

func (s *EventService) recordDrop(e audit.Event) {
	drops := s.dropCount.Add(1)
	if s.metrics != nil {
		s.metrics.EventDrops.Inc()
	}
	// At most one warning per second; the metric and counter carry the rest.
	if !throttled(&s.lastDropWarning, time.Second) {
		s.logger.Warn("event dropped",
			"kind", e.Kind,
			"caller", e.CallerIdentity,
			"total_drops", drops,
		)
	}
}

// throttled reports whether a log guarded by last fired within every.
// Otherwise it claims the slot and returns false.
func throttled(last *atomic.Int64, every time.Duration) bool {
	now := time.Now().UnixNano()
	prev := last.Load()
	if now-prev < int64(every) {
		return true
	}
	return !last.CompareAndSwap(prev, now)
}

// warnChannelDepth logs at most once per second.
func (s *EventService) warnChannelDepth(depth int) {
	if !throttled(&s.lastWarning, time.Second) {
		s.logger.Warn("event channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedEvents returns the total number of dropped events.
func (s *EventService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the number of queued events.
func (s *EventService) ChannelDepth() int {
	return len(s.events)
}

// ChannelCapacity returns the buffer size.
func (s *EventService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the worker, waits for it to drain the queue and flushes the store.
// Safe to call multiple times.
func (s *EventService) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *EventService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.events:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.write(ctx, batch)
				batch = batch[:0]
			}

		case <-s.stop:
			s.drain(batch)
			return

		case <-ctx.Done():
			s.drain(batch)
			return
		}
	}
}

// drain writes whatever is queued with a bounded deadline.
func (s *EventService) drain(batch []audit.Event) {
loop:
	for {
		select {
		case e := <-s.events:
			batch = append(batch, e)
		default:
			break loop
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(batch) > 0 {
		s.write(ctx, batch)
	}
	if err := s.store.Flush(ctx); err != nil {
		s.logger.Error("failed to flush event store", "error", err)
	}
}

// write hands a batch to the store. Errors are logged, never propagated to requests.
func (s *EventService) write(ctx context.Context, batch []audit.Event) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write event batch",
			"error", err,
			"count", len(batch),
		)
	}
}
