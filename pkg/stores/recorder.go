package stores

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// RecorderConfig tunes a SensorRecorder.
type RecorderConfig struct {
	// Buffer is the number of events held while the writer is busy. Events
	// published when it is full are dropped and counted.
	Buffer int

	// BatchSize is the number of events written per transaction.
	BatchSize int

	// FlushInterval bounds how long an event waits before it is written.
	FlushInterval time.Duration

	Logger zerolog.Logger
}

// SensorRecorder is a sensors.Observer that appends every publish to the
// sensor event log. SensorPublished never blocks; a background writer
// drains the buffer in batches.
type SensorRecorder struct {
	store   Store
	cfg     RecorderConfig
	logger  zerolog.Logger
	events  chan *SensorEvent
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewSensorRecorder starts a recorder writing to store.
func NewSensorRecorder(store Store, cfg RecorderConfig) *SensorRecorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	r := &SensorRecorder{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sensor_recorder").Logger(),
		events: make(chan *SensorEvent, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// SensorPublished implements sensors.Observer.
func (r *SensorRecorder) SensorPublished(e sensors.Event) {
	ev := &SensorEvent{
		NodeID:    e.Producer,
		Sensor:    e.Sensor,
		Value:     encodeJSON(entity.Printable(e.Value)),
		Seq:       int64(e.Seq),
		Timestamp: e.Timestamp,
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer or published
// after Close.
func (r *SensorRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits until the buffered ones are
// written or ctx ends.
func (r *SensorRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SensorRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*SensorEvent, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.store.AppendSensorEvents(context.Background(), batch); err != nil {
			r.logger.Warn().Err(err).Int("events", len(batch)).Msg("Failed to write sensor events")
		}
		batch = make([]*SensorEvent, 0, r.cfg.BatchSize)
	}

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
