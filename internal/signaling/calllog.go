package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"carebridge/pkg/interfaces"
	"carebridge/pkg/types"
)

// Defaults for NewCallLog.
const (
	DefaultCallLogBuffer  = 256
	DefaultCallLogTimeout = 5 * time.Second
)

// CallLog queues call transitions for a slower recorder. RecordCall never
// blocks: records are written in order by one goroutine, and a full queue
// drops the record with ErrCallLogFull.
type CallLog struct {
	recorder interfaces.CallRecorder
	queue    chan *types.CallRecord
	timeout  time.Duration
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	log      zerolog.Logger
}

// NewCallLog starts the writer goroutine. Close must be called to flush it.
func NewCallLog(recorder interfaces.CallRecorder, buffer int, timeout time.Duration, logger zerolog.Logger) *CallLog {
	if buffer <= 0 {
		buffer = DefaultCallLogBuffer
	}
	if timeout <= 0 {
		timeout = DefaultCallLogTimeout
	}
	l := &CallLog{
		recorder: recorder,
		queue:    make(chan *types.CallRecord, buffer),
		timeout:  timeout,
		log:      logger.With().Str("component", "call_log").Logger(),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// RecordCall queues rec. ctx is not used; the write happens later under the
// log's own timeout.
func (l *CallLog) RecordCall(_ context.Context, rec *types.CallRecord) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrCallLogClosed
	}
	select {
	case l.queue <- rec:
		return nil
	default:
		l.log.Warn().Str("call_id", rec.CallID).Str("state", string(rec.State)).Msg("call log full, record dropped")
		return ErrCallLogFull
	}
}

// Close stops accepting records and waits until the queue is written.
func (l *CallLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *CallLog) writeLoop() {
	defer l.wg.Done()
	for rec := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := l.recorder.RecordCall(ctx, rec); err != nil {
			l.log.Error().Err(err).Str("call_id", rec.CallID).Str("state", string(rec.State)).Msg("failed to audit call transition")
		}
		cancel()
	}
}
