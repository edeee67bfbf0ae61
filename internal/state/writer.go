package state

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/internal/recovery"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// RecordKind identifies what a Record carries.
type RecordKind string

const (
	KindDecision RecordKind = "decision"
	KindPosition RecordKind = "position"
	KindAccount  RecordKind = "account"
)

// Record is one unit of work for the Writer.
type Record struct {
	Kind     RecordKind
	Decision *types.Decision
	Position *types.Position
	Account  *AccountState
	Attempts int

	// seq orders versions of the same key; assigned on first Enqueue.
	seq uint64
}

// DecisionRecord wraps a decision.
func DecisionRecord(d types.Decision) Record { return Record{Kind: KindDecision, Decision: &d} }

// PositionRecord wraps a position change.
func PositionRecord(p types.Position) Record { return Record{Kind: KindPosition, Position: &p} }

// AccountRecord wraps an account snapshot.
func AccountRecord(a AccountState) Record { return Record{Kind: KindAccount, Account: &a} }

// Key identifies the record for de-duplication in the unpersisted set. Only
// the latest position state and account snapshot are worth keeping.
func (r Record) Key() string {
	switch r.Kind {
	case KindDecision:
		return "decision:" + r.Decision.ID
	case KindPosition:
		return "position:" + r.Position.ID
	default:
		return "account"
	}
}

// WriterConfig configures background persistence.
type WriterConfig struct {
	QueueSize   int
	Retry       recovery.RetryConfig
	BreakerName string
}

// Writer persists records on a background goroutine so callers never wait
// on storage. Writes go through a retry handler and a gobreaker guard;
// records that exhaust their retries are kept in an unpersisted set and
// re-enqueued by Requeue.
type Writer struct {
	store    RecordStore
	queue    chan Record
	recovery *recovery.Handler
	guard    *gobreaker.CircuitBreaker
	log      zerolog.Logger

	mu          sync.Mutex
	unpersisted map[string]Record
	lastWritten map[string]uint64
	onFailure   func(Record, error)

	seq        atomic.Uint64
	written    atomic.Int64
	failed     atomic.Int64
	superseded atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewWriter builds a writer; call Start to begin draining.
func NewWriter(store RecordStore, cfg WriterConfig, log zerolog.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "record-store"
	}
	if cfg.Retry.MaxRetries == nil {
		cfg.Retry = recovery.DefaultRetryConfig()
	}

	w := &Writer{
		store:       store,
		queue:       make(chan Record, cfg.QueueSize),
		recovery:    recovery.NewHandler(log, cfg.Retry),
		log:         log,
		unpersisted: make(map[string]Record),
		lastWritten: make(map[string]uint64),
		done:        make(chan struct{}),
	}
	w.guard = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("guard", name).Str("from", from.String()).Str("to", to.String()).Msg("record store guard changed state")
		},
	})
	return w
}

// OnFailure registers a callback for records that exhausted their retries.
func (w *Writer) OnFailure(fn func(Record, error)) {
	w.mu.Lock()
	w.onFailure = fn
	w.mu.Unlock()
}

// Start drains the queue until ctx is done or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				w.drain(context.Background())
				return
			case <-w.done:
				w.drain(context.Background())
				return
			case rec := <-w.queue:
				w.process(ctx, rec)
			}
		}
	}()
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case rec := <-w.queue:
			w.process(ctx, rec)
		default:
			return
		}
	}
}

// Close stops the worker after flushing queued records.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Enqueue schedules rec without blocking. A full queue parks the record in
// the unpersisted set and returns false. Records of the same key are written
// in enqueue order; an older version reaching the store after a newer one is
// dropped.
func (w *Writer) Enqueue(rec Record) bool {
	if rec.seq == 0 {
		rec.seq = w.seq.Add(1)
	}
	select {
	case w.queue <- rec:
		return true
	default:
		w.park(rec, fmt.Errorf("persistence queue full"))
		return false
	}
}

// Requeue moves parked records back onto the queue as capacity allows and
// returns how many were moved. Parked records older than the last write of
// their key are discarded.
func (w *Writer) Requeue() int {
	w.mu.Lock()
	pending := make([]Record, 0, len(w.unpersisted))
	for key, rec := range w.unpersisted {
		delete(w.unpersisted, key)
		if w.staleLocked(rec) {
			w.superseded.Add(1)
			continue
		}
		pending = append(pending, rec)
	}
	w.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	moved := 0
	for i, rec := range pending {
		select {
		case w.queue <- rec:
			moved++
		default:
			w.mu.Lock()
			for _, rest := range pending[i:] {
				w.keepLatestLocked(rest)
			}
			w.mu.Unlock()
			return moved
		}
	}
	return moved
}

// Unpersisted is the size of the parked backlog.
func (w *Writer) Unpersisted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unpersisted)
}

// UnpersistedDecisions returns the parked decisions, oldest first.
func (w *Writer) UnpersistedDecisions() []types.Decision {
	w.mu.Lock()
	out := make([]types.Decision, 0)
	for _, rec := range w.unpersisted {
		if rec.Kind == KindDecision {
			out = append(out, *rec.Decision)
		}
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Written and Failed count completed and exhausted writes. Superseded counts
// records dropped because a newer version of the same key was already written.
func (w *Writer) Written() int64    { return w.written.Load() }
func (w *Writer) Failed() int64     { return w.failed.Load() }
func (w *Writer) Superseded() int64 { return w.superseded.Load() }

// Persist writes rec synchronously with retries and the store guard.
func (w *Writer) Persist(ctx context.Context, rec Record) error {
	operation := "save_" + string(rec.Kind)
	return w.recovery.ExecuteWithRecovery(ctx, "state", operation, func(ctx context.Context) error {
		_, err := w.guard.Execute(func() (interface{}, error) {
			return nil, w.write(ctx, rec)
		})
		if err != nil {
			return errors.NewPersistenceError("state", operation, err)
		}
		return nil
	})
}

func (w *Writer) process(ctx context.Context, rec Record) {
	w.mu.Lock()
	stale := w.staleLocked(rec)
	w.mu.Unlock()
	if stale {
		w.superseded.Add(1)
		w.log.Debug().Str("key", rec.Key()).Uint64("seq", rec.seq).Msg("dropping superseded record")
		return
	}

	rec.Attempts++
	if err := w.Persist(ctx, rec); err != nil {
		w.failed.Add(1)
		w.park(rec, err)
		return
	}
	w.written.Add(1)
	w.markWritten(rec)
}

// staleLocked reports whether a newer version of rec's key has been written.
// Decisions are immutable and never stale.
func (w *Writer) staleLocked(rec Record) bool {
	if rec.Kind == KindDecision || rec.seq == 0 {
		return false
	}
	last, ok := w.lastWritten[rec.Key()]
	return ok && rec.seq < last
}

// markWritten records the written version and drops any older parked copy.
func (w *Writer) markWritten(rec Record) {
	if rec.Kind == KindDecision {
		return
	}
	key := rec.Key()
	w.mu.Lock()
	defer w.mu.Unlock()
	if parked, ok := w.unpersisted[key]; ok && parked.seq <= rec.seq {
		delete(w.unpersisted, key)
	}
	if rec.Kind == KindPosition && rec.Position.Status == types.PositionClosed {
		// the stores refuse to reopen a closed position; nothing left to order
		delete(w.lastWritten, key)
		return
	}
	if rec.seq > w.lastWritten[key] {
		w.lastWritten[key] = rec.seq
	}
}

func (w *Writer) park(rec Record, err error) {
	w.mu.Lock()
	w.keepLatestLocked(rec)
	callback := w.onFailure
	w.mu.Unlock()

	ev := w.log.Error().Err(err).Str("kind", string(rec.Kind)).Str("key", rec.Key()).Int("attempts", rec.Attempts)
	if stderrors.Is(err, gobreaker.ErrOpenState) {
		ev = w.log.Warn().Err(err).Str("kind", string(rec.Kind)).Str("key", rec.Key())
	}
	ev.Msg("record not persisted, parked for retry")
	if callback != nil {
		callback(rec, err)
	}
}

func (w *Writer) keepLatestLocked(rec Record) {
	key := rec.Key()
	if existing, ok := w.unpersisted[key]; ok && newer(existing, rec) {
		return
	}
	w.unpersisted[key] = rec
}

// newer reports whether a is a later version of the same record than b. A
// closed position is final; otherwise the later enqueue wins.
func newer(a, b Record) bool {
	if a.Kind == KindPosition {
		aClosed := a.Position.Status == types.PositionClosed
		bClosed := b.Position.Status == types.PositionClosed
		if aClosed != bClosed {
			return aClosed
		}
	}
	return a.seq > b.seq
}

func (w *Writer) write(ctx context.Context, rec Record) error {
	switch rec.Kind {
	case KindDecision:
		return w.store.SaveDecision(ctx, *rec.Decision)
	case KindPosition:
		return w.store.SavePosition(ctx, *rec.Position)
	case KindAccount:
		return w.store.SaveAccount(ctx, *rec.Account)
	}
	return fmt.Errorf("unknown record kind %q", rec.Kind)
}
