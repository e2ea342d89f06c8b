package access

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/txn2/mcp-coldcall-trainer/pkg/catalog"
	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

const (
	defaultStoreTimeout     = 3 * time.Second
	defaultTempUnlockPeriod = 24 * time.Hour
	defaultCacheSize        = 1024
	defaultMemoSize         = 4096
)

// Config configures an Engine.
type Config struct {
	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration

	// TempUnlockPeriod is how long a marathon threshold unlocks the next module.
	TempUnlockPeriod time.Duration

	// CacheSize is the number of users whose progress is held in memory.
	CacheSize int

	Hooks  Hooks
	Logger *slog.Logger
	Now    func() time.Time
}

// RecordResult is returned by RecordAttempt. Success is always true;
// PendingRetry is set when the store write has been queued.
type RecordResult struct {
	Success      bool                    `json:"success"`
	PendingRetry bool                    `json:"pending_retry"`
	Duplicate    bool                    `json:"duplicate,omitempty"`
	Progress     progress.ModuleProgress `json:"progress"`
	Unlocked     []training.UnlockChange `json:"unlocked"`
}

// AttemptResult describes a completed attempt.
type AttemptResult struct {
	AttemptID string
	Module    string
	Mode      training.Mode
	Passed    bool
	Score     float64
}

// view is one user's in-memory progress. A partial view was built without
// a successful store read and holds only optimistic writes.
type view struct {
	progress map[string]progress.ModuleProgress
	partial  bool
}

// Engine checks access and records attempts through a write-ahead cache.
// Store failures never surface to callers: reads fall back to the cached
// view or a conservative default, and writes are queued for reconciliation.
type Engine struct {
	catalog *catalog.Catalog
	store   progress.Store
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	views   *lru.Cache[string, *view]
	pending map[string][]*Write
	begun   *lru.Cache[string, Decision]
	records *lru.Cache[string, RecordResult]

	// users serializes Begin per user across the access check and the
	// begin write.
	users map[string]*userLock

	group singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an access engine over store.
func NewEngine(cat *catalog.Catalog, store progress.Store, cfg Config) (*Engine, error) {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.TempUnlockPeriod <= 0 {
		cfg.TempUnlockPeriod = defaultTempUnlockPeriod
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	views, err := lru.New[string, *view](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating progress cache: %w", err)
	}
	begun, err := lru.New[string, Decision](defaultMemoSize)
	if err != nil {
		return nil, fmt.Errorf("creating begin memo: %w", err)
	}
	records, err := lru.New[string, RecordResult](defaultMemoSize)
	if err != nil {
		return nil, fmt.Errorf("creating record memo: %w", err)
	}

	return &Engine{
		catalog: cat,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/txn2/mcp-coldcall-trainer/pkg/access"),
		views:   views,
		pending: make(map[string][]*Write),
		begun:   begun,
		records: records,
		users:   make(map[string]*userLock),
	}, nil
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// lockUser locks userID and returns the matching unlock.
func (e *Engine) lockUser(userID string) func() {
	e.mu.Lock()
	l, ok := e.users[userID]
	if !ok {
		l = &userLock{}
		e.users[userID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.users, userID)
		}
		e.mu.Unlock()
	}
}

// Catalog returns the module catalog the engine evaluates against.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Progress returns the user's progress. The bool is false when the store
// could not be read and the snapshot holds only unsynced local writes.
func (e *Engine) Progress(ctx context.Context, userID string) (map[string]progress.ModuleProgress, bool, error) {
	e.mu.Lock()
	if v, ok := e.views.Get(userID); ok && !v.partial {
		snap := maps.Clone(v.progress)
		e.mu.Unlock()
		return snap, true, nil
	}
	e.mu.Unlock()

	res, err, _ := e.group.Do("load/"+userID, func() (any, error) {
		return e.load(ctx, userID)
	})
	if err == nil {
		return maps.Clone(res.(map[string]progress.ModuleProgress)), true, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views.Get(userID); ok {
		return maps.Clone(v.progress), false, nil
	}
	return nil, false, err
}

func (e *Engine) load(ctx context.Context, userID string) (map[string]progress.ModuleProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	snap, err := e.store.GetModuleProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading progress: %w", err)
	}
	if snap == nil {
		snap = make(map[string]progress.ModuleProgress)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.pending[userID] {
		w.applyTo(snap)
	}
	e.views.Add(userID, &view{progress: snap})
	return maps.Clone(snap), nil
}

// CheckAccess decides whether principal may start a call.
func (e *Engine) CheckAccess(ctx context.Context, principal training.Principal, module string, mode training.Mode) Decision {
	ctx, span := e.tracer.Start(ctx, "access.check", trace.WithAttributes(
		attribute.String("module", module),
		attribute.String("mode", string(mode)),
		attribute.String("tier", string(principal.Tier)),
	))
	defer span.End()

	var d Decision
	snap, _, err := e.Progress(ctx, principal.UserID)
	if err != nil {
		e.logger.Warn("progress unavailable, using conservative access", "user_id", principal.UserID, "error", err)
		span.AddEvent("conservative_fallback")
		d = Conservative(e.catalog, module, mode, principal.Tier)
	} else {
		d = Evaluate(e.catalog, module, mode, principal.Tier, snap, e.cfg.Now())
	}

	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("reason", string(d.Reason)))
	return d
}

// Begin checks access and, when granted, records the start of attempt
// attemptID. Starting a legend attempt consumes the cycle's legend
// availability; starting a marathon after the successor has re-locked
// begins a new cycle. Repeating Begin with the same attempt returns the
// first decision. Begins for one user run one at a time.
func (e *Engine) Begin(ctx context.Context, principal training.Principal, attemptID, module string, mode training.Mode) Decision {
	key := principal.UserID + "/" + attemptID
	res, _, _ := e.group.Do("begin/"+key, func() (any, error) {
		unlock := e.lockUser(principal.UserID)
		defer unlock()

		if d, ok := e.begun.Get(key); ok {
			return d, nil
		}

		d := e.CheckAccess(ctx, principal, module, mode)
		if d.Allowed {
			d = e.recordBegin(ctx, principal.UserID, attemptID, d)
		}
		e.begun.Add(key, d)
		return d, nil
	})
	return res.(Decision)
}

// recordBegin writes the begin event of a granted attempt. The store has
// the final word on legend availability: when it reports the attempt was
// already spent, the grant is withdrawn.
func (e *Engine) recordBegin(ctx context.Context, userID, attemptID string, d Decision) Decision {
	ev, ok := e.beginEvent(ctx, userID, attemptID, d.Module, d.Mode)
	if !ok {
		return d
	}
	_, tr, applied, _ := e.writeThrough(ctx, &Write{
		Kind: WriteRecordAttempt, UserID: userID, Module: d.Module, Event: ev,
	})
	if d.Mode != training.ModeLegend || !applied || tr.LegendConsumed {
		return d
	}

	e.logger.Info("legend attempt already spent", "user_id", userID, "attempt_id", attemptID, "module", d.Module)
	title := d.Module
	if mod, ok := e.catalog.Get(d.Module); ok {
		title = mod.Title
	}
	return deny(d, ReasonLegendAttemptUsed, fmt.Sprintf(
		"Your legend attempt on %s for this marathon cycle has been used.", title))
}

func (e *Engine) beginEvent(ctx context.Context, userID, attemptID, module string, mode training.Mode) (progress.Event, bool) {
	ev := progress.Event{
		AttemptID: attemptID,
		Module:    module,
		Mode:      mode,
		Phase:     progress.PhaseBegin,
		At:        e.cfg.Now(),
	}

	switch mode {
	case training.ModeLegend:
		return ev, true
	case training.ModeMarathon:
		snap, _, err := e.Progress(ctx, userID)
		if err != nil {
			return ev, false
		}
		ev.ResetCycle = e.cycleEnded(snap, module)
		return ev, ev.ResetCycle
	}
	return ev, false
}

// cycleEnded reports whether module's marathon cycle is over: the counter
// reached the threshold and the reward it bought has lapsed.
func (e *Engine) cycleEnded(snap map[string]progress.ModuleProgress, module string) bool {
	cur, ok := snap[module]
	if !ok || cur.MarathonPasses < progress.MarathonThreshold {
		return false
	}
	next, ok := e.catalog.Successor(module)
	if !ok {
		return !cur.LegendAttemptAvailable
	}
	succ := snap[next.ID]
	return !succ.PermanentUnlock && !succ.TempUnlocked(e.cfg.Now())
}

// RecordAttempt records a completed attempt. It never fails: when the store
// is unreachable the write is applied to the in-memory view, queued for
// reconciliation, and reported with PendingRetry. A repeated attempt ID
// returns the first result without mutating progress again.
func (e *Engine) RecordAttempt(ctx context.Context, principal training.Principal, a AttemptResult) RecordResult {
	key := principal.UserID + "/" + a.AttemptID
	res, _, _ := e.group.Do("record/"+key, func() (any, error) {
		if r, ok := e.records.Get(key); ok {
			r.Duplicate = true
			return r, nil
		}
		r := e.recordAttempt(ctx, principal.UserID, a)
		e.records.Add(key, r)
		return r, nil
	})
	return res.(RecordResult)
}

func (e *Engine) recordAttempt(ctx context.Context, userID string, a AttemptResult) RecordResult {
	ctx, span := e.tracer.Start(ctx, "access.record_attempt", trace.WithAttributes(
		attribute.String("module", a.Module),
		attribute.String("mode", string(a.Mode)),
		attribute.Bool("passed", a.Passed),
	))
	defer span.End()

	now := e.cfg.Now()
	w := &Write{
		Kind:   WriteRecordAttempt,
		UserID: userID,
		Module: a.Module,
		Event: progress.Event{
			AttemptID: a.AttemptID,
			Module:    a.Module,
			Mode:      a.Mode,
			Phase:     progress.PhaseComplete,
			Passed:    a.Passed,
			Score:     a.Score,
			At:        now,
		},
	}

	// Make sure the view reflects the store before applying locally.
	_, _, _ = e.Progress(ctx, userID)

	result := RecordResult{Success: true}
	p, tr, applied, ok := e.writeThrough(ctx, w)
	result.Progress = p
	if !ok {
		result.PendingRetry = true
		span.AddEvent("record_queued")
	}
	if !applied {
		return result
	}

	follow, unlocks := e.unlocksFor(userID, a.Module, tr, now)
	if len(follow) > 0 && !e.persist(ctx, userID, follow) {
		result.PendingRetry = true
	}
	result.Unlocked = unlocks
	span.SetAttributes(attribute.Bool("pending_retry", result.PendingRetry), attribute.Int("unlocks", len(unlocks)))
	return result
}

// unlocksFor derives the follow-up writes and reported changes of a
// transition on module.
func (e *Engine) unlocksFor(userID, module string, tr progress.Transition, now time.Time) ([]*Write, []training.UnlockChange) {
	var (
		writes  []*Write
		unlocks []training.UnlockChange
	)
	next, hasNext := e.catalog.Successor(module)

	if tr.ThresholdReached {
		if hasNext {
			expiry := now.Add(e.cfg.TempUnlockPeriod)
			writes = append(writes, &Write{Kind: WriteTemporaryUnlock, UserID: userID, Module: next.ID, Expiry: expiry})
			unlocks = append(unlocks, training.UnlockChange{Module: next.ID, Kind: training.UnlockTemporary, ExpiresAt: expiry})
		}
		unlocks = append(unlocks, training.UnlockChange{Module: module, Kind: training.UnlockLegendAvailable})
	}

	if tr.LegendPassed && hasNext && !e.snapshot(userID)[next.ID].PermanentUnlock {
		writes = append(writes, &Write{Kind: WritePermanentUnlock, UserID: userID, Module: next.ID})
		unlocks = append(unlocks, training.UnlockChange{Module: next.ID, Kind: training.UnlockPermanent})
	}
	return writes, unlocks
}

// writeThrough sends a record write to the store, or queues it. It returns
// the module's resulting progress and transition, whether the event changed
// progress, and whether the store accepted it synchronously.
func (e *Engine) writeThrough(ctx context.Context, w *Write) (progress.ModuleProgress, progress.Transition, bool, bool) {
	if !e.hasPending(w.UserID) {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		res, err := e.store.RecordAttempt(sctx, w.UserID, w.Event)
		cancel()
		if err == nil {
			e.mu.Lock()
			if v, ok := e.views.Get(w.UserID); ok {
				v.progress[w.Module] = res.Progress
			}
			e.mu.Unlock()
			return res.Progress, res.Transition, res.Applied, true
		}
		e.logger.Warn("recording attempt failed, queued for retry",
			"user_id", w.UserID, "attempt_id", w.Event.AttemptID, "error", err)
	}
	tr := e.enqueue(w)
	if w.deferUnlocks {
		tr = progress.Transition{LegendConsumed: tr.LegendConsumed}
	}
	return e.snapshot(w.UserID)[w.Module], tr, true, false
}

// persist writes ws in order, queueing the remainder at the first failure.
// It reports whether every write reached the store.
func (e *Engine) persist(ctx context.Context, userID string, ws []*Write) bool {
	for i, w := range ws {
		if e.hasPending(userID) {
			e.enqueueAll(ws[i:])
			return false
		}
		sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		_, err := w.exec(sctx, e.store)
		cancel()
		if err != nil {
			e.logger.Warn("progress write failed, queued for retry",
				"user_id", userID, "kind", w.Kind, "module", w.Module, "error", err)
			e.enqueueAll(ws[i:])
			return false
		}
		e.mu.Lock()
		if v, ok := e.views.Get(userID); ok {
			w.applyTo(v.progress)
		}
		e.mu.Unlock()
	}
	return true
}

func (e *Engine) enqueueAll(ws []*Write) {
	for _, w := range ws {
		e.enqueue(w)
	}
}

// enqueue applies w to the view and appends it to the user's queue.
func (e *Engine) enqueue(w *Write) progress.Transition {
	e.mu.Lock()
	w.QueuedAt = e.cfg.Now()
	v, ok := e.views.Get(w.UserID)
	if !ok {
		v = &view{progress: make(map[string]progress.ModuleProgress), partial: true}
		e.views.Add(w.UserID, v)
	}
	w.deferUnlocks = w.Kind == WriteRecordAttempt && v.partial
	tr := w.applyTo(v.progress)
	e.pending[w.UserID] = append(e.pending[w.UserID], w)
	snapshot := *w
	e.mu.Unlock()

	e.cfg.Hooks.queued(snapshot)
	return tr
}

func (e *Engine) hasPending(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending[userID]) > 0
}

func (e *Engine) snapshot(userID string) map[string]progress.ModuleProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views.Get(userID); ok {
		return maps.Clone(v.progress)
	}
	return map[string]progress.ModuleProgress{}
}

// PendingWrites returns the number of queued writes across all users.
func (e *Engine) PendingWrites() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, q := range e.pending {
		n += len(q)
	}
	return n
}

// Reconcile retries queued writes in order, per user, stopping at a user's
// first failure. It returns the number of writes still pending.
func (e *Engine) Reconcile(ctx context.Context) int {
	e.mu.Lock()
	users := make([]string, 0, len(e.pending))
	for u := range e.pending {
		users = append(users, u)
	}
	e.mu.Unlock()

	if len(users) == 0 {
		return 0
	}

	ctx, span := e.tracer.Start(ctx, "access.reconcile", trace.WithAttributes(attribute.Int("users", len(users))))
	defer span.End()

	for _, userID := range users {
		e.reconcileUser(ctx, span, userID)
	}

	remaining := e.PendingWrites()
	span.SetAttributes(attribute.Int("remaining", remaining))
	if remaining > 0 {
		span.SetStatus(codes.Error, "writes still pending")
	}
	return remaining
}

func (e *Engine) reconcileUser(ctx context.Context, span trace.Span, userID string) {
	for {
		e.mu.Lock()
		q := e.pending[userID]
		if len(q) == 0 {
			delete(e.pending, userID)
			// Drop the optimistic view; the next read reloads from the store.
			e.views.Remove(userID)
			e.mu.Unlock()
			return
		}
		w := q[0]
		e.mu.Unlock()

		sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		res, err := w.exec(sctx, e.store)
		cancel()

		var follow []*Write
		if err == nil && w.deferUnlocks && res.Applied {
			follow, _ = e.unlocksFor(userID, w.Module, res.Transition, e.cfg.Now())
		}

		e.mu.Lock()
		if err != nil {
			w.Attempts++
			snapshot := *w
			e.mu.Unlock()

			e.logger.Warn("progress reconciliation failed",
				"user_id", userID, "kind", w.Kind, "module", w.Module, "attempts", snapshot.Attempts, "error", err)
			span.RecordError(err, trace.WithAttributes(
				attribute.String("user_id", userID),
				attribute.String("kind", string(w.Kind)),
			))
			e.cfg.Hooks.failed(snapshot, err)
			return
		}
		if cur := e.pending[userID]; len(cur) > 0 && cur[0] == w {
			e.pending[userID] = cur[1:]
		}
		// Follow-ups run next, ahead of anything queued after w.
		if len(follow) > 0 {
			v, hasView := e.views.Get(userID)
			for _, f := range follow {
				f.QueuedAt = e.cfg.Now()
				if hasView {
					f.applyTo(v.progress)
				}
			}
			e.pending[userID] = append(follow, e.pending[userID]...)
		}
		left := 0
		for _, q := range e.pending {
			left += len(q)
		}
		snapshot := *w
		e.mu.Unlock()

		e.cfg.Hooks.reconciled(snapshot, left)
		for _, f := range follow {
			e.logger.Info("unlock derived during reconciliation",
				"user_id", userID, "kind", f.Kind, "module", f.Module)
			e.cfg.Hooks.queued(*f)
		}
	}
}

// StartReconcileRoutine starts a background goroutine that periodically
// retries queued writes. The goroutine is stopped when Close is called.
func (e *Engine) StartReconcileRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Reconcile(ctx)
			}
		}
	}()
}

// Close stops the reconcile goroutine and makes a final attempt to flush
// queued writes. Writes still pending afterwards are logged.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if remaining := e.Reconcile(context.Background()); remaining > 0 {
		e.logger.Error("progress writes not persisted at shutdown", "pending", remaining)
	}
	return nil
}
