// Package queue drains deferred entries once rate budget frees up. The
// processor runs on a cron schedule, claims the oldest entries each account
// has headroom for, and replays them through the engine and dispatcher.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/dispatch"
	"github.com/BTreeMap/FlowPilot/internal/engine"
	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/store"
)

// DefaultSafetyBuffer is the number of budget slots a drain leaves untouched
// so live traffic is never starved by the queue.
const DefaultSafetyBuffer = 10

// maxBackoff caps the exponential retry delay.
const maxBackoff = time.Hour

// Opts holds configuration options for the processor.
type Opts struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	SafetyBuffer int
}

// Option defines a functional option for configuring the processor.
type Option func(*Opts)

// WithMaxAttempts sets the retry ceiling before dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBackoffBase sets the base delay for exponential retry backoff.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Opts) { o.BackoffBase = d }
}

// WithSafetyBuffer sets how many budget slots a drain leaves for live
// traffic.
func WithSafetyBuffer(n int) Option {
	return func(o *Opts) { o.SafetyBuffer = n }
}

// Processor drains the deferral queue.
type Processor struct {
	store      store.Store
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher

	maxAttempts  int
	backoffBase  time.Duration
	safetyBuffer int

	running sync.Mutex
	now     func() time.Time
}

// NewProcessor creates a processor over the shared store, engine, and
// dispatcher.
func NewProcessor(st store.Store, eng *engine.Engine, d *dispatch.Dispatcher, opts ...Option) *Processor {
	cfg := Opts{
		MaxAttempts:  models.DefaultMaxAttempts,
		BackoffBase:  models.DefaultBackoffBase,
		SafetyBuffer: DefaultSafetyBuffer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		store:        st,
		engine:       eng,
		dispatcher:   d,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		safetyBuffer: cfg.SafetyBuffer,
		now:          time.Now,
	}
}

// RunOnce performs one drain pass. If a previous pass is still running it
// returns immediately; overlapping drains would double-claim budget
// headroom.
func (p *Processor) RunOnce(ctx context.Context) error {
	if !p.running.TryLock() {
		slog.Debug("Processor.RunOnce skipped, previous pass still running")
		return nil
	}
	defer p.running.Unlock()

	now := p.now().UTC()
	accounts, err := p.store.PendingAccounts(now)
	if err != nil {
		return fmt.Errorf("list pending accounts failed: %w", err)
	}
	slog.Debug("Processor.RunOnce starting", "accounts", len(accounts))

	for _, accountID := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.drainAccount(ctx, accountID, now); err != nil {
			slog.Error("Processor.RunOnce account drain failed", "error", err, "accountID", accountID)
		}
	}
	return nil
}

// ProcessEntry replays one pending entry by ID, bypassing the cron schedule.
// Budget is still honored: a send that cannot reserve a slot goes back to
// pending.
func (p *Processor) ProcessEntry(ctx context.Context, id string) error {
	entry, err := p.store.GetDeferred(id)
	if err != nil {
		return fmt.Errorf("entry lookup failed: %w", err)
	}
	if entry == nil {
		return models.ErrEntryNotFound
	}
	if entry.Status != models.DeferredPending {
		return fmt.Errorf("entry %s is %s, only pending entries can be replayed", id, entry.Status)
	}
	p.replay(ctx, *entry)
	return nil
}

// drainAccount claims as many entries as the account's remaining budget
// allows, minus the safety buffer, and replays them oldest first.
func (p *Processor) drainAccount(ctx context.Context, accountID string, now time.Time) error {
	budget := p.dispatcher.Budget()
	used, err := budget.Used(ctx, accountID)
	if err != nil {
		return fmt.Errorf("budget lookup failed: %w", err)
	}
	headroom := budget.Ceiling() - used - p.safetyBuffer
	if headroom <= 0 {
		slog.Debug("Processor.drainAccount no headroom", "accountID", accountID, "used", used)
		return nil
	}

	entries, err := p.store.ClaimDeferredBatch(accountID, headroom, now)
	if err != nil {
		return fmt.Errorf("claim batch failed: %w", err)
	}
	slog.Info("Processor.drainAccount claimed batch", "accountID", accountID, "claimed", len(entries), "headroom", headroom)

	for _, entry := range entries {
		p.replay(ctx, entry)
	}
	return nil
}

// replay executes one claimed entry and records its terminal state.
func (p *Processor) replay(ctx context.Context, entry models.DeferredEntry) {
	var err error
	switch entry.Kind {
	case models.DeferredSend:
		err = p.replaySend(ctx, entry)
	case models.DeferredAdvance:
		err = p.replayAdvance(ctx, entry)
	default:
		err = models.NewPermanentError(fmt.Errorf("unknown deferred kind %q", entry.Kind))
	}

	if err == nil {
		if markErr := p.store.MarkDeferredDone(entry.ID); markErr != nil {
			slog.Error("Processor.replay failed to mark entry done", "error", markErr, "entryID", entry.ID)
		}
		return
	}
	p.recordFailure(entry, err)
}

// replaySend reserves budget and pushes an already rendered payload.
func (p *Processor) replaySend(ctx context.Context, entry models.DeferredEntry) error {
	var payload models.SendPayload
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
		return models.NewPermanentError(fmt.Errorf("decode send payload failed: %w", err))
	}

	budget := p.dispatcher.Budget()
	ok, err := budget.TryReserve(ctx, entry.AccountID)
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race with live traffic; the entry goes back to pending.
		return models.NewTransientError(models.ErrRateLimited)
	}
	if err := p.dispatcher.Send(ctx, payload.Message); err != nil {
		budget.Release(ctx, entry.AccountID)
		return err
	}
	slog.Debug("Processor.replaySend delivered", "entryID", entry.ID, "sessionID", payload.SessionID, "kind", payload.Message.Kind)
	return nil
}

// replayAdvance resumes a parked session advance. A fresh budget denial
// inside the advance parks a superseding entry, but a transient send failure
// surfaces here so this entry retries with backoff.
func (p *Processor) replayAdvance(ctx context.Context, entry models.DeferredEntry) error {
	var payload models.AdvancePayload
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
		return models.NewPermanentError(fmt.Errorf("decode advance payload failed: %w", err))
	}

	sess, err := p.store.GetSessionByID(payload.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return models.NewPermanentError(fmt.Errorf("session %s not found", payload.SessionID))
	}
	flow, err := p.store.GetFlow(sess.FlowID)
	if err != nil {
		return err
	}
	if flow == nil {
		return models.NewPermanentError(fmt.Errorf("flow %s not found", sess.FlowID))
	}

	if _, err := p.engine.ProcessAdvance(ctx, flow, sess, payload.NodeID); err != nil {
		return err
	}
	slog.Debug("Processor.replayAdvance resumed", "entryID", entry.ID, "sessionID", sess.ID, "node", payload.NodeID)
	return nil
}

// recordFailure routes a failed replay to retry with backoff or to the dead
// letter state.
func (p *Processor) recordFailure(entry models.DeferredEntry, err error) {
	attempts := entry.Attempts + 1
	if models.IsPermanent(err) {
		slog.Warn("Processor dead-lettering entry on permanent error", "entryID", entry.ID, "error", err, "attempts", attempts)
		if markErr := p.store.MarkDeferredDead(entry.ID, err.Error()); markErr != nil {
			slog.Error("Processor failed to dead-letter entry", "error", markErr, "entryID", entry.ID)
		}
		return
	}
	if attempts >= p.maxAttempts {
		slog.Warn("Processor dead-lettering entry after retry ceiling", "entryID", entry.ID, "error", err, "attempts", attempts)
		if markErr := p.store.MarkDeferredDead(entry.ID, err.Error()); markErr != nil {
			slog.Error("Processor failed to dead-letter entry", "error", markErr, "entryID", entry.ID)
		}
		return
	}

	delay := p.backoff(entry.Attempts)
	nextAttempt := p.now().UTC().Add(delay)
	slog.Info("Processor scheduling retry", "entryID", entry.ID, "error", err, "attempts", attempts, "delay", delay)
	if markErr := p.store.MarkDeferredRetry(entry.ID, err.Error(), nextAttempt); markErr != nil {
		slog.Error("Processor failed to schedule retry", "error", markErr, "entryID", entry.ID)
	}
}

// backoff returns the exponential delay for the given completed attempt
// count.
func (p *Processor) backoff(attempts int) time.Duration {
	delay := p.backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
