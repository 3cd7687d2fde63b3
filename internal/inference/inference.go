// Package inference implements C6: multiplexing many caller requests onto a
// single long-lived local model process (the "primary") plus an on-demand
// vision model, inside a bounded memory and concurrency envelope. Scheduling
// is cooperative and single-process — a semaphore bounds concurrent slots,
// there is no claim of thread-parallel model execution.
package inference

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/resilience"
)

// Kind is one of the four call shapes the orchestrator serves.
type Kind string

const (
	KindChat      Kind = "chat"
	KindExtract   Kind = "extract"
	KindClassify  Kind = "classify"
	KindVisionOCR Kind = "vision_ocr"
)

// Usage reports token accounting for one call, surfaced to the caller for
// budget tracking upstream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Request is one inference call.
type Request struct {
	Kind     Kind
	UserID   string
	Prompt   string
	Context  string // RAG/memory context injected ahead of Prompt
	Deadline time.Time
}

// Result is a completed (non-streamed) response, or the final state of a
// streamed one.
type Result struct {
	Text      string
	Usage     Usage
	Cancelled bool
}

// TokenFunc receives one streamed token at a time. Returning a non-nil error
// aborts the stream.
type TokenFunc func(token string) error

// Backend is the thing that actually talks to the model process. Kept as an
// interface so the orchestrator's scheduling, budgeting, and retry logic can
// be tested without a live model.
type Backend interface {
	// Generate runs one call, invoking onToken per token if the caller wants
	// streaming (onToken may be nil for a plain completion).
	Generate(ctx context.Context, model string, req Request, onToken TokenFunc) (Result, error)
	// Probe verifies the backend is live after a model swap.
	Probe(ctx context.Context, model string) error
}

// promptBudget approximates prompt_budget(kind): the maximum prompt tokens a
// single call of that kind may reserve. Values are counted in characters/4
// as a cheap token estimate, matching the estimate the teacher's own
// truncation helpers use elsewhere in the pack.
var promptBudget = map[Kind]int{
	KindChat:      8000,
	KindExtract:   4000,
	KindClassify:  1000,
	KindVisionOCR: 2000,
}

// estimateTokens is the same characters/4 heuristic promptBudget's values
// are calibrated against.
func estimateTokens(s string) int {
	return len(s) / 4
}

// Orchestrator is the C6 contract implementation.
type Orchestrator struct {
	cfg      config.InferenceConfig
	vision   config.EndpointConfig
	backend  Backend
	breaker  *resilience.CircuitBreaker
	log      *zap.Logger

	sessionSem *semaphore.Weighted // bounds concurrent in-flight requests to max_sessions
	tokenSem   *semaphore.Weighted // bounds total in-flight prompt tokens to total_token_budget
	queue      chan struct{}       // bounds the FIFO wait queue to queue_depth

	limiters sync.Map // userID -> *rate.Limiter

	mu          sync.RWMutex
	model       string
	cache       *promptCache
	visionMu    sync.Mutex
	visionOn    bool
	visionLast  time.Time
	visionTimer *time.Timer
}

// New builds an Orchestrator bound to backend for model calls.
func New(cfg config.InferenceConfig, vision config.EndpointConfig, backend Backend, log *zap.Logger) *Orchestrator {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 32
	}
	if cfg.TotalTokenBudget <= 0 {
		cfg.TotalTokenBudget = 32000
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1000
	}
	return &Orchestrator{
		cfg:        cfg,
		vision:     vision,
		backend:    backend,
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		log:        log,
		sessionSem: semaphore.NewWeighted(int64(cfg.MaxSessions)),
		tokenSem:   semaphore.NewWeighted(int64(cfg.TotalTokenBudget)),
		queue:      make(chan struct{}, cfg.QueueDepth),
		model:      cfg.Model,
		cache:      newPromptCache(cfg.PromptCacheSize),
	}
}

// CurrentModel returns the presently active model handle.
func (o *Orchestrator) CurrentModel() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.model
}

func (o *Orchestrator) limiterFor(userID string) *rate.Limiter {
	if v, ok := o.limiters.Load(userID); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(float64(o.cfg.MaxSessions)*2)/60.0, 4)
	actual, _ := o.limiters.LoadOrStore(userID, l)
	return actual.(*rate.Limiter)
}

// Infer runs one call end to end: admission (rate limit, queue, token
// budget, session slot), retrying transient failures once, and releasing
// every reservation promptly on cancellation.
func (o *Orchestrator) Infer(ctx context.Context, req Request, onToken TokenFunc) (Result, error) {
	if budget, ok := promptBudget[req.Kind]; ok {
		if n := estimateTokens(req.Context) + estimateTokens(req.Prompt); n > budget {
			return Result{}, apperr.New(apperr.KindInput, "inference: prompt exceeds budget for "+string(req.Kind)).WithField("prompt")
		}
	}

	if !o.limiterFor(req.UserID).Allow() {
		return Result{}, apperr.New(apperr.KindOverloaded, "inference: per-user rate limit exceeded")
	}

	select {
	case o.queue <- struct{}{}:
	default:
		return Result{}, apperr.New(apperr.KindOverloaded, "inference: request queue full")
	}
	defer func() { <-o.queue }()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	reserve := int64(o.cfg.ReserveTokens)
	if err := o.tokenSem.Acquire(ctx, reserve); err != nil {
		return Result{Cancelled: true}, eris.Wrap(ctx.Err(), "inference: token budget wait cancelled")
	}
	defer o.tokenSem.Release(reserve)

	if err := o.sessionSem.Acquire(ctx, 1); err != nil {
		return Result{Cancelled: true}, eris.Wrap(ctx.Err(), "inference: session slot wait cancelled")
	}
	defer o.sessionSem.Release(1)

	if req.Kind == KindVisionOCR {
		if err := o.ensureVisionLoaded(ctx); err != nil {
			return Result{}, apperr.Wrap(apperr.KindInferenceFailed, err, "inference: vision model unavailable")
		}
		defer o.touchVision()
	}

	model := o.CurrentModel()

	if o.cache.get(req.Context) {
		o.log.Debug("inference: prompt prefix cache hit", zap.String("kind", string(req.Kind)))
	}
	o.cache.put(req.Context)

	result, err := resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) (Result, error) {
		return resilience.DoVal(ctx, singleRetryConfig(), func(ctx context.Context) (Result, error) {
			return o.backend.Generate(ctx, model, req, onToken)
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Cancelled: true}, nil
		}
		return Result{}, apperr.Wrap(apperr.KindInferenceFailed, err, "inference: "+string(req.Kind)+" call failed")
	}
	return result, nil
}

func singleRetryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 2 // transient errors retried once with jittered backoff, per contract
	cfg.InitialBackoff = 10 * time.Millisecond
	return cfg
}

// ensureVisionLoaded lazy-loads the vision model on first call and arms the
// idle-unload timer. Failure here is non-fatal to other call kinds — only
// this vision request fails.
func (o *Orchestrator) ensureVisionLoaded(ctx context.Context) error {
	o.visionMu.Lock()
	defer o.visionMu.Unlock()

	if o.visionOn {
		return nil
	}
	if o.vision.URL == "" {
		return eris.New("vision endpoint not configured")
	}
	if err := o.backend.Probe(ctx, o.vision.Model); err != nil {
		return eris.Wrap(err, "vision model probe failed")
	}
	o.visionOn = true
	o.armIdleUnload()
	return nil
}

func (o *Orchestrator) touchVision() {
	o.visionMu.Lock()
	defer o.visionMu.Unlock()
	o.visionLast = time.Now()
	o.armIdleUnload()
}

// armIdleUnload resets the unload timer; caller holds visionMu.
func (o *Orchestrator) armIdleUnload() {
	idle, err := time.ParseDuration(o.cfg.VisionIdleUnload)
	if err != nil || idle <= 0 {
		idle = 10 * time.Minute
	}
	if o.visionTimer != nil {
		o.visionTimer.Stop()
	}
	o.visionTimer = time.AfterFunc(idle, func() {
		o.visionMu.Lock()
		defer o.visionMu.Unlock()
		o.visionOn = false
	})
}

// SwapModel drains in-flight work, atomically replaces the model handle, and
// verifies liveness with a probe call before returning.
func (o *Orchestrator) SwapModel(ctx context.Context, newHandle string) error {
	if err := o.sessionSem.Acquire(ctx, int64(o.cfg.MaxSessions)); err != nil {
		return eris.Wrap(err, "inference: swap drain cancelled")
	}
	defer o.sessionSem.Release(int64(o.cfg.MaxSessions))

	if err := o.backend.Probe(ctx, newHandle); err != nil {
		return apperr.Wrap(apperr.KindInferenceFailed, err, "inference: new model failed liveness probe")
	}

	o.mu.Lock()
	old := o.model
	o.model = newHandle
	o.mu.Unlock()

	o.log.Info("inference: model swapped", zap.String("from", old), zap.String("to", newHandle))
	return nil
}
