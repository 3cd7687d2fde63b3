package inference

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/resilience"
)

type fakeBackend struct {
	calls     int32
	failTimes int32 // number of leading calls that fail transiently
	probeErr  error
}

func (f *fakeBackend) Generate(ctx context.Context, model string, req Request, onToken TokenFunc) (Result, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		return Result{}, resilience.NewTransientError(context.DeadlineExceeded, 503)
	}
	return Result{Text: "ok:" + model, Usage: Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func (f *fakeBackend) Probe(ctx context.Context, model string) error { return f.probeErr }

func testCfg() config.InferenceConfig {
	return config.InferenceConfig{
		Model: "primary-v1", MaxSessions: 2, QueueDepth: 4,
		TotalTokenBudget: 10000, ReserveTokens: 100, PromptCacheSize: 8,
		VisionIdleUnload: "50ms",
	}
}

func TestOrchestrator_Infer_Success(t *testing.T) {
	be := &fakeBackend{}
	o := New(testCfg(), config.EndpointConfig{}, be, zap.NewNop())

	res, err := o.Infer(context.Background(), Request{Kind: KindExtract, UserID: "u1", Prompt: "extract this"}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok:primary-v1", res.Text)
}

func TestOrchestrator_Infer_RetriesOnceOnTransientFailure(t *testing.T) {
	be := &fakeBackend{failTimes: 1}
	o := New(testCfg(), config.EndpointConfig{}, be, zap.NewNop())

	res, err := o.Infer(context.Background(), Request{Kind: KindChat, UserID: "u1", Prompt: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok:primary-v1", res.Text)
	require.EqualValues(t, 2, be.calls)
}

func TestOrchestrator_Infer_QueueFullReturnsOverloaded(t *testing.T) {
	be := &fakeBackend{}
	cfg := testCfg()
	cfg.QueueDepth = 1
	o := New(cfg, config.EndpointConfig{}, be, zap.NewNop())
	o.queue <- struct{}{} // saturate the queue directly

	_, err := o.Infer(context.Background(), Request{Kind: KindChat, UserID: "u2", Prompt: "hi"}, nil)
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindOverloaded))
}

func TestOrchestrator_Infer_RejectsPromptOverBudget(t *testing.T) {
	be := &fakeBackend{}
	o := New(testCfg(), config.EndpointConfig{}, be, zap.NewNop())

	oversized := make([]byte, (promptBudget[KindClassify]+1)*4)
	_, err := o.Infer(context.Background(), Request{Kind: KindClassify, UserID: "u1", Prompt: string(oversized)}, nil)
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindInput))
	require.Zero(t, be.calls, "an over-budget prompt must be rejected before it reaches the backend")
}

func TestOrchestrator_SwapModel_ProbesBeforeCommitting(t *testing.T) {
	be := &fakeBackend{}
	o := New(testCfg(), config.EndpointConfig{}, be, zap.NewNop())

	require.NoError(t, o.SwapModel(context.Background(), "primary-v2"))
	require.Equal(t, "primary-v2", o.CurrentModel())

	res, err := o.Infer(context.Background(), Request{Kind: KindChat, UserID: "u1", Prompt: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok:primary-v2", res.Text)
}

func TestOrchestrator_EnsureVisionLoaded_NoEndpointConfigured(t *testing.T) {
	be := &fakeBackend{}
	o := New(testCfg(), config.EndpointConfig{}, be, zap.NewNop())

	_, err := o.Infer(context.Background(), Request{Kind: KindVisionOCR, UserID: "u1", Prompt: "scan"}, nil)
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.KindInferenceFailed))
}

func TestOrchestrator_VisionLazyLoadAndIdleUnload(t *testing.T) {
	be := &fakeBackend{}
	o := New(testCfg(), config.EndpointConfig{URL: "http://localhost:9999", Model: "vision-1"}, be, zap.NewNop())

	res, err := o.Infer(context.Background(), Request{Kind: KindVisionOCR, UserID: "u1", Prompt: "scan"}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok:primary-v1", res.Text)

	o.visionMu.Lock()
	require.True(t, o.visionOn)
	o.visionMu.Unlock()

	time.Sleep(100 * time.Millisecond)
	o.visionMu.Lock()
	require.False(t, o.visionOn)
	o.visionMu.Unlock()
}

func TestPromptCache_EvictsOldestBeyondCapacity(t *testing.T) {
	c := newPromptCache(2)
	c.put("a")
	c.put("b")
	c.put("c") // evicts "a"

	require.False(t, c.get("a"))
	require.True(t, c.get("b"))
	require.True(t, c.get("c"))
}
