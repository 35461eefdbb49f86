package execution_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/execution"
	"github.com/nanogen/backend/internal/jobs"
	"github.com/nanogen/backend/internal/jobs/jobstest"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/ledger/ledgertest"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/notify"
	"github.com/nanogen/backend/internal/provider"
)

type generationService interface {
	jobs.Service
	execution.GenerationService
}

type harness struct {
	svc      generationService
	store    *jobstest.Store
	events   *notify.Recorder
	provider *provider.MockProvider
	worker   *execution.ProcessGenerationWorker
	account  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	params, err := jobs.NewParamValidator()
	require.NoError(t, err)

	var runs atomic.Int64
	insert := func(context.Context, pgx.Tx, execution.ProcessGenerationArgs) (int64, error) {
		return runs.Add(1), nil
	}
	h := &harness{
		store:    jobstest.New(ledgertest.NewBook()),
		events:   &notify.Recorder{},
		provider: provider.NewMockProvider(gomock.NewController(t)),
		account:  uuid.New(),
	}
	h.store.AddAccount(h.account, 100)
	h.svc = jobs.NewService(h.store, ledger.NewService(h.store.Book, zap.NewNop()), config.DefaultCatalog(), params,
		h.events, insert, nil, zap.NewNop())
	h.worker = execution.NewProcessGenerationWorker(h.svc, h.provider, 5*time.Millisecond, 600*time.Second, zap.NewNop())
	return h
}

func (h *harness) create(t *testing.T, model string) *models.Generation {
	t.Helper()
	res, err := h.svc.Create(context.Background(), jobs.CreateRequest{AccountID: h.account, ModelID: model, Prompt: "a lighthouse at dusk"})
	require.NoError(t, err)
	return res.Generation
}

func (h *harness) work(ctx context.Context, id uuid.UUID) error {
	return h.worker.Work(ctx, &river.Job[execution.ProcessGenerationArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Attempt: 1},
		Args:   execution.ProcessGenerationArgs{GenerationID: id},
	})
}

func pending() *provider.PollResult { return &provider.PollResult{Status: provider.StatusPending} }

func TestWork_ImageCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "flux-pro/v1.1-ultra")

	h.provider.EXPECT().
		Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req provider.Request) (*provider.Submission, error) {
			assert.Equal(t, "flux-pro/v1.1-ultra", req.Model)
			assert.Equal(t, "image", req.Type)
			return &provider.Submission{Status: provider.StatusCompleted, ResultURL: "https://cdn.example/out.png"}, nil
		})

	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationCompleted, got.Status)
	assert.Equal(t, "https://cdn.example/out.png", *got.ResultURL)
	assert.Equal(t, int64(97), h.store.Balance(h.account).Credits)
	assert.Equal(t, []string{notify.GenerationStarted, notify.GenerationCompleted}, h.events.Kinds())
}

func TestWork_VideoPollsUntilDone(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "kling-video/v2.0/master/text-to-video")

	h.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(&provider.Submission{Handle: "task-1", Status: provider.StatusPending}, nil)
	gomock.InOrder(
		h.provider.EXPECT().Poll(gomock.Any(), "task-1").Return(pending(), nil).Times(2),
		h.provider.EXPECT().Poll(gomock.Any(), "task-1").
			Return(&provider.PollResult{Status: provider.StatusCompleted, ResultURL: "https://cdn.example/v.mp4"}, nil),
	)

	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationCompleted, got.Status)
	require.NotNil(t, got.TaskHandle)
	assert.Equal(t, "task-1", *got.TaskHandle)
	assert.Equal(t, int64(85), h.store.Balance(h.account).Credits)
}

func TestWork_TimeoutRefunds(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "kling-video/v2.0/master/text-to-video")
	h.store.Update(g.ID, func(g *models.Generation) { g.TimeoutAt = time.Now().Add(50 * time.Millisecond) })

	h.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(&provider.Submission{Handle: "task-2", Status: provider.StatusPending}, nil)
	h.provider.EXPECT().Poll(gomock.Any(), "task-2").Return(pending(), nil).AnyTimes()

	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationFailed, got.Status)
	assert.Contains(t, *got.Error, "GENERATION_TIMEOUT")

	entries := h.store.ByReference(g.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-15), entries[0].Amount)
	assert.Equal(t, int64(15), entries[1].Amount)
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
}

func TestWork_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "kling-video/v2.0/master/text-to-video")

	h.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(&provider.Submission{Handle: "task-3", Status: provider.StatusPending}, nil)
	h.provider.EXPECT().Poll(gomock.Any(), "task-3").
		Return(&provider.PollResult{Status: provider.StatusFailed, Error: "content policy"}, nil)

	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationFailed, got.Status)
	assert.Contains(t, *got.Error, "content policy")
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
	assert.Equal(t, []string{notify.GenerationStarted, notify.GenerationFailed}, h.events.Kinds())
}

func TestWork_SubmitRejectedFails(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "google/imagen-4")

	h.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(nil, apperrors.ErrModelUnavailable.WithMessage("provider answered 503"))

	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationFailed, got.Status)
	assert.Contains(t, *got.Error, "MODEL_UNAVAILABLE")
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
}

func TestWork_ProviderServerErrorFails(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()
	h.worker = execution.NewProcessGenerationWorker(h.svc, provider.NewAIMLClient(srv.URL, "key", zap.NewNop()),
		5*time.Millisecond, 600*time.Second, zap.NewNop())
	g := h.create(t, "google/imagen-4")

	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationFailed, got.Status)
	assert.Contains(t, *got.Error, "MODEL_UNAVAILABLE")
	assert.Len(t, h.store.ByReference(g.ID), 2, "one charge, one refund")
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
}

func TestWork_ResumeWithoutHandleDoesNotResubmit(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "google/imagen-4")
	h.store.Update(g.ID, func(g *models.Generation) {
		now := time.Now()
		g.Status = models.GenerationProcessing
		g.StartedAt = &now
	})

	// no Submit expectation: a second paid provider job fails the test
	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationFailed, got.Status)
	assert.Contains(t, *got.Error, "task handle")
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
}

func TestWork_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "google/imagen-4")

	h.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, provider.Request) (*provider.Submission, error) {
			panic("boom")
		})

	require.NoError(t, h.work(context.Background(), g.ID))

	got := h.store.Generation(g.ID)
	assert.Equal(t, models.GenerationFailed, got.Status)
	assert.Contains(t, *got.Error, "boom")
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
}

func TestWork_CancelledWhilePolling(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "kling-video/v2.0/master/text-to-video")

	h.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(&provider.Submission{Handle: "task-4", Status: provider.StatusPending}, nil)
	h.provider.EXPECT().Poll(gomock.Any(), "task-4").
		DoAndReturn(func(context.Context, string) (*provider.PollResult, error) {
			_, err := h.svc.Cancel(context.Background(), h.account, g.ID)
			assert.NoError(t, err)
			return pending(), nil
		})

	require.NoError(t, h.work(context.Background(), g.ID))

	assert.Equal(t, models.GenerationCancelled, h.store.Generation(g.ID).Status)
	assert.Len(t, h.store.ByReference(g.ID), 2, "one charge, one refund")
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
}

func TestWork_ShutdownLeavesGenerationProcessing(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "kling-video/v2.0/master/text-to-video")
	ctx, cancel := context.WithCancel(context.Background())

	h.provider.EXPECT().Submit(gomock.Any(), gomock.Any()).
		Return(&provider.Submission{Handle: "task-5", Status: provider.StatusPending}, nil)
	h.provider.EXPECT().Poll(gomock.Any(), "task-5").
		DoAndReturn(func(context.Context, string) (*provider.PollResult, error) {
			cancel()
			return pending(), nil
		})

	err := h.work(ctx, g.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.GenerationProcessing, h.store.Generation(g.ID).Status)
	assert.Len(t, h.store.ByReference(g.ID), 1)

	// the retry resumes polling the stored handle without resubmitting
	h.provider.EXPECT().Poll(gomock.Any(), "task-5").
		Return(&provider.PollResult{Status: provider.StatusCompleted, ResultURL: "https://cdn.example/r.mp4"}, nil)
	require.NoError(t, h.work(context.Background(), g.ID))
	assert.Equal(t, models.GenerationCompleted, h.store.Generation(g.ID).Status)
}

func TestWork_RedeliveryOfFinishedGeneration(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "google/imagen-4")
	_, err := h.svc.Cancel(context.Background(), h.account, g.ID)
	require.NoError(t, err)

	// no provider expectations: any call fails the test
	require.NoError(t, h.work(context.Background(), g.ID))
	assert.Equal(t, models.GenerationCancelled, h.store.Generation(g.ID).Status)
}

func TestReconcileWorker(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, "kling-video/v2.0/master/text-to-video")
	h.store.Update(g.ID, func(g *models.Generation) { g.TimeoutAt = time.Now().Add(-time.Minute) })

	w := execution.NewReconcileWorker(h.svc, zap.NewNop())
	require.NoError(t, w.Work(context.Background(), &river.Job[execution.ReconcileGenerationsArgs]{JobRow: &rivertype.JobRow{ID: 2}}))

	assert.Equal(t, models.GenerationFailed, h.store.Generation(g.ID).Status)
	assert.Equal(t, int64(100), h.store.Balance(h.account).Credits)
}

func TestArgs(t *testing.T) {
	assert.Equal(t, "process_generation", execution.ProcessGenerationArgs{}.Kind())
	opts := execution.ProcessGenerationArgs{}.InsertOpts()
	assert.Equal(t, execution.QueueGenerations, opts.Queue)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Len(t, execution.PeriodicJobs(time.Minute), 1)
}
