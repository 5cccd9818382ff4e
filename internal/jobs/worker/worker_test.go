package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/notification-engine/internal/data/repos/jobs"
	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	repotest "github.com/yungbote/notification-engine/internal/data/repos/testutil"
	jobtypes "github.com/yungbote/notification-engine/internal/domain/jobs"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/jobs"
	"github.com/yungbote/notification-engine/internal/jobs/pipeline/notification_recompute"
	"github.com/yungbote/notification-engine/internal/jobs/pipeline/notification_sweep"
	"github.com/yungbote/notification-engine/internal/jobs/runtime"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	jobs     jobrepo.JobRunRepo
	notifs   notifrepo.NotificationRepo
	registry *runtime.Registry
	worker   *Worker
	enqueuer *jobs.Enqueuer
	metrics  *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := repotest.DB(t)
	log := repotest.Logger(t)
	profiles, err := types.DefaultProfiles()
	if err != nil {
		t.Fatalf("DefaultProfiles: %v", err)
	}
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		db:       db,
		jobs:     jobrepo.NewJobRunRepo(db, log),
		notifs:   notifrepo.NewNotificationRepo(db, log),
		registry: runtime.NewRegistry(),
		metrics:  observability.New(),
	}
	uc := notifmod.New(notifmod.UsecasesDeps{
		DB:            db,
		Log:           log,
		Metrics:       h.metrics,
		Profiles:      profiles,
		Notifications: h.notifs,
		Locker:        notifmod.NewLocalLocker(),
	})
	for _, handler := range []runtime.Handler{
		notification_recompute.New(log, uc.Driver),
		notification_sweep.New(log, uc.Driver),
	} {
		if err := h.registry.Register(handler); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	h.enqueuer = jobs.NewEnqueuer(h.jobs, log, h.metrics)
	h.worker = NewWorker(log, h.jobs, h.registry, h.metrics, Config{HeartbeatEvery: time.Hour})
	return h
}

func (h *harness) seedPair(recipient types.RecipientRef, clientID string) {
	h.t.Helper()
	for i := 0; i < 2; i++ {
		repotest.SeedNotification(h.t, h.ctx, h.db, repotest.NotificationSeed{
			Recipient: recipient,
			Kind:      "expert_new_assignment",
			Detail:    map[string]any{"client_id": clientID},
			CreatedAt: time.Now().UTC().Add(-time.Duration(i+1) * time.Hour),
		})
	}
}

func (h *harness) job(id uuid.UUID) *jobtypes.JobRun {
	h.t.Helper()
	rows, err := h.jobs.GetByIDs(dbctx.Context{Ctx: h.ctx}, []uuid.UUID{id})
	if err != nil || len(rows) != 1 {
		h.t.Fatalf("GetByIDs(%s): n=%d err=%v", id, len(rows), err)
	}
	return rows[0]
}

func (h *harness) drain() int {
	h.t.Helper()
	n := 0
	for {
		ran, err := h.worker.RunOnce(h.ctx)
		if err != nil {
			h.t.Fatalf("RunOnce: %v", err)
		}
		if !ran {
			return n
		}
		n++
	}
}

func TestRecomputeJobGroupsRecipient(t *testing.T) {
	h := newHarness(t)
	r := repotest.Recipient("expert")
	h.seedPair(r, "c-1")

	for i := 0; i < 3; i++ {
		if err := h.enqueuer.RecipientChanged(h.ctx, r); err != nil {
			t.Fatalf("RecipientChanged: %v", err)
		}
	}
	if got := h.metrics.Signals("jobs", "coalesced"); got != 2 {
		t.Fatalf("coalesced signals: want=2 got=%v", got)
	}
	queued, err := h.jobs.GetLatestByEntity(dbctx.Context{Ctx: h.ctx}, r.Kind, r.ID, jobs.JobTypeRecompute)
	if err != nil || queued == nil {
		t.Fatalf("GetLatestByEntity: %v", err)
	}

	if n := h.drain(); n != 1 {
		t.Fatalf("jobs run: want=1 got=%d", n)
	}
	done := h.job(queued.ID)
	if done.Status != jobtypes.StatusSucceeded || done.Progress != 100 {
		t.Fatalf("job after run: status=%s progress=%d error=%s", done.Status, done.Progress, done.Error)
	}
	visible, err := h.notifs.ListVisible(dbctx.Context{Ctx: h.ctx}, r, notifrepo.ListOptions{})
	if err != nil {
		t.Fatalf("ListVisible: %v", err)
	}
	if len(visible) != 1 || visible[0].Role != types.RoleParent || visible[0].ChildrenCount != 2 {
		t.Fatalf("visible after job: %+v", visible)
	}
	if got := h.metrics.JobRuns(jobs.JobTypeRecompute, jobtypes.StatusSucceeded); got != 1 {
		t.Fatalf("job metric: want=1 got=%v", got)
	}

	// a new signal after the claim is not absorbed by the finished job
	if err := h.enqueuer.RecipientChanged(h.ctx, r); err != nil {
		t.Fatalf("RecipientChanged: %v", err)
	}
	if n := h.drain(); n != 1 {
		t.Fatalf("second drain: want=1 got=%d", n)
	}
}

func TestRecomputeJobRejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	job := &jobtypes.JobRun{
		JobType: jobs.JobTypeRecompute,
		Status:  jobtypes.StatusQueued,
		Payload: datatypes.JSON([]byte(`{"recipient_id":"not-a-uuid","recipient_kind":"expert"}`)),
		Result:  datatypes.JSON([]byte("{}")),
	}
	if _, err := h.jobs.Create(dbctx.Context{Ctx: h.ctx}, []*jobtypes.JobRun{job}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain()
	got := h.job(job.ID)
	if got.Status != jobtypes.StatusFailed || got.Stage != "validate" {
		t.Fatalf("bad payload: status=%s stage=%s", got.Status, got.Stage)
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	h := newHarness(t)
	job := &jobtypes.JobRun{JobType: "bogus", Status: jobtypes.StatusQueued, Payload: datatypes.JSON([]byte("{}")), Result: datatypes.JSON([]byte("{}"))}
	if _, err := h.jobs.Create(dbctx.Context{Ctx: h.ctx}, []*jobtypes.JobRun{job}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain()
	got := h.job(job.ID)
	if got.Status != jobtypes.StatusFailed || !strings.Contains(got.Error, "no handler") {
		t.Fatalf("unknown job: status=%s error=%q", got.Status, got.Error)
	}
}

type panicHandler struct{}

func (panicHandler) Type() string               { return "explode" }
func (panicHandler) Run(*runtime.Context) error { panic("boom") }

func TestHandlerPanicIsRecorded(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Register(panicHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	job := &jobtypes.JobRun{JobType: "explode", Status: jobtypes.StatusQueued, Payload: datatypes.JSON([]byte("{}")), Result: datatypes.JSON([]byte("{}"))}
	if _, err := h.jobs.Create(dbctx.Context{Ctx: h.ctx}, []*jobtypes.JobRun{job}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.drain()
	got := h.job(job.ID)
	if got.Status != jobtypes.StatusFailed || got.Stage != "panic" || !strings.Contains(got.Error, "boom") {
		t.Fatalf("panicking job: status=%s stage=%s error=%q", got.Status, got.Stage, got.Error)
	}
}

func TestSweepJobRecordsReport(t *testing.T) {
	h := newHarness(t)
	a, b := repotest.Recipient("expert"), repotest.Recipient("expert")
	h.seedPair(a, "c-1")
	h.seedPair(b, "c-2")

	job, err := h.enqueuer.EnqueueSweep(h.ctx, jobs.SweepRequest{BatchSize: 1, Concurrency: 2})
	if err != nil {
		t.Fatalf("EnqueueSweep: %v", err)
	}
	h.drain()
	got := h.job(job.ID)
	if got.Status != jobtypes.StatusSucceeded {
		t.Fatalf("sweep job: status=%s error=%s", got.Status, got.Error)
	}
	var rep notifmod.SweepReport
	if err := json.Unmarshal(got.Result, &rep); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if rep.Processed != 2 || rep.ParentsCreated != 2 || rep.Failed != 0 {
		t.Fatalf("sweep result: %+v", rep)
	}
}
