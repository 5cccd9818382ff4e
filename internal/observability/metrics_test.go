package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/x", "200", time.Millisecond)
	m.ObserveGroup(GroupOutcome{ParentKind: "p", Created: true, Linked: 2})
	m.ObserveSweep(SweepOutcome{Processed: 3})
	m.IncAggregateConflict("op")
	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil || buf.Len() != 0 {
		t.Fatalf("nil metrics wrote %q err=%v", buf.String(), err)
	}
	rec := httptest.NewRecorder()
	m.WriteHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 503 {
		t.Fatalf("nil metrics http status=%d", rec.Code)
	}
}

func TestObserveGroupCountsByKind(t *testing.T) {
	m := New()
	m.ObserveGroup(GroupOutcome{ParentKind: "summary", Created: true, Linked: 3})
	m.ObserveGroup(GroupOutcome{ParentKind: "summary", Updated: true, Linked: 1, Conflicts: 2, Stale: 1})
	m.ObserveGroup(GroupOutcome{ParentKind: "summary"})

	if got := m.parentsCreated.Value("summary"); got != 1 {
		t.Fatalf("parents created=%v", got)
	}
	if got := m.parentsUpdated.Value("summary"); got != 1 {
		t.Fatalf("parents updated=%v", got)
	}
	if got := m.childrenLinked.Value("summary"); got != 4 {
		t.Fatalf("children linked=%v", got)
	}
	if got := m.linkConflicts.Value("summary"); got != 2 {
		t.Fatalf("link conflicts=%v", got)
	}
	if got := m.staleMembers.Value(); got != 1 {
		t.Fatalf("stale=%v", got)
	}
}

func TestWritePrometheusIsSortedAndEscaped(t *testing.T) {
	m := New()
	m.ObserveAPI("GET", "/b", "200", 10*time.Millisecond)
	m.ObserveAPI("GET", "/a", "500", 10*time.Millisecond)
	m.IncMalformed("kind\"quoted")
	m.ObserveAggregateOperation("Notifications.Group.ApplyGroup", "success", 5*time.Millisecond)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	a := strings.Index(out, `notif_api_requests_total{method="GET",route="/a",status="500"} 1`)
	b := strings.Index(out, `notif_api_requests_total{method="GET",route="/b",status="200"} 1`)
	if a < 0 || b < 0 || a > b {
		t.Fatalf("api series missing or unsorted:\n%s", out)
	}
	if !strings.Contains(out, `notif_malformed_candidates_total{kind="kind\"quoted"} 1`) {
		t.Fatalf("label not escaped:\n%s", out)
	}
	if !strings.Contains(out, `notif_aggregate_operation_duration_seconds_bucket{operation="Notifications.Group.ApplyGroup",status="success",le="+Inf"} 1`) {
		t.Fatalf("histogram +Inf bucket missing:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE notif_sweep_last_run_timestamp_seconds gauge") {
		t.Fatalf("gauge header missing")
	}
}

func TestObserveSweep(t *testing.T) {
	m := New()
	m.ObserveSweep(SweepOutcome{Processed: 4, Failed: 1, Duration: time.Second})
	if got := m.sweepRuns.Value("succeeded"); got != 1 {
		t.Fatalf("sweep runs=%v", got)
	}
	if got := m.sweepRecipients.Value("processed"); got != 4 {
		t.Fatalf("processed=%v", got)
	}
	if got := m.sweepRecipients.Value("failed"); got != 1 {
		t.Fatalf("failed=%v", got)
	}
	if m.sweepLastRun.Value() == 0 {
		t.Fatalf("last run timestamp not set")
	}
	if got := m.sweepDuration.Count("succeeded"); got != 1 {
		t.Fatalf("duration observations=%d", got)
	}
}

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f fakeCounter) CountByStatus(dbctx.Context) (map[string]int64, error) {
	return f.counts, f.err
}

func TestCollectQueueDepth(t *testing.T) {
	m := New()
	m.queueDepth.Set(9, "failed")
	if err := m.collectQueueDepth(context.Background(), fakeCounter{counts: map[string]int64{"queued": 3, "running": 1}}); err != nil {
		t.Fatalf("collectQueueDepth: %v", err)
	}
	if m.queueDepth.Value("queued") != 3 || m.queueDepth.Value("running") != 1 {
		t.Fatalf("queue depth not recorded")
	}
	if m.queueDepth.Value("failed") != 0 {
		t.Fatalf("statuses absent from the query must reset to zero")
	}

	boom := errors.New("boom")
	if err := m.collectQueueDepth(context.Background(), fakeCounter{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("want query error, got %v", err)
	}
	if m.queueDepth.Value("queued") != 3 {
		t.Fatalf("failed query must keep the last sample")
	}
}

func TestStatusForError(t *testing.T) {
	cases := map[string]error{
		"succeeded": nil,
		"canceled":  context.Canceled,
		"failed":    errors.New("x"),
	}
	for want, err := range cases {
		if got := StatusForError(err); got != want {
			t.Fatalf("StatusForError(%v)=%s want %s", err, got, want)
		}
	}
}
