package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"leadflow/internal/domain"
	"leadflow/internal/queue"
)

func newTestServer(t *testing.T) (*httptest.Server, queue.Repository) {
	t.Helper()
	db, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := queue.NewSQLiteRepo(db)
	srv := httptest.NewServer(NewServer(repo))
	t.Cleanup(srv.Close)
	return srv, repo
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

func TestSchedules_CreateValidates(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := map[string]string{
		"no name":      `{"query":"bakeries"}`,
		"no query":     `{"name":"n"}`,
		"bad cron":     `{"name":"n","query":"q","cron_expr":"every day"}`,
		"bad interval": `{"name":"n","query":"q","interval":"soon"}`,
		"short":        `{"name":"n","query":"q","interval":"5s"}`,
		"fractional":   `{"name":"n","query":"q","interval":"90.5s"}`,
		"integration":  `{"name":"n","query":"q","integrations":[{"parameters":{}}]}`,
		"not json":     `{`,
	}
	for name, body := range cases {
		if resp := do(t, http.MethodPost, srv.URL+"/api/schedules", body); resp.StatusCode != 400 {
			t.Errorf("%s: status %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestSchedules_Lifecycle(t *testing.T) {
	srv, repo := newTestServer(t)
	before := time.Now()

	resp := do(t, http.MethodPost, srv.URL+"/api/schedules", `{
		"name": "daily bakeries",
		"query": "bakeries in Lyon",
		"target_count": 40,
		"integrations": [{"type": "webhook", "parameters": {"url": "http://hooks.local/leads"}}]
	}`)
	expectStatus(t, resp, http.StatusCreated)
	var created createScheduleResp
	decode(t, resp, &created)
	if created.ID == "" {
		t.Fatal("missing id")
	}
	if d := created.NextRun.Sub(before); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("default interval should schedule about a day out, got %s", d)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/schedules/"+created.ID, "")
	expectStatus(t, resp, 200)
	var got map[string]any
	decode(t, resp, &got)
	if got["interval"] != "24h0m0s" || got["enabled"] != true || got["target_count"].(float64) != 40 {
		t.Errorf("schedule: %v", got)
	}

	resp = do(t, http.MethodPatch, srv.URL+"/api/schedules/"+created.ID, `{"interval":"2h","enabled":false}`)
	expectStatus(t, resp, 200)
	s, _ := repo.GetSchedule(context.Background(), created.ID)
	if s.Interval != 2*time.Hour || s.Enabled {
		t.Errorf("patched: interval=%s enabled=%v", s.Interval, s.Enabled)
	}
	if d := s.NextRun.Sub(before); d < time.Hour || d > 3*time.Hour {
		t.Errorf("next_run should move with the interval, got %s", d)
	}

	resp = do(t, http.MethodPatch, srv.URL+"/api/schedules/"+created.ID, `{"cron_expr":"0 9 * * 1"}`)
	expectStatus(t, resp, 200)
	s, _ = repo.GetSchedule(context.Background(), created.ID)
	if s.CronExpr != "0 9 * * 1" || s.NextRun.Local().Weekday() != time.Monday {
		t.Errorf("cron patch: %q next=%v", s.CronExpr, s.NextRun)
	}

	expectStatus(t, do(t, http.MethodPatch, srv.URL+"/api/schedules/"+created.ID, `{}`), 400)
	expectStatus(t, do(t, http.MethodPatch, srv.URL+"/api/schedules/sch_missing", `{"name":"x"}`), 404)

	resp = do(t, http.MethodGet, srv.URL+"/api/schedules?enabled=true", "")
	expectStatus(t, resp, 200)
	var enabled []map[string]any
	decode(t, resp, &enabled)
	if len(enabled) != 0 {
		t.Errorf("disabled schedule listed as enabled")
	}

	expectStatus(t, do(t, http.MethodDelete, srv.URL+"/api/schedules/"+created.ID, ""), 204)
	expectStatus(t, do(t, http.MethodDelete, srv.URL+"/api/schedules/"+created.ID, ""), 404)
}

func TestSchedules_RunNowAndHistory(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	id, _ := repo.CreateSchedule(ctx, domain.Schedule{Name: "n", Query: "florists", TargetCount: 12, Enabled: true})

	resp := do(t, http.MethodPost, srv.URL+"/api/schedules/"+id+"/run", "")
	expectStatus(t, resp, http.StatusAccepted)
	var out enqueueResp
	decode(t, resp, &out)

	it, err := repo.GetItem(ctx, out.ID)
	if err != nil {
		t.Fatal(err)
	}
	if it.Priority != domain.PriorityScheduled || it.ScheduleID == nil || *it.ScheduleID != id || it.TargetCount != 12 {
		t.Errorf("item: %+v", it)
	}

	repo.RecordHistory(ctx, domain.HistoryRecord{ScheduleID: &id, QueueID: out.ID, Query: "florists", Status: domain.StatusCompleted, FoundCount: 12, StartedAt: time.Now(), CompletedAt: time.Now()})
	repo.RecordHistory(ctx, domain.HistoryRecord{QueueID: "q_other", Query: "x", Status: domain.StatusError, StartedAt: time.Now(), CompletedAt: time.Now()})

	resp = do(t, http.MethodGet, srv.URL+"/api/schedules/"+id+"/history", "")
	expectStatus(t, resp, 200)
	var hs []domain.HistoryRecord
	decode(t, resp, &hs)
	if len(hs) != 1 || hs[0].FoundCount != 12 {
		t.Errorf("schedule history: %+v", hs)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/history?limit=5", "")
	expectStatus(t, resp, 200)
	decode(t, resp, &hs)
	if len(hs) != 2 {
		t.Errorf("history: got %d rows", len(hs))
	}

	expectStatus(t, do(t, http.MethodGet, srv.URL+"/api/schedules/sch_missing/history", ""), 404)
}

func TestSchedules_Advance(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	id, _ := repo.CreateSchedule(ctx, domain.Schedule{Name: "n", Query: "q", Interval: 2 * time.Hour, Enabled: true, NextRun: past})
	before := time.Now()

	resp := do(t, http.MethodPost, srv.URL+"/api/schedules/"+id+"/advance", "")
	expectStatus(t, resp, 200)
	var out advanceResp
	decode(t, resp, &out)
	if d := out.NextRun.Sub(before); d < 2*time.Hour-time.Second || d > 2*time.Hour+time.Minute {
		t.Errorf("next_run should be about now+2h, got %s", d)
	}

	s, _ := repo.GetSchedule(ctx, id)
	if s.LastRun == nil || s.LastRun.Before(before.Add(-time.Second)) || s.NextRun.UnixMilli() != out.NextRun.UnixMilli() {
		t.Errorf("stored: last=%v next=%v", s.LastRun, s.NextRun)
	}
	if due, _ := repo.DueSchedules(ctx, time.Now()); len(due) != 0 {
		t.Error("advanced schedule should no longer be due")
	}
	if items, _ := repo.ListQueue(ctx, "", 0); len(items) != 0 {
		t.Error("advance must not enqueue")
	}

	expectStatus(t, do(t, http.MethodPost, srv.URL+"/api/schedules/sch_missing/advance", ""), 404)
}

func TestQueue_EnqueueGetList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/queue", `{"query":"bakeries","target_count":10}`)
	expectStatus(t, resp, http.StatusAccepted)
	var low enqueueResp
	decode(t, resp, &low)

	resp = do(t, http.MethodPost, srv.URL+"/api/queue", `{"query":"bakeries","target_count":10,"priority":10}`)
	expectStatus(t, resp, http.StatusAccepted)
	var high enqueueResp
	decode(t, resp, &high)

	resp = do(t, http.MethodGet, srv.URL+"/api/queue/"+low.ID, "")
	expectStatus(t, resp, 200)
	var it domain.QueueItem
	decode(t, resp, &it)
	if it.Priority != domain.PriorityDefault || it.Status != domain.StatusPending {
		t.Errorf("item: %+v", it)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/queue?status=pending", "")
	expectStatus(t, resp, 200)
	var items []domain.QueueItem
	decode(t, resp, &items)
	if len(items) != 2 || items[0].ID != high.ID {
		t.Errorf("list should order by priority: %+v", items)
	}

	expectStatus(t, do(t, http.MethodGet, srv.URL+"/api/queue?status=weird", ""), 400)
	expectStatus(t, do(t, http.MethodGet, srv.URL+"/api/queue/q_missing", ""), 404)
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/api/queue", `{"target_count":3}`), 400)
}

func TestQueue_ExplicitPriorityZero(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()

	resp := do(t, http.MethodPost, srv.URL+"/api/queue", `{"query":"zero","priority":0}`)
	expectStatus(t, resp, http.StatusAccepted)
	var zero enqueueResp
	decode(t, resp, &zero)
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/api/queue", `{"query":"three","priority":3}`), http.StatusAccepted)
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/api/queue", `{"query":"neg","priority":-1}`), 400)

	it, _ := repo.GetItem(ctx, zero.ID)
	if it.Priority != 0 {
		t.Errorf("priority: got %d, want 0", it.Priority)
	}
	next, err := repo.DequeueNextReady(ctx, time.Now())
	if err != nil || next.Query != "three" {
		t.Errorf("dequeue: got %q err=%v", next.Query, err)
	}
}

func TestQueue_BulkIsAllOrNothing(t *testing.T) {
	srv, repo := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/queue/bulk", `{"items":[{"query":"a"},{"query":""}]}`)
	expectStatus(t, resp, 400)
	if items, _ := repo.ListQueue(context.Background(), "", 0); len(items) != 0 {
		t.Fatalf("invalid bulk must enqueue nothing, got %d", len(items))
	}

	resp = do(t, http.MethodPost, srv.URL+"/api/queue/bulk", `{"items":[{"query":"a"},{"query":"b","priority":7}]}`)
	expectStatus(t, resp, http.StatusAccepted)
	var out bulkResp
	decode(t, resp, &out)
	if len(out.IDs) != 2 {
		t.Errorf("ids: %v", out.IDs)
	}
}

func TestQueue_CancelAndClear(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	a, _ := repo.Enqueue(ctx, domain.QueueItem{Query: "a"})
	repo.Enqueue(ctx, domain.QueueItem{Query: "b"})
	repo.Enqueue(ctx, domain.QueueItem{Query: "c"})

	resp := do(t, http.MethodPost, srv.URL+"/api/queue/"+a+"/cancel", "")
	expectStatus(t, resp, 200)
	var it domain.QueueItem
	decode(t, resp, &it)
	if it.Status != domain.StatusCancelled {
		t.Errorf("status: %s", it.Status)
	}
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/api/queue/"+a+"/cancel", ""), http.StatusConflict)
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/api/queue/q_missing/cancel", ""), 404)

	resp = do(t, http.MethodDelete, srv.URL+"/api/queue", "")
	expectStatus(t, resp, 200)
	var n countResp
	decode(t, resp, &n)
	if n.Count != 2 {
		t.Errorf("cleared: %d, want 2", n.Count)
	}

	time.Sleep(5 * time.Millisecond)
	resp = do(t, http.MethodPost, srv.URL+"/api/queue/purge?older_than=0s", "")
	expectStatus(t, resp, 200)
	decode(t, resp, &n)
	if n.Count != 3 {
		t.Errorf("purged: %d, want 3", n.Count)
	}
	expectStatus(t, do(t, http.MethodPost, srv.URL+"/api/queue/purge?older_than=later", ""), 400)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/health", "")
	expectStatus(t, resp, 200)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	expectStatus(t, resp, 200)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "go_goroutines") {
		t.Error("metrics endpoint should expose the default registry")
	}
}
