package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/bibshelf/internal/crawl"
	"horse.fit/bibshelf/internal/db"
	"horse.fit/bibshelf/internal/dedup"
	"horse.fit/bibshelf/internal/executor"
	"horse.fit/bibshelf/internal/pipeline"
	"horse.fit/bibshelf/internal/record"
)

type paperStoreStub struct {
	mu          sync.Mutex
	collections map[string]bool
	keys        []dedup.PaperKeys
	inserted    int
}

func (s *paperStoreStub) GetCollection(_ context.Context, collectionID string) (*db.CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collections[collectionID] {
		return nil, db.ErrNoRows
	}
	return &db.CollectionInfo{CollectionID: collectionID}, nil
}

func (s *paperStoreStub) CreateCollection(_ context.Context, collectionID, _ string, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collectionID] = true
	return nil
}

func (s *paperStoreStub) ListCollectionPaperKeys(context.Context, string) ([]dedup.PaperKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys, nil
}

func (s *paperStoreStub) InsertPaperWithMembership(context.Context, db.PaperRecord, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted++
	return nil
}

func (s *paperStoreStub) UpdatePaperVersioned(context.Context, db.PaperRecord, int64) (bool, error) {
	return true, nil
}

type jobStoreStub struct {
	mu   sync.Mutex
	jobs map[string]*db.ImportJobRow
}

func newJobStoreStub() *jobStoreStub {
	return &jobStoreStub{jobs: map[string]*db.ImportJobRow{}}
}

func (s *jobStoreStub) InsertImportJob(_ context.Context, jobID, jobType string, collectionID *string, total int, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = &db.ImportJobRow{JobID: jobID, JobType: jobType, Status: "pending", CollectionID: collectionID, Total: total, CreatedAt: createdAt}
	return nil
}

func (s *jobStoreStub) MarkJobProcessing(_ context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].Status = "processing"
	s.jobs[jobID].StartedAt = &startedAt
	return nil
}

func (s *jobStoreStub) UpdateJobProgress(_ context.Context, jobID string, total, processed, success, skipped int, entryErrors json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	if total > job.Total {
		job.Total = total
	}
	if processed > job.Processed {
		job.Processed = processed
	}
	if success > job.Success {
		job.Success = success
	}
	if skipped > job.Skipped {
		job.Skipped = skipped
	}
	job.Errors = entryErrors
	return nil
}

func (s *jobStoreStub) CompleteJob(_ context.Context, jobID string, processed, success, skipped int, entryErrors json.RawMessage, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.Status = "completed"
	job.Processed = processed
	job.Success = success
	job.Skipped = skipped
	job.Errors = entryErrors
	job.FinishedAt = &finishedAt
	return nil
}

func (s *jobStoreStub) FailJob(_ context.Context, jobID, message string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.Status = "failed"
	job.ErrorMessage = &message
	job.FinishedAt = &finishedAt
	return nil
}

func (s *jobStoreStub) GetImportJob(_ context.Context, jobID string) (*db.ImportJobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, db.ErrNoRows
	}
	copied := *job
	return &copied, nil
}

func (s *jobStoreStub) ListImportJobs(_ context.Context, limit int) ([]db.ImportJobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]db.ImportJobRow, 0, len(s.jobs))
	for _, job := range s.jobs {
		items = append(items, *job)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

type taskStoreStub struct {
	mu    sync.Mutex
	tasks map[string]*db.CrawlTaskRow
	runs  map[string][]db.CrawlRunRow
}

func newTaskStoreStub() *taskStoreStub {
	return &taskStoreStub{tasks: map[string]*db.CrawlTaskRow{}, runs: map[string][]db.CrawlRunRow{}}
}

func (s *taskStoreStub) InsertCrawlTask(_ context.Context, task db.CrawlTaskRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = &task
	return nil
}

func (s *taskStoreStub) UpdateCrawlTask(_ context.Context, task db.CrawlTaskRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; !ok {
		return db.ErrNoRows
	}
	s.tasks[task.TaskID] = &task
	return nil
}

func (s *taskStoreStub) DeleteCrawlTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return db.ErrNoRows
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *taskStoreStub) GetCrawlTask(_ context.Context, taskID string) (*db.CrawlTaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, db.ErrNoRows
	}
	copied := *task
	return &copied, nil
}

func (s *taskStoreStub) ListCrawlTasks(context.Context) ([]db.CrawlTaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]db.CrawlTaskRow, 0, len(s.tasks))
	for _, task := range s.tasks {
		items = append(items, *task)
	}
	return items, nil
}

func (s *taskStoreStub) ListArmedCrawlTasks(context.Context) ([]db.CrawlTaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	armed := make([]db.CrawlTaskRow, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.IsEnabled && task.NextRunAt != nil {
			armed = append(armed, *task)
		}
	}
	return armed, nil
}

func (s *taskStoreStub) SetCrawlTaskEnabled(_ context.Context, taskID string, enabled bool, nextRunAt *time.Time, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return db.ErrNoRows
	}
	task.IsEnabled = enabled
	task.NextRunAt = nextRunAt
	return nil
}

func (s *taskStoreStub) ListCrawlRuns(_ context.Context, taskID string, limit int) ([]db.CrawlRunRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[taskID]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

type crawlStoreStub struct{}

func (crawlStoreStub) GetCollection(context.Context, string) (*db.CollectionInfo, error) {
	return nil, db.ErrNoRows
}

func (crawlStoreStub) CreateCollection(context.Context, string, string, *string) error { return nil }

func (crawlStoreStub) UpdateCrawlTaskAfterRun(context.Context, string, time.Time, string, json.RawMessage, *time.Time, bool) error {
	return nil
}

func (crawlStoreStub) InsertCrawlRun(context.Context, string, string, time.Time) error { return nil }

func (crawlStoreStub) FinishCrawlRun(context.Context, string, string, json.RawMessage, *string, time.Time) error {
	return nil
}

type fakeSource struct{}

func (fakeSource) Type() string { return crawl.SourceArxivRSS }

func (fakeSource) Meta() crawl.SourceMeta {
	return crawl.SourceMeta{
		Type:               crawl.SourceArxivRSS,
		DisplayName:        "arXiv RSS",
		ConfigFields:       []crawl.ConfigField{{Name: "categories", Label: "Categories", FieldType: "multiselect", Required: true}},
		SupportedSchedules: []string{crawl.ScheduleDaily},
	}
}

func (fakeSource) Fetch(context.Context, crawl.Config, time.Time) ([]record.Candidate, []record.EntryError, error) {
	return nil, nil, nil
}

type testEnv struct {
	server *Server
	papers *paperStoreStub
	jobs   *jobStoreStub
	tasks  *taskStoreStub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	papers := &paperStoreStub{collections: map[string]bool{"c1": true}}
	jobs := newJobStoreStub()
	tasks := newTaskStoreStub()

	importSvc := pipeline.NewService(papers, pipeline.NewScanCache(time.Minute), zerolog.Nop())
	exec := executor.New(jobs, 2, zerolog.Nop())
	t.Cleanup(func() { _ = exec.Shutdown(context.Background()) })

	registry := crawl.NewRegistry(fakeSource{})
	runner := crawl.NewRunner(crawlStoreStub{}, importSvc, registry, time.Second, zerolog.Nop())
	scheduler := crawl.NewScheduler(tasks, runner, time.Minute, zerolog.Nop())

	server := NewServer(tasks, importSvc, exec, scheduler, registry, zerolog.Nop(), Options{})
	return &testEnv{server: server, papers: papers, jobs: jobs, tasks: tasks}
}

func (env *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.server.buildEcho().ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func dataField(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	data, ok := payload["data"].(map[string]any)
	if !ok {
		t.Fatalf("response has no data object: %v", payload)
	}
	return data
}

func (env *testEnv) waitJob(t *testing.T, jobID string) *db.ImportJobRow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := env.jobs.GetImportJob(context.Background(), jobID)
		if err == nil && (job.Status == "completed" || job.Status == "failed") {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never finished", jobID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const apiBib = `@article{vaswani2017attention,
  title = {Attention Is All You Need},
  author = {Vaswani, Ashish},
  year = {2017}
}`

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, payload := env.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if payload["status"] != "success" {
		t.Fatalf("unexpected envelope: %v", payload)
	}
}

func TestScanEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := fmt.Sprintf(`{"bibtex_content": %q}`, apiBib)

	rec, payload := env.do(t, http.MethodPost, "/api/v1/collections/c1/import/scan", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %v", rec.Code, payload)
	}
	data := dataField(t, payload)
	if data["scan_id"] == "" || data["total"].(float64) != 1 {
		t.Fatalf("unexpected scan payload: %v", data)
	}
}

func TestScanUnknownCollectionIs404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := fmt.Sprintf(`{"bibtex_content": %q}`, apiBib)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/collections/nope/import/scan", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestScanMissingContentIs400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/v1/collections/c1/import/scan", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestImportRunsAsJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := fmt.Sprintf(`{"bibtex_content": %q, "duplicate_strategy": "skip"}`, apiBib)

	rec, payload := env.do(t, http.MethodPost, "/api/v1/collections/c1/import", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", rec.Code, payload)
	}
	jobID, _ := dataField(t, payload)["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job_id in response: %v", payload)
	}

	job := env.waitJob(t, jobID)
	if job.Status != "completed" || job.Success != 1 {
		t.Fatalf("unexpected job outcome: %+v", job)
	}
}

func TestCommitScanFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := fmt.Sprintf(`{"bibtex_content": %q}`, apiBib)
	rec, payload := env.do(t, http.MethodPost, "/api/v1/collections/c1/import/scan", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("scan failed: %d", rec.Code)
	}
	scanID := dataField(t, payload)["scan_id"].(string)

	rec, payload = env.do(t, http.MethodPost, "/api/v1/collections/c1/import/commit",
		fmt.Sprintf(`{"scan_id": %q}`, scanID))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", rec.Code, payload)
	}
	jobID, _ := dataField(t, payload)["job_id"].(string)

	job := env.waitJob(t, jobID)
	if job.Status != "completed" || job.Success != 1 {
		t.Fatalf("unexpected job outcome: %+v", job)
	}
}

func TestCommitUnknownScanIs404(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/v1/collections/c1/import/commit", `{"scan_id": "nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown scan, got %d", rec.Code)
	}
}

func TestCommitScanWrongCollectionIs400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.papers.collections["c2"] = true
	body := fmt.Sprintf(`{"bibtex_content": %q}`, apiBib)
	rec, payload := env.do(t, http.MethodPost, "/api/v1/collections/c1/import/scan", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("scan failed: %d", rec.Code)
	}
	scanID := dataField(t, payload)["scan_id"].(string)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/collections/c2/import/commit",
		fmt.Sprintf(`{"scan_id": %q}`, scanID))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched collection, got %d", rec.Code)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/api/v1/import/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListSourcesReturnsMetadata(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, payload := env.do(t, http.MethodGet, "/api/v1/crawl-sources", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	items, ok := dataField(t, payload)["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one source descriptor, got %v", payload)
	}
	meta, ok := items[0].(map[string]any)
	if !ok {
		t.Fatalf("descriptor is not an object: %v", items[0])
	}
	if meta["type"] != crawl.SourceArxivRSS || meta["display_name"] != "arXiv RSS" {
		t.Fatalf("unexpected source meta: %v", meta)
	}
	fields, ok := meta["config_fields"].([]any)
	if !ok || len(fields) == 0 {
		t.Fatalf("source meta has no config fields: %v", meta)
	}
	schedules, ok := meta["supported_schedules"].([]any)
	if !ok || len(schedules) == 0 {
		t.Fatalf("source meta has no supported schedules: %v", meta)
	}
}

func validTaskBody() string {
	return `{
		"name": "nightly cs.CL",
		"source_type": "arxiv_rss",
		"source_config": {"categories": ["cs.CL"]},
		"schedule_type": "daily",
		"target_mode": "append",
		"target_collection_id": "c1"
	}`
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, payload := env.do(t, http.MethodPost, "/api/v1/crawl-tasks", validTaskBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", rec.Code, payload)
	}
	data := dataField(t, payload)
	if data["task_id"] == "" || data["is_enabled"] != true {
		t.Fatalf("unexpected task payload: %v", data)
	}
	if data["duplicate_strategy"] != "skip" {
		t.Fatalf("expected default duplicate strategy skip, got %v", data["duplicate_strategy"])
	}
	if data["next_run_at"] == nil {
		t.Fatal("enabled task should have an initial next_run_at")
	}
}

func TestCreateTaskInvalidConfig(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	body := `{
		"name": "broken",
		"source_type": "arxiv_rss",
		"source_config": {},
		"schedule_type": "daily",
		"target_mode": "append",
		"target_collection_id": "c1"
	}`
	rec, _ := env.do(t, http.MethodPost, "/api/v1/crawl-tasks", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRunDisabledTaskIs400(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	disabled := false
	_ = env.tasks.InsertCrawlTask(context.Background(), db.CrawlTaskRow{
		TaskID:       "t1",
		Name:         "off",
		SourceType:   crawl.SourceArxivRSS,
		SourceConfig: json.RawMessage(`{"categories": ["cs.CL"]}`),
		ScheduleType: crawl.ScheduleDaily,
		TimeRange:    "1d",
		TargetMode:   crawl.TargetAppend,
		IsEnabled:    disabled,
	})

	rec, _ := env.do(t, http.MethodPost, "/api/v1/crawl-tasks/t1/run-now", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for disabled task, got %d", rec.Code)
	}
}

func TestDisableThenEnableTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, payload := env.do(t, http.MethodPost, "/api/v1/crawl-tasks", validTaskBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}
	taskID := dataField(t, payload)["task_id"].(string)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/crawl-tasks/"+taskID+"/disable", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable failed: %d", rec.Code)
	}
	task, _ := env.tasks.GetCrawlTask(context.Background(), taskID)
	if task.IsEnabled || task.NextRunAt != nil {
		t.Fatalf("disabled task must have no next run: %+v", task)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/crawl-tasks/"+taskID+"/enable", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("enable failed: %d", rec.Code)
	}
	task, _ = env.tasks.GetCrawlTask(context.Background(), taskID)
	if !task.IsEnabled || task.NextRunAt == nil {
		t.Fatalf("enabled task must be rescheduled: %+v", task)
	}
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, payload := env.do(t, http.MethodPost, "/api/v1/crawl-tasks", validTaskBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}
	taskID := dataField(t, payload)["task_id"].(string)

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/crawl-tasks/"+taskID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodGet, "/api/v1/crawl-tasks/"+taskID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}
