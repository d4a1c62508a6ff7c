package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amillerrr/qr-pipeline/internal/config"
	"github.com/amillerrr/qr-pipeline/internal/health"
	"github.com/amillerrr/qr-pipeline/internal/ingest"
	"github.com/amillerrr/qr-pipeline/internal/logger"
	"github.com/amillerrr/qr-pipeline/internal/stage"
	"github.com/amillerrr/qr-pipeline/internal/storage"
	"github.com/amillerrr/qr-pipeline/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []models.Chunk
}

func (r *recordingSink) Write(_ context.Context, chunk models.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

type recordingControl struct {
	mu   sync.Mutex
	msgs []models.ControlMessage
}

func (r *recordingControl) SendControl(_ context.Context, msg models.ControlMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type recordingJobs struct {
	jobs []models.AnalysisJob
	err  error
}

func (r *recordingJobs) SendAnalysisJob(_ context.Context, job models.AnalysisJob) error {
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

type fakeLinker struct {
	err error
}

func (f *fakeLinker) GenerateUploadLink(_ context.Context, id models.VideoID) (models.UploadLink, error) {
	if f.err != nil {
		return models.UploadLink{}, f.err
	}
	return models.UploadLink{
		URL:       "https://raw.s3.amazonaws.com/" + storage.ArtifactKey(id) + "?X-Amz-Signature=abc",
		Key:       storage.ArtifactKey(id),
		ExpiresAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

type testAPI struct {
	router  *gin.Engine
	store   *storage.MemoryStore
	orch    *stage.Orchestrator
	sink    *recordingSink
	control *recordingControl
	jobs    *recordingJobs
	links   *fakeLinker
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := logger.Discard()

	a := &testAPI{
		store:   storage.NewMemoryStore(),
		sink:    &recordingSink{},
		control: &recordingControl{},
		jobs:    &recordingJobs{},
		links:   &fakeLinker{},
	}
	a.orch = stage.NewOrchestrator(a.store, nil, log)

	handlers := NewHandlers(&HandlersConfig{
		Orchestrator: a.orch,
		Ingestor:     ingest.NewIngestor(a.sink, a.orch, 8, log),
		Reporter:     stage.NewUploadReporter(a.orch, a.control, log),
		Links:        a.links,
		Results:      a.store,
		Jobs:         a.jobs,
		Logger:       log,
	})

	cfg := &config.Config{API: config.APIConfig{AllowedOrigins: []string{"https://app.example.com"}}}
	a.router = NewRouter(&ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		HealthChecker: health.NewChecker(health.DefaultConfig("qr-api", log)),
	})
	return a
}

func (a *testAPI) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func (a *testAPI) create(t *testing.T) models.VideoID {
	t.Helper()
	rec, err := a.orch.Create(context.Background(), models.NewVideoID())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return rec.VideoID
}

func TestCreateVideo(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(httptest.NewRequest(http.MethodPost, "/videos", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body)
	}

	var resp CreateVideoResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !strings.Contains(resp.UploadURL, "uploads/"+resp.VideoID.String()+".mp4") {
		t.Errorf("UploadURL = %q, want the artifact key", resp.UploadURL)
	}
	if resp.ExpiresAt != "2026-01-01T12:00:00Z" {
		t.Errorf("ExpiresAt = %q", resp.ExpiresAt)
	}
	if resp.RequestID == "" {
		t.Error("RequestID should be set")
	}

	rec, err := a.store.Get(context.Background(), resp.VideoID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Stage != models.StageCreated {
		t.Errorf("Stage = %s, want Created", rec.Stage)
	}
}

func TestCreateVideo_LinkFailure(t *testing.T) {
	a := newTestAPI(t)
	a.links.err = errors.New("no credentials")

	rr := a.do(httptest.NewRequest(http.MethodPost, "/videos", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestUploadContent(t *testing.T) {
	a := newTestAPI(t)
	id := a.create(t)
	body := []byte("0123456789abcdefghij") // 20 bytes, three chunks of 8

	req := httptest.NewRequest(http.MethodPut, "/videos/"+id.String()+"/content", bytes.NewReader(body))
	req.Header.Set("Content-Type", "video/mp4")
	rr := a.do(req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body)
	}

	var done ingest.Completion
	if err := json.Unmarshal(rr.Body.Bytes(), &done); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if done.LastSeq != 2 || done.ReceivedBytes != 20 || done.Resumed {
		t.Errorf("completion = %+v", done)
	}

	if len(a.sink.chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(a.sink.chunks))
	}
	if got := string(a.sink.chunks[2].Data); got != "ghij" {
		t.Errorf("last chunk = %q, want ghij", got)
	}

	if len(a.control.msgs) != 2 {
		t.Fatalf("control messages = %d, want 2", len(a.control.msgs))
	}
	if a.control.msgs[0].Type != models.ControlStarted || a.control.msgs[0].TotalBytes != 20 {
		t.Errorf("first control = %+v", a.control.msgs[0])
	}
	if a.control.msgs[1].Type != models.ControlCompleted || a.control.msgs[1].LastSeq != 2 {
		t.Errorf("second control = %+v", a.control.msgs[1])
	}

	rec, _ := a.store.Get(context.Background(), id)
	if rec.Stage != models.StageUploading {
		t.Errorf("Stage = %s, want Uploading", rec.Stage)
	}
}

func TestUploadContent_Resume(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	id := a.create(t)
	if _, err := a.orch.Fire(ctx, id, models.EventUploadStarted); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if err := a.store.UpdateProgress(ctx, id, models.Progress{LastSeq: 0, ReceivedBytes: 8, TotalBytes: 20}, time.Now()); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/videos/"+id.String()+"/content", strings.NewReader("0123456789abcdefghij"))
	rr := a.do(req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body)
	}

	var done ingest.Completion
	if err := json.Unmarshal(rr.Body.Bytes(), &done); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !done.Resumed || done.SkippedBytes != 8 || done.LastSeq != 2 {
		t.Errorf("completion = %+v", done)
	}
	if len(a.sink.chunks) != 2 || a.sink.chunks[0].Sequence != 1 {
		t.Errorf("chunks = %+v, want sequences 1 and 2", a.sink.chunks)
	}
	for _, msg := range a.control.msgs {
		if msg.Type == models.ControlStarted {
			t.Error("a resumed upload should not signal started")
		}
	}
}

func TestUploadContent_Rejections(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	processed := a.create(t)
	if err := a.store.CompareAndSetStage(ctx, processed, []models.Stage{models.StageCreated}, models.StageProcessed, "", time.Now()); err != nil {
		t.Fatalf("CompareAndSetStage() error = %v", err)
	}
	created := a.create(t)

	tests := []struct {
		name        string
		id          string
		body        []byte
		contentType string
		totalHeader string
		want        int
	}{
		{"invalid id", "not-a-uuid", []byte("data"), "", "", http.StatusBadRequest},
		{"unknown video", models.NewVideoID().String(), []byte("data"), "", "", http.StatusNotFound},
		{"already processed", processed.String(), []byte("data"), "", "", http.StatusConflict},
		{"no length", created.String(), nil, "", "", http.StatusLengthRequired},
		{"bad total header", created.String(), []byte("data"), "", "lots", http.StatusBadRequest},
		{"unsupported type", created.String(), []byte("data"), "text/plain", "", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/videos/"+tt.id+"/content", bytes.NewReader(tt.body))
			if tt.body == nil {
				req = httptest.NewRequest(http.MethodPut, "/videos/"+tt.id+"/content", nil)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.totalHeader != "" {
				req.Header.Set(HeaderTotalBytes, tt.totalHeader)
			}

			rr := a.do(req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.want, rr.Body)
			}
		})
	}

	if len(a.sink.chunks) != 0 {
		t.Errorf("rejected uploads wrote %d chunks", len(a.sink.chunks))
	}
}

func TestAnalyzeVideo(t *testing.T) {
	a := newTestAPI(t)
	id := a.create(t)

	rr := a.do(httptest.NewRequest(http.MethodPost, "/videos/"+id.String()+"/analyze", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body)
	}
	var resp AnalyzeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Stage != models.StageSent {
		t.Errorf("Stage = %s, want Sent", resp.Stage)
	}
	if len(a.jobs.jobs) != 1 || a.jobs.jobs[0].VideoID != id {
		t.Errorf("jobs = %+v", a.jobs.jobs)
	}

	rr = a.do(httptest.NewRequest(http.MethodPost, "/videos/"+id.String()+"/analyze", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("second analyze status = %d, want 409", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "already being processed") {
		t.Errorf("body = %s", rr.Body)
	}
	if len(a.jobs.jobs) != 1 {
		t.Errorf("jobs = %d, want 1", len(a.jobs.jobs))
	}
}

func TestAnalyzeVideo_QueueFailureFailsVideo(t *testing.T) {
	a := newTestAPI(t)
	id := a.create(t)
	a.jobs.err = errors.New("sqs unavailable")

	rr := a.do(httptest.NewRequest(http.MethodPost, "/videos/"+id.String()+"/analyze", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}

	rec, err := a.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Stage != models.StageFailed {
		t.Errorf("stage = %s, want Failed", rec.Stage)
	}
	if !strings.Contains(rec.ErrorMessage, "sqs unavailable") {
		t.Errorf("ErrorMessage = %q", rec.ErrorMessage)
	}
}

func TestAnalyzeVideo_NotFound(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(httptest.NewRequest(http.MethodPost, "/videos/"+models.NewVideoID().String()+"/analyze", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetStatus(t *testing.T) {
	a := newTestAPI(t)
	id := a.create(t)

	rr := a.do(httptest.NewRequest(http.MethodGet, "/videos/"+id.String()+"/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var status models.UploadStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if status.VideoID != id || status.Stage != models.StageCreated || status.LastSeq != models.NoSequence {
		t.Errorf("status = %+v", status)
	}

	rr = a.do(httptest.NewRequest(http.MethodGet, "/videos/"+models.NewVideoID().String()+"/status", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("unknown video status = %d, want 204", rr.Code)
	}
}

func TestGetResult(t *testing.T) {
	a := newTestAPI(t)
	id := a.create(t)

	rr := a.do(httptest.NewRequest(http.MethodGet, "/videos/"+id.String()+"/result", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}

	result := models.ResultMessage{
		VideoID:          id,
		CompletedAt:      time.Now().UTC(),
		ProcessingTimeMs: 1200,
		QrCodes:          []models.QrCodeEntry{{Text: "HELLO", TimestampSeconds: 2, FormattedTimestamp: "00:02.000"}},
	}
	if err := a.store.PutResult(context.Background(), result); err != nil {
		t.Fatalf("PutResult() error = %v", err)
	}

	rr = a.do(httptest.NewRequest(http.MethodGet, "/videos/"+id.String()+"/result", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got models.ResultMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got.QrCodes) != 1 || got.QrCodes[0].Text != "HELLO" {
		t.Errorf("QrCodes = %+v", got.QrCodes)
	}
}

func TestCORSMiddleware(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name       string
		origin     string
		wantHeader bool
	}{
		{"allowed origin", "https://app.example.com", true},
		{"disallowed origin", "https://evil.example.com", false},
		{"no origin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/videos", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			rr := a.do(req)
			if rr.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", rr.Code)
			}
			got := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.wantHeader && got != tt.origin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.origin)
			}
			if !tt.wantHeader && got != "" {
				t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
			}
		})
	}
}

func TestMetricsEndpoint_InternalOnly(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       int
	}{
		{"loopback", "127.0.0.1:5000", "", http.StatusOK},
		{"private", "10.1.2.3:5000", "", http.StatusOK},
		{"public", "203.0.113.9:5000", "", http.StatusForbidden},
		{"through load balancer", "10.1.2.3:5000", "198.51.100.7", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if rr := a.do(req); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHealthRoute(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestIsInternalRequest(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"10.0.0.5:8080", true},
		{"172.16.4.1:8080", true},
		{"192.168.1.10:8080", true},
		{"[::1]:8080", true},
		{"8.8.8.8:8080", false},
		{"172.32.0.1:8080", false},
		{"not-an-addr", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := isInternalRequest(tt.addr); got != tt.want {
				t.Errorf("isInternalRequest(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}
