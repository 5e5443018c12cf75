package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/pipeline"
	"github.com/fpang/photo-intake/internal/s3util"
	"github.com/fpang/photo-intake/internal/store"
)

const testID = "a1b2c3d4-e5f6-7890-abcd-ef1234567890"

type fakeUploads struct {
	err         error
	key         string
	contentType string
	size        int64
	getCalls    int
}

func (f *fakeUploads) IssueUploadSlot(_ context.Context, key, contentType string, size int64, _ time.Duration) (s3util.UploadSlot, error) {
	f.key, f.contentType, f.size = key, contentType, size
	if f.err != nil {
		return s3util.UploadSlot{}, f.err
	}
	return s3util.UploadSlot{
		URL:       "https://bucket.example.com/" + key + "?X-Amz-Signature=abc",
		Key:       key,
		ExpiresAt: time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC),
	}, nil
}

func (f *fakeUploads) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.getCalls++
	return "https://bucket.example.com/" + key + "?get", nil
}

type fakeVerifier struct {
	res pipeline.InitiateResult
	err error
}

func (f fakeVerifier) InitiateVerification(context.Context, string) (pipeline.InitiateResult, error) {
	return f.res, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type testServer struct {
	srv     *Server
	store   *store.MemoryStore
	uploads *fakeUploads
	handler http.Handler
}

func newTestServer(t *testing.T, v Verifier, redis Pinger) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	up := &fakeUploads{}
	srv := New(Deps{Store: st, Uploads: up, Verifier: v, Redis: redis}, Config{
		MaxUploadSize: 8_000_000,
		PresignExpiry: 5 * time.Minute,
	})
	srv.newID = func() string { return testID }
	return &testServer{srv: srv, store: st, uploads: up, handler: srv.Handler()}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return body
}

func TestSign(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.do(http.MethodPost, "/api/uploads/sign", `{"filename":"my photo (1).JPG","contentType":"image/jpg","fileSize":1024000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp signResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	wantKey := "uploads/" + testID + ".jpg"
	if resp.ImageID != testID || resp.Key != wantKey || !strings.Contains(resp.UploadURL, wantKey) {
		t.Errorf("response = %+v", resp)
	}
	if ts.uploads.contentType != "image/jpg" {
		t.Errorf("presigned content type = %q, want the declared image/jpg", ts.uploads.contentType)
	}
	if ts.uploads.size != 1024000 {
		t.Errorf("presigned size = %d, want the declared 1024000", ts.uploads.size)
	}

	img, _ := ts.store.FindByID(context.Background(), testID)
	if img == nil {
		t.Fatal("record not created")
	}
	if img.Status != store.StatusAwaitingUpload || img.MimeType != "image/jpeg" || img.DeclaredSize != 1024000 ||
		img.OriginalName != "my photo (1).JPG" || img.Key != wantKey {
		t.Errorf("record = %+v", img)
	}
}

func TestSignRejects(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		uploadErr  error
		wantStatus int
		wantCode   string
	}{
		{"missing filename", `{"contentType":"image/png","fileSize":100000}`, nil, 400, "VALIDATION_ERROR"},
		{"path traversal", `{"filename":"../etc/passwd","contentType":"image/png","fileSize":100000}`, nil, 400, "VALIDATION_ERROR"},
		{"unsupported type", `{"filename":"a.gif","contentType":"image/gif","fileSize":100000}`, nil, 400, "VALIDATION_ERROR"},
		{"zero size", `{"filename":"a.png","contentType":"image/png","fileSize":0}`, nil, 400, "VALIDATION_ERROR"},
		{"over max", `{"filename":"a.png","contentType":"image/png","fileSize":8000001}`, nil, 400, "VALIDATION_ERROR"},
		{"unknown field", `{"filename":"a.png","contentType":"image/png","fileSize":1,"userId":"x"}`, nil, 400, "VALIDATION_ERROR"},
		{"not json", `filename=a.png`, nil, 400, "VALIDATION_ERROR"},
		{"presign fails", `{"filename":"a.png","contentType":"image/png","fileSize":100000}`,
			apperr.Storage("s3util.IssueUploadSlot", errors.New("no credentials")), 503, "STORAGE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, nil)
			ts.uploads.err = tt.uploadErr
			rec := ts.do(http.MethodPost, "/api/uploads/sign", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if strings.Contains(body.Error, "no credentials") {
				t.Errorf("internal detail leaked: %q", body.Error)
			}
			if img, _ := ts.store.FindByID(context.Background(), testID); img != nil {
				t.Errorf("record created on rejected request: %+v", img)
			}
		})
	}
}

func TestSignWrongMethod(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	if rec := ts.do(http.MethodGet, "/api/uploads/sign", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		verifier   fakeVerifier
		wantStatus int
		wantCode   string
	}{
		{"started", `{"imageId":"` + testID + `"}`,
			fakeVerifier{res: pipeline.InitiateResult{Started: true, Status: store.StatusVerifying}}, 202, ""},
		{"already started", `{"imageId":"` + testID + `"}`,
			fakeVerifier{res: pipeline.InitiateResult{Started: false, Status: store.StatusAccepted}}, 202, ""},
		{"not a uuid", `{"imageId":"img-1"}`, fakeVerifier{}, 400, "VALIDATION_ERROR"},
		{"not found", `{"imageId":"` + testID + `"}`,
			fakeVerifier{err: apperr.NotFound("pipeline.InitiateVerification", "image %s not found", testID)}, 404, "NOT_FOUND"},
		{"enqueue fails", `{"imageId":"` + testID + `"}`,
			fakeVerifier{res: pipeline.InitiateResult{Started: true, Status: store.StatusVerifying},
				err: apperr.Wrap(apperr.KindExternalService, "queue.EnqueueVerify", errors.New("dial tcp 10.0.0.5:6379"))}, 503, "EXTERNAL_SERVICE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.verifier, nil)
			rec := ts.do(http.MethodPost, "/api/uploads/complete", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantCode != "" {
				body := decodeError(t, rec)
				if body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
				if strings.Contains(body.Error, "10.0.0.5") {
					t.Errorf("internal detail leaked: %q", body.Error)
				}
				return
			}
			var resp completeResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.ImageID != testID || resp.Started != tt.verifier.res.Started || resp.Status != tt.verifier.res.Status {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

type countingEnqueuer struct{ verify atomic.Int32 }

func (e *countingEnqueuer) EnqueueVerify(context.Context, pipeline.VerifyJob) error {
	e.verify.Add(1)
	return nil
}

func (e *countingEnqueuer) EnqueueValidate(context.Context, pipeline.ValidateJob) error { return nil }

func TestSignThenCompleteTwice(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &countingEnqueuer{}
	proc := pipeline.New(pipeline.Deps{Store: st, Enqueuer: enq}, pipeline.DefaultConfig())
	srv := New(Deps{Store: st, Uploads: &fakeUploads{}, Verifier: proc}, Config{MaxUploadSize: 8_000_000, PresignExpiry: time.Minute})
	srv.newID = func() string { return testID }
	ts := &testServer{srv: srv, store: st, handler: srv.Handler()}

	if rec := ts.do(http.MethodPost, "/api/uploads/sign", `{"filename":"a.png","contentType":"image/png","fileSize":100000}`); rec.Code != 200 {
		t.Fatalf("sign status = %d", rec.Code)
	}

	var first, second completeResponse
	rec := ts.do(http.MethodPost, "/api/uploads/complete", `{"imageId":"`+testID+`"}`)
	json.Unmarshal(rec.Body.Bytes(), &first)
	rec = ts.do(http.MethodPost, "/api/uploads/complete", `{"imageId":"`+testID+`"}`)
	json.Unmarshal(rec.Body.Bytes(), &second)

	if !first.Started || first.Status != store.StatusVerifying {
		t.Errorf("first = %+v", first)
	}
	if second.Started || second.Status != store.StatusVerifying {
		t.Errorf("second = %+v", second)
	}
	if n := enq.verify.Load(); n != 1 {
		t.Errorf("verify jobs enqueued = %d, want 1", n)
	}
}

func seedImage(t *testing.T, st *store.MemoryStore, id string, status store.Status) {
	t.Helper()
	if err := st.Create(context.Background(), &store.Image{ID: id, Key: "uploads/" + id + ".png", Status: status}); err != nil {
		t.Fatal(err)
	}
}

func TestGet(t *testing.T) {
	const rejectedID = "b1b2c3d4-e5f6-7890-abcd-ef1234567890"
	ts := newTestServer(t, nil, nil)
	seedImage(t, ts.store, testID, store.StatusAccepted)
	seedImage(t, ts.store, rejectedID, store.StatusRejected)

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		wantViewURL bool
	}{
		{"accepted has view url", "/api/images/" + testID, 200, true},
		{"rejected has none", "/api/images/" + rejectedID, 200, false},
		{"missing", "/api/images/c1b2c3d4-e5f6-7890-abcd-ef1234567890", 404, false},
		{"not a uuid", "/api/images/img-1", 400, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Code != 200 {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
				t.Fatal(err)
			}
			if m["id"] == "" || m["status"] == "" {
				t.Errorf("record fields missing: %v", m)
			}
			_, hasURL := m["viewUrl"]
			if hasURL != tt.wantViewURL {
				t.Errorf("viewUrl present = %v, want %v", hasURL, tt.wantViewURL)
			}
		})
	}
}

func TestList(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	seedImage(t, ts.store, "11111111-1111-1111-1111-111111111111", store.StatusAccepted)
	seedImage(t, ts.store, "22222222-2222-2222-2222-222222222222", store.StatusRejected)
	seedImage(t, ts.store, "33333333-3333-3333-3333-333333333333", store.StatusAccepted)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{"all", "", 200, 3},
		{"by status", "?status=ACCEPTED", 200, 2},
		{"limit", "?limit=1", 200, 1},
		{"no matches", "?status=UPLOAD_FAILED", 200, 0},
		{"bad status", "?status=DONE", 400, 0},
		{"bad limit", "?limit=ten", 400, 0},
		{"negative limit", "?limit=-1", 400, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, "/api/images"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Code != 200 {
				return
			}
			var resp listResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Count != tt.wantCount || len(resp.Images) != tt.wantCount {
				t.Errorf("count = %d (%d images), want %d", resp.Count, len(resp.Images), tt.wantCount)
			}
			if resp.Images == nil {
				t.Error("images should encode as [] not null")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		redis      Pinger
		wantStatus int
		wantRedis  string
	}{
		{"store only", nil, 200, ""},
		{"redis up", fakePinger{}, 200, "ok"},
		{"redis down", fakePinger{err: errors.New("connection refused")}, 503, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, tt.redis)
			rec := ts.do(http.MethodGet, "/api/health", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Checks["store"] != "ok" || body.Checks["redis"] != tt.wantRedis {
				t.Errorf("checks = %v", body.Checks)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/uploads/sign", "/api/uploads/sign"},
		{"/api/images", "/api/images"},
		{"/api/images/" + testID, "/api/images/{id}"},
		{"/favicon.ico", "other"},
	}
	for _, tt := range tests {
		if got := normalizeEndpoint(tt.path); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestWithRecover(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q", body.Code)
	}
}
