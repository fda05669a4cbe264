package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"previewd/internal/auth"
	"previewd/internal/config"
	"previewd/internal/fetch"
	"previewd/internal/filetype"
	"previewd/internal/models"
	"previewd/internal/service/attachment"
	"previewd/internal/session"
	"previewd/internal/storage"
	"previewd/internal/worker"
)

type testServer struct {
	router  *gin.Engine
	auth    *auth.Service
	handler *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	db, err := storage.Open("sqlite3", &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db))

	authSvc := auth.NewService(db, nil, time.Hour, logger)
	attachments := attachment.NewService(db, attachment.Options{BaseDir: t.TempDir(), MaxUploadBytes: 1 << 20}, logger)

	fetcher := fetch.New(logger)
	fetcher.Register(models.AttachmentScheme, attachments.Source())
	fetcher.Register("http", fetch.NewHTTPSource(2*time.Second, nil))

	dispatcher := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, logger)
	sessions := session.NewManager(session.NewPipelineLoader(fetcher, logger), dispatcher, session.Options{Logger: logger})
	t.Cleanup(func() {
		sessions.CloseAll()
		dispatcher.Stop()
	})

	handler := NewHandler(attachments, authSvc, sessions, dispatcher, logger)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, auth: authSvc, handler: handler}
}

func (s *testServer) login(t *testing.T, userID int64) map[string]string {
	t.Helper()
	token, err := s.auth.IssueToken(context.Background(), userID)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func uploadFile(t *testing.T, router *gin.Engine, name, contentType string, data []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

type snapshotBody struct {
	Snapshot models.Snapshot `json:"snapshot"`
}

func TestUploadPreviewRenderFlow(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.login(t, 1)
	csv := []byte("name,age\nalice,30\nbob,41\n")

	upResp := uploadFile(t, srv.router, "people.csv", "text/csv", csv, authHeader)
	assertStatus(t, upResp, http.StatusCreated)
	var upBody struct {
		Attachment models.Attachment `json:"attachment"`
		Category   filetype.Category `json:"category"`
	}
	decodeJSON(t, upResp.Body.Bytes(), &upBody)
	require.NotEmpty(t, upBody.Attachment.ID)
	assert.Equal(t, filetype.Spreadsheet, upBody.Category)

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/attachments", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Attachments []models.Attachment `json:"attachments"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	require.Len(t, listBody.Attachments, 1)

	contentResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/attachments/"+upBody.Attachment.ID+"/content", nil, authHeader)
	assertStatus(t, contentResp, http.StatusOK)
	assert.Equal(t, csv, contentResp.Body.Bytes())

	openResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open",
		map[string]string{"attachment_id": upBody.Attachment.ID}, authHeader)
	assertStatus(t, openResp, http.StatusAccepted)
	var opened snapshotBody
	decodeJSON(t, openResp.Body.Bytes(), &opened)
	assert.Equal(t, models.StateLoading, opened.Snapshot.State)

	stateResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview?wait=2s", nil, authHeader)
	assertStatus(t, stateResp, http.StatusOK)
	var state snapshotBody
	decodeJSON(t, stateResp.Body.Bytes(), &state)
	require.Equal(t, models.StateReady, state.Snapshot.State, state.Snapshot.Error)
	assert.Equal(t, []string{"Sheet1"}, state.Snapshot.SheetNames)

	renderResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview/render", nil, authHeader)
	assertStatus(t, renderResp, http.StatusOK)
	assert.Contains(t, renderResp.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, renderResp.Body.String(), "<table")
	assert.Contains(t, renderResp.Body.String(), "alice")

	textResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview/render?format=text", nil, authHeader)
	assertStatus(t, textResp, http.StatusOK)
	assert.Contains(t, textResp.Body.String(), "bob")

	sheetResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/sheet", map[string]int{"index": 3}, authHeader)
	assertStatus(t, sheetResp, http.StatusConflict)
	sheetResp = doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/sheet", map[string]int{"index": 0}, authHeader)
	assertStatus(t, sheetResp, http.StatusOK)

	retryResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/retry", nil, authHeader)
	assertStatus(t, retryResp, http.StatusConflict)

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/attachments/"+upBody.Attachment.ID, nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)

	stateResp = doJSONRequest(t, srv.router, http.MethodGet, "/api/preview", nil, authHeader)
	decodeJSON(t, stateResp.Body.Bytes(), &state)
	assert.Equal(t, models.StateClosed, state.Snapshot.State, "deleting the previewed file closes the preview")

	renderResp = doJSONRequest(t, srv.router, http.MethodGet, "/api/preview/render", nil, authHeader)
	assertStatus(t, renderResp, http.StatusOK)
	assert.Empty(t, renderResp.Body.String())
}

func TestPreviewFailureAndRetry(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.login(t, 1)

	// declared as xlsx but the bytes are not a workbook
	upResp := uploadFile(t, srv.router, "fake.xlsx",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", []byte("definitely not a zip file"), authHeader)
	assertStatus(t, upResp, http.StatusCreated)
	var upBody struct {
		Attachment models.Attachment `json:"attachment"`
	}
	decodeJSON(t, upResp.Body.Bytes(), &upBody)

	openResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open",
		map[string]string{"attachment_id": upBody.Attachment.ID}, authHeader)
	assertStatus(t, openResp, http.StatusAccepted)

	stateResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview?wait=2s", nil, authHeader)
	var state snapshotBody
	decodeJSON(t, stateResp.Body.Bytes(), &state)
	require.Equal(t, models.StateFailed, state.Snapshot.State)
	assert.NotEmpty(t, state.Snapshot.Error)

	renderResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview/render", nil, authHeader)
	assert.Contains(t, renderResp.Body.String(), state.Snapshot.Error)

	retryResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/retry", nil, authHeader)
	assertStatus(t, retryResp, http.StatusAccepted)
	var retried snapshotBody
	decodeJSON(t, retryResp.Body.Bytes(), &retried)
	assert.Equal(t, models.StateLoading, retried.Snapshot.State)
	assert.Greater(t, retried.Snapshot.Generation, state.Snapshot.Generation)

	closeResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/preview", nil, authHeader)
	assertStatus(t, closeResp, http.StatusOK)
}

func TestOpenImageDescriptorIsReadyImmediately(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.login(t, 5)

	openResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open", map[string]any{
		"descriptor": map[string]string{"url": "https://cdn.example.com/cat.png", "name": "cat.png", "type": "image/png"},
	}, authHeader)
	assertStatus(t, openResp, http.StatusAccepted)
	var opened snapshotBody
	decodeJSON(t, openResp.Body.Bytes(), &opened)
	assert.Equal(t, models.StateReady, opened.Snapshot.State)
	assert.Equal(t, filetype.Image, opened.Snapshot.Category)

	renderResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview/render", nil, authHeader)
	assert.Contains(t, renderResp.Body.String(), `src="https://cdn.example.com/cat.png"`)
}

func TestOpenPreviewValidation(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.login(t, 1)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"empty", map[string]string{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"attachment scheme", map[string]any{"descriptor": map[string]string{"url": "attachment://x", "type": "text/csv"}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"relative url", map[string]any{"descriptor": map[string]string{"url": "/files/x.csv", "type": "text/csv"}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown attachment", map[string]string{"attachment_id": "00000000-0000-0000-0000-000000000000"}, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open", tc.body, authHeader)
			assertStatus(t, rec, tc.status)
			var apiErr APIError
			decodeJSON(t, rec.Body.Bytes(), &apiErr)
			assert.Equal(t, tc.code, apiErr.Code)
		})
	}
}

func TestAttachmentsAreScopedToOwner(t *testing.T) {
	srv := newTestServer(t)
	owner := srv.login(t, 1)
	other := srv.login(t, 2)

	upResp := uploadFile(t, srv.router, "notes.txt", "text/plain", []byte("secret"), owner)
	assertStatus(t, upResp, http.StatusCreated)
	var upBody struct {
		Attachment models.Attachment `json:"attachment"`
	}
	decodeJSON(t, upResp.Body.Bytes(), &upBody)

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/attachments/"+upBody.Attachment.ID+"/content", nil, other)
	assertStatus(t, rec, http.StatusNotFound)
	rec = doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open",
		map[string]string{"attachment_id": upBody.Attachment.ID}, other)
	assertStatus(t, rec, http.StatusNotFound)
	rec = doJSONRequest(t, srv.router, http.MethodDelete, "/api/attachments/"+upBody.Attachment.ID, nil, other)
	assertStatus(t, rec, http.StatusNotFound)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.login(t, 1)

	rec := uploadFile(t, srv.router, "big.bin", "application/octet-stream", make([]byte, 1<<20+1), authHeader)
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/api/attachments", "/api/preview", "/api/preview/render"} {
		rec := doJSONRequest(t, srv.router, http.MethodGet, path, nil, nil)
		assertStatus(t, rec, http.StatusUnauthorized)
		assert.True(t, strings.Contains(rec.Body.String(), "UNAUTHORIZED"), path)
	}
}

func TestPublicEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/classify?type=application/vnd.ms-excel", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Category    filetype.Category `json:"category"`
		Previewable bool              `json:"previewable"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	assert.Equal(t, filetype.Spreadsheet, body.Category)
	assert.True(t, body.Previewable)

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, rec, http.StatusOK)
}

func TestOpenRejectsInternalAndForeignSources(t *testing.T) {
	srv := newTestServer(t)
	srv.handler.WithObjectBucket("uploads")
	authHeader := srv.login(t, 1)

	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("key,value\nAWS_SECRET,hunter2\n"))
	}))
	defer internal.Close()

	openResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open", map[string]any{
		"descriptor": map[string]string{"url": internal.URL + "/internal/config", "type": "text/csv"},
	}, authHeader)
	assertStatus(t, openResp, http.StatusAccepted)
	stateResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview?wait=2s", nil, authHeader)
	var state snapshotBody
	decodeJSON(t, stateResp.Body.Bytes(), &state)
	require.Equal(t, models.StateFailed, state.Snapshot.State)
	assert.Equal(t, "network_error", state.Snapshot.ErrorKind)
	renderResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview/render", nil, authHeader)
	assert.NotContains(t, renderResp.Body.String(), "hunter2")

	for _, raw := range []string{
		"s3://other-tenant-bucket/hr/payroll.csv",
		"s3://uploads/users/2/payroll.csv",
		"s3://uploads/users/1/../2/payroll.csv",
		"ftp://files.example.com/a.csv",
		"http:///a.csv",
	} {
		rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open", map[string]any{
			"descriptor": map[string]string{"url": raw, "type": "text/csv"},
		}, authHeader)
		assertStatus(t, rec, http.StatusBadRequest)
	}

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open", map[string]any{
		"descriptor": map[string]string{"url": "s3://uploads/users/1/report.csv", "type": "text/csv"},
	}, authHeader)
	assertStatus(t, rec, http.StatusAccepted)
}

func TestObjectDescriptorsNeedBucket(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/preview/open", map[string]any{
		"descriptor": map[string]string{"url": "s3://uploads/users/1/report.csv", "type": "text/csv"},
	}, srv.login(t, 1))
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestAttachmentContentUsesStoredBytes(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.login(t, 1)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	cases := []struct {
		name, declared  string
		data            []byte
		wantType        string
		wantDisposition string
		wantCSP         string
	}{
		{"page.html", "text/html; pdf", []byte("<html><script>alert(1)</script></html>"), "application/octet-stream", "attachment", "sandbox"},
		{"cat.png", "image/png", png, "image/png", "inline", "sandbox"},
		{"r.pdf", "application/pdf", []byte("%PDF-1.4\n%%EOF\n"), "application/pdf", "inline", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			upResp := uploadFile(t, srv.router, tc.name, tc.declared, tc.data, authHeader)
			assertStatus(t, upResp, http.StatusCreated)
			var upBody struct {
				Attachment models.Attachment `json:"attachment"`
			}
			decodeJSON(t, upResp.Body.Bytes(), &upBody)

			rec := doJSONRequest(t, srv.router, http.MethodGet, upBody.Attachment.ContentPath(), nil, authHeader)
			assertStatus(t, rec, http.StatusOK)
			assert.Equal(t, tc.wantType, rec.Header().Get("Content-Type"))
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), tc.wantDisposition+";"))
			assert.Equal(t, tc.wantCSP, rec.Header().Get("Content-Security-Policy"))
			assert.Equal(t, tc.data, rec.Body.Bytes())
		})
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	srv := newTestServer(t)
	authHeader := srv.login(t, 3)

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/logout", nil, authHeader)
	assertStatus(t, rec, http.StatusNoContent)

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/attachments", nil, authHeader)
	assertStatus(t, rec, http.StatusUnauthorized)
}

type fakeSnapshotStore map[string]models.Snapshot

func (f fakeSnapshotStore) Load(_ context.Context, viewer string) (models.Snapshot, bool, error) {
	snap, ok := f[viewer]
	return snap, ok, nil
}

func TestPreviewStateFallsBackToSnapshotStore(t *testing.T) {
	srv := newTestServer(t)
	srv.handler.WithSnapshotStore(fakeSnapshotStore{
		"4": {State: models.StateReady, Generation: 9, Category: filetype.Pdf},
	})

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/preview", nil, srv.login(t, 4))
	assertStatus(t, rec, http.StatusOK)
	var state snapshotBody
	decodeJSON(t, rec.Body.Bytes(), &state)
	assert.Equal(t, models.StateReady, state.Snapshot.State)
	assert.EqualValues(t, 9, state.Snapshot.Generation)

	rec = doJSONRequest(t, srv.router, http.MethodGet, "/api/preview", nil, srv.login(t, 5))
	decodeJSON(t, rec.Body.Bytes(), &state)
	assert.Equal(t, models.StateClosed, state.Snapshot.State)
}
