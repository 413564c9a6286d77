package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/pii-masker/internal/auth"
	"github.com/example/pii-masker/internal/masker"
	"github.com/example/pii-masker/internal/progress"
	"github.com/example/pii-masker/internal/usecase"
)

const testJWTSecret = "test-secret"

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

type stubMasker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubMasker) Mask(ctx context.Context, image *masker.Image, fn masker.ProgressFunc) (*masker.Result, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if fn != nil {
		fn(int64(len(image.Data)), int64(len(image.Data)))
	}
	if err != nil {
		return nil, err
	}
	return &masker.Result{ContentType: "image/png", Data: pngBytes}, nil
}

func (s *stubMasker) Health(ctx context.Context) error { return nil }

func (s *stubMasker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestRouter(t *testing.T, client masker.Client) *gin.Engine {
	t.Helper()
	return newTestRouterWithTTL(t, client, time.Hour)
}

func newTestRouterWithTTL(t *testing.T, client masker.Client, ttl time.Duration) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize

	hub := progress.NewHub(zap.NewNop(), nil)
	uc := usecase.NewMaskingUseCase(client, usecase.NewMemoryCache(), nil, hub, zap.NewNop(), usecase.Options{})
	tokens := TokenConfig{Secret: testJWTSecret, TTL: ttl}
	RegisterRoutes(router, uc, hub, tokens, auth.JWTMiddleware(testJWTSecret, ""), zap.NewNop())
	return router
}

func startSession(t *testing.T, router *gin.Engine) string {
	t.Helper()
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if resp.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", resp.Code, resp.Body.String())
	}
	var body struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if body.SessionID == "" || body.Token == "" {
		t.Fatalf("incomplete session response: %s", resp.Body.String())
	}
	return body.Token
}

func do(router *gin.Engine, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func errorMessage(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestSelectRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(t, &stubMasker{})
	token := startSession(t, router)

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	resp := do(router, http.MethodPut, "/api/session/file", token, body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestSelectRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, &stubMasker{})
	token := startSession(t, router)

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	resp := do(router, http.MethodPut, "/api/session/file", token, body, contentType)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestRejectedSelectionClearsPreviousResult(t *testing.T) {
	router := newTestRouter(t, &stubMasker{})
	token := startSession(t, router)

	body, contentType := buildMultipartBody(t, "image/png", pngBytes)
	if resp := do(router, http.MethodPut, "/api/session/file", token, body, contentType); resp.Code != http.StatusOK {
		t.Fatalf("select: %d %s", resp.Code, resp.Body.String())
	}
	resp := do(router, http.MethodPost, "/api/session/upload", token, nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", resp.Code, resp.Body.String())
	}
	var uploaded struct {
		Result usecase.ResultHandle `json:"result"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode upload: %v", err)
	}

	body, contentType = buildMultipartBody(t, "text/plain", []byte("hello"))
	resp = do(router, http.MethodPut, "/api/session/file", token, body, contentType)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}

	resp = do(router, http.MethodGet, "/api/session", token, nil, "")
	var snap usecase.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.Result != nil || snap.SelectedName != "" || snap.Progress != 0 {
		t.Fatalf("expected cleared session after rejected selection, got %+v", snap)
	}
	if resp := do(router, http.MethodGet, uploaded.Result.URL, "", nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected previous result to be released, got %d", resp.Code)
	}

	resp = do(router, http.MethodPost, "/api/session/upload", token, nil, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 after rejected selection, got %d", resp.Code)
	}
}

func TestActiveSessionTokenIsRenewed(t *testing.T) {
	router := newTestRouterWithTTL(t, &stubMasker{}, 2*time.Second)
	original := startSession(t, router)

	token := original
	for i := 0; i < 4; i++ {
		time.Sleep(700 * time.Millisecond)
		resp := do(router, http.MethodGet, "/api/session", token, nil, "")
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, resp.Code)
		}
		renewed := resp.Header().Get(TokenHeader)
		if renewed == "" {
			t.Fatalf("request %d: missing %s header", i+1, TokenHeader)
		}
		token = renewed
	}

	if resp := do(router, http.MethodGet, "/api/session", original, nil, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected original token to expire, got %d", resp.Code)
	}
}

func TestSessionRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t, &stubMasker{})
	resp := do(router, http.MethodPost, "/api/session/upload", "", nil, "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestUploadWithoutFileShowsNotice(t *testing.T) {
	client := &stubMasker{}
	router := newTestRouter(t, client)
	token := startSession(t, router)

	resp := do(router, http.MethodPost, "/api/session/upload", token, nil, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if msg := errorMessage(t, resp); msg != "Please upload an image first!" {
		t.Fatalf("unexpected notice: %q", msg)
	}
	if client.callCount() != 0 {
		t.Fatalf("expected no backend call, got %d", client.callCount())
	}
}

func TestUploadAndDownloadResult(t *testing.T) {
	client := &stubMasker{}
	router := newTestRouter(t, client)
	token := startSession(t, router)

	body, contentType := buildMultipartBody(t, "image/png", pngBytes)
	if resp := do(router, http.MethodPut, "/api/session/file", token, body, contentType); resp.Code != http.StatusOK {
		t.Fatalf("select: %d %s", resp.Code, resp.Body.String())
	}

	resp := do(router, http.MethodPost, "/api/session/upload", token, nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", resp.Code, resp.Body.String())
	}
	var uploaded struct {
		Result usecase.ResultHandle `json:"result"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode upload: %v", err)
	}

	resp = do(router, http.MethodGet, "/api/session", token, nil, "")
	var snap usecase.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.Busy || snap.Progress != 100 || snap.Result == nil {
		t.Fatalf("unexpected state: %+v", snap)
	}

	resp = do(router, http.MethodGet, uploaded.Result.URL+"?download=1", "", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("download: %d", resp.Code)
	}
	if got := resp.Header().Get("Content-Disposition"); got != `attachment; filename="masked_output.png"` {
		t.Fatalf("unexpected disposition: %q", got)
	}
	if resp.Header().Get("Content-Type") != "image/png" || !bytes.Equal(resp.Body.Bytes(), pngBytes) {
		t.Fatalf("unexpected result body")
	}
}

func TestUploadFailureShowsGenericNotice(t *testing.T) {
	client := &stubMasker{err: errors.New("dial tcp 127.0.0.1:8000: connection refused")}
	router := newTestRouter(t, client)
	token := startSession(t, router)

	body, contentType := buildMultipartBody(t, "image/png", pngBytes)
	do(router, http.MethodPut, "/api/session/file", token, body, contentType)

	resp := do(router, http.MethodPost, "/api/session/upload", token, nil, "")
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if msg := errorMessage(t, resp); msg != "Masking failed. Check if backend is running." {
		t.Fatalf("unexpected notice: %q", msg)
	}

	resp = do(router, http.MethodGet, "/api/session", token, nil, "")
	var snap usecase.Snapshot
	_ = json.Unmarshal(resp.Body.Bytes(), &snap)
	if snap.Busy || snap.Result != nil {
		t.Fatalf("expected idle session without result, got %+v", snap)
	}
}

func TestMetricsUnavailableWithoutHistory(t *testing.T) {
	router := newTestRouter(t, &stubMasker{})
	resp := do(router, http.MethodGet, "/api/metrics", "", nil, "")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestIndexAndHealth(t *testing.T) {
	router := newTestRouter(t, &stubMasker{})

	resp := do(router, http.MethodGet, "/", "", nil, "")
	if resp.Code != http.StatusOK || !bytes.Contains(resp.Body.Bytes(), []byte(`accept="image/*"`)) {
		t.Fatalf("unexpected index: %d", resp.Code)
	}
	resp = do(router, http.MethodGet, "/health", "", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="upload.png"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}
