package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stefando/videoupload/internal/metrics"
	"github.com/stefando/videoupload/internal/upload"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type verifierFunc func(ctx context.Context, token string) (string, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

func newTestRouter(t *testing.T, store *fakeStore, opts Options) http.Handler {
	t.Helper()
	u := upload.NewUploader(store, upload.WithPartSize(4), upload.WithMaxObjectSize(64))
	opts.Service = upload.NewService(u, upload.ServiceConfig{
		Bucket:            "efficient-content",
		KeyPrefix:         "videos/",
		AllowedExtensions: []string{"mp4", "avi", "mov", "mkv"},
		MaxObjectSize:     64,
		StagingDir:        t.TempDir(),
	}, nil)
	return NewRouter(opts)
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("comment", "holiday footage"))
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func uploadRequest(t *testing.T, filename, content string, jsonResp bool) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, "file", filename, content)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	if jsonResp {
		req.Header.Set("Accept", "application/json")
	}
	return req
}

func TestIndex(t *testing.T) {
	router := newTestRouter(t, newFakeStore(), Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mp4, avi, mov, mkv")
	assert.Contains(t, rec.Body.String(), `accept=".mp4,.avi,.mov,.mkv"`)
	assert.Contains(t, rec.Body.String(), `name="file"`)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, newFakeStore(), Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestUpload_HTML(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(t, store, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "clip.mp4", "0123456789", false))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "Upload complete!")
	assert.Contains(t, rec.Body.String(), "s3://efficient-content/videos/clip.mp4")

	obj, ok := store.object("videos/clip.mp4")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(obj))
}

func TestUpload_JSON(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(t, store, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "clip.mov", "0123456789", true))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var outcome upload.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&outcome))
	assert.Equal(t, "videos/clip.mov", outcome.Key)
	assert.Equal(t, int64(10), outcome.Size)
	assert.Equal(t, 3, outcome.Parts)
	assert.NotEmpty(t, outcome.TransferID)
}

func TestUpload_Failures(t *testing.T) {
	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		store      *fakeStore
		wantStatus int
		wantKind   string
		wantText   string
	}{
		{
			name:       "unsupported extension",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "notes.txt", "hello", true) },
			wantStatus: http.StatusUnsupportedMediaType,
			wantKind:   "validation",
			wantText:   "File type is not allowed",
		},
		{
			name:       "too large",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "big.mp4", strings.Repeat("x", 65), true) },
			wantStatus: http.StatusRequestEntityTooLarge,
			wantKind:   "validation",
		},
		{
			name:       "empty file",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "empty.mp4", "", true) },
			wantStatus: http.StatusBadRequest,
			wantKind:   "validation",
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"file":"x"}`))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Accept", "application/json")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantKind:   "validation",
			wantText:   "multipart/form-data",
		},
		{
			name: "no file field",
			req: func(t *testing.T) *http.Request {
				body, ct := multipartBody(t, "", "", "")
				req := httptest.NewRequest(http.MethodPost, "/upload", body)
				req.Header.Set("Content-Type", ct)
				req.Header.Set("Accept", "application/json")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantKind:   "validation",
			wantText:   "No file was uploaded",
		},
		{
			name:       "storage failure",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "clip.mp4", "0123456789", true) },
			store:      &fakeStore{failPart: 2, failErr: &smithy.GenericAPIError{Code: "InternalError", Message: "try again", Fault: smithy.FaultServer}, pending: map[string][][]byte{}, objects: map[string][]byte{}},
			wantStatus: http.StatusBadGateway,
			wantKind:   "remote service",
			wantText:   "Multipart upload aborted.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store
			if store == nil {
				store = newFakeStore()
			}
			router := newTestRouter(t, store, Options{})

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, tt.req(t))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.False(t, resp.Orphaned)
			if tt.wantText != "" {
				assert.Contains(t, resp.Error, tt.wantText)
			}
		})
	}
}

func TestUpload_StorageFailureAborts(t *testing.T) {
	store := newFakeStore()
	store.failPart = 1
	store.failErr = errors.New("connection reset")
	router := newTestRouter(t, store, Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "clip.mp4", "0123456789", false))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Upload failed")
	assert.Equal(t, 1, store.aborted)
	_, ok := store.object("videos/clip.mp4")
	assert.False(t, ok)
}

func TestUpload_RequiresToken(t *testing.T) {
	verifier := verifierFunc(func(_ context.Context, token string) (string, error) {
		if token == "good" {
			return "alice", nil
		}
		return "", errors.New("bad token")
	})
	router := newTestRouter(t, newFakeStore(), Options{Verifier: verifier})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "clip.mp4", "0123456789", true))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := uploadRequest(t, "clip.mp4", "0123456789", true)
	req.Header.Set("Authorization", "Bearer good")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// The form itself stays public.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveUpload(metrics.StatusSuccess, 0)

	router := newTestRouter(t, newFakeStore(), Options{Gatherer: reg})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "videoupload_multipart_uploads_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{upload.NewError(upload.KindValidation, "checkSize", upload.ErrTooLarge), http.StatusRequestEntityTooLarge},
		{upload.NewError(upload.KindValidation, "checkExtension", upload.ErrUnsupportedType), http.StatusUnsupportedMediaType},
		{upload.NewError(upload.KindValidation, "validate", upload.ErrTooManyParts), http.StatusBadRequest},
		{upload.NewError(upload.KindAuthentication, "initiate", errors.New("InvalidAccessKeyId")), http.StatusBadGateway},
		{upload.NewError(upload.KindRemoteService, "uploadPart", errors.New("reset")), http.StatusBadGateway},
		{upload.NewError(upload.KindLocalIO, "readPart", errors.New("disk")), http.StatusInternalServerError},
		{errors.New("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
