package upscale

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadRequest(t *testing.T, target string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if body != nil {
		fw, err := mw.CreateFormFile("image", "in.png")
		require.NoError(t, err)
		_, err = fw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pngBytes(t *testing.T, m *Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, m.NRGBA()))
	return buf.Bytes()
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return NewServer(newTestUpscaler(t, testConfig(t), opts...), discard)
}

func TestServerUpscale(t *testing.T) {
	s := newTestServer(t)
	src := sampleImage()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "/v1/upscale?model=nearest-x4", pngBytes(t, src)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(HeaderJobID))
	assert.Empty(t, rec.Header().Get(HeaderDegradedTiles))

	out, err := DecodeImage(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 24, out.Width)
	assert.Equal(t, 16, out.Height)
}

func TestServerUpscaleFormat(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "/v1/upscale?format=jpg", pngBytes(t, sampleImage())))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestServerUpscaleDegraded(t *testing.T) {
	s := newTestServer(t, WithArchitecture(ArchNearest, flakyArch{failOn: map[int]bool{1: true}}))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "/v1/upscale", pngBytes(t, NewImage(16, 8))))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "16,0,32,16", rec.Header().Get(HeaderDegradedTiles))
}

func TestServerUpscaleErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   []byte
		want   int
	}{
		{"no file", "/v1/upscale", nil, http.StatusBadRequest},
		{"not an image", "/v1/upscale", []byte("hello"), http.StatusBadRequest},
		{"unknown model", "/v1/upscale?model=nope", nil, http.StatusNotFound},
		{"bad format", "/v1/upscale?format=webp", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil && tt.name != "no file" {
				body = pngBytes(t, sampleImage())
			}
			s := newTestServer(t)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, uploadRequest(t, tt.target, body))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestServerRejectsOversizedImage(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "/v1/upscale", pngHeader(30000, 30000)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "image too large")
	assert.Equal(t, "unloaded", s.up.Status().State)
}

func TestServerRejectsOversizedOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPixels = 6 * 4 * 4
	s := NewServer(newTestUpscaler(t, cfg), discard)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "/v1/upscale", pngBytes(t, sampleImage())))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "/v1/upscale?model=nearest-x4", pngBytes(t, sampleImage())))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
}

func TestServerModelsAndHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, uploadRequest(t, "/v1/upscale?model=nearest-x2", pngBytes(t, sampleImage())))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var models []modelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	require.Len(t, models, 2)
	assert.Equal(t, "nearest-x2", models[0].ID)
	assert.Equal(t, ArchNearest, models[0].Kind)
	assert.True(t, models[0].Loaded)
	assert.True(t, models[0].Downloaded)
	assert.False(t, models[1].Loaded)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string `json:"status"`
		Model  Status `json:"model"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "loaded", health.Model.State)
	assert.Equal(t, "nearest-x2", health.Model.Model)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "xprim_upscale_tiles_total")
}

func TestServerPull(t *testing.T) {
	weightsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("weights"))
	}))
	defer weightsSrv.Close()

	cfg := testConfig(t)
	cfg.Models["remote"] = ModelSpec{Scale: 4, Arch: ArchBlockResidual6, URL: weightsSrv.URL + "/remote.safetensors"}
	up := newTestUpscaler(t, cfg, WithHTTPClient(weightsSrv.Client()), WithRetryConfig(fastRetry()))
	s := NewServer(up, discard)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/models/remote/pull", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.FileExists(t, resp["path"])

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/models/nearest-x2/pull", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var builtin pullResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &builtin))
	assert.True(t, builtin.Builtin)
	assert.Empty(t, builtin.Path)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/models/nope/pull", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", ErrUnknownModel), http.StatusNotFound},
		{ErrUnsupportedArchitecture, http.StatusNotImplemented},
		{ErrImageDecode, http.StatusBadRequest},
		{fmt.Errorf("%w: 30000x30000", ErrImageTooLarge), http.StatusRequestEntityTooLarge},
		{ErrInvalidTiling, http.StatusBadRequest},
		{fmt.Errorf("%w: fetching: %w", ErrModel, ErrRetriesExhausted), http.StatusBadGateway},
		{ErrWeightMismatch, http.StatusInternalServerError},
		{ErrTileFailed, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestFormatRects(t *testing.T) {
	got := formatRects([]image.Rectangle{image.Rect(0, 8, 8, 16), image.Rect(16, 0, 20, 4)})
	assert.Equal(t, "0,8,8,16;16,0,20,4", got)
}
