package upscale

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prethora/xprim-upscale/nn"
	"github.com/prethora/xprim-upscale/weights"
)

// tinyRRDB is a small residual dense network so tests build quickly.
type tinyRRDB struct{}

func (tinyRRDB) config(scale int) nn.RRDBConfig {
	return nn.RRDBConfig{InChannels: 3, OutChannels: 3, Features: 4, Growth: 2, Blocks: 1, Scale: scale}
}

func (a tinyRRDB) Schema(scale int) (weights.Schema, error) {
	return a.config(scale).Schema()
}

func (a tinyRRDB) Build(params weights.ParamSet, scale int) (nn.Network, error) {
	return nn.NewRRDBNet(a.config(scale), params)
}

// fixtureParams fills every tensor of schema with v, under each prefix.
func fixtureParams(schema weights.Schema, v float32, prefixes ...string) weights.ParamSet {
	set := make(weights.ParamSet)
	for name, shape := range schema {
		t := weights.Tensor{Shape: shape}
		t.Data = make([]float32, t.Len())
		for i := range t.Data {
			t.Data[i] = v
		}
		if len(prefixes) == 0 {
			set[name] = t
		}
		for _, p := range prefixes {
			set[p+"."+name] = t
		}
	}
	return set
}

func writeFixture(t *testing.T, path string, set weights.ParamSet) {
	t.Helper()
	if err := weights.WriteFile(path, set, nil); err != nil {
		t.Fatal(err)
	}
}

// trackingDevice records the peak number of resident models.
type trackingDevice struct {
	resident int64
	models   int
	peak     int
	events   []string
	limit    int64
}

func (d *trackingDevice) Name() string { return "tracking" }

func (d *trackingDevice) Reserve(bytes int64) error {
	if d.limit > 0 && d.resident+bytes > d.limit {
		return errors.New("out of device memory")
	}
	d.resident += bytes
	d.models++
	d.peak = max(d.peak, d.models)
	d.events = append(d.events, "reserve")
	return nil
}

func (d *trackingDevice) Release(bytes int64) {
	d.resident -= bytes
	d.models--
	d.events = append(d.events, "release")
}

func (d *trackingDevice) Resident() int64                        { return d.resident }
func (d *trackingDevice) Place(t *nn.Tensor) (*nn.Tensor, error) { return t, nil }

type testModels struct {
	dir     string
	opens   atomic.Int32
	device  *trackingDevice
	manager ModelManager
}

func newTestModels(t *testing.T, extra ...Option) *testModels {
	t.Helper()
	tm := &testModels{dir: t.TempDir(), device: &trackingDevice{}}

	schema, _ := tinyRRDB{}.Schema(4)
	writeFixture(t, weightPath(tm.dir, "model-a"), fixtureParams(schema, 0.01, "params_ema"))
	writeFixture(t, weightPath(tm.dir, "model-b"), fixtureParams(schema, 0.02))

	descs := []ModelDescriptor{
		{ID: "model-a", Kind: ArchBlockResidual6, Scale: 4, WeightPath: weightPath(tm.dir, "model-a")},
		{ID: "model-b", Kind: ArchBlockResidual6, Scale: 4, WeightPath: weightPath(tm.dir, "model-b")},
		{ID: "nearest-x2", Kind: ArchNearest, Scale: 2},
		{ID: "swin", Kind: ArchWindowTransformer, Scale: 4, WeightPath: weightPath(tm.dir, "swin")},
	}
	opts := append([]Option{
		WithDevice(tm.device),
		WithArchitecture(ArchBlockResidual6, tinyRRDB{}),
		withWeightOpener(func(path string) (*weights.File, error) {
			tm.opens.Add(1)
			return weights.Open(path)
		}),
	}, extra...)

	m, err := NewManager(descs, opts...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	tm.manager = m
	return tm
}

func TestLoadIsIdempotent(t *testing.T) {
	tm := newTestModels(t)
	ctx := context.Background()

	h1, err := tm.manager.Load(ctx, "model-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h2, err := tm.manager.Load(ctx, "model-a")
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if h1 != h2 {
		t.Error("second Load() returned a different handle")
	}
	if n := tm.opens.Load(); n != 1 {
		t.Errorf("weights opened %d times, want 1", n)
	}
	if h1.ParamSet != "params_ema" {
		t.Errorf("ParamSet = %q, want params_ema", h1.ParamSet)
	}
	if h1.Scale() != 4 || h1.Params == 0 || h1.Bytes != int64(h1.Params)*4 {
		t.Errorf("handle = scale %d, %d params, %d bytes", h1.Scale(), h1.Params, h1.Bytes)
	}
	if cur, ok := tm.manager.Current(); !ok || cur != "model-a" {
		t.Errorf("Current() = %q, %v", cur, ok)
	}
}

func TestSwapReleasesBeforeLoading(t *testing.T) {
	tm := newTestModels(t)
	ctx := context.Background()

	a, err := tm.manager.Load(ctx, "model-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tm.manager.Load(ctx, "model-b"); err != nil {
		t.Fatalf("Load(model-b) error = %v", err)
	}

	if tm.device.peak != 1 {
		t.Errorf("peak resident models = %d, want 1", tm.device.peak)
	}
	want := []string{"reserve", "release", "reserve"}
	if len(tm.device.events) != len(want) {
		t.Fatalf("device events = %v, want %v", tm.device.events, want)
	}
	for i := range want {
		if tm.device.events[i] != want[i] {
			t.Errorf("device events = %v, want %v", tm.device.events, want)
			break
		}
	}
	if _, err := a.Network.Forward(nn.NewTensor(3, 2, 2)); err == nil {
		t.Error("evicted handle still runs inference")
	}
	if cur, _ := tm.manager.Current(); cur != "model-b" {
		t.Errorf("Current() = %q, want model-b", cur)
	}
}

func TestUnload(t *testing.T) {
	tm := newTestModels(t)
	if err := tm.manager.Unload(); err != nil {
		t.Fatalf("Unload() on empty manager error = %v", err)
	}
	if _, err := tm.manager.Load(context.Background(), "model-a"); err != nil {
		t.Fatal(err)
	}
	if err := tm.manager.Unload(); err != nil {
		t.Fatal(err)
	}
	if tm.device.resident != 0 {
		t.Errorf("resident = %d after Unload, want 0", tm.device.resident)
	}
	if _, ok := tm.manager.Current(); ok {
		t.Error("Current() reports a model after Unload")
	}
}

func TestLoadParameterFree(t *testing.T) {
	tm := newTestModels(t)
	h, err := tm.manager.Load(context.Background(), "nearest-x2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if h.Scale() != 2 || h.Bytes != 0 {
		t.Errorf("handle scale %d bytes %d", h.Scale(), h.Bytes)
	}
	if n := tm.opens.Load(); n != 0 {
		t.Errorf("opened %d weight files for a parameter-free model", n)
	}
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		setup   func(t *testing.T, tm *testModels)
		wantErr error
	}{
		{
			name:    "unknown model",
			id:      "nope",
			wantErr: ErrUnknownModel,
		},
		{
			name:    "no executor for architecture",
			id:      "swin",
			wantErr: ErrUnsupportedArchitecture,
		},
		{
			name: "weights for another architecture",
			id:   "model-a",
			setup: func(t *testing.T, tm *testModels) {
				other := weights.Schema{"conv.weight": {4, 3, 3, 3}, "conv.bias": {4}}
				writeFixture(t, weightPath(tm.dir, "model-a"), fixtureParams(other, 1, "params"))
			},
			wantErr: ErrWeightMismatch,
		},
		{
			name: "corrupt weight file",
			id:   "model-a",
			setup: func(t *testing.T, tm *testModels) {
				os.WriteFile(weightPath(tm.dir, "model-a"), []byte("PK\x03\x04 pickled"), 0644)
			},
			wantErr: ErrCorruptWeights,
		},
		{
			name: "device out of memory",
			id:   "model-a",
			setup: func(t *testing.T, tm *testModels) {
				tm.device.limit = 16
			},
			wantErr: ErrDevicePlacement,
		},
		{
			name: "missing weights without url",
			id:   "model-a",
			setup: func(t *testing.T, tm *testModels) {
				os.Remove(weightPath(tm.dir, "model-a"))
			},
			wantErr: ErrModel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newTestModels(t)
			if tt.setup != nil {
				tt.setup(t, tm)
			}
			_, err := tm.manager.Load(context.Background(), tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Load() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrModel) {
				t.Errorf("Load() error = %v is not a model error", err)
			}
			if _, ok := tm.manager.Current(); ok {
				t.Error("failed load left a model loaded")
			}
			if tm.device.resident != 0 {
				t.Errorf("failed load left %d bytes resident", tm.device.resident)
			}
		})
	}
}

func TestLoadDownloadsMissingWeights(t *testing.T) {
	schema, _ := tinyRRDB{}.Schema(2)
	var buf bytes.Buffer
	if err := weights.Write(&buf, fixtureParams(schema, 0.05, "params_ema", "params"), nil); err != nil {
		t.Fatal(err)
	}
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	dir := t.TempDir()
	desc := ModelDescriptor{
		ID: "remote-x2", Kind: ArchBlockResidual23, Scale: 2,
		URL: server.URL + "/remote-x2.safetensors", WeightPath: weightPath(dir, "remote-x2"),
	}
	m, err := NewManager([]ModelDescriptor{desc},
		WithHTTPClient(server.Client()),
		WithArchitecture(ArchBlockResidual23, tinyRRDB{}),
		WithRetryConfig(fastRetry()),
	)
	if err != nil {
		t.Fatal(err)
	}

	h, err := m.Load(context.Background(), "remote-x2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if h.ParamSet != "params_ema" {
		t.Errorf("ParamSet = %q, want params_ema", h.ParamSet)
	}
	if !fileExists(desc.WeightPath) {
		t.Error("weights were not saved")
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}

func TestLoadDownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	dir := t.TempDir()
	desc := ModelDescriptor{ID: "m", Kind: ArchBlockResidual6, Scale: 4, URL: server.URL, WeightPath: weightPath(dir, "m")}
	m, err := NewManager([]ModelDescriptor{desc},
		WithHTTPClient(server.Client()),
		WithArchitecture(ArchBlockResidual6, tinyRRDB{}),
		WithRetryConfig(fastRetry()),
	)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Load(context.Background(), "m")
	if !errors.Is(err, ErrModel) || !errors.Is(err, ErrNetwork) {
		t.Errorf("Load() error = %v, want model error wrapping network error", err)
	}
}

func TestManagerDownloadAndRemove(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("weights"))
	}))
	defer server.Close()

	dir := t.TempDir()
	desc := ModelDescriptor{ID: "m", Kind: ArchBlockResidual6, Scale: 4, URL: server.URL, WeightPath: filepath.Join(dir, "m.safetensors")}
	m, err := NewManager([]ModelDescriptor{desc}, WithHTTPClient(server.Client()), WithRetryConfig(fastRetry()))
	if err != nil {
		t.Fatal(err)
	}

	var last int
	path, err := m.Download(context.Background(), "m", func(model string, pct int) {
		if model != "m" {
			t.Errorf("progress for %q", model)
		}
		last = pct
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if path != desc.WeightPath || last != 100 {
		t.Errorf("Download() = %q, last progress %d", path, last)
	}

	if err := m.Remove("m"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := m.Remove("m"); !errors.Is(err, ErrNotDownloaded) {
		t.Errorf("second Remove() error = %v, want ErrNotDownloaded", err)
	}
	if _, err := m.Download(context.Background(), "other", nil); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Download(unknown) error = %v", err)
	}
}

func TestDownloadParameterFree(t *testing.T) {
	m, err := NewManager([]ModelDescriptor{{ID: "n", Kind: ArchNearest, Scale: 2}})
	if err != nil {
		t.Fatal(err)
	}
	called := false
	path, err := m.Download(context.Background(), "n", func(string, int) { called = true })
	if !errors.Is(err, ErrNoWeights) || path != "" {
		t.Errorf("Download() = %q, %v, want ErrNoWeights", path, err)
	}
	if called {
		t.Error("progress reported for a model without weights")
	}
}

func TestNewManagerValidatesDescriptors(t *testing.T) {
	tests := []struct {
		name  string
		descs []ModelDescriptor
	}{
		{"empty id", []ModelDescriptor{{Kind: ArchNearest, Scale: 2}}},
		{"duplicate", []ModelDescriptor{{ID: "a", Kind: ArchNearest, Scale: 2}, {ID: "a", Kind: ArchNearest, Scale: 2}}},
		{"zero scale", []ModelDescriptor{{ID: "a", Kind: ArchNearest}}},
		{"unknown kind", []ModelDescriptor{{ID: "a", Scale: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.descs); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewManager() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestModelsSorted(t *testing.T) {
	tm := newTestModels(t)
	models := tm.manager.Models()
	for i := 1; i < len(models); i++ {
		if models[i-1].ID >= models[i].ID {
			t.Fatalf("Models() not sorted: %v", models)
		}
	}
}
