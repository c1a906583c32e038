package upscale

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/prethora/xprim-upscale/nn"
	"github.com/prethora/xprim-upscale/weights"
)

// Parameter groups tried in order when reading a weight file.
var paramGroups = []string{"params_ema", "params"}

// ModelManager owns the single active model. It is not safe for
// concurrent use; callers serialise jobs.
type ModelManager interface {
	// Load returns the handle for id, building it if needed. A different
	// loaded model is unloaded first. Missing weights are downloaded.
	Load(ctx context.Context, id string) (*Handle, error)

	// Unload releases the active model. It is a no-op when nothing is loaded.
	Unload() error

	// Download fetches the weight file for id without loading it and
	// returns its path. Models without weights fail with ErrNoWeights.
	Download(ctx context.Context, id string, progress DownloadProgressFunc) (string, error)

	// Remove deletes the local weight file for id, unloading it first if
	// it is the active model.
	Remove(id string) error

	// Current returns the id of the loaded model, if any.
	Current() (string, bool)

	// Models returns every configured model sorted by id.
	Models() []ModelDescriptor

	// Descriptor returns the configured model for id.
	Descriptor(id string) (ModelDescriptor, error)
}

type loadState int

const (
	stateUnloaded loadState = iota
	stateLoading
	stateLoaded
)

func (s loadState) String() string {
	switch s {
	case stateUnloaded:
		return "unloaded"
	case stateLoading:
		return "loading"
	case stateLoaded:
		return "loaded"
	default:
		return "invalid"
	}
}

// manager implements ModelManager.
type manager struct {
	models      map[string]ModelDescriptor
	archs       map[ArchKind]Architecture
	downloader  *Downloader
	device      Device
	logger      Logger
	openWeights func(path string) (*weights.File, error)

	state   loadState
	loading string
	handle  *Handle
}

// Ensure manager implements ModelManager interface.
var _ ModelManager = (*manager)(nil)

// NewManager creates a ModelManager for the given models. Without
// WithDevice, models are placed on the CPU.
func NewManager(models []ModelDescriptor, opts ...Option) (ModelManager, error) {
	cfg := applyOptions(opts)
	if cfg.device == nil {
		cfg.device = NewCPUDevice(0)
	}
	return newManager(models, cfg)
}

func newManager(models []ModelDescriptor, cfg *managerConfig) (*manager, error) {
	if err := cfg.retry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: retry: %w", ErrInvalidConfig, err)
	}

	m := &manager{
		models:      make(map[string]ModelDescriptor, len(models)),
		archs:       cfg.archs,
		downloader:  NewDownloader(cfg.httpClient, cfg.logger, cfg.retry),
		device:      cfg.device,
		logger:      cfg.logger,
		openWeights: cfg.openWeights,
	}
	for _, d := range models {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: model with empty id", ErrInvalidConfig)
		}
		if _, dup := m.models[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate model %q", ErrInvalidConfig, d.ID)
		}
		if d.Scale < 1 {
			return nil, fmt.Errorf("%w: model %q: scale %d", ErrInvalidConfig, d.ID, d.Scale)
		}
		if _, ok := archNames[d.Kind]; !ok {
			return nil, fmt.Errorf("%w: model %q: %v", ErrInvalidConfig, d.ID, d.Kind)
		}
		m.models[d.ID] = d
	}
	return m, nil
}

func (m *manager) Descriptor(id string) (ModelDescriptor, error) {
	d, ok := m.models[id]
	if !ok {
		return ModelDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return d, nil
}

func (m *manager) Models() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(m.models))
	for _, d := range m.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *manager) Current() (string, bool) {
	if m.state != stateLoaded {
		return "", false
	}
	return m.handle.Descriptor.ID, true
}

// status reports the lifecycle state and the model it concerns.
func (m *manager) status() (loadState, string) {
	switch m.state {
	case stateLoading:
		return m.state, m.loading
	case stateLoaded:
		return m.state, m.handle.Descriptor.ID
	default:
		return m.state, ""
	}
}

func (m *manager) Load(ctx context.Context, id string) (h *Handle, err error) {
	if m.state == stateLoaded && m.handle.Descriptor.ID == id {
		m.logger.Debug("model already loaded", "model", id)
		return m.handle, nil
	}

	desc, err := m.Descriptor(id)
	if err != nil {
		return nil, err
	}
	if m.state == stateLoaded {
		if err := m.Unload(); err != nil {
			return nil, err
		}
	}

	ctx, span := tracer.Start(ctx, "upscale.LoadModel", trace.WithAttributes(
		attribute.String("model.id", id),
		attribute.String("model.arch", desc.Kind.String()),
	))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	m.state, m.loading = stateLoading, id
	m.logger.Info("loading model", "model", id, "arch", desc.Kind.String(), "scale", desc.Scale, "device", m.device.Name())

	h, err = m.build(ctx, desc)
	if err != nil {
		m.state, m.loading = stateUnloaded, ""
		modelLoadsTotal.WithLabelValues(id, "error").Inc()
		m.logger.Error("model load failed", "model", id, "error", err)
		return nil, err
	}

	m.state, m.loading, m.handle = stateLoaded, "", h
	modelLoadsTotal.WithLabelValues(id, "ok").Inc()
	modelLoadDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	deviceResidentBytes.Set(float64(m.device.Resident()))
	m.logger.Info("model loaded",
		"model", id, "params", h.Params, "param_set", h.ParamSet,
		"bytes", h.Bytes, "elapsed", time.Since(start).Round(time.Millisecond))
	return h, nil
}

// build resolves weights and constructs a device-resident handle.
func (m *manager) build(ctx context.Context, desc ModelDescriptor) (*Handle, error) {
	arch, ok := m.archs[desc.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for %s (model %q)", ErrUnsupportedArchitecture, desc.Kind, desc.ID)
	}
	schema, err := arch.Schema(desc.Scale)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at scale %d: %w", ErrUnsupportedArchitecture, desc.Kind, desc.Scale, err)
	}

	var params weights.ParamSet
	var group string
	if len(schema) > 0 {
		path, err := m.ensureWeights(ctx, desc, nil)
		if err != nil {
			return nil, err
		}
		f, err := m.openWeights(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorruptWeights, path, err)
		}
		params, group = f.Select(paramGroups...)
		if group == "" {
			m.logger.Debug("weight file has no parameter group, using all tensors", "model", desc.ID)
		}
		if err := schema.Match(params); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrWeightMismatch, desc.ID, err)
		}
	}

	bytes := params.Bytes()
	if err := m.device.Reserve(bytes); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDevicePlacement, desc.ID, err)
	}
	net, err := arch.Build(params, desc.Scale)
	if err == nil && net.Scale() != desc.Scale {
		err = fmt.Errorf("network scale %d, configured %d", net.Scale(), desc.Scale)
	}
	if err != nil {
		m.device.Release(bytes)
		return nil, fmt.Errorf("%w: building %s: %w", ErrModel, desc.ID, err)
	}

	return &Handle{
		Descriptor: desc,
		Network:    net,
		Bytes:      bytes,
		Params:     params.Count(),
		ParamSet:   group,
	}, nil
}

// ensureWeights returns the local weight path for desc, downloading it if
// it is missing.
func (m *manager) ensureWeights(ctx context.Context, desc ModelDescriptor, progress DownloadProgressFunc) (string, error) {
	if fileExists(desc.WeightPath) {
		return desc.WeightPath, nil
	}
	if desc.URL == "" {
		return "", fmt.Errorf("%w: %s: no weight file at %s and no download url", ErrModel, desc.ID, desc.WeightPath)
	}

	m.logger.Info("weights not found locally, downloading", "model", desc.ID, "url", desc.URL)
	var report func(int)
	if progress != nil {
		report = func(p int) { progress(desc.ID, p) }
	}
	if err := m.downloader.Fetch(ctx, desc.URL, desc.WeightPath, report); err != nil {
		return "", fmt.Errorf("%w: fetching weights for %q: %w", ErrModel, desc.ID, err)
	}
	return desc.WeightPath, nil
}

func (m *manager) Unload() error {
	if m.state != stateLoaded {
		return nil
	}
	h := m.handle
	m.logger.Info("unloading model", "model", h.Descriptor.ID)

	if r, ok := h.Network.(nn.Releaser); ok {
		r.Release()
	}
	m.device.Release(h.Bytes)
	deviceResidentBytes.Set(float64(m.device.Resident()))

	m.handle, m.state = nil, stateUnloaded
	return nil
}

func (m *manager) Download(ctx context.Context, id string, progress DownloadProgressFunc) (string, error) {
	desc, err := m.Descriptor(id)
	if err != nil {
		return "", err
	}
	if desc.URL == "" {
		return "", fmt.Errorf("%w: %s is built in", ErrNoWeights, id)
	}
	if err := m.downloader.Fetch(ctx, desc.URL, desc.WeightPath, func(p int) {
		if progress != nil {
			progress(id, p)
		}
	}); err != nil {
		return "", err
	}
	return desc.WeightPath, nil
}

func (m *manager) Remove(id string) error {
	desc, err := m.Descriptor(id)
	if err != nil {
		return err
	}
	if cur, ok := m.Current(); ok && cur == id {
		if err := m.Unload(); err != nil {
			return err
		}
	}
	if err := os.Remove(desc.WeightPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotDownloaded, id)
		}
		return fmt.Errorf("%w: removing %s: %w", ErrModel, desc.WeightPath, err)
	}
	m.logger.Info("removed weights", "model", id, "path", desc.WeightPath)
	return nil
}
