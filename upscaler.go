package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OutputSuffix is appended to the input name to form the default output
// file name.
const OutputSuffix = "_upscaled"

// Result describes one finished file job.
type Result struct {
	JobID  string `json:"job_id"`
	Model  string `json:"model"`
	Input  string `json:"input"`
	Output string `json:"output"`

	// Width and Height are the output dimensions.
	Width  int `json:"width"`
	Height int `json:"height"`
	Scale  int `json:"scale"`
	Tiles  int `json:"tiles"`

	// Degraded lists output regions left blank by failed tiles.
	Degraded []image.Rectangle `json:"degraded,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
}

// BatchFailure is an input a batch could not process.
type BatchFailure struct {
	Input string `json:"input"`
	Err   error  `json:"-"`
}

// BatchResult summarises a batch run.
type BatchResult struct {
	Results  []*Result      `json:"results"`
	Failures []BatchFailure `json:"failures,omitempty"`
}

// Status is a snapshot of the model lifecycle.
type Status struct {
	State         string `json:"state"`
	Model         string `json:"model,omitempty"`
	Device        string `json:"device"`
	ResidentBytes int64  `json:"resident_bytes"`
	Busy          bool   `json:"busy"`
}

// Upscaler runs upscale jobs against the configured models. It is safe for
// concurrent use; jobs run one at a time.
type Upscaler struct {
	cfg     *Config
	manager *manager
	tiler   *Tiler
	device  Device
	logger  Logger

	// mu serialises jobs and model operations.
	mu sync.Mutex

	statusMu sync.Mutex
	status   Status
}

// New builds an Upscaler from cfg. A nil cfg uses DefaultConfig. Without
// WithDevice the device is resolved from cfg.Device.
func New(cfg *Config, opts ...Option) (*Upscaler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	descs, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}

	mc := applyOptions(opts)
	if mc.device == nil {
		mc.device = resolveDevice(cfg.Device, cfg.DeviceMemoryLimit, mc.logger)
	}
	m, err := newManager(descs, mc)
	if err != nil {
		return nil, err
	}

	u := &Upscaler{
		cfg:     cfg,
		manager: m,
		tiler:   NewTiler(cfg.tileOptions(), mc.device, mc.logger),
		device:  mc.device,
		logger:  mc.logger,
	}
	u.snapshot(false)
	return u, nil
}

// Config returns the configuration the Upscaler was built with.
func (u *Upscaler) Config() *Config { return u.cfg }

// Manager exposes the model lifecycle manager. Callers must not use it
// while jobs are running.
func (u *Upscaler) Manager() ModelManager { return u.manager }

// Models returns the configured models sorted by id.
func (u *Upscaler) Models() []ModelDescriptor { return u.manager.Models() }

// Status reports the lifecycle state without waiting for a running job.
func (u *Upscaler) Status() Status {
	u.statusMu.Lock()
	defer u.statusMu.Unlock()
	return u.status
}

func (u *Upscaler) snapshot(busy bool) {
	state, model := u.manager.status()
	u.statusMu.Lock()
	defer u.statusMu.Unlock()
	u.status = Status{
		State:         state.String(),
		Model:         model,
		Device:        u.device.Name(),
		ResidentBytes: u.device.Resident(),
		Busy:          busy,
	}
}

// modelID maps an empty id to the default model.
func (u *Upscaler) modelID(id string) string {
	if id == "" {
		return u.cfg.DefaultModel
	}
	return id
}

func (u *Upscaler) load(ctx context.Context, id string) (*Handle, error) {
	u.statusMu.Lock()
	u.status.Busy = true
	if cur, _ := u.manager.Current(); cur != id {
		u.status.State, u.status.Model = stateLoading.String(), id
	}
	u.statusMu.Unlock()
	defer u.snapshot(true)
	return u.manager.Load(ctx, id)
}

// UpscaleImage upscales src with model, loading it if needed. Unless
// StrictTiles is set, failed tiles after the first leave blank regions
// that are reported in the result rather than failing the job.
func (u *Upscaler) UpscaleImage(ctx context.Context, model string, src *Image, progress ProgressFunc) (*TileResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.snapshot(false)
	return u.upscaleImage(ctx, u.modelID(model), src, progress)
}

func (u *Upscaler) upscaleImage(ctx context.Context, model string, src *Image, progress ProgressFunc) (*TileResult, error) {
	h, err := u.load(ctx, model)
	if err != nil {
		return nil, err
	}
	if err := checkPixels(src.Width, src.Height, h.Network.Scale(), u.cfg.MaxPixels); err != nil {
		return nil, err
	}
	res, err := u.tiler.Run(ctx, h.Network, src, progress)
	if err != nil {
		return nil, err
	}
	if failed := res.Failed(); len(failed) > 0 {
		if u.cfg.StrictTiles {
			return nil, res.Err()
		}
		u.logger.Warn("image upscaled with blank regions",
			"model", model, "failed_tiles", len(failed), "tiles", len(res.Outcomes))
	}
	return res, nil
}

// OutputPath returns the default output file for input inside dir, or the
// configured output directory when dir is empty. Inputs whose format
// cannot be written get a .png extension.
func (u *Upscaler) OutputPath(input, dir string) string {
	if dir == "" {
		dir = u.cfg.OutputDir
	}
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if _, err := FormatFromPath(base); err != nil {
		ext = ".png"
	}
	return filepath.Join(dir, name+OutputSuffix+ext)
}

// UpscaleFile upscales the image at input and saves it to output, or to
// OutputPath(input, "") when output is empty. Progress reaches 10 once
// the model and image are loaded, advances to 90 through the tiles and
// ends at 100 after the file is written.
func (u *Upscaler) UpscaleFile(ctx context.Context, input, output, model string, progress ProgressFunc) (*Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.snapshot(false)
	return u.upscaleFile(ctx, input, output, u.modelID(model), progress)
}

func (u *Upscaler) upscaleFile(ctx context.Context, input, output, model string, progress ProgressFunc) (res *Result, err error) {
	if output == "" {
		output = u.OutputPath(input, "")
	}
	job := uuid.NewString()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "upscale.File", trace.WithAttributes(
		attribute.String("job.id", job),
		attribute.String("model.id", model),
		attribute.String("input", input),
	))
	defer func() {
		endSpan(span, err)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case len(res.Degraded) > 0:
			outcome = "degraded"
		}
		imagesTotal.WithLabelValues(model, outcome).Inc()
	}()

	logger := u.logger
	logger.Info("upscaling image", "job", job, "input", input, "model", model)

	if _, err := u.load(ctx, model); err != nil {
		return nil, err
	}
	src, err := loadImage(input, u.cfg.MaxPixels)
	if err != nil {
		return nil, err
	}
	progress.report(10)

	tr, err := u.upscaleImage(ctx, model, src, progress.span(10, 90))
	if err != nil {
		return nil, err
	}
	if err := SaveImage(output, tr.Image); err != nil {
		return nil, err
	}
	progress.report(100)

	res = &Result{
		JobID:    job,
		Model:    model,
		Input:    input,
		Output:   output,
		Width:    tr.Image.Width,
		Height:   tr.Image.Height,
		Scale:    tr.Scale,
		Tiles:    len(tr.Outcomes),
		Degraded: tr.Degraded(),
		Elapsed:  time.Since(start),
	}
	logger.Info("image upscaled",
		"job", job, "output", output,
		"width", res.Width, "height", res.Height, "elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// UpscaleBatch upscales every input into outputDir (the configured output
// directory when empty). Progress is reported before each image and once
// more at the end. A failing image is recorded and the batch continues;
// only a model that cannot be loaded fails the whole batch.
func (u *Upscaler) UpscaleBatch(ctx context.Context, inputs []string, outputDir, model string, progress BatchProgressFunc) (*BatchResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.snapshot(false)

	model = u.modelID(model)
	report := func(pct, cur, total int) {
		if progress != nil {
			progress(pct, cur, total)
		}
	}

	total := len(inputs)
	batch := &BatchResult{}
	if total == 0 {
		report(100, 0, 0)
		return batch, nil
	}
	if _, err := u.load(ctx, model); err != nil {
		return nil, err
	}

	u.logger.Info("starting batch", "images", total, "model", model)
	for i, input := range inputs {
		report(i*100/total, i, total)
		res, err := u.upscaleFile(ctx, input, u.OutputPath(input, outputDir), model, nil)
		if err != nil {
			u.logger.Error("batch image failed", "input", input, "error", err)
			batch.Failures = append(batch.Failures, BatchFailure{Input: input, Err: err})
			continue
		}
		batch.Results = append(batch.Results, res)
	}
	report(100, total, total)

	u.logger.Info("batch complete", "succeeded", len(batch.Results), "failed", len(batch.Failures))
	return batch, nil
}

// Err joins the errors of failed inputs, or returns nil.
func (b *BatchResult) Err() error {
	var errs []error
	for _, f := range b.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Input, f.Err))
	}
	return errors.Join(errs...)
}

// Download fetches the weights for model without loading it.
func (u *Upscaler) Download(ctx context.Context, model string, progress DownloadProgressFunc) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.manager.Download(ctx, u.modelID(model), progress)
}

// Remove deletes the local weights for model.
func (u *Upscaler) Remove(model string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.snapshot(false)
	return u.manager.Remove(model)
}

// Close unloads the active model.
func (u *Upscaler) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.snapshot(false)
	return u.manager.Unload()
}
