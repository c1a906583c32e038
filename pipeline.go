package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/prethora/xprim-upscale/nn"
)

// TileOptions controls how an image is split for inference.
type TileOptions struct {
	// Size is the tile edge length in source pixels.
	Size int

	// Padding is the context margin added around each tile.
	Padding int

	// Retries is how many extra attempts a failing tile gets.
	Retries int
}

// TileOutcome records what happened to one tile.
type TileOutcome struct {
	Tile     TileSpec
	Attempts int
	Duration time.Duration

	// Err is the last inference error, or nil if the tile was placed.
	Err error
}

// TileResult is an upscaled image and the outcome of every tile.
type TileResult struct {
	Image    *Image
	Scale    int
	Outcomes []TileOutcome
}

// Failed returns the outcomes of tiles that were left blank.
func (r *TileResult) Failed() []TileOutcome {
	var failed []TileOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Degraded returns the output rectangles left blank by failed tiles.
func (r *TileResult) Degraded() []image.Rectangle {
	var rects []image.Rectangle
	for _, o := range r.Failed() {
		rects = append(rects, o.Tile.Dest(r.Scale))
	}
	return rects
}

// Err joins the errors of failed tiles, or returns nil.
func (r *TileResult) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%w: tile %d at %v: %w", ErrTileFailed, o.Tile.Index, o.Tile.Core, o.Err))
	}
	return errors.Join(errs...)
}

// Tiler runs a network over an image tile by tile on the calling
// goroutine.
type Tiler struct {
	opts   TileOptions
	device Device
	logger Logger

	// debug throttles per-tile log lines on large images.
	debug rate.Sometimes
}

// NewTiler returns a Tiler placing tiles on device.
func NewTiler(opts TileOptions, device Device, logger Logger) *Tiler {
	return &Tiler{
		opts:   opts,
		device: device,
		logger: logger,
		debug:  rate.Sometimes{First: 3, Interval: 2 * time.Second},
	}
}

// Run upscales src with net. Tiles are processed in row-major order and
// progress is reported after each one. A failure on the first tile aborts
// the run; later failures leave their region blank and are recorded in
// the result.
func (t *Tiler) Run(ctx context.Context, net nn.Network, src *Image, progress ProgressFunc) (*TileResult, error) {
	tiles, err := PlanTiles(src.Width, src.Height, t.opts.Size, t.opts.Padding)
	if err != nil {
		return nil, err
	}
	scale := net.Scale()
	if scale < 1 {
		return nil, fmt.Errorf("%w: network scale %d", ErrImageProcessing, scale)
	}

	_, span := tracer.Start(ctx, "upscale.Tiles", trace.WithAttributes(
		attribute.Int("image.width", src.Width),
		attribute.Int("image.height", src.Height),
		attribute.Int("tiles", len(tiles)),
		attribute.Int("scale", scale),
	))
	defer func() { endSpan(span, err) }()

	t.logger.Debug("tiling image",
		"width", src.Width, "height", src.Height,
		"tiles", len(tiles), "tile_size", t.opts.Size, "padding", t.opts.Padding)

	canvas := NewCanvas(src.Width, src.Height, scale)
	tracker := &tileProgress{total: len(tiles), fn: progress}
	result := &TileResult{Scale: scale, Outcomes: make([]TileOutcome, 0, len(tiles))}

	for _, tile := range tiles {
		out, outcome := t.runTile(net, src, tile)
		if outcome.Err != nil {
			tilesTotal.WithLabelValues("failed").Inc()
			if tile.Index == 0 {
				err = fmt.Errorf("%w: tile %d at %v after %d attempt(s): %w",
					ErrTileFailed, tile.Index, tile.Core, outcome.Attempts, outcome.Err)
				return nil, err
			}
			t.logger.Error("tile failed, leaving region blank",
				"tile", tile.Index, "region", tile.Core.String(), "attempts", outcome.Attempts, "error", outcome.Err)
			err = canvas.Skip(tile)
		} else {
			tilesTotal.WithLabelValues("ok").Inc()
			err = canvas.Place(tile, out)
		}
		if err != nil {
			return nil, err
		}

		result.Outcomes = append(result.Outcomes, outcome)
		tracker.step()
		t.debug.Do(func() {
			t.logger.Debug("tile done", "tile", tile.Index+1, "of", len(tiles), "elapsed", outcome.Duration)
		})
	}

	if err = canvas.Complete(); err != nil {
		return nil, err
	}
	result.Image = canvas.Image()
	return result, nil
}

func (t *Tiler) runTile(net nn.Network, src *Image, tile TileSpec) (*Image, TileOutcome) {
	outcome := TileOutcome{Tile: tile}
	start := time.Now()

	for attempt := 1; attempt <= 1+max(t.opts.Retries, 0); attempt++ {
		outcome.Attempts = attempt
		attemptStart := time.Now()
		out, err := executeTile(net, t.device, src, tile)
		tileDuration.Observe(time.Since(attemptStart).Seconds())
		if err == nil {
			outcome.Err = nil
			outcome.Duration = time.Since(start)
			return out, outcome
		}
		outcome.Err = err
		if attempt <= t.opts.Retries {
			t.logger.Warn("tile failed, retrying", "tile", tile.Index, "attempt", attempt, "error", err)
		}
	}
	outcome.Duration = time.Since(start)
	return nil, outcome
}
