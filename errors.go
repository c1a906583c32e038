package upscale

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of
// these; use errors.Is() to classify.
var (
	// ErrModel indicates a model could not be resolved, loaded or placed.
	ErrModel = errors.New("upscale: model error")

	// ErrImageProcessing indicates an image could not be read, tiled,
	// upscaled or written.
	ErrImageProcessing = errors.New("upscale: image processing error")

	// ErrNetwork indicates a weight download failed.
	ErrNetwork = errors.New("upscale: network error")

	// ErrInvalidConfig indicates the configuration could not be parsed or
	// failed validation.
	ErrInvalidConfig = errors.New("upscale: invalid configuration")

	// ErrUsage indicates invalid command line arguments or flags.
	ErrUsage = errors.New("upscale: invalid arguments")
)

// Model errors.
var (
	// ErrUnknownModel indicates the model id is not configured.
	ErrUnknownModel = fmt.Errorf("%w: unknown model", ErrModel)

	// ErrUnsupportedArchitecture indicates no executor is registered for
	// the model's architecture kind.
	ErrUnsupportedArchitecture = fmt.Errorf("%w: unsupported architecture", ErrModel)

	// ErrWeightMismatch indicates the weight file does not match the
	// architecture's parameter schema.
	ErrWeightMismatch = fmt.Errorf("%w: weights do not match architecture", ErrModel)

	// ErrCorruptWeights indicates the weight file could not be decoded.
	ErrCorruptWeights = fmt.Errorf("%w: unreadable weight file", ErrModel)

	// ErrDevicePlacement indicates the compute device refused the model.
	ErrDevicePlacement = fmt.Errorf("%w: device placement failed", ErrModel)

	// ErrNoWeights indicates the model is parameter-free and has no weight
	// file to download.
	ErrNoWeights = fmt.Errorf("%w: model has no weight file", ErrModel)

	// ErrNotDownloaded indicates the model has no local weight file.
	ErrNotDownloaded = fmt.Errorf("%w: weights not downloaded", ErrModel)
)

// Image processing errors.
var (
	// ErrImageDecode indicates the input is missing, unreadable or not a
	// supported image.
	ErrImageDecode = fmt.Errorf("%w: cannot decode image", ErrImageProcessing)

	// ErrImageTooLarge indicates the input, or its upscaled output, exceeds
	// the configured pixel limit.
	ErrImageTooLarge = fmt.Errorf("%w: image too large", ErrImageDecode)

	// ErrImageWrite indicates the output image could not be encoded or saved.
	ErrImageWrite = fmt.Errorf("%w: cannot write image", ErrImageProcessing)

	// ErrTileFailed indicates inference failed on a tile the pipeline
	// cannot continue past.
	ErrTileFailed = fmt.Errorf("%w: tile inference failed", ErrImageProcessing)

	// ErrInvalidTiling indicates non-positive image or tile dimensions, or
	// negative padding.
	ErrInvalidTiling = fmt.Errorf("%w: invalid tiling parameters", ErrImageProcessing)

	// ErrStitchOverlap indicates a tile was placed over an already written
	// region or outside the canvas.
	ErrStitchOverlap = fmt.Errorf("%w: tile placement overlaps canvas", ErrImageProcessing)
)

// Network errors.
var (
	// ErrHTTPStatus indicates the weight server answered with a non-success
	// status.
	ErrHTTPStatus = fmt.Errorf("%w: unexpected http status", ErrNetwork)

	// ErrRetriesExhausted indicates every download attempt failed.
	ErrRetriesExhausted = fmt.Errorf("%w: retries exhausted", ErrNetwork)
)
