// Package upscale upscales raster images with super-resolution networks
// that are too large to run on a whole high-resolution image.
//
// An image is split into a row-major grid of tiles. Each tile is cropped
// with a margin of surrounding context, run through the network, and the
// margin is cropped away again before the result is placed on the output
// canvas, so tile seams do not show.
//
// The package serves three use cases:
//
//  1. Programmatic API via Upscaler - New builds an Upscaler from a Config;
//     UpscaleImage, UpscaleFile and UpscaleBatch run jobs against it.
//
//  2. Model lifecycle via ModelManager - at most one model is resident on
//     the compute device. Loading a different model unloads the current
//     one first, and missing weights are downloaded with retries.
//
//  3. Embeddable CLI via NewCommand - a Cobra command tree with run,
//     batch, models, serve and watch subcommands.
//
// # Thread Safety
//
// ModelManager and Tiler are not safe for concurrent use. Upscaler
// serialises its jobs, so Server and Watcher can share one.
//
// # Weights
//
// Weight files are SafeTensors. Tensors prefixed "params_ema." are
// preferred over "params."; a file with neither prefix is used as-is.
// Weights must match the architecture's parameter schema exactly.
//
// # Storage
//
// Weights are stored in platform-appropriate directories:
//   - Linux: $XDG_DATA_HOME/<app>/models/ or ~/.local/share/<app>/models/
//   - macOS: ~/Library/Application Support/<app>/models/
//   - Windows: %LOCALAPPDATA%\<app>\models\
//
// The location can be overridden via Config.ModelsDir or the
// <APPNAME>_MODELS_DIR environment variable.
package upscale
