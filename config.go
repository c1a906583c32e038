package upscale

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultAppName names the models directory and its environment override.
const DefaultAppName = "xprim-upscale"

// DefaultMaxPixels caps the upscaled output of one image, which admits a
// 4096x4096 input at x4.
const DefaultMaxPixels = 1 << 28

// ModelSpec is one entry of the configured model table.
type ModelSpec struct {
	Name  string   `yaml:"name"`
	Scale int      `yaml:"scale" validate:"gte=1,lte=8"`
	Arch  ArchKind `yaml:"arch" validate:"required"`
	URL   string   `yaml:"url,omitempty" validate:"omitempty,url"`
}

// Config is the on-disk configuration of the CLI, server and watcher.
type Config struct {
	AppName      string               `yaml:"app_name" validate:"required"`
	DefaultModel string               `yaml:"default_model" validate:"required"`
	Models       map[string]ModelSpec `yaml:"models" validate:"required,min=1,dive,keys,required,endkeys"`

	TileSize    int  `yaml:"tile_size" validate:"gte=1"`
	TilePadding int  `yaml:"tile_padding" validate:"gte=0"`
	TileRetries int  `yaml:"tile_retries" validate:"gte=0,lte=10"`
	StrictTiles bool `yaml:"strict_tiles"`

	// MaxPixels limits width*height of both the decoded input and the
	// upscaled output. Zero disables the limit.
	MaxPixels int64 `yaml:"max_pixels" validate:"gte=0"`

	Device            string `yaml:"device" validate:"oneof=gpu cpu"`
	DeviceMemoryLimit int64  `yaml:"device_memory_limit" validate:"gte=0"`

	ModelsDir string `yaml:"models_dir,omitempty"`
	OutputDir string `yaml:"output_dir" validate:"required"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		AppName:      DefaultAppName,
		DefaultModel: "realesrgan-x4plus",
		Models: map[string]ModelSpec{
			"realesrgan-x4plus": {
				Name:  "RealESRGAN x4plus",
				Scale: 4,
				Arch:  ArchBlockResidual23,
				URL:   "https://github.com/xinntao/Real-ESRGAN/releases/download/v0.1.0/RealESRGAN_x4plus.pth",
			},
			"realesrgan-x4plus-anime": {
				Name:  "RealESRGAN x4plus Anime",
				Scale: 4,
				Arch:  ArchBlockResidual6,
				URL:   "https://github.com/xinntao/Real-ESRGAN/releases/download/v0.2.2.4/RealESRGAN_x4plus_anime_6B.pth",
			},
			"realesrgan-x2plus": {
				Name:  "RealESRGAN x2plus",
				Scale: 2,
				Arch:  ArchBlockResidual23,
				URL:   "https://github.com/xinntao/Real-ESRGAN/releases/download/v0.2.1/RealESRGAN_x2plus.pth",
			},
			"swinir-large": {
				Name:  "SwinIR Large",
				Scale: 4,
				Arch:  ArchWindowTransformer,
				URL:   "https://github.com/JingyunLiang/SwinIR/releases/download/v0.0/003_realSR_BSRGAN_DFOWMFC_s64w8_SwinIR-L_x4_GAN.pth",
			},
		},
		TileSize:    DefaultTileSize,
		TilePadding: DefaultTilePadding,
		MaxPixels:   DefaultMaxPixels,
		Device:      DeviceGPU,
		OutputDir:   "output",
	}
}

var validate = validator.New()

// Validate checks field ranges and that the default model is configured.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, ok := c.Models[c.DefaultModel]; !ok {
		return fmt.Errorf("%w: default_model %q is not in models", ErrInvalidConfig, c.DefaultModel)
	}
	return nil
}

// LoadConfig reads a YAML configuration file. A missing file yields
// DefaultConfig. Keys absent from the file keep their defaults, except
// models: a models table in the file replaces the built-in one.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	defer f.Close()
	if err := cfg.decode(f); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	defaults := c.Models
	c.Models = nil
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if c.Models == nil {
		c.Models = defaults
	}
	return nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	return atomicWriteFile(path, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	})
}

// ResolvedModelsDir returns the weight directory after applying the
// environment override and the platform default.
func (c *Config) ResolvedModelsDir() (string, error) {
	return resolveModelsDir(c.AppName, c.ModelsDir)
}

// Descriptors converts the model table into descriptors sorted by id.
func (c *Config) Descriptors() ([]ModelDescriptor, error) {
	dir, err := c.ResolvedModelsDir()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	out := make([]ModelDescriptor, 0, len(c.Models))
	for id, spec := range c.Models {
		name := spec.Name
		if name == "" {
			name = id
		}
		out = append(out, ModelDescriptor{
			ID:         id,
			Name:       name,
			Kind:       spec.Arch,
			Scale:      spec.Scale,
			URL:        spec.URL,
			WeightPath: weightPath(dir, id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// tileOptions returns the tiling parameters of the configuration.
func (c *Config) tileOptions() TileOptions {
	return TileOptions{Size: c.TileSize, Padding: c.TilePadding, Retries: c.TileRetries}
}
