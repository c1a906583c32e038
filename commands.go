package upscale

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// cli holds state shared by the command tree.
type cli struct {
	opts []Option

	configPath string
	jsonOutput bool
	quiet      bool
	verbose    bool
	logFormat  string

	device      string
	tileSize    int
	tilePadding int
	modelsDir   string

	cfg    *Config
	logger *slog.Logger
	up     *Upscaler
}

// NewCommand creates the xprim-upscale command tree. opts are passed to
// the Upscaler built for each command.
//
// Commands provided:
//   - run <image> [-o output] [-m model]
//   - batch <image>... [-o dir] [-m model]
//   - models list | pull <id> | path <id> | remove <id>
//   - serve [--addr :8080]
//   - watch <dir> [-o dir] [-m model]
//   - config init | show
//
// Global flags: --config, --json, --quiet, --verbose, --log-format,
// --device, --tile-size, --tile-padding, --models-dir
func NewCommand(opts ...Option) *cobra.Command {
	c := &cli{opts: opts}

	cmd := &cobra.Command{
		Use:   "xprim-upscale",
		Short: "Upscale images with super-resolution models",
		Long: "Upscale images tile by tile with a super-resolution model. Model weights are " +
			"downloaded on first use.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help and for commands that only touch the config file
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Annotations["config"] == "file" {
				return nil
			}
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.up == nil {
				return nil
			}
			return c.up.Close()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	})

	pf := cmd.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "Config file (default: user config dir)")
	pf.BoolVar(&c.jsonOutput, "json", false, "Output in JSON format")
	pf.BoolVarP(&c.quiet, "quiet", "q", false, "Suppress non-essential output")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "Verbose output")
	pf.StringVar(&c.logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&c.device, "device", "", "Compute device: gpu or cpu")
	pf.IntVar(&c.tileSize, "tile-size", 0, "Tile edge length in pixels")
	pf.IntVar(&c.tilePadding, "tile-padding", 0, "Context padding around each tile")
	pf.StringVar(&c.modelsDir, "models-dir", "", "Directory for model weights")

	cmd.AddCommand(c.runCmd())
	cmd.AddCommand(c.batchCmd())
	cmd.AddCommand(c.modelsCmd())
	cmd.AddCommand(c.serveCmd())
	cmd.AddCommand(c.watchCmd())
	cmd.AddCommand(c.configCmd())

	return cmd
}

// usageArgs marks positional argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", ErrUsage, err)
		}
		return nil
	}
}

// defaultConfigPath returns <user config dir>/xprim-upscale/config.yaml.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, DefaultAppName, "config.yaml")
}

func (c *cli) resolvedConfigPath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return defaultConfigPath()
}

// loadConfig reads the config file and applies flag overrides.
func (c *cli) loadConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := LoadConfig(c.resolvedConfigPath())
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Device = strings.ToLower(c.device)
	}
	if flags.Changed("tile-size") {
		cfg.TileSize = c.tileSize
	}
	if flags.Changed("tile-padding") {
		cfg.TilePadding = c.tilePadding
	}
	if flags.Changed("models-dir") {
		cfg.ModelsDir = c.modelsDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) newLogger(w io.Writer) (*slog.Logger, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch c.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("%w: --log-format must be text or json, got %q", ErrUsage, c.logFormat)
	}
}

func (c *cli) setup(cmd *cobra.Command) error {
	logger, err := c.newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	up, err := New(cfg, append([]Option{WithLogger(logger)}, c.opts...)...)
	if err != nil {
		return fmt.Errorf("failed to initialize upscaler: %w", err)
	}
	c.cfg, c.logger, c.up = cfg, logger, up
	return nil
}

// showProgress reports whether progress bars should be drawn on w.
func (c *cli) showProgress(w io.Writer) bool {
	if c.quiet || c.jsonOutput {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// progressBar draws a percentage bar on w, or nothing when disabled.
type progressBar struct {
	mu      sync.Mutex
	w       io.Writer
	label   string
	start   time.Time
	enabled bool
	drawn   bool
}

func (c *cli) newProgressBar(cmd *cobra.Command, label string) *progressBar {
	w := cmd.ErrOrStderr()
	return &progressBar{w: w, label: label, start: time.Now(), enabled: c.showProgress(w)}
}

func (p *progressBar) update(pct int) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.drawn {
		fmt.Fprint(p.w, "\x1b[?25l") // hide cursor
		p.drawn = true
	}
	renderProgress(p.w, p.label, pct, p.start)
}

func (p *progressBar) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprint(p.w, "\x1b[?25h\n") // show cursor and new line
		p.drawn = false
	}
}

func (c *cli) runCmd() *cobra.Command {
	var output, model string

	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Upscale one image",
		Long:  "Upscale one image. The output defaults to <output_dir>/<name>_upscaled<ext>.",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			bar := c.newProgressBar(cmd, "Upscaling")
			res, err := c.up.UpscaleFile(cmd.Context(), args[0], output, model, bar.update)
			bar.finish()
			if err != nil {
				return err
			}
			return c.printResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model id (default from config)")
	return cmd
}

func (c *cli) printResult(w io.Writer, res *Result) error {
	if c.jsonOutput {
		return writeJSON(w, res)
	}
	if c.quiet {
		return nil
	}
	fmt.Fprintf(w, "Saved %s (%dx%d, x%d, %s)\n",
		res.Output, res.Width, res.Height, res.Scale, formatDuration(res.Elapsed))
	if n := len(res.Degraded); n > 0 {
		fmt.Fprintf(w, "Warning: %d of %d tiles failed and were left blank: %s\n",
			n, res.Tiles, formatRects(res.Degraded))
	}
	return nil
}

func (c *cli) batchCmd() *cobra.Command {
	var outputDir, model string

	cmd := &cobra.Command{
		Use:   "batch <image>...",
		Short: "Upscale several images",
		Long:  "Upscale several images with one model. A failing image does not stop the batch.",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			bar := c.newProgressBar(cmd, "Batch")
			batch, err := c.up.UpscaleBatch(cmd.Context(), args, outputDir, model, func(pct, cur, total int) {
				bar.label = fmt.Sprintf("Batch %d/%d", min(cur+1, total), total)
				bar.update(pct)
			})
			bar.finish()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if c.jsonOutput {
				type failure struct {
					Input string `json:"input"`
					Error string `json:"error"`
				}
				summary := struct {
					Results  []*Result `json:"results"`
					Failures []failure `json:"failures"`
				}{Results: batch.Results, Failures: []failure{}}
				for _, f := range batch.Failures {
					summary.Failures = append(summary.Failures, failure{f.Input, f.Err.Error()})
				}
				if err := writeJSON(out, summary); err != nil {
					return err
				}
			} else if !c.quiet {
				for _, r := range batch.Results {
					fmt.Fprintf(out, "Saved %s\n", r.Output)
				}
				for _, f := range batch.Failures {
					fmt.Fprintf(out, "Failed %s: %v\n", f.Input, f.Err)
				}
				fmt.Fprintf(out, "%d of %d images upscaled\n", len(batch.Results), len(args))
			}

			if len(batch.Failures) > 0 {
				return fmt.Errorf("%d of %d images failed: %w", len(batch.Failures), len(args), batch.Err())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Output directory (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model id (default from config)")
	return cmd
}

func (c *cli) modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage model weights",
	}
	cmd.AddCommand(c.modelsListCmd())
	cmd.AddCommand(c.modelsPullCmd())
	cmd.AddCommand(c.modelsPathCmd())
	cmd.AddCommand(c.modelsRemoveCmd())
	return cmd
}

// modelStatus describes a model's local state for listings.
func modelStatus(d ModelDescriptor) string {
	switch {
	case d.URL == "":
		return "built-in"
	case fileExists(d.WeightPath):
		return "downloaded"
	default:
		return "not downloaded"
	}
}

func (c *cli) modelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured models",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return outputModels(cmd.OutOrStdout(), c.up.Models(), c.cfg.DefaultModel, c.jsonOutput)
		},
	}
}

func outputModels(w io.Writer, models []ModelDescriptor, defaultModel string, asJSON bool) error {
	if asJSON {
		type entry struct {
			ModelDescriptor
			Status  string `json:"status"`
			Default bool   `json:"default"`
		}
		out := make([]entry, 0, len(models))
		for _, d := range models {
			out = append(out, entry{d, modelStatus(d), d.ID == defaultModel})
		}
		return writeJSON(w, out)
	}

	if len(models) == 0 {
		fmt.Fprintln(w, "No models configured")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tNAME\tARCH\tSCALE\tSTATUS")
	for _, d := range models {
		id := d.ID
		if id == defaultModel {
			id += " *"
		}
		status := modelStatus(d)
		if status == "downloaded" {
			if info, err := os.Stat(d.WeightPath); err == nil {
				status += " (" + formatSize(info.Size()) + ")"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\tx%d\t%s\n", id, d.Name, d.Kind, d.Scale, status)
	}
	return tw.Flush()
}

// pullResult is the JSON output of models pull and POST /v1/models/:id/pull.
type pullResult struct {
	Model   string `json:"model"`
	Path    string `json:"path,omitempty"`
	Builtin bool   `json:"builtin,omitempty"`
}

func (c *cli) modelsPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <model>",
		Short: "Download model weights",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			bar := c.newProgressBar(cmd, "Downloading")
			path, err := c.up.Download(cmd.Context(), id, func(_ string, pct int) { bar.update(pct) })
			bar.finish()
			builtin := errors.Is(err, ErrNoWeights)
			if err != nil && !builtin {
				return err
			}

			if c.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), pullResult{Model: id, Path: path, Builtin: builtin})
			}
			if !c.quiet {
				if builtin {
					fmt.Fprintf(cmd.OutOrStdout(), "Model %s is built in and has no weights to download\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s\n", id, path)
				}
			}
			return nil
		},
	}
}

func (c *cli) modelsPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <model>",
		Short: "Print the weight file path of a model",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.up.Manager().Descriptor(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.WeightPath)
			return nil
		},
	}
}

func (c *cli) modelsRemoveCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <model>",
		Short: "Delete downloaded model weights",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := c.up.Manager().Descriptor(id); err != nil {
				return err
			}

			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Remove weights for %s? [y/N]: ", id)
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			if err := c.up.Remove(id); err != nil {
				return err
			}
			if !c.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var (
		addr  string
		trace TraceConfig
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upscaling HTTP API",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			trace.Writer = cmd.ErrOrStderr()
			shutdown, err := InitTracing(ctx, trace)
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					c.logger.Warn("flushing traces failed", "error", err)
				}
			}()

			return NewServer(c.up, c.logger).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&trace.Exporter, "trace", TraceNone, "Span exporter: none, stdout or otlp")
	cmd.Flags().StringVar(&trace.Endpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (default $OTEL_EXPORTER_OTLP_ENDPOINT or "+DefaultOTLPEndpoint+")")
	cmd.Flags().BoolVar(&trace.Insecure, "otlp-insecure", false, "Connect to the OTLP endpoint without TLS")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	var (
		outputDir string
		model     string
		settle    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Upscale images dropped into a folder",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			w, err := NewWatcher(c.up, WatchConfig{
				Dir:       args[0],
				OutputDir: outputDir,
				Model:     model,
				Settle:    settle,
				OnResult: func(input string, res *Result, err error) {
					switch {
					case err != nil:
						fmt.Fprintf(out, "Failed %s: %v\n", input, err)
					case c.jsonOutput:
						writeJSON(out, res)
					case !c.quiet:
						fmt.Fprintf(out, "Saved %s\n", res.Output)
					}
				},
			}, c.logger)
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if !c.quiet && !c.jsonOutput {
				fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)\n", args[0])
			}
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Output directory (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model id (default from config)")
	cmd.Flags().DurationVar(&settle, "settle", DefaultSettle, "Quiet period before a new file is processed")
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration",
		Args:        usageArgs(cobra.NoArgs),
		Annotations: map[string]string{"config": "file"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.resolvedConfigPath()
			if fileExists(path) && !force {
				return fmt.Errorf("%w: %s already exists (use --force to overwrite)", ErrUsage, path)
			}
			if err := DefaultConfig().Save(path); err != nil {
				return fmt.Errorf("%w: writing %s: %w", ErrInvalidConfig, path, err)
			}
			if !c.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			}
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration",
		Args:        usageArgs(cobra.NoArgs),
		Annotations: map[string]string{"config": "file"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

// confirmPrompt reads from stdin and returns true only if the user types 'y' or 'Y'.
// Returns false for empty input or any other response (default is no).
func confirmPrompt(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		response := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return response == "y" || response == "yes"
	}
	return false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ExitCode maps an error returned by the command tree to a process exit
// code: 0 success, 1 general, 2 usage or configuration, 3 model, 4 image,
// 5 network.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUsage), errors.Is(err, ErrInvalidConfig):
		return 2
	case errors.Is(err, ErrNetwork):
		return 5
	case errors.Is(err, ErrModel):
		return 3
	case errors.Is(err, ErrImageProcessing):
		return 4
	default:
		return 1
	}
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// renderProgress renders a progress bar to the writer.
// Format: Upscaling [============>                 ] 45% (elapsed: 30s, remaining: 37s)
// The remaining time assumes progress continues at the average rate so far.
func renderProgress(w io.Writer, label string, pct int, start time.Time) {
	pct = min(max(pct, 0), 100)
	elapsed := time.Since(start)

	var remaining time.Duration
	if pct > 0 && pct < 100 {
		remaining = time.Duration(float64(elapsed) * float64(100-pct) / float64(pct))
	}

	const barWidth = 30
	filled := pct * barWidth / 100

	var bar string
	if filled >= barWidth {
		bar = strings.Repeat("=", barWidth)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled) + ">" + strings.Repeat(" ", barWidth-filled-1)
	} else {
		bar = ">" + strings.Repeat(" ", barWidth-1)
	}

	// \r overwrites the line, \x1b[K clears to its end
	fmt.Fprintf(w, "\r\x1b[K%s [%s] %d%% (elapsed: %s, remaining: %s)",
		label, bar, pct, formatDuration(elapsed), formatDuration(remaining))
}

// formatDuration formats a duration as human-readable text (e.g., "5s", "2m 30s", "1h 5m").
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)

	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	if mins > 0 {
		if secs > 0 {
			return fmt.Sprintf("%dm %ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", secs)
}
