package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"astrostack/internal/config"
	"astrostack/internal/imaging"
	"astrostack/internal/pipeline"
	"astrostack/internal/stacking"
	"astrostack/internal/storage"
	"astrostack/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).Command()
}

// Command builds the command tree bound to r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "astrostack",
		Short: "Astrostack registers and stacks astronomical frames",
		Long: `Astrostack aligns a series of FITS or TIFF light frames against a reference,
averages them into a single low-noise image and optionally demosaics raw
Bayer data into color.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStackCmd(r))
	rootCmd.AddCommand(newRegisterCmd(r))
	rootCmd.AddCommand(newPreviewCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newJobsCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

// Run executes args against a fresh command tree.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// frameInput maps positional arguments to a job input. A single directory
// is listed by the pipeline, anything else is an explicit frame list.
func frameInput(args []string, opts map[string]any) string {
	if len(args) == 1 {
		if info, err := os.Stat(args[0]); err == nil && info.IsDir() {
			return args[0]
		}
	}
	opts["frames"] = append([]string(nil), args...)
	return filepath.Dir(args[0])
}

// stackFlags are shared by the stack, register and watch commands.
type stackFlags struct {
	reference     int
	recursive     bool
	debayer       bool
	pattern       string
	onFailure     string
	workers       int
	minShift      int
	applyRotation bool
}

func (f *stackFlags) register(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().IntVarP(&f.reference, "reference", "r", cfg.Stacking.Reference, "index of the reference frame")
	cmd.Flags().BoolVar(&f.recursive, "recursive", false, "descend into subdirectories when listing frames")
	cmd.Flags().BoolVar(&f.debayer, "debayer", cfg.Stacking.Debayer, "demosaic the stacked Bayer mosaic into RGB")
	cmd.Flags().StringVar(&f.pattern, "pattern", cfg.Stacking.Pattern, "Bayer pattern (RGGB|BGGR|GRBG|GBRG)")
	cmd.Flags().StringVar(&f.onFailure, "on-failure", cfg.Stacking.OnFailure, "registration failure policy (abort|skip)")
	cmd.Flags().IntVarP(&f.workers, "workers", "j", cfg.Stacking.Workers, "frames loaded and registered concurrently")
	cmd.Flags().IntVar(&f.minShift, "min-shift", cfg.Registration.MinShift, "smallest translation in pixels that is applied")
	cmd.Flags().BoolVar(&f.applyRotation, "rotate", cfg.Registration.ApplyRotation, "apply estimated rotations in 90 degree steps")
}

// options copies only the flags the user set, leaving the rest to config.
func (f *stackFlags) options(cmd *cobra.Command) (map[string]any, error) {
	if _, err := imaging.ParseBayerPattern(f.pattern); err != nil {
		return nil, err
	}
	if _, err := stacking.ParseFailurePolicy(f.onFailure); err != nil {
		return nil, err
	}
	opts := map[string]any{"source": "cli"}
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			opts[key] = v
		}
	}
	set("reference", "reference", f.reference)
	set("recursive", "recursive", f.recursive)
	set("debayer", "debayer", f.debayer)
	set("pattern", "pattern", f.pattern)
	set("on-failure", "onFailure", f.onFailure)
	set("workers", "workers", f.workers)
	set("min-shift", "minShift", f.minShift)
	set("rotate", "applyRotation", f.applyRotation)
	return opts, nil
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		flags     stackFlags
		output    string
		depth     int
		format    string
		histogram bool
	)

	cmd := &cobra.Command{
		Use:   "stack <directory | frames...>",
		Short: "Register and average a series of light frames",
		Long: `Register every frame against the reference and average the aligned frames.

Examples:
  # Stack a night's lights, demosaicing a colour camera's RGGB mosaic
  astrostack stack /data/m42/lights --debayer --pattern RGGB -o m42.tif

  # Skip frames that fail star matching instead of aborting
  astrostack stack a.fits b.fits c.fits --on-failure skip --format fits`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("depth") {
				opts["depth"] = depth
			}
			if cmd.Flags().Changed("format") {
				opts["format"] = format
			}
			if histogram {
				opts["histogram"] = true
			}

			job := pipeline.Job{
				ID:        newID("stack"),
				Type:      pipeline.JobStack,
				InputPath: frameInput(args, opts),
				Output:    output,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stacked %v of %v frames into %v\n", res.Meta["stacked"], res.Meta["frames"], res.Meta["output"])
			printMeta(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, extension selects the format")
	cmd.Flags().IntVar(&depth, "depth", root.cfg.Stacking.Depth, "output bit depth (8|16)")
	cmd.Flags().StringVar(&format, "format", root.cfg.Stacking.Format, "output format when --output has no extension (tiff|fits)")
	cmd.Flags().BoolVar(&histogram, "histogram", false, "also write a histogram plot of the result")

	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		flags  stackFlags
		report string
	)

	cmd := &cobra.Command{
		Use:   "register <directory | frames...>",
		Short: "Estimate frame alignments without stacking",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(cmd)
			if err != nil {
				return err
			}
			job := pipeline.Job{
				ID:        newID("reg"),
				Type:      pipeline.JobRegister,
				InputPath: frameInput(args, opts),
				Output:    report,
				Options:   opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %v frames against reference %v\n", res.Meta["frames"], res.Meta["reference"])
			printMeta(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVar(&report, "report", "", "write the alignment report as JSON to this file")

	return cmd
}

func newPreviewCmd(root *Root) *cobra.Command {
	var (
		debayer   bool
		pattern   string
		histogram bool
		bins      int
	)

	cmd := &cobra.Command{
		Use:   "preview <frame> [output]",
		Short: "Render a frame as a stretched 8-bit PNG",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := imaging.ParseBayerPattern(pattern); err != nil {
				return err
			}
			opts := map[string]any{"source": "cli"}
			if cmd.Flags().Changed("debayer") {
				opts["debayer"] = debayer
			}
			if cmd.Flags().Changed("pattern") {
				opts["pattern"] = pattern
			}
			if histogram {
				opts["histogram"] = true
				opts["bins"] = bins
			}

			job := pipeline.Job{
				ID:        newID("preview"),
				Type:      pipeline.JobPreview,
				InputPath: args[0],
				Options:   opts,
			}
			if len(args) > 1 {
				job.Output = args[1]
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preview written to %v\n", res.Meta["output"])
			return nil
		},
	}

	cmd.Flags().BoolVar(&debayer, "debayer", root.cfg.Stacking.Debayer, "demosaic the frame before rendering")
	cmd.Flags().StringVar(&pattern, "pattern", root.cfg.Stacking.Pattern, "Bayer pattern (RGGB|BGGR|GRBG|GBRG)")
	cmd.Flags().BoolVar(&histogram, "histogram", false, "also write a histogram plot")
	cmd.Flags().IntVar(&bins, "bins", 256, "histogram bins")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		flags     stackFlags
		output    string
		format    string
		debounce  time.Duration
		minFrames int
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Restack a directory whenever new frames arrive",
		Long: `Watch a capture directory and submit a stack job each time new frames
settle. The stack is rewritten in place so it always reflects every frame
captured so far.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("format") {
				opts["format"] = format
			}
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "live-"+filepath.Base(filepath.Clean(args[0])))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("watching for frames", "dir", args[0], "output", output, "debounce", debounce, "min_frames", minFrames)
			return root.watchFn(ctx, watch.Config{
				Dir:       args[0],
				Recursive: flags.recursive,
				Debounce:  debounce,
				MinFrames: minFrames,
				Output:    output,
				Format:    format,
				Options:   opts,
				NewID:     func() string { return newID("live") },
			}, root.pipeline, root.log)
		},
	}

	flags.register(cmd, root.cfg)
	cmd.Flags().StringVarP(&output, "output", "o", "", "stack output file, extension selects the format")
	cmd.Flags().StringVar(&format, "format", root.cfg.Stacking.Format, "output format when --output has no extension (tiff|fits)")
	cmd.Flags().DurationVar(&debounce, "debounce", root.cfg.Watch.DebounceDuration(), "quiet period before restacking")
	cmd.Flags().IntVar(&minFrames, "min-frames", root.cfg.Watch.MinFrames, "frames required before the first stack")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP job API",
		Long: `Start an HTTP server that accepts stack, register and preview jobs and
streams their progress over server-sent events and websockets. A gRPC
health endpoint is started alongside when --grpc-addr is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(ctx, config.Server{Addr: addr, GRPCAddr: grpcAddr}, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health listen address, empty disables it")

	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs recorded")
				return nil
			}
			for _, j := range jobs {
				fmt.Fprintf(out, "%-48s %-9s %-10s %s\n", j.ID, j.JobType, j.Status, j.InputPath)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job with its frame registrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := root.store.Job(args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			meta, err := root.store.JobMeta(args[0])
			if err != nil {
				return err
			}
			regs, err := root.store.Registrations(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s (%s) %s\n", job.ID, job.JobType, job.Status)
			fmt.Fprintf(out, "  input:     %s\n", job.InputPath)
			if job.Error != "" {
				fmt.Fprintf(out, "  error:     %s\n", job.Error)
			}
			printMeta(out, meta)
			for _, reg := range regs {
				state := "aligned"
				if reg.Skipped {
					state = "skipped: " + reg.Error
				}
				fmt.Fprintf(out, "  #%-3d dx=%-4d dy=%-4d rot=%-4.0f %s (%s)\n", reg.Index, reg.DX, reg.DY, reg.Rotation, filepath.Base(reg.Path), state)
			}
			return nil
		},
	}

	cmd.AddCommand(showCmd)
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or initialise the astrostack configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if asJSON {
				data, err = json.MarshalIndent(root.cfg, "", "  ")
				data = append(data, '\n')
			} else {
				data, err = yaml.Marshal(root.cfg)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON instead of YAML")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Path()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Astrostack %s\n", strings.TrimSpace(Version))
		},
	}
}
