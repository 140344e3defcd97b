package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"text/tabwriter"

	"fitsqa/internal/config"
	"fitsqa/internal/fsutil"
	"fitsqa/internal/pipeline"
	"fitsqa/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fitsqa",
		Short: "fitsqa checks the quality of astronomical FITS frames",
		Long: `fitsqa validates FITS headers, extracts sources from image data and decides
whether frames are in focus. Jobs run on a local worker pool and their results
are stored for the HTTP and gRPC APIs.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newHeaderCmd(root))
	rootCmd.AddCommand(newDetectCmd(root))
	rootCmd.AddCommand(newFocusCmd(root))
	rootCmd.AddCommand(newInspectCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// expandInputs replaces directories by the frames list returns for them.
func expandInputs(args []string, list func(string) ([]string, error)) ([]string, error) {
	var out []string
	for _, arg := range args {
		files, err := list(arg)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no frames in %s", arg)
		}
		out = append(out, files...)
	}
	return out, nil
}

func newHeaderCmd(root *Root) *cobra.Command {
	var (
		fields  []string
		types   map[string]string
		verbose bool
		strict  bool
	)

	cmd := &cobra.Command{
		Use:   "header <file|dir>...",
		Short: "Check that FITS headers carry the expected fields and types",
		Long: `Check every header for the expected fields and their value types. Fields and
types default to the qa section of the configuration.

Examples:
  fitsqa header /data/night1
  fitsqa header m42.fits --fields OBJECT,EXPTIME,FILTER --types EXPTIME=float,OBJECT=str`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandInputs(args, fsutil.ListFITS)
			if err != nil {
				return err
			}
			opts := map[string]any{"source": "cli", "verbose": verbose}
			if len(fields) > 0 {
				opts["fields"] = fields
			}
			if len(types) > 0 {
				opts["types"] = types
			}
			jobs := make([]pipeline.Job, len(files))
			for i, f := range files {
				jobs[i] = pipeline.Job{ID: newID("header"), Type: pipeline.JobHeader, InputPath: f, Options: opts}
			}
			results, err := root.enqueueAll(cmd.Context(), jobs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, res := range results {
				if res.Error != nil {
					failed++
					fmt.Fprintf(out, "%s: error: %v\n", res.Job.InputPath, res.Error)
					continue
				}
				if valid, _ := res.Meta["valid"].(bool); valid {
					fmt.Fprintf(out, "%s: header OK\n", res.Job.InputPath)
					continue
				}
				failed++
				fmt.Fprintf(out, "%s: header INVALID\n", res.Job.InputPath)
				fmt.Fprintf(out, "  missing:   %s\n", joinOrDash(metaStrings(res.Meta, "missing")))
				fmt.Fprintf(out, "  incorrect: %s\n", joinOrDash(metaStrings(res.Meta, "incorrect")))
			}
			if strict && failed > 0 {
				return fmt.Errorf("%w: %d of %d headers", ErrCheckFailed, failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&fields, "fields", nil, "expected header fields (default from config)")
	cmd.Flags().StringToStringVar(&types, "types", nil, "expected field types as KEY=TYPE (str|int|float|bool|complex)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every missing or mistyped field")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error when any header is invalid")
	return cmd
}

func newDetectCmd(root *Root) *cobra.Command {
	var (
		output    string
		settings  string
		thresh    float64
		zpt       float64
		noPreview bool
	)

	cmd := &cobra.Command{
		Use:   "detect <file> [output_dir]",
		Short: "Extract sources and write catalog, segmentation map and preview",
		Long: `Run source extraction on one frame. With an output directory the catalog is
written as a FITS table and CSV, next to the segmentation map and a PNG preview.

Examples:
  fitsqa detect m42.fits
  fitsqa detect m42.fits /tmp/products --config detection.yaml --zpt 25.1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				output = args[1]
			}
			opts := map[string]any{"source": "cli", "preview": !noPreview}
			if settings != "" {
				opts["settings"] = settings
			}
			if thresh > 0 {
				opts["thresh"] = thresh
			}
			if cmd.Flags().Changed("zpt") {
				opts["zpt"] = zpt
			}
			job := pipeline.Job{ID: newID("detect"), Type: pipeline.JobDetect, InputPath: args[0], Output: output, Options: opts}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			n, _ := metaFloat(res.Meta, "n_sources")
			back, _ := metaFloat(res.Meta, "global_back")
			rms, _ := metaFloat(res.Meta, "global_rms")
			fmt.Fprintf(out, "%s: %d sources detected (background %.3g, rms %.3g)\n", args[0], int(n), back, rms)
			if fwhm, ok := metaFloat(res.Meta, "median_fwhm"); ok && n > 0 {
				fmt.Fprintf(out, "  median FWHM: %.2f px\n", fwhm)
			}
			for _, key := range []string{"catalog", "csv", "segmap", "preview"} {
				if p, ok := res.Meta[key].(string); ok {
					fmt.Fprintf(out, "  %-8s %s\n", key+":", p)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for catalog, segmentation map and preview")
	cmd.Flags().StringVar(&settings, "config", "", "detection settings file (YAML or JSON)")
	cmd.Flags().Float64Var(&thresh, "thresh", 0, "detection threshold in background sigma (default from config)")
	cmd.Flags().Float64Var(&zpt, "zpt", 0, "photometric zero point (default: header ZP or ZPMAG)")
	cmd.Flags().BoolVar(&noPreview, "no-preview", false, "skip the PNG preview")
	return cmd
}

func newFocusCmd(root *Root) *cobra.Command {
	var (
		maxFWHM  float64
		settings string
		strict   bool
	)

	cmd := &cobra.Command{
		Use:   "focus <file|dir>...",
		Short: "Decide whether frames are in focus from their median source FWHM",
		Long: `Detect sources in every frame and compare the median FWHM with --max-fwhm.
Directories are searched for FITS frames and TIFF, PNG or JPEG exports.

Examples:
  fitsqa focus /data/night1 --max-fwhm 3.2
  fitsqa focus a.fits b.fits --strict`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandInputs(args, fsutil.ListImages)
			if err != nil {
				return err
			}
			if maxFWHM <= 0 {
				maxFWHM = root.cfg.QA.MaxFWHM
			}
			opts := map[string]any{"source": "cli", "maxFWHM": maxFWHM}
			if settings != "" {
				opts["settings"] = settings
			}
			jobs := make([]pipeline.Job, len(files))
			for i, f := range files {
				jobs[i] = pipeline.Job{ID: newID("focus"), Type: pipeline.JobFocus, InputPath: f, Options: opts}
			}
			results, err := root.enqueueAll(cmd.Context(), jobs)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tMEDIAN FWHM\tSOURCES\tIN FOCUS")
			bad := 0
			for _, res := range results {
				name := res.Job.InputPath
				if res.Error != nil {
					bad++
					fmt.Fprintf(tw, "%s\t-\t-\terror: %v\n", name, res.Error)
					continue
				}
				median, _ := metaFloat(res.Meta, "median_fwhm")
				n, _ := metaFloat(res.Meta, "n_sources")
				inFocus, _ := res.Meta["in_focus"].(bool)
				if !inFocus {
					bad++
				}
				fmt.Fprintf(tw, "%s\t%.2f\t%d\t%s\n", name, median, int(n), yesNo(inFocus))
			}
			tw.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d frames in focus (max FWHM %.2f px)\n", len(results)-bad, len(results), maxFWHM)
			if strict && bad > 0 {
				return fmt.Errorf("%w: %d frames out of focus or unreadable", ErrCheckFailed, bad)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&maxFWHM, "max-fwhm", 0, "largest acceptable median FWHM in pixels (default from config)")
	cmd.Flags().StringVar(&settings, "config", "", "detection settings file (YAML or JSON)")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error when any frame is out of focus")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newInspectCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Check that files are readable, non-empty FITS images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := make([]pipeline.Job, len(args))
			for i, f := range args {
				jobs[i] = pipeline.Job{ID: newID("inspect"), Type: pipeline.JobInspect, InputPath: f, Options: map[string]any{"source": "cli"}}
			}
			results, err := root.enqueueAll(cmd.Context(), jobs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			bad := 0
			for _, res := range results {
				if res.Error != nil {
					bad++
					fmt.Fprintf(out, "%s: %v\n", res.Job.InputPath, res.Error)
					continue
				}
				w, _ := metaFloat(res.Meta, "width")
				h, _ := metaFloat(res.Meta, "height")
				hdus, _ := metaFloat(res.Meta, "hdus")
				fmt.Fprintf(out, "%s: ok, %v, %d HDUs, %dx%d, BITPIX %v\n",
					res.Job.InputPath, res.Meta["size"], int(hdus), int(w), int(h), res.Meta["bitpix"])
			}
			if bad > 0 {
				return fmt.Errorf("%w: %d of %d files unreadable", ErrCheckFailed, bad, len(results))
			}
			return nil
		},
	}
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <dir>",
		Short: "List FITS frames under a directory grouped by folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{ID: newID("scan"), Type: pipeline.JobScan, InputPath: args[0], Options: map[string]any{"source": "cli"}}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DIRECTORY\tFRAMES\tSIZE")
			if dirs, ok := res.Meta["dirs"].([]map[string]any); ok {
				for _, d := range dirs {
					rel, err := filepath.Rel(args[0], fmt.Sprint(d["path"]))
					if err != nil {
						rel = fmt.Sprint(d["path"])
					}
					fmt.Fprintf(tw, "%s\t%v\t%v\n", rel, d["count"], d["size"])
				}
			}
			tw.Flush()
			fmt.Fprintf(out, "%v frames, %v\n", res.Meta["images"], res.Meta["size"])
			return nil
		},
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUT\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath, humanize.Time(rec.CreatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the gRPC service and optional directory watching",
		Long: `Start an HTTP server exposing jobs, focus results and a live result stream,
and the fitsqa.v1.QualityService gRPC service. Watched directories get a focus
job for every new FITS frame.

Examples:
  fitsqa serve --addr :8080 --grpc-addr :9090
  fitsqa serve --watch /data/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.WatchPaths) == 0 {
				opts.WatchPaths = root.cfg.Server.WatchPaths
			}
			root.log.Info("starting server",
				"addr", opts.HTTPAddr,
				"grpc_addr", opts.GRPCAddr,
				"watch_paths", opts.WatchPaths,
			)
			return root.serveFn(cmd.Context(), opts, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address (empty disables gRPC)")
	cmd.Flags().StringSliceVar(&opts.WatchPaths, "watch", nil, "directories to watch for new frames")
	return cmd
}

func writeSection(w io.Writer, title string, rows [][2]string) {
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, r := range rows {
		fmt.Fprintf(w, "  %-16s %s\n", r[0]+":", r[1])
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the fitsqa configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			out := cmd.OutOrStdout()
			cfgPath := os.Getenv("FITSQA_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/fitsqa/config.json"
			}
			fmt.Fprintf(out, "Config file: %s\n", cfgPath)
			writeSection(out, "Processing", [][2]string{
				{"Parallel jobs", fmt.Sprint(cfg.Processing.ParallelJobs)},
				{"Queue size", fmt.Sprint(cfg.Processing.QueueSize)},
				{"Temp directory", cfg.Processing.TempDir},
			})
			writeSection(out, "Storage", [][2]string{
				{"Driver", cfg.Storage.Driver},
				{"Database", cfg.Paths.DatabasePath},
				{"Default output", cfg.Paths.DefaultOutput},
			})
			writeSection(out, "Logging", [][2]string{
				{"Level", cfg.Logging.Level},
				{"Format", cfg.Logging.Format},
				{"Directory", cfg.Logging.LogDir},
			})
			writeSection(out, "QA", [][2]string{
				{"Expected fields", joinOrDash(cfg.QA.ExpectedFields)},
				{"Expected types", fmt.Sprint(cfg.QA.ExpectedTypes)},
				{"Max FWHM", fmt.Sprintf("%.2f px", cfg.QA.MaxFWHM)},
			})
			writeSection(out, "Server", [][2]string{
				{"HTTP", cfg.Server.HTTPAddr},
				{"gRPC", cfg.Server.GRPCAddr},
				{"Watch", joinOrDash(cfg.Server.WatchPaths)},
			})
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

// Version is set at build time with -ldflags "-X fitsqa/internal/cli.Version=...".
var Version = "dev"

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("fitsqa %s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
