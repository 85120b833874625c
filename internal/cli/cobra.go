package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"framepick/internal/export"
	"framepick/internal/features"
	"framepick/internal/grpcserver"
	"framepick/internal/personalize"
	"framepick/internal/pipeline"
	"framepick/internal/quality"
	"framepick/internal/selector"
	"framepick/internal/server"
	"framepick/internal/watcher"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "framepick",
		Short: "Framepick picks the best frame of a burst and learns your taste",
		Long: `Framepick scores every frame of a burst capture, applies the preferences it
has learned from your feedback and selects a single best frame.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSelectCmd(root))
	rootCmd.AddCommand(newFeedbackCmd(root))
	rootCmd.AddCommand(newProfileCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newPredictorCmd(root))
	rootCmd.AddCommand(newDepthMaskCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSelectCmd(root *Root) *cobra.Command {
	var (
		accept  bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "select <burst-dir>...",
		Short: "Rank the frames of one or more bursts and pick the best",
		Long: `Score every frame of each burst directory and print the ranking.

Examples:
  # Pick the best frame of one burst
  framepick select ~/DCIM/burst-0042

  # Pick from many bursts and teach the profile that each pick was right
  framepick select ~/DCIM/burst-* --accept`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := root.open(ctx)
			if err != nil {
				return err
			}

			results := make([]pipeline.Result, len(args))
			errs := make([]error, len(args))

			var bar *progressbar.ProgressBar
			if len(args) > 1 {
				bar = progressbar.NewOptions(len(args),
					progressbar.OptionSetDescription("Selecting"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
				)
			}

			sem := make(chan struct{}, max(1, root.cfg.Processing.Workers))
			var wg sync.WaitGroup
			for i, dir := range args {
				wg.Add(1)
				sem <- struct{}{}
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					results[i], errs[i] = app.Pipeline.SubmitAndWait(ctx, pipeline.NewJob(pipeline.JobSelect, dir))
					if bar != nil {
						_ = bar.Add(1)
					}
				}()
			}
			wg.Wait()
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}

			failed := 0
			for i, dir := range args {
				if errs[i] != nil {
					fmt.Fprintf(root.out, "%s: error: %v\n", dir, errs[i])
					failed++
					continue
				}
				if jsonOut {
					if err := root.printJSON(results[i].Selection); err != nil {
						return err
					}
				} else {
					root.printRanking(dir, results[i])
				}
				if accept {
					if err := root.feedback(ctx, app, dir, results[i].Selection.Selected, selector.Feedback{Signal: 1, Reason: "accepted"}); err != nil {
						return err
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bursts failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&accept, "accept", false, "record each pick as positive feedback")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full score breakdown as JSON")
	return cmd
}

func newFeedbackCmd(root *Root) *cobra.Command {
	var (
		signal float64
		reason string
		note   string
	)

	cmd := &cobra.Command{
		Use:   "feedback <burst-dir> <index>",
		Short: "Rate one frame of a burst (1 = keep, 0 = reject)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid frame index %q: %w", args[1], err)
			}
			if signal < 0 || signal > 1 {
				return fmt.Errorf("signal must be within [0,1], got %v", signal)
			}
			app, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			return root.feedback(cmd.Context(), app, args[0], index, selector.Feedback{Signal: signal, Reason: reason, Note: note})
		},
	}

	cmd.Flags().Float64Var(&signal, "signal", 1, "rating in [0,1]; 1 keeps the frame, 0 rejects it")
	cmd.Flags().StringVar(&reason, "reason", "", "short reason stored with the rated sample")
	cmd.Flags().StringVar(&note, "note", "", "free-form note, logged only")
	return cmd
}

func (r *Root) feedback(ctx context.Context, app *App, dir string, index int, fb selector.Feedback) error {
	job := pipeline.NewJob(pipeline.JobFeedback, dir)
	job.Index = index
	job.Feedback = &fb
	res, err := app.Pipeline.SubmitAndWait(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "recorded %.2f for frame %d of %s\n", fb.Signal, index, dir)
	if res.Profile != nil {
		r.printProfileLine(*res.Profile, app.Engine.LearningRate())
	}
	return nil
}

func newProfileCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or change the learned preference profile",
	}

	action := func(use, short string, fn func(*selector.Service) personalize.Profile) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := root.open(cmd.Context())
				if err != nil {
					return err
				}
				p := fn(app.Service)
				return root.printJSON(map[string]any{
					"profile":       p,
					"state":         p.State(),
					"learning_rate": app.Engine.LearningRate(),
				})
			},
		}
	}

	cmd.AddCommand(action("show", "Print the current profile", (*selector.Service).Profile))
	cmd.AddCommand(action("reset", "Forget everything learned", (*selector.Service).ResetProfile))
	cmd.AddCommand(action("enable", "Apply learned preferences when selecting", func(s *selector.Service) personalize.Profile {
		return s.SetPersonalization(true)
	}))
	cmd.AddCommand(action("disable", "Select on image quality alone (learning continues)", func(s *selector.Service) personalize.Profile {
		return s.SetPersonalization(false)
	}))
	return cmd
}

func newExportCmd(root *Root) *cobra.Command {
	var (
		format string
		out    string
		save   bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export rated samples as CSV or JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			app, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			if app.Store == nil {
				return fmt.Errorf("export needs a database; set paths.database_path")
			}
			samples, err := app.Store.Samples(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read samples: %w", err)
			}
			recs := make([]export.Record, len(samples))
			for i, s := range samples {
				recs[i] = s.Record
			}

			if save && out == "" {
				out = filepath.Join(root.cfg.Paths.ExportDir,
					fmt.Sprintf("samples-%s.%s", time.Now().UTC().Format("20060102-150405"), f))
			}
			if out == "" || out == "-" {
				return export.WriteAll(root.out, f, recs)
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			file, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := export.WriteAll(file, f, recs); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			root.log.Info("samples exported", "path", out, "records", len(recs), "format", f)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv|jsonl)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file; stdout when empty")
	cmd.Flags().BoolVar(&save, "save", false, "write into paths.export_dir with a timestamped name")
	cmd.Flags().IntVar(&limit, "limit", 0, "export at most this many samples (0 = all)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr         string
		inbox        string
		scanExisting bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server for selection, feedback and profile management.
Optionally watches an inbox directory for new bursts.

Examples:
  # Basic server
  framepick serve --addr :8080

  # Server that also picks up bursts dropped into an inbox
  framepick serve --addr :8080 --watch ~/framepick/inbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := root.open(ctx)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = root.cfg.Server.Addr
			}

			root.log.Info("starting server", "addr", addr, "watch", inbox)
			if inbox != "" {
				w, err := watcher.New(inbox, app.Pipeline, watcher.Options{ScanExisting: scanExisting, Logger: root.log})
				if err != nil {
					return err
				}
				go func() {
					if err := w.Run(ctx); err != nil {
						root.log.Error("inbox watcher stopped", "error", err)
					}
				}()
			}
			return server.New(addr, app.Service, app.Pipeline, app.Store, root.log).Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&inbox, "watch", "", "inbox directory to watch for new bursts")
	cmd.Flags().BoolVar(&scanExisting, "scan-existing", false, "also select bursts already in the inbox")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		minFrames    int
		quiet        time.Duration
		scanExisting bool
	)

	cmd := &cobra.Command{
		Use:   "watch [inbox]",
		Short: "Select every new burst that lands in an inbox directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inbox := root.cfg.Paths.InboxDir
			if len(args) == 1 {
				inbox = args[0]
			}
			app, err := root.open(ctx)
			if err != nil {
				return err
			}

			results, unsubscribe := app.Pipeline.Subscribe()
			defer unsubscribe()
			go func() {
				for res := range results {
					if res.Error != nil {
						fmt.Fprintf(root.out, "%s: error: %v\n", res.Job.Dir, res.Error)
						continue
					}
					if res.Job.Type == pipeline.JobSelect {
						root.printRanking(res.Job.Dir, res)
					}
				}
			}()

			w, err := watcher.New(inbox, app.Pipeline, watcher.Options{
				MinFrames:    minFrames,
				Quiet:        quiet,
				ScanExisting: scanExisting,
				Logger:       root.log,
			})
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&minFrames, "min-frames", 2, "images a directory needs before it counts as a burst")
	cmd.Flags().DurationVar(&quiet, "quiet", 500*time.Millisecond, "wait this long after the last write before selecting")
	cmd.Flags().BoolVar(&scanExisting, "scan-existing", false, "also select bursts already in the inbox")
	return cmd
}

func newPredictorCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predictor",
		Short: "Quality predictor service",
	}

	var addr, certFile, keyFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the heuristic quality model over gRPC",
		Long: `Serve the built-in heuristic quality model on the gRPC predictor interface.
Point scoring.predictor_addr of another instance at it, or replace it with a
learned model that speaks the same service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.GRPCAddr
			}
			scorer := quality.NewScorer(features.New(root.cfg.Features), nil, root.cfg.Scoring, root.log)
			srv := grpcserver.NewPredictorServer(scorer.HeuristicPredictor(), root.log)

			if certFile == "" {
				certFile, keyFile = root.cfg.Server.TLSCert, root.cfg.Server.TLSKey
			}
			var opts []grpc.ServerOption
			if certFile != "" || keyFile != "" {
				creds, err := grpcserver.ServerTLSOption(certFile, keyFile)
				if err != nil {
					return err
				}
				opts = append(opts, creds)
			}
			return grpcserver.Serve(cmd.Context(), addr, srv, root.log, opts...)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.grpc_addr)")
	serveCmd.Flags().StringVar(&certFile, "tls-cert", "", "TLS certificate (default server.tls_cert)")
	serveCmd.Flags().StringVar(&keyFile, "tls-key", "", "TLS key (default server.tls_key)")

	cmd.AddCommand(serveCmd)
	return cmd
}

func (r *Root) printRanking(dir string, res pipeline.Result) {
	sel := res.Selection
	if sel == nil {
		return
	}
	fmt.Fprintf(r.out, "%s  session=%s frames=%d scene=%s %dms\n",
		dir, res.Session, len(sel.Breakdown), sel.Hints.SceneType, sel.Duration.Milliseconds())

	ranked := make([]selector.Breakdown, len(sel.Breakdown))
	copy(ranked, sel.Breakdown)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Final > ranked[j].Final })

	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  \tINDEX\tFINAL\tBASE\tBIAS\tSOURCE\tFILE")
	for _, b := range ranked {
		mark := " "
		if b.Index == sel.Selected {
			mark = "*"
		}
		fmt.Fprintf(tw, "  %s\t%d\t%.4f\t%.4f\t%+.4f\t%s\t%s\n",
			mark, b.Index, b.Final, b.Baseline, b.Bias, b.Source, filepath.Base(b.Path))
	}
	_ = tw.Flush()
}

func (r *Root) printProfileLine(p personalize.Profile, lr float64) {
	fmt.Fprintf(r.out, "profile: state=%s ratings=%d enabled=%t learning_rate=%.4f\n",
		p.State(), p.TotalRatings, p.Enabled, lr)
}

func (r *Root) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
