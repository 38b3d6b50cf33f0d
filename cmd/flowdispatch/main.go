package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/flowdispatch/pkg/api"
	"github.com/zen-systems/flowdispatch/pkg/config"
	"github.com/zen-systems/flowdispatch/pkg/dispatch"
)

var (
	configFile string
	levelFlag  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowdispatch",
		Short: "Adaptive task dispatch across executors with quality validation",
		Long: `Flowdispatch routes each task to the executor most likely to answer it well,
	validates the answer, retries on other executors when quality is too low,
	and learns from every attempt.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.flowdispatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "override log level")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(executorsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateConfigCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Dispatch a task and print the answer",
		Long: `Selects an executor for the task, validates its answer and retries until
	the answer meets the quality threshold or attempts run out.

	The answer goes to stdout and the run summary to stderr. With --json the
	full result, including every attempt, is printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.ctrl.Run(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonFlag {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
				printSummary(cmd.ErrOrStderr(), res)
			}
			if !res.Success {
				return fmt.Errorf("dispatch failed: %s", res.ErrorKind)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the full result as JSON")
	return cmd
}

func recommendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend [task]",
		Short: "Show which executor would be chosen, without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.ctrl.Recommend(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "EXECUTOR\t%s\n", rec.ExecutorID)
			fmt.Fprintf(w, "METHOD\t%s\n", rec.Method)
			fmt.Fprintf(w, "CONFIDENCE\t%.2f\n", rec.Confidence)
			fmt.Fprintf(w, "REASONING\t%s\n", rec.Reasoning)
			for _, alt := range rec.Alternatives {
				fmt.Fprintf(w, "  %s\t%.3f\n", alt.ExecutorID, alt.Score)
			}
			return w.Flush()
		},
	}
}

func statsCmd() *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize dispatch history per executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.ctrl.GetHistoryStats()
			if jsonFlag {
				return printJSON(cmd.OutOrStdout(), stats)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "records: %d  success rate: %.1f%%  degraded: %v\n\n",
				stats.TotalRecords, stats.SuccessRate*100, stats.Degraded)

			ids := make([]string, 0, len(stats.PerExecutor))
			for id := range stats.PerExecutor {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTOR\tATTEMPTS\tSUCCESS\tAVG QUALITY\tAVG MS")
			for _, id := range ids {
				s := stats.PerExecutor[id]
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.2f\t%.0f\n", id, s.Attempts, s.SuccessRate*100, s.AvgQuality, s.AvgDurationMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print stats as JSON")
	return cmd
}

func executorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "List registered executors and their profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTAGS\tCOMPLEXITY\tSPEED\tQUALITY")
			for _, p := range a.ctrl.Executors() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, formatList(p.Tags), p.Complexity, p.Speed, p.QualityClass)
			}
			for _, id := range a.skipped {
				fmt.Fprintf(w, "%s\t(no credentials)\t-\t-\t-\n", id)
			}
			return w.Flush()
		},
	}
}

func serveCmd() *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatch API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			addr := a.cfg.Server.Addr
			if addrFlag != "" {
				addr = addrFlag
			}
			srv := api.NewServer(addr, a.ctrl, api.WithLogger(a.logger), api.WithGatherer(a.prom))

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			a.logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check the configuration and model aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			var problems []string
			if err := cfg.Validate(); err != nil {
				problems = append(problems, strings.Split(err.Error(), "\n")...)
			}
			aliases, err := config.LoadAliases(cfg.ModelsFile)
			if err != nil {
				problems = append(problems, err.Error())
			}
			for _, err := range aliases.ValidateExecutors(cfg.Executors) {
				problems = append(problems, err.Error())
			}

			source := cfg.Source
			if source == "" {
				source = "built-in defaults"
			}
			if len(problems) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d problem(s)\n", source, len(problems))
				for _, p := range problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p)
				}
				return fmt.Errorf("configuration invalid")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d executors, validator %s, history %s)\n",
				source, len(cfg.Executors), cfg.Validator.Kind, cfg.History.Backend)
			for _, e := range cfg.Executors {
				if e.Kind == config.KindAdapter && !cfg.Credentials.Has(e.Adapter) {
					fmt.Fprintf(cmd.OutOrStdout(), "  note: %s has no %s credentials and will be skipped\n", e.ID, e.Adapter)
				}
			}
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var forceFlag bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				dir, err := config.Dir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "config.yaml")
			}
			if err := config.WriteDefault(path, forceFlag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceFlag, "force", false, "overwrite an existing file")
	return cmd
}

func printSummary(w io.Writer, res *dispatch.Result) {
	md := res.Metadata
	status := "accepted"
	if !res.Success {
		status = string(res.ErrorKind)
	} else if res.ErrorKind != dispatch.ErrorKindNone {
		status = "accepted (" + string(res.ErrorKind) + ")"
	}
	fmt.Fprintf(w, "[%s] executor=%s quality=%.1f threshold=%.1f attempts=%d/%d method=%s %dms\n",
		status, md.FinalAgent, md.FinalQuality, md.Threshold, md.Attempts, md.MaxAttempts, md.Method, md.DurationMs)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
