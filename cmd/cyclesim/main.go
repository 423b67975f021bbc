package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/cyclesim/internal/analysis"
	"github.com/san-kum/cyclesim/internal/config"
	"github.com/san-kum/cyclesim/internal/coordinator"
	"github.com/san-kum/cyclesim/internal/experiment"
	"github.com/san-kum/cyclesim/internal/live"
	"github.com/san-kum/cyclesim/internal/observation"
	"github.com/san-kum/cyclesim/internal/storage"
)

var (
	dataDir   string
	logLevel  string
	preset    string
	graphFile string
	workers   int
	restart   string
	height    int
	width     int
	liveView  bool
)

var (
	title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	label = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Width(14)
	value = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	bad   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cyclesim",
		Short:         "cycle-driven multiphysics simulation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	runCmd := &cobra.Command{
		Use:   "run [config.yaml]",
		Short: "run a simulation from a config file or preset",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSimulation,
	}
	runCmd.Flags().StringVar(&preset, "preset", "", "preset as model/name")
	runCmd.Flags().StringVar(&graphFile, "graph", "", "write the dependency graph (dot) to this file")
	runCmd.Flags().IntVar(&workers, "workers", 0, "number of workers (overrides config)")
	runCmd.Flags().StringVar(&restart, "restart", "", "checkpoint to restart from")
	runCmd.Flags().BoolVar(&liveView, "live", false, "show a live progress view; logs go to cyclesim.log in the data directory")

	validateCmd := &cobra.Command{
		Use:   "validate [config.yaml]",
		Short: "check a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "list saved checkpoints",
		Args:  cobra.NoArgs,
		RunE:  listCheckpoints,
	}
	checkpointsCmd.AddCommand(&cobra.Command{
		Use:   "rm [name]",
		Short: "delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteCheckpoint,
	})

	observeCmd := &cobra.Command{
		Use:   "observe [run_id]",
		Short: "list runs, or the observations of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listObservations,
	}
	plotCmd := &cobra.Command{
		Use:   "plot [run_id] [name]",
		Short: "plot an observation series",
		Args:  cobra.ExactArgs(2),
		RunE:  plotObservation,
	}
	plotCmd.Flags().IntVar(&height, "height", 12, "plot height")
	plotCmd.Flags().IntVar(&width, "width", 80, "plot width")
	spectrumCmd := &cobra.Command{
		Use:   "spectrum [run_id] [name]",
		Short: "frequency analysis of an observation series",
		Args:  cobra.ExactArgs(2),
		RunE:  spectrumObservation,
	}
	spectrumCmd.Flags().IntVar(&height, "height", 12, "plot height")
	spectrumCmd.Flags().IntVar(&width, "width", 80, "plot width")
	observeCmd.AddCommand(plotCmd, spectrumCmd)

	presetsCmd := &cobra.Command{
		Use:   "presets [model]",
		Short: "list available presets for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := config.ListPresets(args[0])
			if len(presets) == 0 {
				fmt.Printf("no presets for model: %s\n", args[0])
				return nil
			}
			fmt.Printf("presets for %s:\n", args[0])
			for _, p := range presets {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "list models",
		Run: func(cmd *cobra.Command, args []string) {
			for _, m := range experiment.NewRegistry().ListModels() {
				fmt.Println(m)
			}
		},
	}

	integratorsCmd := &cobra.Command{
		Use:   "integrators",
		Short: "list explicit integrators",
		Run: func(cmd *cobra.Command, args []string) {
			for _, i := range experiment.NewRegistry().ListIntegrators() {
				fmt.Println(i)
			}
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, checkpointsCmd, observeCmd, presetsCmd, modelsCmd, integratorsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, bad.Render("error:"), err)
		os.Exit(1)
	}
}

func loadConfig(args []string) (*config.Config, error) {
	var cfg *config.Config
	switch {
	case preset != "" && len(args) > 0:
		return nil, fmt.Errorf("use either a config file or --preset, not both")
	case preset != "":
		model, name, ok := strings.Cut(preset, "/")
		if !ok {
			return nil, fmt.Errorf("preset must be model/name, got %q", preset)
		}
		cfg = config.GetPreset(model, name)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets(model))
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	case len(args) > 0:
		var err error
		cfg, err = config.Load(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	default:
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}

	// flags win over file and environment
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if restart != "" {
		cfg.Driver.Restart = restart
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	var logOut io.Writer = os.Stderr
	if liveView {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "cyclesim.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	log, err := newLogger(logOut, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exp := experiment.New(cfg)
	exp.SetLogger(log)
	if graphFile != "" {
		f, err := os.Create(graphFile)
		if err != nil {
			return err
		}
		defer f.Close()
		exp.SetDependencyGraph(f)
	}
	if err := exp.Open(); err != nil {
		return err
	}
	defer exp.Close()

	fmt.Println(title.Render("running " + cfg.Name))
	start := time.Now()
	var summary *coordinator.Summary
	if liveView {
		summary, err = runLive(ctx, exp, cfg.Name)
	} else {
		summary, err = exp.Run(ctx)
	}
	printSummary(cfg, exp.RunID(), summary, time.Since(start))
	if err != nil {
		var fe *coordinator.FatalError
		if errors.As(err, &fe) && fe.Recovery != nil {
			log.Error("recovery output incomplete", "err", fe.Recovery)
		}
		return err
	}
	return nil
}

type runResult struct {
	summary *coordinator.Summary
	err     error
}

// runLive drives exp behind a bubbletea view fed with rank 0's progress.
// Quitting the view cancels the run; the summary is still returned.
func runLive(ctx context.Context, exp *experiment.Experiment, name string) (*coordinator.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(live.NewModel(name, cancel))
	exp.SetProgress(func(pr coordinator.Progress) { p.Send(live.StepMsg(pr)) })

	done := make(chan runResult, 1)
	go func() {
		s, err := exp.Run(ctx)
		p.Send(live.DoneMsg{Summary: s, Err: err})
		done <- runResult{summary: s, err: err}
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("live view: %w", err)
	}
	r := <-done
	return r.summary, r.err
}

func printSummary(cfg *config.Config, runID string, s *coordinator.Summary, elapsed time.Duration) {
	if s == nil {
		return
	}
	row := func(k string, v any) {
		fmt.Println(label.Render(k) + value.Render(fmt.Sprint(v)))
	}
	row("run id", runID)
	row("stopped", s.Reason)
	row("steps", s.Steps)
	row("failures", s.Failures)
	row("cycles", fmt.Sprintf("%d -> %d", s.StartCycle, s.FinalCycle))
	row("time", fmt.Sprintf("%g -> %g s", s.StartTime, s.FinalTime))
	row("checkpoints", len(s.Checkpoints))
	row("dumps", s.Visualizations)
	row("memory", fmt.Sprintf("%d B fields (min %d, max %d per worker), %d B heap",
		s.Memory.TotalBytes, s.Memory.MinBytes, s.Memory.MaxBytes, s.Memory.HeapBytes))
	row("elapsed", elapsed.Round(time.Millisecond))
	row("data", cfg.DataDir)
}

func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if env := os.Getenv("CYCLESIM_DATA_DIR"); env != "" {
		return env
	}
	return config.DefaultDataDir
}

func openStore() (*storage.Store, error) {
	return storage.Open(filepath.Join(resolveDataDir(), experiment.CheckpointDB))
}

func openSink() (*observation.SQLite, error) {
	return observation.OpenSQLite(filepath.Join(resolveDataDir(), experiment.ObservationsDB))
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no checkpoints found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRUN\tCYCLE\tTIME\tRECORDS\tSAVED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%g\t%d\t%s\n",
			e.Name,
			e.RunID,
			e.Cycle,
			e.Time,
			e.Records,
			e.SavedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func deleteCheckpoint(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Delete(cmd.Context(), args[0])
}

func listObservations(cmd *cobra.Command, args []string) error {
	sink, err := openSink()
	if err != nil {
		return err
	}
	defer sink.Close()

	var items []string
	if len(args) == 0 {
		items, err = sink.Runs(cmd.Context())
	} else {
		items, err = sink.Names(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no observations found")
		return nil
	}
	for _, it := range items {
		fmt.Println(it)
	}
	return nil
}

func plotObservation(cmd *cobra.Command, args []string) error {
	sink, err := openSink()
	if err != nil {
		return err
	}
	defer sink.Close()

	rows, err := sink.Series(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no data to plot")
	}

	data := make([]float64, len(rows))
	for i, r := range rows {
		data[i] = r.Value
	}
	first, last := rows[0], rows[len(rows)-1]
	caption := fmt.Sprintf("%s, cycles %d-%d, t %g-%g", args[1], first.Cycle, last.Cycle, first.Time, last.Time)

	graph := asciigraph.Plot(data,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(caption),
	)
	fmt.Println(graph)
	return nil
}

func spectrumObservation(cmd *cobra.Command, args []string) error {
	sink, err := openSink()
	if err != nil {
		return err
	}
	defer sink.Close()

	rows, err := sink.Series(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	times := make([]float64, len(rows))
	values := make([]float64, len(rows))
	for i, r := range rows {
		times[i], values[i] = r.Time, r.Value
	}
	u, dt, err := analysis.Resample(times, values, analysis.NextPow2(len(rows)))
	if err != nil {
		return err
	}
	ps, err := analysis.PowerSpectrum(u, dt)
	if err != nil {
		return err
	}

	graph := asciigraph.Plot(ps.Power,
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption(fmt.Sprintf("power spectrum (%s)", args[1])),
	)
	fmt.Println(graph)
	fmt.Println(label.Render("dominant") + value.Render(fmt.Sprintf("%.6g Hz", ps.Dominant())))
	return nil
}
