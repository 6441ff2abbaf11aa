package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kilianp07/hoistsched/app"
	"github.com/kilianp07/hoistsched/config"
	"github.com/kilianp07/hoistsched/infra/logger"
)

var (
	outDir    string
	runName   string
	quietRuns bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule PLANT_FILE",
	Short: "Schedule every batch of a plant file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedule,
}

func init() {
	scheduleCmd.Flags().StringVarP(&outDir, "out", "o", "", "export directory (overrides output.dir)")
	scheduleCmd.Flags().StringVar(&runName, "run-name", "", "name grouping accumulated components")
	scheduleCmd.Flags().BoolVarP(&quietRuns, "quiet", "q", false, "do not print the stage summary")
	rootCmd.AddCommand(scheduleCmd)
}

func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	closer, err := logger.Configure(cfg.Logging.Options())
	if err != nil {
		return nil, nil, fmt.Errorf("log output: %w", err)
	}
	return cfg, closer, nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if runName != "" {
		cfg.Output.RunName = runName
	}

	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("main").Errorf("service close: %v", err)
		}
	}()

	out, err := svc.Schedule(ctx, args[0])
	if !quietRuns {
		printSummary(cmd.OutOrStdout(), out)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: makespan %ds, exports in %s\n", out.RunID, out.Schedule.Makespan(), cfg.Output.Dir)
	return nil
}

func printSummary(w io.Writer, out app.Outcome) {
	if len(out.Schedule.Status) == 0 && out.Report == nil {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Stage", "Component", "Batches", "Status", "Objective", "Bound", "Wall time"})
	for _, st := range out.Schedule.Status {
		tw.AppendRow(table.Row{st.Stage, st.Component, st.Batches, st.Status, st.Objective, st.Bound, st.WallTime})
	}
	tw.Render()
	if r := out.Report; r != nil {
		fmt.Fprintf(w, "conflict (%s) at stage %s component %d, batches %v: %s\n", r.Kind, r.Stage, r.Component, r.Batches, r.Reason)
		for _, v := range r.Violations {
			fmt.Fprintf(w, "  %s (shortfall %ds)\n", v, v.Shortfall)
		}
	}
}
