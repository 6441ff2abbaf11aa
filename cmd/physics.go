package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/kilianp07/hoistsched/core/physics"
	"github.com/kilianp07/hoistsched/infra/loader"
)

var physicsTransporter int

var physicsCmd = &cobra.Command{
	Use:   "physics PLANT_FILE",
	Short: "Print the lift, sink and transfer durations of a plant",
	Args:  cobra.ExactArgs(1),
	RunE:  runPhysics,
}

func init() {
	physicsCmd.Flags().IntVarP(&physicsTransporter, "transporter", "t", 0, "only print this transporter")
	rootCmd.AddCommand(physicsCmd)
}

func runPhysics(cmd *cobra.Command, args []string) error {
	p, err := loader.Load(args[0])
	if err != nil {
		return err
	}
	tb := physics.BuildTable(p)

	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Transporter", "From", "To", "Lift", "Transfer", "Sink", "Task"})
	for _, t := range p.Transporters {
		if physicsTransporter != 0 && t.ID != physicsTransporter {
			continue
		}
		for _, from := range p.Stations {
			for _, to := range p.Stations {
				if from.ID == to.ID || !t.CanServe(from.ID, to.ID) {
					continue
				}
				lift, err := tb.Lift(t.ID, from.ID)
				if err != nil {
					return err
				}
				move, err := tb.Transfer(t.ID, from.ID, to.ID)
				if err != nil {
					return err
				}
				sink, err := tb.Sink(t.ID, to.ID)
				if err != nil {
					return err
				}
				task, err := tb.Task(t.ID, from.ID, to.ID)
				if err != nil {
					return err
				}
				tw.AppendRow(table.Row{t.ID, from.ID, to.ID, lift, move, sink, task})
			}
		}
	}
	tw.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "average task %ds, change time %ds, max deadhead %ds\n",
		tb.AverageTaskTime(), tb.ChangeTime(), tb.MaxDeadhead())
	return nil
}
