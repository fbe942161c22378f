package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pqmatrix/pqmatrix/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List past installation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store := openStore(ctx, app)
			if store == nil {
				return fmt.Errorf("run history is unavailable")
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tMODE\tLEVEL\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				duration := "-"
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(timeRounding).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Mode, r.OptimizationLevel, r.Status,
					r.StartedAt.Format(time.RFC3339), duration)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the phase results of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store := openStore(ctx, app)
			if store == nil {
				return fmt.Errorf("run history is unavailable")
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			results, err := store.ListPhaseResultsByRun(ctx, run.ID)
			if err != nil {
				return err
			}
			var events []*stores.Event
			if withEvents {
				if events, err = store.ListEventsByRun(ctx, run.ID, 200, 0); err != nil {
					return err
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Run     any `json:"run"`
					Results any `json:"results"`
					Events  any `json:"events,omitempty"`
				}{run, results, events})
			}

			fmt.Printf("run %s (%s, level %s): %s\n", run.ID, run.Mode, run.OptimizationLevel, run.Status)
			if run.Error != nil {
				fmt.Printf("error: %s\n", *run.Error)
			}
			fmt.Println()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tPHASE\tSTATE\tDURATION\tERROR")
			for _, pr := range results {
				errMsg := ""
				if pr.Error != nil {
					errMsg = *pr.Error
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%dms\t%s\n", pr.Position+1, pr.Phase, pr.State, pr.DurationMS, errMsg)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if withEvents && len(events) > 0 {
				fmt.Println()
				for _, e := range events {
					phase := "-"
					if e.Phase != nil {
						phase = *e.Phase
					}
					fmt.Printf("%s  %-5s  %-14s  %s\n", e.Timestamp.Format(time.RFC3339), e.Level, phase, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withEvents, "events", false, "include the run's event log")

	return cmd
}
