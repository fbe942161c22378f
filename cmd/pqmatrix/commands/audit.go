package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pqmatrix/pqmatrix/pkg/audit"
)

func newAuditCommand() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of installer actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}

			trail := audit.New(app.stateDir, app.log)
			entries, err := trail.Read()
			if err != nil {
				return err
			}
			if tail > 0 && len(entries) > tail {
				entries = entries[len(entries)-tail:]
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			if len(entries) == 0 {
				fmt.Println("audit trail is empty")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %-12s  %-7s  %s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Outcome, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 0, "show only the last N entries")

	return cmd
}
