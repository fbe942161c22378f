package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pqmatrix/pqmatrix/pkg/phases"
)

func newPhasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List the installation phases in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := phases.DefaultRegistry()

			if jsonOutput {
				type phaseInfo struct {
					Name        string `json:"name"`
					Description string `json:"description"`
					Required    bool   `json:"required"`
				}
				out := make([]phaseInfo, 0, len(reg))
				for _, p := range reg {
					out = append(out, phaseInfo{
						Name:        p.Name(),
						Description: p.Description(),
						Required:    p.Required(),
					})
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tPHASE\tREQUIRED\tDESCRIPTION")
			for i, p := range reg {
				required := "yes"
				if !p.Required() {
					required = "no"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, p.Name(), required, p.Description())
			}
			return w.Flush()
		},
	}
}
