package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
)

func newProfileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show the host resource profile and derived tuning",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}

			profiler := sysinfo.NewProfiler(app.stateDir, app.log)
			profile := profiler.Scan()
			level := sysinfo.DetermineLevel(profile)
			tuning := sysinfo.DeriveTuning(profile, level)

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Profile sysinfo.Profile `json:"profile"`
					Level   sysinfo.Level   `json:"optimization_level"`
					Tuning  sysinfo.Tuning  `json:"tuning"`
				}{profile, level, tuning})
			}

			fmt.Printf("CPU cores:          %d\n", profile.CPUCores)
			fmt.Printf("Memory:             %.1f GB\n", profile.MemoryGB)
			fmt.Printf("Free disk:          %.1f GB\n", profile.DiskFreeGB)
			fmt.Printf("Optimization level: %s\n", level)
			fmt.Println()
			fmt.Printf("Thread pool size:   %d\n", tuning.ThreadPoolSize)
			fmt.Printf("Compression level:  %d\n", tuning.CompressionLevel)
			fmt.Printf("KEM variant:        %s\n", tuning.KEMVariant)
			fmt.Printf("Key shards:         %d (threshold %d)\n", tuning.ShardCount, tuning.ThresholdCount)
			fmt.Printf("Parallel sealing:   %v\n", tuning.ParallelAllowed)
			return nil
		},
	}
}
