package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultlock/pkg/kdf"
)

var kdfJSON bool

func init() {
	rootCmd.AddCommand(kdfCmd)
	kdfCmd.Flags().BoolVar(&kdfJSON, "json", false, "Output in JSON format")
}

// kdfCmd reports the device profile and the Argon2id cost chosen for it
var kdfCmd = &cobra.Command{
	Use:   "kdf",
	Short: "Show the device class and recommended Argon2id parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		advisor := kdf.NewAdvisor(kdf.Options{Insecure: cfg.InsecureKDF, Logger: &logger})
		prof := advisor.Profile()
		p := advisor.Params()

		if kdfJSON {
			data, err := json.MarshalIndent(map[string]any{
				"ram_total_mb":    prof.RAMTotalMB,
				"cpu_cores":       prof.CPUCores,
				"class":           prof.Class.String(),
				"time_cost":       p.TimeCost,
				"memory_cost_kib": p.MemoryCostKiB,
				"parallelism":     p.Parallelism,
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("RAM:         %d MiB\n", prof.RAMTotalMB)
		fmt.Printf("CPU cores:   %d\n", prof.CPUCores)
		fmt.Printf("Class:       %s\n", prof.Class)
		fmt.Printf("Time cost:   %d\n", p.TimeCost)
		fmt.Printf("Memory cost: %d KiB\n", p.MemoryCostKiB)
		fmt.Printf("Parallelism: %d\n", p.Parallelism)
		if cfg.InsecureKDF {
			fmt.Println("Warning: insecure KDF parameters are enabled")
		}
		return nil
	},
}
