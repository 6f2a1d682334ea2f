package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/runtime"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store and lock statistics for a data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}
		cfg.Redis.Addr = "" // stats inspects local state only
		log.Init(log.Config{Level: log.ErrorLevel})

		rt, err := runtime.New(cfg)
		if err != nil {
			return err
		}
		defer rt.Stop()

		ctx := context.Background()
		episodes, err := rt.Episodic.Count()
		if err != nil {
			return err
		}
		patterns, err := rt.Semantic.Count()
		if err != nil {
			return err
		}
		skills, err := rt.Skills.Query(ctx, skillFilterAll, cfg.MaxQueryLimit)
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			out := map[string]any{
				"episodes": episodes,
				"patterns": patterns,
				"skills":   len(skills),
				"locks":    rt.Locks.Stats(""),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Printf("Data directory: %s\n\n", cfg.DataDir)
		fmt.Printf("Episodes: %d\n", episodes)
		fmt.Printf("Patterns: %d\n", patterns)
		fmt.Printf("Skills:   %d\n\n", len(skills))

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RESOURCE\tKIND\tACQUIRED\tTIMEOUTS\tWAIT AVG")
		for _, st := range rt.Locks.Stats("") {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				st.Resource, st.Kind, st.Acquisitions, st.Timeouts, st.WaitAvg)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().String("data-dir", "", "Override the configured data directory")
	statsCmd.Flags().Bool("json", false, "Emit machine-readable JSON")
}
