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
	"github.com/engramlabs/engram/pkg/types"
)

// skillFilterAll matches every skill regardless of status or category.
var skillFilterAll = types.SkillFilter{}

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Inspect the skill library",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored skills",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, cfg, err := openLocal(cmd)
		if err != nil {
			return err
		}
		defer rt.Stop()

		filter := skillFilterAll
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			filter.Status = types.SkillStatus(status)
		}
		if category, _ := cmd.Flags().GetString("category"); category != "" {
			filter.Category = category
		}

		list, err := rt.Skills.Query(context.Background(), filter, cfg.MaxQueryLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tSTATUS\tVERSION\tSUCCESS\tUSES")
		for _, sk := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.2f\t%d\n",
				sk.SkillID, sk.Name, sk.Category, sk.Status, sk.Version, sk.SuccessRate, sk.UsageCount)
		}
		return w.Flush()
	},
}

var skillsShowCmd = &cobra.Command{
	Use:   "show <skill-id>",
	Short: "Show one skill, including its version history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, _, err := openLocal(cmd)
		if err != nil {
			return err
		}
		defer rt.Stop()

		ctx := context.Background()
		sk, err := rt.Skills.Get(ctx, args[0])
		if err != nil {
			return err
		}
		history, err := rt.Skills.GetVersionHistory(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"skill":   sk,
			"history": history,
		})
	},
}

func openLocal(cmd *cobra.Command) (*runtime.Runtime, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Redis.Addr = "" // local inspection never touches the shared KV
	log.Init(log.Config{Level: log.ErrorLevel})

	rt, err := runtime.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return rt, cfg, nil
}

func init() {
	skillsCmd.PersistentFlags().String("data-dir", "", "Override the configured data directory")
	skillsListCmd.Flags().String("status", "", "Filter by status (draft|active|deprecated)")
	skillsListCmd.Flags().String("category", "", "Filter by category")
	skillsCmd.AddCommand(skillsListCmd)
	skillsCmd.AddCommand(skillsShowCmd)
}
