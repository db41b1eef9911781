package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sidlabs/sid/internal/campaign"
	"github.com/sidlabs/sid/internal/config"
)

// campaignsCmd lists the campaigns a directory would load, for checking a
// definition set before deploying it.
func campaignsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "campaigns",
		Short: "List loadable campaign definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				dir = cfg.CampaignsDir
			}
			campaigns, err := campaign.LoadDir(dir)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(campaigns))
			for id := range campaigns {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				c := campaigns[id]
				schedule := c.Trigger.Schedule
				if schedule == "" {
					schedule = "-"
				}
				fmt.Printf("%-32s agent=%-16s schedule=%-16s max=%s\n", id, c.Agent, schedule, c.MaxDuration())
			}
			fmt.Printf("%d campaigns\n", len(ids))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "campaigns directory (default from config)")
	return cmd
}
