package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var unreportedCmd = &cobra.Command{
	Use:   "unreported",
	Short: "Manage outcomes a worker could not report",
	Long: `When a worker cannot deliver a job outcome after all report attempts it
journals the outcome locally. These commands talk to the worker admin API
(--admin-url) to inspect, re-send or discard those entries.`,
}

var unreportedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled outcomes",
	Long: `List outcomes the worker gave up reporting, oldest first.

Example:
  jobctl unreported list --admin-url http://worker-1:6162 --limit 20`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		client := NewJobClient("", viper.GetString("admin-url"), "")
		entries, err := client.ListUnreported(limit)
		if err != nil {
			printAPIError(cmd.Printf, "Failed to list unreported outcomes", err)
			return
		}

		if len(entries) == 0 {
			cmd.Println("No unreported outcomes.")
			return
		}

		cmd.Printf("%sID                                    JOB ID        STATUS     ATTEMPTS  RECORDED%s\n", colorBold, colorReset)
		for _, e := range entries {
			cmd.Printf("%-36s  %-12s  %-9s  %-8d  %s ago\n",
				e.ID, truncate(e.JobID, 12), e.Status, e.Attempts, relativeTime(e.RecordedAt))
			if e.LastError != "" {
				cmd.Printf("  %slast error: %s%s\n", colorDim, e.LastError, colorReset)
			}
		}
	},
}

var unreportedReplayCmd = &cobra.Command{
	Use:   "replay [id]",
	Short: "Re-send a journaled outcome to the orchestrator",
	Long: `Ask the worker to report a journaled outcome again. The entry is removed
once the orchestrator accepts it.

Example:
  jobctl unreported replay 3f1c2a9e-7d4b-4c55-9a0e-2b8f6d1e4c77`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewJobClient("", viper.GetString("admin-url"), "")
		if err := client.ReplayUnreported(args[0]); err != nil {
			printAPIError(cmd.Printf, "Replay failed", err)
			return
		}
		cmd.Printf("✓ Outcome %s reported.\n", args[0])
	},
}

var unreportedDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Discard a journaled outcome",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewJobClient("", viper.GetString("admin-url"), "")
		if err := client.DeleteUnreported(args[0]); err != nil {
			printAPIError(cmd.Printf, "Delete failed", err)
			return
		}
		cmd.Printf("✓ Outcome %s discarded.\n", args[0])
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	unreportedListCmd.Flags().Int("limit", 50, "Maximum number of entries to show")

	unreportedCmd.AddCommand(unreportedListCmd, unreportedReplayCmd, unreportedDeleteCmd)
	rootCmd.AddCommand(unreportedCmd)
}
