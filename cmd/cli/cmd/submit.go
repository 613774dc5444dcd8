package cmd

import (
	"encoding/json"
	"jobagent/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the orchestrator",
	Long: `Create a job of the given type. Any worker advertising the type may claim it.

Example:
  jobctl submit --type echo --payload '{"message":"hello"}'
  jobctl submit --type fanout --payload '{"child_type":"echo","count":3}'`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		jobType, _ := flags.GetString("type")
		payload, _ := flags.GetString("payload")
		parent, _ := flags.GetString("parent")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the JOBAGENT_TOKEN environment variable")
			return
		}

		if jobType == "" {
			cmd.Println("Error: --type is required")
			return
		}

		req := api.CreateJobRequest{Type: jobType, ParentJobID: parent}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				cmd.Println("Error: --payload must be valid JSON")
				return
			}
			req.Payload = json.RawMessage(payload)
		}

		result, err := NewJobClient(url, "", token).SubmitJob(req)
		if err != nil {
			printAPIError(cmd.Printf, "Submit failed", err)
			return
		}

		cmd.Printf("✓ Job submitted!\nJob ID: %s\n", result.JobID)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.String("type", "", "Job type (required)")
	flags.StringP("payload", "p", "", "Job payload as JSON (optional)")
	flags.String("parent", "", "Parent job ID (optional)")

	rootCmd.AddCommand(submitCmd)
}
