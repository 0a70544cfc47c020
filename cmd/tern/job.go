package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telluric-io/tern/pkg/client"
)

var executeCmd = &cobra.Command{
	Use:   "execute <process-id>",
	Short: "Submit an execution request",
	Long: `Submit an execution request. Inputs are given as repeated --input
key=value pairs or as a JSON document via --inputs-file; values that
parse as JSON are passed typed, everything else as a string.

Examples:
  tern execute echo --input message=hello
  tern execute water-mask --inputs-file inputs.json --wait`,
	Args: exactArgs(1),
	RunE: runExecute,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job status",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient(cmd).JobStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor <job-id>",
	Short: "Poll a job until it reaches a terminal status",
	Args:  exactArgs(1),
	RunE:  runMonitor,
}

var resultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "Fetch the results of a succeeded job",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := apiClient(cmd).Results(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(results)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print the job log stream",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logs, err := apiClient(cmd).Logs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, entry := range logs {
			fmt.Printf("%s [%s] %s\n", entry.TS.Format(time.RFC3339), entry.Source, entry.Text)
		}
		return nil
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <job-id>",
	Short: "Cancel a queued or running job",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Dismiss(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Dismissed: %s\n", args[0])
		return nil
	},
}

func init() {
	executeCmd.Flags().StringArray("input", nil, "Input as key=value (repeatable)")
	executeCmd.Flags().String("inputs-file", "", "JSON document with the inputs object")
	executeCmd.Flags().Bool("wait", false, "Wait for the job to finish")
	executeCmd.Flags().Duration("interval", 2*time.Second, "Poll interval with --wait")

	monitorCmd.Flags().Duration("interval", 2*time.Second, "Poll interval")

	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(dismissCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	inputs, err := gatherInputs(cmd)
	if err != nil {
		return err
	}

	c := apiClient(cmd)
	status, err := c.Execute(cmd.Context(), args[0], client.Execution{Inputs: inputs}, true)
	if err != nil {
		return err
	}
	fmt.Printf("Job: %s\n", status.JobID)

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		return nil
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	final, err := c.Poll(cmd.Context(), status.JobID, interval)
	if err != nil {
		return err
	}
	return reportFinal(final)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	final, err := apiClient(cmd).Poll(cmd.Context(), args[0], interval)
	if err != nil {
		return err
	}
	return reportFinal(final)
}

// reportFinal prints the terminal status and maps it to the exit code.
func reportFinal(status *client.StatusInfo) error {
	fmt.Printf("Status: %s\n", status.Status)
	if status.Message != "" {
		fmt.Printf("Message: %s\n", status.Message)
	}
	switch status.Status {
	case "succeeded":
		return nil
	case "dismissed":
		return exitf(exitDismissed, "job %s was dismissed", status.JobID)
	default:
		return exitf(exitJobFailed, "job %s finished %s", status.JobID, status.Status)
	}
}

func gatherInputs(cmd *cobra.Command) (map[string]any, error) {
	inputs := map[string]any{}
	if path, _ := cmd.Flags().GetString("inputs-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, exitf(exitUsage, "inputs file is not a JSON object: %v", err)
		}
	}
	pairs, _ := cmd.Flags().GetStringArray("input")
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, exitf(exitUsage, "bad --input %q, want key=value", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			inputs[key] = typed
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}
