package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy an application package",
	Long: `Deploy an application package from a CWL document or an OGC deploy
document.

Examples:
  # Deploy a CWL tool
  tern deploy -f water-mask.cwl

  # Deploy an OGC process description referencing a hosted package
  tern deploy -f deploy.json --content-type application/json`,
	RunE: runDeploy,
}

var describeCmd = &cobra.Command{
	Use:   "describe <process-id>",
	Short: "Show one process description",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := apiClient(cmd).DescribeProcess(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(desc)
	},
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "List deployed processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient(cmd).ListProcesses(cmd.Context())
		if err != nil {
			return err
		}
		for _, p := range list.Processes {
			line := p.ID
			if p.Version != "" {
				line += " (" + p.Version + ")"
			}
			if p.Title != "" {
				line += "  " + p.Title
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().StringP("file", "f", "", "Package file to deploy (required)")
	deployCmd.Flags().String("content-type", "", "Payload content type (derived from the file extension when unset)")
	_ = deployCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(capabilitiesCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	contentType, _ := cmd.Flags().GetString("content-type")

	payload, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read package: %w", err)
	}
	if contentType == "" {
		contentType = deployContentType(filename)
	}

	location, err := apiClient(cmd).Deploy(cmd.Context(), payload, contentType)
	if err != nil {
		return err
	}
	fmt.Printf("Deployed: %s\n", location)
	return nil
}

func deployContentType(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".cwl"):
		return "application/cwl+yaml"
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		return "application/x-yaml"
	default:
		return "application/json"
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
