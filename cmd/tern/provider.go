package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telluric-io/tern/pkg/client"
)

var registerCmd = &cobra.Command{
	Use:   "register <id> <url>",
	Short: "Register a remote provider",
	Long: `Register a remote offering endpoint. The node probes the endpoint
before accepting it; provider processes show up under
/providers/<id>/processes.

Examples:
  tern register emu http://emu.example.com/wps --type wps1`,
	Args: exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ptype, _ := cmd.Flags().GetString("type")
		visibility, _ := cmd.Flags().GetString("visibility")
		p, err := apiClient(cmd).RegisterProvider(cmd.Context(), client.ProviderRegistration{
			ID:         args[0],
			URL:        args[1],
			Type:       ptype,
			Visibility: visibility,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Registered: %s (%s)\n", p.ID, p.Type)
		return nil
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister <id>",
	Short: "Remove a registered provider",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).UnregisterProvider(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Unregistered: %s\n", args[0])
		return nil
	},
}

func init() {
	registerCmd.Flags().String("type", "wps1", "Provider protocol (wps1, wps2, rest, esgf-cwt)")
	registerCmd.Flags().String("visibility", "", "Offering visibility (public, private)")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(unregisterCmd)
}
