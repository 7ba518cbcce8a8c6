package cli

import (
	"github.com/spf13/cobra"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Serve recorded APY history behind the payment gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunGate(cmd.Context())
	},
}
