package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caucase/internal/config"
	"github.com/jmcleod/caucase/internal/logging"
)

// cfg is loaded before any command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "caucased",
	Short: "caucased is a self-renewing certificate authority",
	Long: `Certificate Authority for Users, Certificate Authority for SErvices.

Serves a service certificate authority under /cas and a user certificate
authority, whose certificates authenticate operators, under /cau. Both
renew their own CA certificates before they expire.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cmd.Flags()); err != nil {
			return err
		}
		logging.Initialize(cfg.Verbose)
		return nil
	},
	RunE: runServer,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}
