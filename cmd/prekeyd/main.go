// prekeyd serves the prekey directory HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootFlags holds the flags shared by every sub command.
type rootFlags struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "prekeyd",
		Short: "Prekey directory server",
		Long: `prekeyd stores the prekeys uploaded by account devices and dispenses
prekey bundles to the peers that start sessions with them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "f", "", "TOML configuration file")

	cmd.AddCommand(
		newServeCommand(&flags),
		newMigrateCommand(&flags),
		newSeedCommand(&flags),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); nil != err {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
