package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	apiURL  string
	token   string
	cfgFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relayctl",
		Short: "auditrelay command-line tool",
		Long: `relayctl operates an auditrelay server and helps webhook receivers.

It can sign and verify payloads locally, list endpoints and deliveries,
read audit statistics, and trigger the webhook retry sweep.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				viper.SetConfigFile(cfgFile)
			} else {
				home, _ := os.UserHomeDir()
				viper.AddConfigPath(filepath.Join(home, ".auditrelay"))
				viper.SetConfigName("config")
				viper.SetConfigType("yaml")
			}
			viper.SetEnvPrefix("RELAYCTL")
			viper.AutomaticEnv()
			_ = viper.ReadInConfig()

			if apiURL == "" {
				apiURL = viper.GetString("api_url")
			}
			if apiURL == "" {
				apiURL = "http://localhost:8080"
			}
			if token == "" {
				token = viper.GetString("token")
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.auditrelay/config.yaml)")
	root.PersistentFlags().StringVar(&apiURL, "api", "", "auditrelay server URL (default http://localhost:8080)")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token: a session token, or the cron secret for 'retries'")

	root.AddCommand(newSignCmd(), newVerifyCmd())
	root.AddCommand(newEndpointsCmd(), newDeliveriesCmd(), newRetriesCmd(), newStatsCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the relayctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relayctl %s\n", version)
		},
	})
	return root
}
