// meshpipe streams packets from a LoRa mesh device into an analytical store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "meshpipe",
	Short:        "Stream mesh network packets into an analytical store",
	Long:         "meshpipe connects to a LoRa mesh node over serial, BLE or TCP, decodes its packets into typed rows, and streams them in batches to Snowflake, ClickHouse or Postgres.",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// defaultConfigPath honors the MESHPIPE_CONFIG environment variable so
// service units can point at the config without flags.
func defaultConfigPath() string {
	if p := os.Getenv("MESHPIPE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(versionCmd, runCmd, scanCmd, probeCmd, initdbCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
