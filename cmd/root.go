// Package cmd provides the command-line interface for packd.
//
// Configuration sources, highest precedence first: command-line flags,
// PACKD_-prefixed environment variables (PACKD_SERVER_PORT, ...), and a
// .packd.yml file in the working directory.
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "packd",
	Short: "On-demand module bundling preview server",
	Long: `packd turns arbitrary entry-file paths into browsable, runnable
bundles on demand. Clients POST entry paths, packd compiles them with an
incremental bundler in watch mode, keeps the output in memory, and serves
a preview page per compilation.

Quick Start:
  packd serve                       Start the server on an ephemeral port
  packd serve --port 8080           Start on a fixed port

Then request a compilation:
  curl -X POST localhost:8080/compilation \
    -d '{"entry": "/abs/path/index.js"}'`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .packd.yml)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig wires viper to the config file and PACKD_ environment
// variables. A missing config file is not an error; defaults apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("PACKD_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".packd")
	}

	viper.SetEnvPrefix("PACKD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	_ = viper.ReadInConfig()
}
