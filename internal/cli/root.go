// Package cli implements the pmrunner command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pmrunner",
	Short: "Durable task queue and executor runner",
	Long: `pmrunner runs LLM-executed tasks from a durable SQLite queue.

A single dispatcher per namespace claims the oldest queued task,
drives it through a supervised executor process, retries recoverable
failures with backoff, and escalates the rest with an actionable
report.

Quick start:
  pmrunner init                 Initialize .pmrunner in this project
  pmrunner enqueue "Fix login"  Queue a task
  pmrunner run --once           Claim and execute a single task
  pmrunner serve                Run the dispatcher and control plane`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .pmrunner/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRecoverCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".pmrunner")
		viper.AddConfigPath("$HOME/.pmrunner")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("PMRUNNER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
