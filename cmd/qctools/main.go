// Copyright KnightForest, 2026. All rights reserved.

// Package main is the entry point for the qctools CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time via ldflags.
var version = "dev"

// rootCmd is the base command for the qctools CLI.
var rootCmd = &cobra.Command{
	Use:   "qctools",
	Short: "Tools for measurement databases recorded during sweeps",
	Long: `qctools works with SQLite measurement databases: one row per run,
one results table per run, parameter layouts and their dependencies.

Use extract to turn runs into tab-separated .dat files with a snapshot
JSON beside them, list to inspect what a database holds, and save to
record an already measured array as a new run.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./qctools.yaml or ~/.config/qctools/qctools.yaml)")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("qctools")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "qctools"))
		}
	}

	viper.SetEnvPrefix("QCTOOLS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
