// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/config"
)

// Global flags available to all subcommands.
var (
	configFile string
	envFile    string
)

const defaultEnvFile = ".env"

// NewRootCmd creates the root command for the Gatekeep CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeep",
		Short: "Gatekeep - user authentication service",
		Long: `Gatekeep registers users, issues JWT access and refresh tokens,
and runs password change and email-based password reset flows.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML, default $XDG_CONFIG_HOME/gatekeep/config.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "dotenv file loaded before reading the environment")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// loadOptions collects the config sources selected on the command line.
// Without --config the XDG default file is used when present.
func loadOptions(cmd *cobra.Command) config.Options {
	file := configFile
	if file == "" {
		file = config.DefaultFile()
	}
	return config.Options{
		File:            file,
		EnvFile:         envFile,
		EnvFileRequired: cmd.Flags().Changed("env-file"),
		Flags:           cmd.Flags(),
	}
}
