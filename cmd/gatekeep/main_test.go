// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, sub := range []string{"serve", "migrate", "config"} {
		assert.Contains(t, output, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantConfig  string
		wantEnvFile string
	}{
		{
			name:        "defaults",
			args:        []string{"--help"},
			wantConfig:  "",
			wantEnvFile: defaultEnvFile,
		},
		{
			name:        "config flag",
			args:        []string{"--config", "/etc/gatekeep.yaml", "--help"},
			wantConfig:  "/etc/gatekeep.yaml",
			wantEnvFile: defaultEnvFile,
		},
		{
			name:        "flags with equals",
			args:        []string{"--config=/tmp/c.yaml", "--env-file=/tmp/.env", "--help"},
			wantConfig:  "/tmp/c.yaml",
			wantEnvFile: "/tmp/.env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile = ""
			envFile = ""

			cmd := NewRootCmd()
			cmd.SetOut(new(bytes.Buffer))
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			assert.Equal(t, tt.wantConfig, configFile)
			assert.Equal(t, tt.wantEnvFile, envFile)
		})
	}
}

func TestServeCommand_Flags(t *testing.T) {
	cmd := NewServeCmd()
	for _, name := range []string{"addr", "metrics-addr", "log-format", "store", "database-url", "auto-migrate"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "serve missing --%s", name)
	}
	assert.Equal(t, "127.0.0.1:8080", cmd.Flags().Lookup("addr").DefValue)
}
