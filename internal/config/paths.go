// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

const appName = "gatekeep"

// DefaultFileName is looked up in Dir when no config file is given.
const DefaultFileName = "config.yaml"

// Dir returns the XDG config directory for gatekeep.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// DefaultFile returns Dir()/config.yaml when it exists, or "".
func DefaultFile() string {
	path := filepath.Join(Dir(), DefaultFileName)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// Unreadable but present: let Load report it.
			return path
		}
		return ""
	}
	return path
}
