// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Configuration command.
//
// Command: config
// Short:   Show or create the configuration file
//
// Subcommands:
//   show              Print the effective configuration as TOML (default)
//   path              Print the config file path
//   init [--force]    Write a default config file
//
// The effective configuration includes GEMLET_* environment overrides and
// global flags such as --model and --endpoint.

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jeranaias/gemlet/internal/config"
)

func (a *app) handleConfig() error {
	sub := a.args.Subcommand
	if sub == "" {
		sub = "show"
	}

	switch sub {
	case "show":
		if err := a.setup(); err != nil {
			return err
		}
		if a.args.JSON {
			return a.emit(a.cfg.Redacted())
		}
		_, err := fmt.Fprint(a.out, a.cfg.String())
		return err

	case "path":
		path, err := a.configPath()
		if err != nil {
			return err
		}
		if a.args.JSON {
			return a.emit(map[string]string{"path": path})
		}
		_, err = fmt.Fprintln(a.out, path)
		return err

	case "init":
		return a.initConfig()
	}

	return &ValidationError{
		Field:   "subcommand",
		Value:   sub,
		Reason:  "unknown config subcommand",
		Example: "gemlet config [show|path|init]",
	}
}

// configPath returns --config or the default TOML location.
func (a *app) configPath() (string, error) {
	if a.args.ConfigPath != "" {
		return a.args.ConfigPath, nil
	}
	path, err := config.ConfigPathTOML()
	if err != nil {
		return "", &ConfigError{Err: err}
	}
	return path, nil
}

func (a *app) initConfig() error {
	path, err := a.configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !a.args.Force {
		return &ValidationError{
			Field:   "config",
			Value:   path,
			Reason:  "file already exists",
			Example: "gemlet config init --force",
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if err := config.Save(config.Default(), path); err != nil {
		return &ConfigError{Path: path, Err: err}
	}

	if a.args.JSON {
		return a.emit(map[string]string{"path": path})
	}
	fmt.Fprintf(a.out, "%s wrote %s\n", SuccessStyle.Render("[OK]"), path)
	return nil
}
