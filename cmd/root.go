// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the jio command-line tool: a thin cobra/viper
// front end over the jio library for driving recovery and inspecting a
// journal directory from outside a running process.
package cmd

import (
	"fmt"
	"os"

	"github.com/jio-project/jio/cfg"
	"github.com/jio-project/jio/internal/logger"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	bindErr error
	Config  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "jio",
	Short: "Inspect and recover journaled-commit data files",
	Long: `jio is the command-line companion to the jio library: a journaled
commit engine that adds atomic, durable writes to a regular file via a
sibling journal directory. Use its subcommands to run crash recovery
against a data file and journal directory that are not currently held
open by a process.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		Config.Logging = cfg.GetDefaultLoggingConfig()
		if err := viper.Unmarshal(&Config, viper.DecodeHook(cfg.DecodeHook()), func(dc *mapstructure.DecoderConfig) {
			dc.TagName = "yaml"
		}); err != nil {
			return fmt.Errorf("unmarshalling config: %w", err)
		}
		if err := cfg.ValidateConfig(&Config); err != nil {
			return err
		}
		if err := initLogging(); err != nil {
			return err
		}
		if dump, err := cfg.Stringify(&Config); err == nil {
			logger.Tracef("jio: resolved config:\n%s", dump)
		}
		return nil
	},
}

func initLogging() error {
	if Config.Logging.FilePath == "" {
		logger.SetLogFormat(Config.Logging.Format)
		logger.SetSeverity(logger.Severity(Config.Logging.Severity))
		return nil
	}
	rotate := Config.Logging.LogRotate
	return logger.InitLogFile(logger.Config{
		FilePath: Config.Logging.FilePath,
		Format:   Config.Logging.Format,
		Severity: logger.Severity(Config.Logging.Severity),
		LogRotate: logger.LogRotateConfig{
			MaxFileSizeMB:   rotate.MaxFileSizeMb,
			BackupFileCount: rotate.BackupFileCount,
			Compress:        rotate.Compress,
		},
	})
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(fsckCmd)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		bindErr = fmt.Errorf("reading config file: %w", err)
	}
}
