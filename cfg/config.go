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

package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level, file-and-flag-bindable configuration for a jio
// handle and the CLI tools built on top of it.
type Config struct {
	Debug DebugConfig `yaml:"debug"`

	Journal JournalConfig `yaml:"journal"`

	Autosync AutosyncConfig `yaml:"autosync"`

	Logging LoggingConfig `yaml:"logging"`

	FileSystem FileSystemConfig `yaml:"file-system"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
}

// JournalConfig controls where the journal directory lives and the
// default per-handle behaviour flags.
type JournalConfig struct {
	// Directory overrides the default sibling ".<name>.jio" directory
	// next to the data file. Empty means use the default.
	Directory string `yaml:"directory"`

	NoLock bool `yaml:"no-lock"`

	NoRollback bool `yaml:"no-rollback"`

	Linger bool `yaml:"linger"`
}

// AutosyncConfig holds the two autosync triggers; a zero value disables
// that trigger. Opening a handle does not read it: autosync runs only on
// a handle that starts it explicitly.
type AutosyncConfig struct {
	MaxSeconds time.Duration `yaml:"max-seconds"`

	MaxBytes int64 `yaml:"max-bytes"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	FilePath string `yaml:"file-path"`

	Format string `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb int `yaml:"max-file-size-mb"`

	BackupFileCount int `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`
}

type FileSystemConfig struct {
	FileMode Octal `yaml:"file-mode"`
}

// Stringify renders the resolved configuration as YAML for diagnostic
// logging; it never returns an error for a well-formed Config, but
// reports one rather than panic on a value that can't be marshalled.
func Stringify(c *Config) (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants")); err != nil {
		return err
	}

	flagSet.StringP("journal-dir", "", "", "Directory to store journal records in; defaults to a hidden sibling of the data file.")
	if err = viper.BindPFlag("journal.directory", flagSet.Lookup("journal-dir")); err != nil {
		return err
	}

	flagSet.BoolP("no-lock", "", false, "Disable range locking; the caller takes on serialising concurrent writers.")
	if err = viper.BindPFlag("journal.no-lock", flagSet.Lookup("no-lock")); err != nil {
		return err
	}

	flagSet.BoolP("no-rollback", "", false, "Skip pre-image capture by default, forfeiting Rollback on every transaction.")
	if err = viper.BindPFlag("journal.no-rollback", flagSet.Lookup("no-rollback")); err != nil {
		return err
	}

	flagSet.BoolP("linger", "", false, "Defer the apply step of every commit until Sync or autosync drains it.")
	if err = viper.BindPFlag("journal.linger", flagSet.Lookup("linger")); err != nil {
		return err
	}

	flagSet.DurationP("autosync-max-seconds", "", 0, "Drain lingering transactions after this much time; 0 disables the time trigger.")
	if err = viper.BindPFlag("autosync.max-seconds", flagSet.Lookup("autosync-max-seconds")); err != nil {
		return err
	}

	flagSet.Int64P("autosync-max-bytes", "", 0, "Drain lingering transactions once this many bytes are outstanding; 0 disables the byte trigger.")
	if err = viper.BindPFlag("autosync.max-bytes", flagSet.Lookup("autosync-max-bytes")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file; empty logs to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log encoding: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0644, "Permission bits used when a handle creates the data file, in octal.")
	if err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode")); err != nil {
		return err
	}

	return nil
}
