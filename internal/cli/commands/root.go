// Copyright 2025 Rootup Authors
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

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rootup/internal/common"
	"rootup/internal/config"
	"rootup/internal/depot"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

var (
	flagVerbosity int
	flagForce     bool
	flagDryRun    bool
	flagPrefix    string
)

var rootCmd = &cobra.Command{
	Use:   "rootup",
	Short: "Apply and revert root overlays on a destination tree",
	Long: `rootup installs tarball-style root archives on top of a destination
filesystem tree, tracking every file it lays down so a later uninstall
restores the tree bit-for-bit to its prior state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.CountVarP(&flagVerbosity, "verbose", "v", "increase verbosity (use -vv for debug)")
	pf.BoolVarP(&flagForce, "force", "f", false, "force operation past non-fatal errors")
	pf.BoolVarP(&flagDryRun, "dry-run", "n", false, "analyze and report without mutating anything")
	pf.StringVarP(&flagPrefix, "prefix", "p", "/", "operate on roots under DIR")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("rootup version {{.Version}}\n")
}

// Execute runs the root command and maps the error onto an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// codedError carries a process exit code alongside the underlying error.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// exitCode maps an error onto the documented exit codes: 2 cannot lock,
// 4 bad prefix, 5 upgrade target not found, 6 depot unreadable, 11-16
// per-subcommand initialization failures, 1 otherwise.
func exitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	switch {
	case errors.Is(err, common.ErrLockBusy):
		return 2
	case errors.Is(err, common.ErrDepotUnreadable):
		return 6
	}
	return 1
}

// buildConfig assembles the operation configuration from flags and the
// optional per-depot config file, and wires up logging.
func buildConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.Prefix = flagPrefix
	cfg.Force = flagForce
	cfg.DryRun = flagDryRun
	cfg.Verbosity = flagVerbosity

	cfg, err := cfg.Normalize()
	if err != nil {
		return cfg, withCode(4, err)
	}

	switch {
	case cfg.Verbosity >= 2:
		log.SetLevel(log.DebugLevel)
	case cfg.Verbosity == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}
	log.SetOutput(os.Stderr)
	return cfg, nil
}

// openDepot opens the depot and runs the consistency scan, tagging any
// initialization failure with the subcommand's exit code.
func openDepot(ctx context.Context, initCode int) (*depot.Depot, config.Config, error) {
	cfg, err := buildConfig()
	if err != nil {
		return nil, cfg, err
	}
	d, err := depot.Open(cfg)
	if err != nil {
		if errors.Is(err, common.ErrLockBusy) || errors.Is(err, common.ErrDepotUnreadable) {
			return nil, cfg, err
		}
		return nil, cfg, withCode(initCode, err)
	}
	if err := d.CheckConsistency(ctx); err != nil {
		d.Close()
		return nil, cfg, withCode(initCode, err)
	}
	return d, cfg, nil
}
