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
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install <path>",
	Short: "Install a root archive on top of the destination tree",
	Long: `Install extracts the archive (or copies the directory) at <path>, decides
per file what must change, saves displaced bytes for rollback, and lays the
new bytes down. Prints the new layer's UUID on success.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, cfg, err := openDepot(ctx, 11)
	if err != nil {
		return err
	}
	defer d.Close()

	layer, err := d.Install(ctx, args[0])
	if err != nil {
		if layer != nil && !cfg.DryRun {
			log.Warnf("install failed, rolling back: %v", err)
			if uerr := d.Uninstall(ctx, layer); uerr != nil {
				log.Errorf("unable to roll back installation, depot is inconsistent: %v", uerr)
			} else {
				log.Info("rollback successful")
			}
		}
		return err
	}
	if !cfg.DryRun {
		fmt.Fprintln(cmd.OutOrStdout(), layer.UUID)
	}
	return nil
}
