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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"rootup/internal/common"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <path>",
	Short: "Install a new root and uninstall the previous one with the same name",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpgrade,
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, cfg, err := openDepot(ctx, 12)
	if err != nil {
		return err
	}
	defer d.Close()

	layer, err := d.Upgrade(ctx, args[0])
	if err != nil {
		if errors.Is(err, common.ErrSelectorNotFound) {
			return withCode(5, err)
		}
		return err
	}
	if !cfg.DryRun {
		fmt.Fprintln(cmd.OutOrStdout(), layer.UUID)
	}
	return nil
}
