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
	"github.com/spf13/cobra"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <selector>",
	Short: "Uninstall archives, restoring what was there before",
	Long: `Uninstall removes the selected layers. A selector is a UUID, a serial, a
bare name (newest wins), or one of: newest, oldest, superseded, all.`,
	Args: cobra.ExactArgs(1),
	RunE: runUninstall,
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, _, err := openDepot(ctx, 13)
	if err != nil {
		return err
	}
	defer d.Close()

	layers, err := d.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	for _, l := range layers {
		if err := d.Uninstall(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
