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

var filesCmd = &cobra.Command{
	Use:   "files <selector>",
	Short: "Show the file records of the selected archives",
	Args:  cobra.ExactArgs(1),
	RunE:  runFiles,
}

func init() {
	rootCmd.AddCommand(filesCmd)
}

func runFiles(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, _, err := openDepot(ctx, 15)
	if err != nil {
		return err
	}
	defer d.Close()

	layers, err := d.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	for _, l := range layers {
		if err := d.Files(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
