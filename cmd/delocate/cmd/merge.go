/*
Copyright © 2024 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/delocate/pkg/fuse"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(mergeCmd)

	mergeCmd.Flags().StringP("wheel-dir", "w", "", "Directory to store the merged wheel (required)")
	mergeCmd.MarkFlagRequired("wheel-dir")
	viper.BindPFlag("merge.wheel-dir", mergeCmd.Flags().Lookup("wheel-dir"))
	mergeCmd.MarkZshCompPositionalArgumentFile(1, "*.whl")
	mergeCmd.MarkZshCompPositionalArgumentFile(2, "*.whl")
}

// mergeCmd represents the merge command
var mergeCmd = &cobra.Command{
	Use:           "merge <WHEEL> <WHEEL>",
	Aliases:       []string{"fuse"},
	Short:         "Fuse two wheels of different architectures into one universal wheel",
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		for _, w := range args {
			if _, err := os.Stat(w); err != nil {
				return fmt.Errorf("wheel %s does not exist", w)
			}
		}

		wheelDir := viper.GetString("merge.wheel-dir")
		if err := os.MkdirAll(wheelDir, 0755); err != nil {
			return err
		}

		out, err := fuse.Wheels(filepath.Clean(args[0]), filepath.Clean(args[1]), wheelDir, nil)
		if err != nil {
			return err
		}
		log.Infof("merged wheel written to %s", out)

		return nil
	},
}
