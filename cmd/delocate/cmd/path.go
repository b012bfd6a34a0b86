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
	"github.com/blacktop/delocate/pkg/delocate"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(pathCmd)

	pathCmd.Flags().StringP("lib-sdir", "L", ".dylibs", "Subdirectory to copy library dependencies into")
	pathCmd.Flags().String("require-archs", "", "Architectures that all libraries should have (e.g. 'intel', 'universal2', 'x86_64,arm64')")
	pathCmd.Flags().String("executable-path", "", "The path used to resolve @executable_path in dependencies")
	pathCmd.Flags().StringSliceP("exclude", "e", nil, "Exclude any libraries where path includes the given string")
	pathCmd.Flags().BoolP("dylibs-only", "d", false, "Only analyze files with known dynamic library extensions")
	pathCmd.Flags().Bool("ignore-missing-dependencies", false, "Skip dependencies which couldn't be found and delocate as much as possible")
	viper.BindPFlag("path.lib-sdir", pathCmd.Flags().Lookup("lib-sdir"))
	viper.BindPFlag("path.require-archs", pathCmd.Flags().Lookup("require-archs"))
	viper.BindPFlag("path.executable-path", pathCmd.Flags().Lookup("executable-path"))
	viper.BindPFlag("path.exclude", pathCmd.Flags().Lookup("exclude"))
	viper.BindPFlag("path.dylibs-only", pathCmd.Flags().Lookup("dylibs-only"))
	viper.BindPFlag("path.ignore-missing-dependencies", pathCmd.Flags().Lookup("ignore-missing-dependencies"))
	pathCmd.MarkZshCompPositionalArgumentFile(1)
}

// pathCmd represents the path command
var pathCmd = &cobra.Command{
	Use:           "path <PATH>...",
	Short:         "Delocate a directory tree in place",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		libSdir := viper.GetString("path.lib-sdir")

		multi := len(args) > 1
		for _, root := range args {
			root = filepath.Clean(root)
			if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
				return fmt.Errorf("path %s is not a directory", root)
			}
			if multi {
				log.Infof("delocating %s", root)
			}

			sidecar := filepath.Join(root, libSdir)
			copied, err := delocate.Path(root, func(string) string { return sidecar }, &delocate.Options{
				LibFilter:      libFilter(viper.GetBool("path.dylibs-only")),
				CopyFilter:     copyFilter(viper.GetStringSlice("path.exclude")),
				ExecutablePath: viper.GetString("path.executable-path"),
				IgnoreMissing:  viper.GetBool("path.ignore-missing-dependencies"),
			})
			if err != nil {
				return err
			}

			if archs := requireArchs(viper.GetString("path.require-archs"), cmd.Flags().Changed("require-archs")); archs != nil {
				problems, err := delocate.CheckArchs(root, copied, archs, nil)
				if err != nil {
					return err
				}
				if len(problems) > 0 {
					return &delocate.ArchitectureError{Problems: problems}
				}
			}

			log.Infof("copied %d libraries into %s", len(copied), sidecar)
		}
		return nil
	},
}
