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
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/delocate/pkg/wheel"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(wheelCmd)

	wheelCmd.Flags().StringP("lib-sdir", "L", ".dylibs", "Subdirectory in packages to store copied libraries")
	wheelCmd.Flags().StringP("wheel-dir", "w", "", "Directory to store delocated wheels (default is to overwrite input)")
	wheelCmd.Flags().String("require-archs", "", "Architectures that all wheel libraries should have (e.g. 'intel', 'universal2', 'x86_64,arm64')")
	wheelCmd.Flags().String("executable-path", "", "The path used to resolve @executable_path in dependencies")
	wheelCmd.Flags().StringSliceP("exclude", "e", nil, "Exclude any libraries where path includes the given string")
	wheelCmd.Flags().BoolP("dylibs-only", "d", false, "Only analyze files with known dynamic library extensions")
	wheelCmd.Flags().Bool("ignore-missing-dependencies", false, "Skip dependencies which couldn't be found and delocate as much as possible")
	viper.BindPFlag("wheel.lib-sdir", wheelCmd.Flags().Lookup("lib-sdir"))
	viper.BindPFlag("wheel.wheel-dir", wheelCmd.Flags().Lookup("wheel-dir"))
	viper.BindPFlag("wheel.require-archs", wheelCmd.Flags().Lookup("require-archs"))
	viper.BindPFlag("wheel.executable-path", wheelCmd.Flags().Lookup("executable-path"))
	viper.BindPFlag("wheel.exclude", wheelCmd.Flags().Lookup("exclude"))
	viper.BindPFlag("wheel.dylibs-only", wheelCmd.Flags().Lookup("dylibs-only"))
	viper.BindPFlag("wheel.ignore-missing-dependencies", wheelCmd.Flags().Lookup("ignore-missing-dependencies"))
	wheelCmd.MarkZshCompPositionalArgumentFile(1, "*.whl")
}

// wheelCmd represents the wheel command
var wheelCmd = &cobra.Command{
	Use:           "wheel <WHEEL>...",
	Short:         "Copy and relink library dependencies for a wheel",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		wheelDir := viper.GetString("wheel.wheel-dir")
		if wheelDir != "" {
			if err := os.MkdirAll(wheelDir, 0755); err != nil {
				return err
			}
		}

		multi := len(args) > 1
		for _, inWheel := range args {
			inWheel = filepath.Clean(inWheel)
			if _, err := os.Stat(inWheel); err != nil {
				return fmt.Errorf("wheel %s does not exist", inWheel)
			}
			if multi || viper.GetBool("verbose") {
				log.Infof("fixing %s", inWheel)
			}

			outWheel := ""
			if wheelDir != "" {
				outWheel = filepath.Join(wheelDir, filepath.Base(inWheel))
			}

			copied, err := wheel.Delocate(inWheel, outWheel, &wheel.Options{
				LibSdir:        viper.GetString("wheel.lib-sdir"),
				RequireArchs:   requireArchs(viper.GetString("wheel.require-archs"), cmd.Flags().Changed("require-archs")),
				LibFilter:      libFilter(viper.GetBool("wheel.dylibs-only")),
				CopyFilter:     copyFilter(viper.GetStringSlice("wheel.exclude")),
				ExecutablePath: viper.GetString("wheel.executable-path"),
				IgnoreMissing:  viper.GetBool("wheel.ignore-missing-dependencies"),
			})
			if err != nil {
				return err
			}

			if len(copied) > 0 {
				srcs := make([]string, 0, len(copied))
				for src := range copied {
					srcs = append(srcs, src)
				}
				sort.Strings(srcs)
				log.Infof("copied into package %s directory:", viper.GetString("wheel.lib-sdir"))
				for _, src := range srcs {
					log.Infof("  %s", src)
				}
			}
		}
		return nil
	},
}
