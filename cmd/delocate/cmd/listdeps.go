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

	"github.com/blacktop/delocate/pkg/libgraph"
	"github.com/blacktop/delocate/pkg/wheel"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(listdepsCmd)

	listdepsCmd.Flags().BoolP("all", "a", false, "Show all dependencies, including system libs")
	listdepsCmd.Flags().BoolP("depending", "d", false, "Show libraries depending on dependencies")
	listdepsCmd.Flags().Bool("dylibs-only", false, "Only analyze files with known dynamic library extensions")
	viper.BindPFlag("listdeps.all", listdepsCmd.Flags().Lookup("all"))
	viper.BindPFlag("listdeps.depending", listdepsCmd.Flags().Lookup("depending"))
	viper.BindPFlag("listdeps.dylibs-only", listdepsCmd.Flags().Lookup("dylibs-only"))
	listdepsCmd.MarkZshCompPositionalArgumentFile(1)
}

// listdepsCmd represents the listdeps command
var listdepsCmd = &cobra.Command{
	Use:           "listdeps <WHEEL_OR_PATH>...",
	Aliases:       []string{"ls"},
	Short:         "List library dependencies of a tree or wheel",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		color.NoColor = !viper.GetBool("color")

		all := viper.GetBool("listdeps.all")
		depending := viper.GetBool("listdeps.depending")

		multi := len(args) > 1
		for _, path := range args {
			path = filepath.Clean(path)
			fi, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("path %s does not exist", path)
			}
			indent := ""
			if multi {
				fmt.Printf("%s:\n", path)
				indent = "   "
			}

			var libDict map[string]map[string]string
			if fi.IsDir() {
				var copyFilt func(string) bool
				if !all {
					copyFilt = libgraph.FilterSystemLibs
				}
				lg, err := libgraph.TreeLibs(path, &libgraph.Options{
					LibFilter:     libFilter(viper.GetBool("listdeps.dylibs-only")),
					CopyFilter:    copyFilt,
					IgnoreMissing: true,
				})
				if err != nil {
					return err
				}
				libDict = lg.Map()
			} else {
				libDict, err = wheel.Libs(path, all, &wheel.Options{
					LibFilter:     libFilter(viper.GetBool("listdeps.dylibs-only")),
					IgnoreMissing: true,
				})
				if err != nil {
					return err
				}
			}

			keys := libgraph.SortedDeps(libDict)
			if !all {
				filtered := keys[:0]
				for _, key := range keys {
					if libgraph.FilterSystemLibs(key) {
						filtered = append(filtered, key)
					}
				}
				keys = filtered
			}
			bold := color.New(color.Bold).SprintFunc()
			for _, key := range keys {
				fmt.Printf("%s%s\n", indent, bold(key))
				if !depending {
					continue
				}
				loaders := make([]string, 0, len(libDict[key]))
				for loader := range libDict[key] {
					loaders = append(loaders, loader)
				}
				sort.Strings(loaders)
				for _, loader := range loaders {
					fmt.Printf("%s    %s\n", indent, loader)
				}
			}
		}
		return nil
	},
}
