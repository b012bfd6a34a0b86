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
	"errors"
	"os"
	"strings"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/blacktop/delocate/pkg/delocate"
	"github.com/blacktop/delocate/pkg/fuse"
	"github.com/blacktop/delocate/pkg/libgraph"
	"github.com/blacktop/delocate/pkg/resolve"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	exitUsage          = 1
	exitUnresolved     = 2
	exitArchDeficit    = 3
	exitIrreconcilable = 4
	exitUnexpected     = 5
)

var (
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool

	// ran flips once a subcommand starts running, so failures before that
	// point (bad flags, bad args) exit with the usage code.
	ran bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "delocate",
	Short: "Make macOS Python wheels self-contained",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ran = true
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	log.Error(err.Error())
	if !ran {
		os.Exit(exitUsage)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var unresolved *libgraph.UnresolvedError
	var notFound *resolve.DependencyNotFoundError
	var archs *delocate.ArchitectureError
	var merge *fuse.IrreconcilableError
	switch {
	case errors.As(err, &unresolved), errors.As(err, &notFound):
		return exitUnresolved
	case errors.As(err, &archs):
		return exitArchDeficit
	case errors.As(err, &merge):
		return exitIrreconcilable
	}
	return exitUnexpected
}

func init() {
	log.SetHandler(clihander.Default)

	// Flags
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindEnv("color", "CLICOLOR")
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// copyFilter builds the library copy filter from the --exclude rules:
// anything in a system tree is never copied, and neither is a library
// whose path contains one of the exclude strings.
func copyFilter(excludes []string) func(string) bool {
	if len(excludes) == 0 {
		return libgraph.FilterSystemLibs
	}
	return func(name string) bool {
		for _, exclude := range excludes {
			if strings.Contains(name, exclude) {
				log.Infof("%s excluded because of exclude %q rule", name, exclude)
				return false
			}
		}
		return libgraph.FilterSystemLibs(name)
	}
}

// libFilter honors --dylibs-only.
func libFilter(dylibsOnly bool) func(string) bool {
	if dylibsOnly {
		return libgraph.DylibsOnly
	}
	return nil
}

// requireArchs parses --require-archs; returns nil when unset so callers
// skip the check entirely.
func requireArchs(s string, set bool) []string {
	if !set {
		return nil
	}
	return delocate.ParseRequireArchs(s)
}
