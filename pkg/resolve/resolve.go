// Package resolve expands the dyld magic path tokens `@loader_path`,
// `@executable_path` and `@rpath` the way the dynamic linker would, against
// a search context inherited along the chain of loaders.
package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Context is the search state a dependency string is resolved against.
type Context struct {
	Loader     string   // directory of the file doing the loading
	Executable string   // directory substituted for @executable_path
	Rpaths     []string // LC_RPATH entries accumulated along the loader chain
}

// DependencyNotFoundError reports a raw reference that no rule could
// satisfy, identifying the loader that requested it.
type DependencyNotFoundError struct {
	Name   string   // the raw dependency string
	Loader string   // directory of the file that requested it
	Rpaths []string // search path at the time of failure
}

func (e *DependencyNotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found, needed by %s", e.Name, e.Loader)
	if strings.HasPrefix(e.Name, "@rpath") && len(e.Rpaths) > 0 {
		msg += fmt.Sprintf(" (search path: %s)", strings.Join(e.Rpaths, ":"))
	}
	return msg
}

// Resolve returns the canonical absolute path the raw dependency string
// name points at under ctx.
//
// References with no magic prefix and no directory component are malformed
// for distribution purposes (an install id that was never baked in); they
// resolve only if a file of that basename sits next to the loader.
func Resolve(name string, ctx Context) (string, error) {
	switch {
	case strings.HasPrefix(name, "@executable_path/"):
		return realpath(filepath.Join(ctx.Executable, strings.TrimPrefix(name, "@executable_path/"))), nil
	case strings.HasPrefix(name, "@loader_path/"):
		return realpath(filepath.Join(ctx.Loader, strings.TrimPrefix(name, "@loader_path/"))), nil
	case strings.HasPrefix(name, "@rpath/"):
		rest := strings.TrimPrefix(name, "@rpath/")
		for _, rp := range ctx.Rpaths {
			dir, err := Resolve(rp, Context{Loader: ctx.Loader, Executable: ctx.Executable})
			if err != nil {
				continue
			}
			if candidate := filepath.Join(dir, rest); exists(candidate) {
				return realpath(candidate), nil
			}
		}
		return "", &DependencyNotFoundError{Name: name, Loader: ctx.Loader, Rpaths: ctx.Rpaths}
	case filepath.IsAbs(name):
		return searchEnvironment(name), nil
	}
	// No magic prefix and not absolute. If a file with that basename sits
	// next to the loader use it, otherwise the reference is unresolvable.
	if candidate := filepath.Join(ctx.Loader, filepath.Base(name)); exists(candidate) {
		return realpath(candidate), nil
	}
	return "", &DependencyNotFoundError{Name: name, Loader: ctx.Loader}
}

// searchEnvironment looks up an absolute dependency the way dyld does for
// names with a directory component: DYLD_LIBRARY_PATH by basename, then the
// recorded path itself, then DYLD_FALLBACK_LIBRARY_PATH by basename.
func searchEnvironment(name string) string {
	base := filepath.Base(name)
	var candidates []string
	candidates = append(candidates, pathsFromVar("DYLD_LIBRARY_PATH", base)...)
	candidates = append(candidates, name)
	candidates = append(candidates, pathsFromVar("DYLD_FALLBACK_LIBRARY_PATH", base)...)
	for _, c := range candidates {
		if exists(c) {
			return realpath(c)
		}
	}
	return realpath(name)
}

func pathsFromVar(varname, base string) []string {
	val := os.Getenv(varname)
	if val == "" {
		return nil
	}
	var paths []string
	for _, dir := range strings.Split(val, ":") {
		if dir != "" {
			paths = append(paths, filepath.Join(dir, base))
		}
	}
	return paths
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// realpath collapses symlinks when the target exists, otherwise it cleans
// the path lexically so missing system libraries keep a stable key.
func realpath(path string) string {
	if rp, err := filepath.EvalSymlinks(path); err == nil {
		return rp
	}
	return filepath.Clean(path)
}
