// Package libgraph builds the transitive dynamic-library dependency graph
// of a directory tree, resolving dyld path tokens against the search
// context inherited along each chain of loaders.
package libgraph

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/delocate/pkg/macho"
	"github.com/blacktop/delocate/pkg/resolve"
	"github.com/dominikbraun/graph"
	"golang.org/x/sync/errgroup"
)

// Reader is the Mach-O inspection surface the grapher consumes.
type Reader interface {
	Read(path string) (*macho.Info, error)
}

// Missing is a dependency reference that could not be resolved.
type Missing struct {
	Name   string // raw dependency string
	Loader string // file that recorded it
}

// UnresolvedError aggregates every unresolved dependency found in a walk.
type UnresolvedError struct {
	Missing []Missing
}

func (e *UnresolvedError) Error() string {
	var sb strings.Builder
	sb.WriteString("could not find all dependencies:")
	for _, m := range e.Missing {
		fmt.Fprintf(&sb, "\n\t%s, needed by %s", m.Name, m.Loader)
	}
	return sb.String()
}

// Options control a tree walk.
type Options struct {
	Reader         Reader            // defaults to macho.Tool{}
	LibFilter      func(string) bool // files to inspect and follow (nil = all)
	CopyFilter     func(string) bool // dependencies to record (nil = all)
	ExecutablePath string            // @executable_path substitution (default: root)
	IgnoreMissing  bool              // demote unresolved dependencies to warnings
}

// Graph is the inverse dependency map of a tree: which files need which
// libraries. Vertices are canonical paths; an edge loader->dep carries the
// raw install name the loader used.
type Graph struct {
	Root    string
	Missing []Missing

	g graph.Graph[string, string]
}

// DylibsOnly is a LibFilter that restricts inspection to files with known
// dynamic library extensions.
func DylibsOnly(path string) bool {
	return strings.HasSuffix(path, ".so") || strings.HasSuffix(path, ".dylib")
}

// IsSystemLib reports whether path lives in a macOS system library tree.
func IsSystemLib(path string) bool {
	return strings.HasPrefix(path, "/usr/lib/") || strings.HasPrefix(path, "/System/")
}

// FilterSystemLibs is the default CopyFilter: everything but system trees.
func FilterSystemLibs(path string) bool {
	return !IsSystemLib(path)
}

// Class is the copy classification of a dependency path.
type Class int

const (
	ClassSystem Class = iota
	ClassSelf
	ClassExternal
)

// Classify buckets a resolved dependency path relative to root.
func Classify(dep, root string) Class {
	if IsSystemLib(dep) {
		return ClassSystem
	}
	if rel, err := filepath.Rel(root, dep); err == nil && !strings.HasPrefix(rel, "..") {
		return ClassSelf
	}
	return ClassExternal
}

// TreeLibs walks root and every library reachable from it and returns the
// inverse dependency graph. Files that are not Mach-O are skipped. With
// Options.IgnoreMissing unset, any unresolved dependency fails the walk
// (the graph is still returned for diagnostics).
func TreeLibs(root string, opts *Options) (*Graph, error) {
	if opts == nil {
		opts = &Options{}
	}
	rdr := opts.Reader
	if rdr == nil {
		rdr = macho.Tool{}
	}
	libFilt := opts.LibFilter
	if libFilt == nil {
		libFilt = func(string) bool { return true }
	}
	copyFilt := opts.CopyFilter
	if copyFilt == nil {
		copyFilt = func(string) bool { return true }
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if rp, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = rp
	}
	execPath := opts.ExecutablePath
	if execPath == "" {
		execPath = rootAbs
	}

	w := &walker{
		read:     rdr.Read,
		libFilt:  libFilt,
		copyFilt: copyFilt,
		exec:     execPath,
		envPaths: environmentRpaths(),
		infos:    make(map[string]*macho.Info),
		visited:  make(map[string]bool),
		lg: &Graph{
			Root: rootAbs,
			g:    graph.New(graph.StringHash, graph.Directed()),
		},
	}

	files, err := regularFiles(rootAbs)
	if err != nil {
		return nil, err
	}
	// Inspection of independent files can run in parallel; the traversal
	// below only mutates the graph and is sequential.
	if err := w.inspect(files); err != nil {
		return nil, err
	}
	for _, f := range files {
		w.walk(f, nil)
	}

	if len(w.lg.Missing) > 0 && !opts.IgnoreMissing {
		return w.lg, &UnresolvedError{Missing: w.lg.Missing}
	}
	return w.lg, nil
}

type walker struct {
	read     func(string) (*macho.Info, error)
	libFilt  func(string) bool
	copyFilt func(string) bool
	exec     string
	envPaths []string

	mu      sync.Mutex
	infos   map[string]*macho.Info
	visited map[string]bool
	lg      *Graph
}

// inspect is the parallel read phase: cache Mach-O views of all files.
func (w *walker) inspect(files []string) error {
	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for _, f := range files {
		eg.Go(func() error {
			info, err := w.read(f)
			if err != nil {
				if !errors.Is(err, macho.ErrNotMachO) {
					log.Warnf("skipping unreadable file %s: %v", f, err)
				}
				return nil
			}
			w.mu.Lock()
			w.infos[f] = info
			w.mu.Unlock()
			return nil
		})
	}
	return eg.Wait()
}

func (w *walker) info(path string) (*macho.Info, error) {
	w.mu.Lock()
	info, ok := w.infos[path]
	w.mu.Unlock()
	if ok {
		return info, nil
	}
	info, err := w.read(path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.infos[path] = info
	w.mu.Unlock()
	return info, nil
}

// walk visits path and, transitively, everything it loads. inherited is
// the resolved rpath list accumulated along the chain of loaders, so an
// @rpath reference satisfied upstream stays satisfied downstream.
func (w *walker) walk(path string, inherited []string) {
	if w.visited[path] {
		return
	}
	w.visited[path] = true
	if !w.libFilt(path) {
		log.Debugf("ignoring %s and its dependencies", path)
		return
	}
	info, err := w.info(path)
	if err != nil {
		if !errors.Is(err, macho.ErrNotMachO) {
			log.Debugf("skipping %s: %v", path, err)
		}
		return
	}

	loader := filepath.Dir(path)

	// Resolve this file's own rpaths against its own context before
	// stacking them in front of the inherited ones.
	rpaths := make([]string, 0, len(info.Rpaths)+len(inherited)+len(w.envPaths))
	for _, rp := range info.Rpaths {
		r, err := resolve.Resolve(rp, resolve.Context{Loader: loader, Executable: w.exec})
		if err != nil {
			log.Debugf("unusable rpath %s in %s: %v", rp, path, err)
			continue
		}
		rpaths = append(rpaths, r)
	}
	rpaths = append(rpaths, inherited...)
	rpaths = append(rpaths, w.envPaths...)

	ctx := resolve.Context{Loader: loader, Executable: w.exec, Rpaths: rpaths}

	for _, raw := range info.Deps {
		dep, err := resolve.Resolve(raw, ctx)
		if err != nil {
			if !w.copyFilt(raw) {
				// failures on references the copy filter excludes are
				// not fatal, nothing would have been copied anyway
				log.Warnf("cannot resolve excluded dependency %s of %s: %v", raw, path, err)
				continue
			}
			w.missing(raw, path)
			continue
		}
		if _, err := os.Stat(dep); err != nil {
			if IsSystemLib(dep) {
				log.Debugf("skipped missing dependency %s (system library)", dep)
				continue
			}
			w.missing(raw, path)
			continue
		}
		if dep != raw {
			log.Debugf("%s resolved to %s", raw, dep)
		}
		if w.copyFilt(dep) {
			w.addEdge(path, dep, raw)
		}
		if w.libFilt(dep) && w.copyFilt(dep) {
			w.walk(dep, rpaths)
		}
	}
}

func (w *walker) missing(raw, loader string) {
	log.Errorf("%s not found, needed by %s", raw, loader)
	w.lg.Missing = append(w.lg.Missing, Missing{Name: raw, Loader: loader})
}

func (w *walker) addEdge(loader, dep, raw string) {
	w.lg.g.AddVertex(loader)
	w.lg.g.AddVertex(dep)
	if err := w.lg.g.AddEdge(loader, dep, graph.EdgeData(raw)); err != nil &&
		!errors.Is(err, graph.ErrEdgeAlreadyExists) {
		log.Debugf("failed to add edge %s -> %s: %v", loader, dep, err)
	}
}

// Map returns the inverse dependency map: resolved dependency path to the
// set of loaders referencing it, each with the raw install name it used.
func (lg *Graph) Map() map[string]map[string]string {
	out := make(map[string]map[string]string)
	adj, err := lg.g.AdjacencyMap()
	if err != nil {
		return out
	}
	for loader, targets := range adj {
		for dep, edge := range targets {
			if out[dep] == nil {
				out[dep] = make(map[string]string)
			}
			raw, _ := edge.Properties.Data.(string)
			out[dep][loader] = raw
		}
	}
	return out
}

// SortedDeps returns the keys of an inverse dependency map in lexical
// order, for deterministic iteration.
func SortedDeps(m map[string]map[string]string) []string {
	deps := make([]string, 0, len(m))
	for d := range m {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

// Dependencies returns the resolved dependency paths in lexical order.
func (lg *Graph) Dependencies() []string {
	m := lg.Map()
	deps := make([]string, 0, len(m))
	for d := range m {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

// environmentRpaths returns DYLD_LIBRARY_PATH and
// DYLD_FALLBACK_LIBRARY_PATH entries, searched after recorded rpaths.
func environmentRpaths() []string {
	var paths []string
	for _, varname := range []string{"DYLD_LIBRARY_PATH", "DYLD_FALLBACK_LIBRARY_PATH"} {
		if val := os.Getenv(varname); val != "" {
			for _, dir := range strings.Split(val, ":") {
				if dir != "" {
					paths = append(paths, dir)
				}
			}
		}
	}
	return paths
}

// regularFiles lists every regular file under root, canonicalized,
// in lexical walk order.
func regularFiles(root string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if rp, err := filepath.EvalSymlinks(path); err == nil {
			path = rp
		}
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
