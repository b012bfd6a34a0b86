// Package delocate copies external dynamic libraries into a tree and
// rewrites every load command so the tree resolves its dependencies from
// itself via @loader_path-relative references.
package delocate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/delocate/internal/utils"
	"github.com/blacktop/delocate/pkg/libgraph"
	"github.com/blacktop/delocate/pkg/macho"
	"github.com/twmb/murmur3"
)

// Editor is the Mach-O surface the delocator consumes.
type Editor interface {
	Read(path string) (*macho.Info, error)
	SetInstallID(path, id string) error
	ChangeDependency(path, oldName, newName string) error
	DeleteRpath(path, rpath string) error
}

// DelocationError reports a delocation that could not be carried out.
type DelocationError struct {
	Reason string
	Err    error
}

func (e *DelocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *DelocationError) Unwrap() error { return e.Err }

// SidecarFunc maps a loader file to the sidecar directory its copies land
// in. Returning the same directory for every loader gives a single shared
// sidecar; the wheel driver returns per-package directories.
type SidecarFunc func(loader string) string

// Options control a delocation run.
type Options struct {
	Tool           Editor            // defaults to macho.Tool{}
	LibFilter      func(string) bool // files to inspect (nil = all)
	CopyFilter     func(string) bool // external deps to copy (nil = non-system)
	ExecutablePath string            // @executable_path substitution
	IgnoreMissing  bool              // keep going past unresolved dependencies
}

func (o *Options) tool() Editor {
	if o.Tool == nil {
		return macho.Tool{}
	}
	return o.Tool
}

// Path delocates the tree at root, placing copies of external libraries in
// the directory sidecarFor assigns to each loader. It runs full passes
// until a pass performs no copies, so dependencies of copies are pulled in
// transitively. The returned map has the original (pre-copy) library paths
// as keys and, per key, the loaders that referenced it with the raw name
// each used.
func Path(root string, sidecarFor SidecarFunc, opts *Options) (map[string]map[string]string, error) {
	if opts == nil {
		opts = &Options{}
	}
	copyFilt := opts.CopyFilter
	if copyFilt == nil {
		copyFilt = libgraph.FilterSystemLibs
	}
	libFilt := opts.LibFilter
	if libFilt == nil {
		libFilt = func(string) bool { return true }
	}
	// Dependencies that will not be copied are not worth following either.
	filt := func(path string) bool { return libFilt(path) && copyFilt(path) }

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if rp, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = rp
	}

	copied := make(map[string]map[string]string)
	for {
		lg, err := libgraph.TreeLibs(rootAbs, &libgraph.Options{
			Reader:         opts.tool(),
			LibFilter:      filt,
			CopyFilter:     filt,
			ExecutablePath: opts.ExecutablePath,
			IgnoreMissing:  opts.IgnoreMissing,
		})
		if err != nil {
			return nil, err
		}
		n, err := delocatePass(lg, rootAbs, sidecarFor, opts.tool(), copied)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}

	if err := scrubRpaths(rootAbs, opts.tool(), opts.ExecutablePath); err != nil {
		return nil, err
	}
	return copied, nil
}

// delocatePass copies the externals of one graph snapshot and rewrites
// every reference, returning the number of copies performed.
func delocatePass(lg *libgraph.Graph, root string, sidecarFor SidecarFunc, tool Editor, copied map[string]map[string]string) (int, error) {
	libDict := lg.Map()

	// Plan before mutating anything so a malformed graph aborts the pass
	// with the tree untouched.
	var externals, selfLibs []string
	isExternal := make(map[string]bool)
	for _, dep := range libgraph.SortedDeps(libDict) {
		switch libgraph.Classify(dep, root) {
		case libgraph.ClassSystem:
			continue
		case libgraph.ClassSelf:
			selfLibs = append(selfLibs, dep)
			continue
		}
		if strings.HasPrefix(dep, "@") {
			return 0, &DelocationError{Reason: fmt.Sprintf("%s was expected to be resolved", dep)}
		}
		if _, err := os.Stat(dep); err != nil {
			return 0, &DelocationError{Reason: fmt.Sprintf("library %q does not exist", dep)}
		}
		externals = append(externals, dep)
		isExternal[dep] = true
	}

	// One external may serve loaders in several packages; it gets a copy
	// in each package's sidecar. A loader that is itself external pulls
	// its dependencies into every sidecar receiving a copy of it, so the
	// copy finds them next to itself.
	destDirs := make(map[string]map[string]bool) // src -> sidecar dirs
	for _, dep := range externals {
		destDirs[dep] = make(map[string]bool)
		for loader := range libDict[dep] {
			if !isExternal[loader] {
				destDirs[dep][sidecarFor(loader)] = true
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for _, dep := range externals {
			for loader := range libDict[dep] {
				if !isExternal[loader] {
					continue
				}
				for dir := range destDirs[loader] {
					if !destDirs[dep][dir] {
						destDirs[dep][dir] = true
						changed = true
					}
				}
			}
		}
	}

	type plannedCopy struct {
		src  string
		dest string
	}
	var plan []plannedCopy
	destName := make(map[string]map[string]string) // sidecar dir -> src -> filename
	for _, dep := range externals {
		for _, dir := range utils.SortedKeys(destDirs[dep]) {
			if destName[dir] == nil {
				destName[dir] = make(map[string]string)
			}
			name := sidecarName(dep, destName[dir])
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				// an earlier pass already placed a different library
				// under this basename
				name = fmt.Sprintf("%08x-%s", murmur3.Sum32([]byte(dep)), filepath.Base(dep))
			}
			destName[dir][dep] = name
			plan = append(plan, plannedCopy{src: dep, dest: filepath.Join(dir, name)})
		}
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].dest < plan[j].dest })
	for _, pc := range plan {
		log.Infof("copying library %s to %s", pc.src, relTo(pc.dest, root))
		if err := copyLib(pc.src, pc.dest); err != nil {
			return 0, &DelocationError{Reason: fmt.Sprintf("failed to copy %s", pc.src), Err: err}
		}
		// The copy loads from its own directory.
		if info, err := tool.Read(pc.dest); err == nil && info.IsDylib() {
			if err := tool.SetInstallID(pc.dest, "@loader_path/"+filepath.Base(pc.dest)); err != nil {
				return 0, &DelocationError{Reason: fmt.Sprintf("failed to set install id of %s", pc.dest), Err: err}
			}
		}
	}

	// Rewrite references to copied externals. References held by an
	// external loader are rewritten in its copies, never in the original
	// outside the tree.
	for _, src := range externals {
		for loader, raw := range libDict[src] {
			if isExternal[loader] {
				for dir := range destDirs[loader] {
					loaderCopy := filepath.Join(dir, destName[dir][loader])
					dest := filepath.Join(dir, destName[dir][src])
					newName := "@loader_path/" + relTo(dest, filepath.Dir(loaderCopy))
					log.Infof("modifying install name in %s: %s -> %s", relTo(loaderCopy, root), raw, newName)
					if err := tool.ChangeDependency(loaderCopy, raw, newName); err != nil {
						return 0, &DelocationError{Reason: fmt.Sprintf("failed to rewrite %s in %s", raw, loaderCopy), Err: err}
					}
				}
				record(copied, src, loader, raw)
				continue
			}
			dir := sidecarFor(loader)
			dest := filepath.Join(dir, destName[dir][src])
			newName := "@loader_path/" + relTo(dest, filepath.Dir(loader))
			log.Infof("modifying install name in %s: %s -> %s", relTo(loader, root), raw, newName)
			if err := tool.ChangeDependency(loader, raw, newName); err != nil {
				return 0, &DelocationError{Reason: fmt.Sprintf("failed to rewrite %s in %s", raw, loader), Err: err}
			}
			record(copied, src, loader, raw)
		}
	}

	// References to in-tree libraries become @loader_path-relative too, so
	// the tree keeps working wherever it is unpacked.
	for _, dep := range selfLibs {
		for loader, raw := range libDict[dep] {
			newName := "@loader_path/" + relTo(dep, filepath.Dir(loader))
			if raw == newName {
				continue
			}
			log.Debugf("modifying install name in %s: %s -> %s", relTo(loader, root), raw, newName)
			if err := tool.ChangeDependency(loader, raw, newName); err != nil {
				return 0, &DelocationError{Reason: fmt.Sprintf("failed to rewrite %s in %s", raw, loader), Err: err}
			}
		}
	}

	return len(plan), nil
}

// sidecarName picks the destination filename for src inside one sidecar.
// Distinct sources with the same basename are disambiguated with a short
// hash of the source path.
func sidecarName(src string, taken map[string]string) string {
	base := filepath.Base(src)
	for other, name := range taken {
		if name == base && other != src {
			return fmt.Sprintf("%08x-%s", murmur3.Sum32([]byte(src)), base)
		}
	}
	return base
}

func record(copied map[string]map[string]string, src, loader, raw string) {
	if copied[src] == nil {
		copied[src] = make(map[string]string)
	}
	copied[src][loader] = raw
}

// copyLib copies the (already symlink-collapsed) library src to dest,
// preserving the source mode plus the write bit.
func copyLib(src, dest string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm()|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scrubRpaths removes LC_RPATH entries that point outside the tree; after
// delocation every reference is fully resolved so they only leak build
// machine paths.
func scrubRpaths(root string, tool Editor, execPath string) error {
	if execPath == "" {
		execPath = root
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		info, err := tool.Read(path)
		if err != nil {
			return nil // not Mach-O
		}
		for _, rp := range info.Rpaths {
			resolved, err := resolveRpath(rp, filepath.Dir(path), execPath)
			if err == nil && libgraph.Classify(resolved, root) == libgraph.ClassSelf {
				continue
			}
			log.Debugf("deleting rpath %s from %s", rp, relTo(path, root))
			if err := tool.DeleteRpath(path, rp); err != nil {
				return &DelocationError{Reason: fmt.Sprintf("failed to delete rpath %s from %s", rp, path), Err: err}
			}
		}
		return nil
	})
}

func resolveRpath(rp, loader, execPath string) (string, error) {
	switch {
	case strings.HasPrefix(rp, "@loader_path/"):
		return filepath.Join(loader, strings.TrimPrefix(rp, "@loader_path/")), nil
	case strings.HasPrefix(rp, "@executable_path/"):
		return filepath.Join(execPath, strings.TrimPrefix(rp, "@executable_path/")), nil
	case filepath.IsAbs(rp):
		return rp, nil
	}
	return "", fmt.Errorf("relative rpath %s", rp)
}

func relTo(path, base string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
