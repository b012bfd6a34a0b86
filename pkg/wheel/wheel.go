// Package wheel unpacks, delocates and repacks Python wheel archives,
// keeping the dist-info RECORD consistent with the rewritten tree.
package wheel

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/delocate/pkg/delocate"
	"github.com/blacktop/delocate/pkg/libgraph"
	"github.com/blacktop/delocate/pkg/macho"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Options control wheel delocation.
type Options struct {
	LibSdir        string            // sidecar directory name (default ".dylibs")
	RequireArchs   []string          // nil = no check; empty = pairwise check
	Tool           delocate.Editor   // defaults to macho.Tool{}
	LibFilter      func(string) bool // files to inspect (nil = all)
	CopyFilter     func(string) bool // deps to copy (nil = non-system)
	ExecutablePath string
	IgnoreMissing  bool
}

func (o *Options) tool() delocate.Editor {
	if o == nil || o.Tool == nil {
		return macho.Tool{}
	}
	return o.Tool
}

// Unpack extracts the wheel archive into dest, preserving mode bits.
func Unpack(wheelPath, dest string) error {
	r, err := zip.OpenReader(wheelPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open wheel %s", wheelPath)
	}
	defer r.Close()

	for _, f := range r.File {
		name := filepath.FromSlash(f.Name)
		if strings.Contains(name, "..") {
			return fmt.Errorf("refusing to extract unsafe path %q", f.Name)
		}
		path := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		mode := f.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return err
		}
		out.Close()
		rc.Close()
	}
	return nil
}

// Pack archives dir into wheelPath deterministically: lexical entry order,
// mode bits preserved, and fixed timestamps when SOURCE_DATE_EPOCH is set.
// The archive is assembled next to wheelPath and committed with a rename.
func Pack(dir, wheelPath string) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	var stamp time.Time
	if sde := os.Getenv("SOURCE_DATE_EPOCH"); sde != "" {
		epoch, err := strconv.ParseInt(sde, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SOURCE_DATE_EPOCH %q: %v", sde, err)
		}
		stamp = time.Unix(epoch, 0).UTC()
	}

	if err := os.MkdirAll(filepath.Dir(wheelPath), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(wheelPath), "."+filepath.Base(wheelPath)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	for _, path := range files {
		fi, err := os.Stat(path)
		if err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
		hdr := &zip.FileHeader{
			Name:   filepath.ToSlash(rel),
			Method: zip.Deflate,
		}
		hdr.SetMode(fi.Mode().Perm())
		if !stamp.IsZero() {
			hdr.Modified = stamp
		} else {
			hdr.Modified = fi.ModTime()
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			in.Close()
			zw.Close()
			tmp.Close()
			return err
		}
		in.Close()
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), wheelPath); err != nil {
		return errors.Wrapf(err, "failed to move archive to %s", wheelPath)
	}
	if fi, err := os.Stat(wheelPath); err == nil {
		log.Infof("wrote %s (%s)", wheelPath, humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}

// FindPackageDirs returns the top-level package roots of an unpacked
// wheel: directories with an __init__ file, plus directories declared in
// top_level.txt (namespace packages have no __init__ but still form a
// package root).
func FindPackageDirs(root string) ([]string, error) {
	declared := make(map[string]bool)
	if distInfo, err := DistInfoDir(root); err == nil {
		if data, err := os.ReadFile(filepath.Join(distInfo, "top_level.txt")); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					declared[line] = true
				}
			}
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".dist-info") || strings.HasSuffix(e.Name(), ".data") {
			continue
		}
		path := filepath.Join(root, e.Name())
		if declared[e.Name()] {
			dirs = append(dirs, path)
			continue
		}
		if matches, _ := filepath.Glob(filepath.Join(path, "__init__.*")); len(matches) > 0 {
			dirs = append(dirs, path)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Delocate copies the external libraries a wheel links against into
// per-package sidecar directories and rewrites every load command, then
// repacks the wheel. With outWheel empty the input is overwritten in
// place; the rename at the end is the only externally visible commit.
func Delocate(inWheel, outWheel string, opts *Options) (map[string]map[string]string, error) {
	if opts == nil {
		opts = &Options{}
	}
	libSdir := opts.LibSdir
	if libSdir == "" {
		libSdir = ".dylibs"
	}

	inWheel, err := filepath.Abs(inWheel)
	if err != nil {
		return nil, err
	}
	if outWheel == "" {
		outWheel = inWheel
	} else if outWheel, err = filepath.Abs(outWheel); err != nil {
		return nil, err
	}
	inPlace := inWheel == outWheel

	tmp, err := os.MkdirTemp("", "delocate")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	wheelDir := filepath.Join(tmp, "wheel")

	if err := Unpack(inWheel, wheelDir); err != nil {
		return nil, err
	}
	if rp, err := filepath.EvalSymlinks(wheelDir); err == nil {
		wheelDir = rp
	}
	if err := VerifyRecord(wheelDir); err != nil {
		if cw, ok := err.(*CorruptWheelError); ok {
			cw.Wheel = inWheel
		}
		return nil, err
	}

	pkgName := strings.SplitN(filepath.Base(inWheel), "-", 2)[0]
	pkgDirs, err := FindPackageDirs(wheelDir)
	if err != nil {
		return nil, err
	}
	sidecarFor := sidecarPolicy(wheelDir, pkgName, libSdir, pkgDirs)

	preexisting := make(map[string]bool)
	for _, dir := range pkgDirs {
		if _, err := os.Stat(filepath.Join(dir, libSdir)); err == nil {
			preexisting[filepath.Join(dir, libSdir)] = true
		}
	}

	copied, err := delocate.Path(wheelDir, sidecarFor, &delocate.Options{
		Tool:           opts.tool(),
		LibFilter:      opts.LibFilter,
		CopyFilter:     opts.CopyFilter,
		ExecutablePath: opts.ExecutablePath,
		IgnoreMissing:  opts.IgnoreMissing,
	})
	if err != nil {
		return nil, err
	}

	for src, loaders := range copied {
		for loader := range loaders {
			if dir := sidecarFor(loader); preexisting[dir] {
				return nil, &delocate.DelocationError{
					Reason: fmt.Sprintf("%s already exists in wheel but needs a copy of %s", relTo(dir, wheelDir), src),
				}
			}
		}
	}

	if opts.RequireArchs != nil {
		problems, err := delocate.CheckArchs(wheelDir, copied, opts.RequireArchs, opts.tool())
		if err != nil {
			return nil, err
		}
		if len(problems) > 0 {
			return nil, &delocate.ArchitectureError{Problems: stripProblems(problems, wheelDir)}
		}
	}

	if len(copied) > 0 || !inPlace {
		if err := RewriteRecord(wheelDir); err != nil {
			return nil, err
		}
		if err := Pack(wheelDir, outWheel); err != nil {
			return nil, err
		}
	}

	return stripLoaders(copied, wheelDir), nil
}

// Libs returns the inverse dependency map of a wheel without modifying it,
// with in-wheel paths made relative to the wheel root.
func Libs(wheelPath string, all bool, opts *Options) (map[string]map[string]string, error) {
	tmp, err := os.MkdirTemp("", "delocate")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	wheelDir := filepath.Join(tmp, "wheel")
	if err := Unpack(wheelPath, wheelDir); err != nil {
		return nil, err
	}
	if rp, err := filepath.EvalSymlinks(wheelDir); err == nil {
		wheelDir = rp
	}

	var libFilt, copyFilt func(string) bool
	if opts != nil {
		libFilt, copyFilt = opts.LibFilter, opts.CopyFilter
	}
	if !all && copyFilt == nil {
		copyFilt = libgraph.FilterSystemLibs
	}
	if all {
		copyFilt = nil
	}
	var execPath string
	var ignoreMissing bool
	if opts != nil {
		execPath, ignoreMissing = opts.ExecutablePath, opts.IgnoreMissing
	}
	lg, err := libgraph.TreeLibs(wheelDir, &libgraph.Options{
		Reader:         opts.tool(),
		LibFilter:      libFilt,
		CopyFilter:     copyFilt,
		ExecutablePath: execPath,
		IgnoreMissing:  ignoreMissing,
	})
	if err != nil {
		return nil, err
	}
	return stripAll(lg.Map(), wheelDir), nil
}

// sidecarPolicy maps each loader to its package's sidecar. Loaders outside
// any package share the preferred package's sidecar, or a wheel-root
// <package>.dylibs directory for wheels holding only top-level modules.
func sidecarPolicy(wheelDir, pkgName, libSdir string, pkgDirs []string) delocate.SidecarFunc {
	preferred := ""
	if len(pkgDirs) > 0 {
		preferred = pkgDirs[0]
		for _, dir := range pkgDirs {
			if filepath.Base(dir) == pkgName {
				preferred = dir
				break
			}
		}
	}
	return func(loader string) string {
		for _, dir := range pkgDirs {
			if rel, err := filepath.Rel(dir, loader); err == nil && !strings.HasPrefix(rel, "..") {
				return filepath.Join(dir, libSdir)
			}
		}
		if preferred != "" {
			return filepath.Join(preferred, libSdir)
		}
		return filepath.Join(wheelDir, pkgName+libSdir)
	}
}

func stripLoaders(m map[string]map[string]string, root string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(m))
	for dep, loaders := range m {
		out[dep] = make(map[string]string, len(loaders))
		for loader, raw := range loaders {
			out[dep][stripPrefix(loader, root)] = raw
		}
	}
	return out
}

func stripAll(m map[string]map[string]string, root string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(m))
	for dep, loaders := range m {
		sd := stripPrefix(dep, root)
		out[sd] = make(map[string]string, len(loaders))
		for loader, raw := range loaders {
			out[sd][stripPrefix(loader, root)] = raw
		}
	}
	return out
}

func stripProblems(problems []delocate.ArchProblem, root string) []delocate.ArchProblem {
	out := make([]delocate.ArchProblem, len(problems))
	for i, p := range problems {
		out[i] = delocate.ArchProblem{
			File:     stripPrefix(p.File, root),
			Depended: stripPrefix(p.Depended, root),
			Missing:  p.Missing,
		}
	}
	return out
}

func stripPrefix(path, root string) string {
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

func relTo(path, base string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
