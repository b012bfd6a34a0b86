// Package macho reads and rewrites Mach-O load commands for delocation.
//
// Reads go through the observed view in Info; rewrites operate in place on
// disk, preserving every load command other than the edited one and
// re-applying an ad-hoc code signature when the input was signed.
package macho

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/delocate/internal/magic"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// ErrNotMachO marks paths that are not regular Mach-O files (wrong magic,
// directory, symlink, too short). Callers test with errors.Is and skip.
var ErrNotMachO = errors.New("not a Mach-O file")

// Info is the observed view of a Mach-O file on disk.
type Info struct {
	Path   string   // absolute location in the current staging tree
	ID     string   // LC_ID_DYLIB name, empty for executables and bundles
	Deps   []string // raw LC_LOAD_*_DYLIB names in load command order
	Rpaths []string // raw LC_RPATH entries in load command order
	Archs  []string // arch tokens, one per slice
}

// IsDylib reports whether the file advertises an install id.
func (i *Info) IsDylib() bool {
	return i.ID != ""
}

// Tool is the concrete inspector/editor backed by this package. Consumers
// accept the subset of its methods they need so tests can substitute fakes.
type Tool struct{}

func (Tool) Read(path string) (*Info, error)          { return Read(path) }
func (Tool) SetInstallID(path, id string) error       { return SetInstallID(path, id) }
func (Tool) ChangeDependency(path, o, n string) error { return ChangeDependency(path, o, n) }
func (Tool) AddRpath(path, rpath string) error        { return AddRpath(path, rpath) }
func (Tool) DeleteRpath(path, rpath string) error     { return DeleteRpath(path, rpath) }
func (Tool) MakeUniversal(out string, in ...string) error {
	return MakeUniversal(out, in...)
}

// Read returns the observed view of the Mach-O file at path.
// Returns ErrNotMachO for anything that is not a regular Mach-O file.
func Read(path string) (*Info, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() || fi.Size() < 4 {
		return nil, ErrNotMachO
	}
	if ok, _ := magic.IsMachO(path); !ok {
		return nil, ErrNotMachO
	}

	info := &Info{Path: path}

	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		for i, arch := range fat.Arches {
			info.Archs = append(info.Archs, archName(arch.CPU, arch.SubCPU))
			if i == 0 {
				fillLoads(info, arch.File)
			}
		}
		return info, nil
	} else if !errors.Is(err, macho.ErrNotFat) {
		return nil, fmt.Errorf("failed to parse fat MachO %s: %v", path, err)
	}

	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MachO %s: %v", path, err)
	}
	defer m.Close()

	info.Archs = []string{archName(m.CPU, m.SubCPU)}
	fillLoads(info, m)

	return info, nil
}

// Archs returns the architecture tokens present in the file at path.
func Archs(path string) ([]string, error) {
	info, err := Read(path)
	if err != nil {
		return nil, err
	}
	return info.Archs, nil
}

// fillLoads populates ID, Deps and Rpaths from a single slice. Fat files
// carry the same load commands in every slice so the first one is canonical.
func fillLoads(info *Info, m *macho.File) {
	if id := m.DylibID(); id != nil {
		info.ID = id.Name
	}
	for _, lc := range m.Loads {
		switch c := lc.(type) {
		case *macho.LoadDylib:
			info.Deps = append(info.Deps, c.Name)
		case *macho.WeakDylib:
			info.Deps = append(info.Deps, c.Name)
		case *macho.ReExportDylib:
			info.Deps = append(info.Deps, c.Name)
		case *macho.LazyLoadDylib:
			info.Deps = append(info.Deps, c.Name)
		case *macho.UpwardDylib:
			info.Deps = append(info.Deps, c.Name)
		case *macho.Rpath:
			info.Rpaths = append(info.Rpaths, c.Path)
		}
	}
}

// archName maps a cpu/subtype pair to the token lipo would print.
func archName(cpu types.CPU, sub types.CPUSubtype) string {
	switch cpu {
	case types.CPUI386:
		return "i386"
	case types.CPUAmd64:
		if sub&0x00ffffff == types.CPUSubtypeX86_64H {
			return "x86_64h"
		}
		return "x86_64"
	case types.CPUArm64:
		if sub&0x00ffffff == types.CPUSubtypeArm64E {
			return "arm64e"
		}
		return "arm64"
	case types.CPUPpc:
		return "ppc"
	case types.CPUPpc64:
		return "ppc64"
	}
	if fields := strings.Fields(sub.String(cpu)); len(fields) > 0 {
		return strings.ToLower(fields[0])
	}
	return "unknown"
}
