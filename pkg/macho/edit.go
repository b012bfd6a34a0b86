package macho

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	cstypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
)

// PermissionError is returned when a file cannot be made writable for rewrite.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("cannot make %s writable: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// errLoadNotFound signals that an edit matched nothing in a given slice.
var errLoadNotFound = errors.New("load command not found")

func pointerAlign(sz uint32) uint32 {
	if (sz % 8) != 0 {
		sz += 8 - (sz % 8)
	}
	return sz
}

// SetInstallID rewrites the LC_ID_DYLIB name of the library at path.
func SetInstallID(path, id string) error {
	return edit(path, func(m *macho.File) error {
		lcs := m.GetLoadsByName("LC_ID_DYLIB")
		if len(lcs) == 0 {
			return errLoadNotFound
		}
		for _, lc := range lcs {
			prevLen := int32(lc.(*macho.IDDylib).Len)
			lc.(*macho.IDDylib).Len = pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(id) + 1))
			lc.(*macho.IDDylib).Name = id
			m.ModifySizeCommands(prevLen, int32(lc.(*macho.IDDylib).Len))
		}
		return nil
	})
}

// ChangeDependency rewrites every LC_LOAD_*_DYLIB entry naming oldName to
// newName, like `install_name_tool -change`.
func ChangeDependency(path, oldName, newName string) error {
	return edit(path, func(m *macho.File) error {
		found := false
		for _, lc := range m.Loads {
			var name *string
			var cmdLen *uint32
			switch c := lc.(type) {
			case *macho.LoadDylib:
				name, cmdLen = &c.Name, &c.Len
			case *macho.WeakDylib:
				name, cmdLen = &c.Name, &c.Len
			case *macho.ReExportDylib:
				name, cmdLen = &c.Name, &c.Len
			case *macho.LazyLoadDylib:
				name, cmdLen = &c.Name, &c.Len
			case *macho.UpwardDylib:
				name, cmdLen = &c.Name, &c.Len
			default:
				continue
			}
			if *name != oldName {
				continue
			}
			prevLen := int32(*cmdLen)
			*cmdLen = pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(newName) + 1))
			*name = newName
			m.ModifySizeCommands(prevLen, int32(*cmdLen))
			found = true
		}
		if !found {
			return errLoadNotFound
		}
		return nil
	})
}

// AddRpath appends an LC_RPATH entry, like `install_name_tool -add_rpath`.
func AddRpath(path, rpath string) error {
	return edit(path, func(m *macho.File) error {
		m.AddLoad(&macho.Rpath{
			RpathCmd: types.RpathCmd{
				LoadCmd:    types.LC_RPATH,
				Len:        pointerAlign(uint32(binary.Size(types.RpathCmd{}) + len(rpath) + 1)),
				PathOffset: 0xC,
			},
			Path: rpath,
		})
		return nil
	})
}

// DeleteRpath removes the LC_RPATH entry matching rpath, like
// `install_name_tool -delete_rpath`.
func DeleteRpath(path, rpath string) error {
	return edit(path, func(m *macho.File) error {
		found := false
		for _, lc := range m.GetLoadsByName("LC_RPATH") {
			if lc.(*macho.Rpath).Path == rpath {
				if err := m.RemoveLoad(lc); err != nil {
					return fmt.Errorf("failed to remove LC_RPATH: %v", err)
				}
				found = true
			}
		}
		if !found {
			return errLoadNotFound
		}
		return nil
	})
}

// edit applies fn to every slice of the file at path and writes the result
// back in place. The original permission bits are restored on every exit
// path; files that carried a code signature are re-signed ad-hoc because
// dyld rejects modified unsigned dylibs on recent macOS releases.
func edit(path string, fn func(*macho.File) error) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	mode := fi.Mode().Perm()
	if mode&0200 == 0 {
		if err := os.Chmod(path, mode|0200); err != nil {
			return &PermissionError{Path: path, Err: err}
		}
	}
	defer os.Chmod(path, mode)

	tmp, err := editTo(path, fn)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return os.Chmod(path, mode)
}

// editTo writes the edited file to a temp path next to path and returns it.
func editTo(path string, fn func(*macho.File) error) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp.Close()

	if fat, err := macho.OpenFat(path); err == nil { // UNIVERSAL MACHO
		defer fat.Close()
		var slices []string
		matched := false
		for _, arch := range fat.Arches {
			signed := arch.File.CodeSignature() != nil
			switch err := fn(arch.File); {
			case err == nil:
				matched = true
			case errors.Is(err, errLoadNotFound):
				// load commands should match in every slice, but apply
				// whatever we can, like install_name_tool does
			default:
				os.Remove(tmp.Name())
				return "", err
			}
			if signed {
				if err := arch.File.CodeSign(&codesign.Config{Flags: cstypes.ADHOC}); err != nil {
					os.Remove(tmp.Name())
					return "", fmt.Errorf("failed to codesign slice of %s: %v", path, err)
				}
			}
			st, err := os.CreateTemp(filepath.Dir(path), ".slice.*")
			if err != nil {
				os.Remove(tmp.Name())
				return "", fmt.Errorf("failed to create temp file: %w", err)
			}
			st.Close()
			defer os.Remove(st.Name())
			if err := arch.File.Save(st.Name()); err != nil {
				os.Remove(tmp.Name())
				return "", fmt.Errorf("failed to save slice of %s: %v", path, err)
			}
			slices = append(slices, st.Name())
		}
		if !matched {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("%s: %w", path, errLoadNotFound)
		}
		os.Remove(tmp.Name()) // CreateFat refuses to overwrite
		if ff, err := macho.CreateFat(tmp.Name(), slices...); err != nil {
			return "", fmt.Errorf("failed to reassemble fat file %s: %v", path, err)
		} else {
			ff.Close()
		}
		return tmp.Name(), nil
	} else if !errors.Is(err, macho.ErrNotFat) {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to parse fat MachO %s: %v", path, err)
	}

	m, err := macho.Open(path)
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to parse MachO %s: %v", path, err)
	}
	defer m.Close()

	signed := m.CodeSignature() != nil
	if err := fn(m); err != nil {
		os.Remove(tmp.Name())
		if errors.Is(err, errLoadNotFound) {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return "", err
	}
	if signed {
		log.Debugf("re-signing %s (ad-hoc)", path)
		if err := m.CodeSign(&codesign.Config{Flags: cstypes.ADHOC}); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("failed to codesign %s: %v", path, err)
		}
	}
	if err := m.Save(tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to save %s: %v", path, err)
	}
	return tmp.Name(), nil
}
