package macho

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/blacktop/go-macho/types"
)

const fixtureSize = 0x1000

// buildDylib writes a minimal thin 64-bit Mach-O dylib: a __TEXT segment
// covering the whole file, an LC_ID_DYLIB, one LC_LOAD_DYLIB per dep and
// one LC_RPATH per rpath, zero-padded to a page. This is the same layout
// install_name_tool operates on, just without any code.
func buildDylib(t *testing.T, path string, cpu types.CPU, sub types.CPUSubtype, id string, deps, rpaths []string) {
	t.Helper()

	dylibSize := func(name string) uint32 {
		return pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(name) + 1))
	}
	rpathSize := func(p string) uint32 {
		return pointerAlign(uint32(binary.Size(types.RpathCmd{}) + len(p) + 1))
	}

	const segSize = 72
	ncmds := uint32(2 + len(deps) + len(rpaths))
	sizeofcmds := uint32(segSize) + dylibSize(id)
	for _, dep := range deps {
		sizeofcmds += dylibSize(dep)
	}
	for _, rp := range rpaths {
		sizeofcmds += rpathSize(rp)
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	put32 := func(v uint32) { binary.Write(&buf, le, v) }
	put64 := func(v uint64) { binary.Write(&buf, le, v) }

	// mach_header_64
	put32(0xfeedfacf)
	put32(uint32(cpu))
	put32(uint32(sub))
	put32(uint32(types.MH_DYLIB))
	put32(ncmds)
	put32(sizeofcmds)
	put32(0) // flags
	put32(0) // reserved

	// LC_SEGMENT_64 __TEXT spanning the file, like any real dylib
	put32(uint32(types.LC_SEGMENT_64))
	put32(segSize)
	var segname [16]byte
	copy(segname[:], "__TEXT")
	buf.Write(segname[:])
	put64(0)           // vmaddr
	put64(fixtureSize) // vmsize
	put64(0)           // fileoff
	put64(fixtureSize) // filesize
	put32(5)           // maxprot r-x
	put32(5)           // initprot r-x
	put32(0)           // nsects
	put32(0)           // flags

	putDylib := func(cmd types.LoadCmd, name string) {
		size := dylibSize(name)
		put32(uint32(cmd))
		put32(size)
		put32(0x18)    // name offset
		put32(2)       // timestamp
		put32(0x10000) // current version 1.0.0
		put32(0x10000) // compat version 1.0.0
		padded := make([]byte, size-uint32(binary.Size(types.DylibCmd{})))
		copy(padded, name)
		buf.Write(padded)
	}
	putDylib(types.LC_ID_DYLIB, id)
	for _, dep := range deps {
		putDylib(types.LC_LOAD_DYLIB, dep)
	}
	for _, rp := range rpaths {
		size := rpathSize(rp)
		put32(uint32(types.LC_RPATH))
		put32(size)
		put32(0xC) // path offset
		padded := make([]byte, size-uint32(binary.Size(types.RpathCmd{})))
		copy(padded, rp)
		buf.Write(padded)
	}

	buf.Write(make([]byte, fixtureSize-buf.Len()))

	if err := os.WriteFile(path, buf.Bytes(), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestEditRealDylib(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libfoo.1.dylib")
	buildDylib(t, lib, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libfoo.1.dylib",
		[]string{"/opt/x/libbar.dylib", "/usr/lib/libSystem.B.dylib"},
		[]string{"/opt/x"})

	// the rewrite has to cope with a read-only input
	if err := os.Chmod(lib, 0444); err != nil {
		t.Fatal(err)
	}

	tool := Tool{}
	if err := tool.SetInstallID(lib, "@loader_path/libfoo.1.dylib"); err != nil {
		t.Fatalf("SetInstallID() error = %v", err)
	}
	if err := tool.ChangeDependency(lib, "/opt/x/libbar.dylib", "@loader_path/.dylibs/libbar.dylib"); err != nil {
		t.Fatalf("ChangeDependency() error = %v", err)
	}
	if err := tool.DeleteRpath(lib, "/opt/x"); err != nil {
		t.Fatalf("DeleteRpath() error = %v", err)
	}
	if err := tool.AddRpath(lib, "@loader_path/../lib"); err != nil {
		t.Fatalf("AddRpath() error = %v", err)
	}

	info, err := tool.Read(lib)
	if err != nil {
		t.Fatalf("Read() after edits error = %v", err)
	}
	if info.ID != "@loader_path/libfoo.1.dylib" {
		t.Errorf("install id = %q, want @loader_path/libfoo.1.dylib", info.ID)
	}
	wantDeps := []string{"@loader_path/.dylibs/libbar.dylib", "/usr/lib/libSystem.B.dylib"}
	if !reflect.DeepEqual(info.Deps, wantDeps) {
		t.Errorf("deps = %v, want %v", info.Deps, wantDeps)
	}
	if !reflect.DeepEqual(info.Rpaths, []string{"@loader_path/../lib"}) {
		t.Errorf("rpaths = %v, want the old entry gone and the new one present", info.Rpaths)
	}
	if !reflect.DeepEqual(info.Archs, []string{"x86_64"}) {
		t.Errorf("archs = %v, want [x86_64]", info.Archs)
	}

	fi, err := os.Stat(lib)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0444 {
		t.Errorf("mode after rewrite = %v, want 0444 restored", fi.Mode().Perm())
	}
}

func TestChangeDependencyNotFound(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libfoo.dylib")
	buildDylib(t, lib, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libfoo.dylib", []string{"/opt/x/libbar.dylib"}, nil)

	if err := ChangeDependency(lib, "/opt/x/libbaz.dylib", "@loader_path/libbaz.dylib"); err == nil {
		t.Error("ChangeDependency() with unknown old name: want error")
	}
	// the file is untouched on failure
	info, err := Read(lib)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(info.Deps, []string{"/opt/x/libbar.dylib"}) {
		t.Errorf("deps = %v, want unchanged", info.Deps)
	}
}

func TestDeleteRpathNotFound(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libfoo.dylib")
	buildDylib(t, lib, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libfoo.dylib", nil, []string{"/opt/x"})

	if err := DeleteRpath(lib, "/opt/y"); err == nil {
		t.Error("DeleteRpath() with unknown path: want error")
	}
}
