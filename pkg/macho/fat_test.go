package macho

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/blacktop/go-macho/types"
)

func TestMakeUniversal(t *testing.T) {
	dir := t.TempDir()
	amd := filepath.Join(dir, "libfoo.x86_64.dylib")
	arm := filepath.Join(dir, "libfoo.arm64.dylib")
	buildDylib(t, amd, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libfoo.dylib", nil, nil)
	buildDylib(t, arm, types.CPUArm64, types.CPUSubtypeArm64All,
		"/opt/x/libfoo.dylib", nil, nil)

	out := filepath.Join(dir, "libfoo.dylib")
	if err := MakeUniversal(out, amd, arm); err != nil {
		t.Fatalf("MakeUniversal() error = %v", err)
	}

	archs, err := Archs(out)
	if err != nil {
		t.Fatalf("Archs() on fat output error = %v", err)
	}
	sort.Strings(archs)
	if !reflect.DeepEqual(archs, []string{"arm64", "x86_64"}) {
		t.Errorf("archs = %v, want union of input slices", archs)
	}

	// the load commands of the slices survive the reassembly
	info, err := Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != "/opt/x/libfoo.dylib" {
		t.Errorf("install id of fat file = %q", info.ID)
	}
}

func TestMakeUniversalCommutes(t *testing.T) {
	dir := t.TempDir()
	amd := filepath.Join(dir, "libfoo.x86_64.dylib")
	arm := filepath.Join(dir, "libfoo.arm64.dylib")
	buildDylib(t, amd, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libfoo.dylib", nil, nil)
	buildDylib(t, arm, types.CPUArm64, types.CPUSubtypeArm64All,
		"/opt/x/libfoo.dylib", nil, nil)

	outA := filepath.Join(dir, "a.dylib")
	outB := filepath.Join(dir, "b.dylib")
	if err := MakeUniversal(outA, amd, arm); err != nil {
		t.Fatal(err)
	}
	if err := MakeUniversal(outB, arm, amd); err != nil {
		t.Fatal(err)
	}
	da, err := os.ReadFile(outA)
	if err != nil {
		t.Fatal(err)
	}
	db, err := os.ReadFile(outB)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(da, db) {
		t.Error("fat assembly depends on input order; slice ordering should be normalized")
	}
}

func TestMakeUniversalDuplicateArch(t *testing.T) {
	dir := t.TempDir()
	one := filepath.Join(dir, "one.dylib")
	two := filepath.Join(dir, "two.dylib")
	buildDylib(t, one, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libone.dylib", nil, nil)
	buildDylib(t, two, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libtwo.dylib", nil, nil)

	err := MakeUniversal(filepath.Join(dir, "out.dylib"), one, two)
	if err == nil {
		t.Fatal("MakeUniversal() with overlapping slices: want error")
	}
	if !strings.Contains(err.Error(), "x86_64") {
		t.Errorf("error %v does not name the duplicated architecture", err)
	}
}

func TestMakeUniversalOutputMayAliasInput(t *testing.T) {
	dir := t.TempDir()
	amd := filepath.Join(dir, "libfoo.dylib")
	arm := filepath.Join(dir, "libfoo.arm64.dylib")
	buildDylib(t, amd, types.CPUAmd64, types.CPUSubtypeX8664All,
		"/opt/x/libfoo.dylib", nil, nil)
	buildDylib(t, arm, types.CPUArm64, types.CPUSubtypeArm64All,
		"/opt/x/libfoo.dylib", nil, nil)

	// the fuser lipo-s in place: out is also the first input
	if err := MakeUniversal(amd, amd, arm); err != nil {
		t.Fatalf("MakeUniversal() in place error = %v", err)
	}
	archs, err := Archs(amd)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(archs)
	if !reflect.DeepEqual(archs, []string{"arm64", "x86_64"}) {
		t.Errorf("archs = %v, want union after in-place fuse", archs)
	}
}
