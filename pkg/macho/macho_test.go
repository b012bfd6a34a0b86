package macho

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
)

func TestReadNotMachO(t *testing.T) {
	dir := t.TempDir()

	text := filepath.Join(dir, "module.py")
	if err := os.WriteFile(text, []byte("import os\n"), 0644); err != nil {
		t.Fatal(err)
	}
	short := filepath.Join(dir, "short")
	if err := os.WriteFile(short, []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(text, link); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"text file", text},
		{"short file", short},
		{"directory", dir},
		{"symlink", link},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read(tt.path); !errors.Is(err, ErrNotMachO) {
				t.Errorf("Read(%s) error = %v, want ErrNotMachO", tt.path, err)
			}
		})
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Read() on missing file: want error")
	}
}

func TestPointerAlign(t *testing.T) {
	tests := []struct {
		in   uint32
		want uint32
	}{
		{0, 0},
		{1, 8},
		{8, 8},
		{9, 16},
		{24, 24},
		{33, 40},
	}
	for _, tt := range tests {
		if got := pointerAlign(tt.in); got != tt.want {
			t.Errorf("pointerAlign(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestArchName(t *testing.T) {
	tests := []struct {
		name string
		cpu  types.CPU
		sub  types.CPUSubtype
		want string
	}{
		{"i386", types.CPUI386, 3, "i386"},
		{"x86_64", types.CPUAmd64, types.CPUSubtypeX8664All, "x86_64"},
		{"x86_64h", types.CPUAmd64, types.CPUSubtypeX86_64H, "x86_64h"},
		{"arm64", types.CPUArm64, types.CPUSubtypeArm64All, "arm64"},
		{"arm64e", types.CPUArm64, types.CPUSubtypeArm64E, "arm64e"},
		{"arm64e with caps", types.CPUArm64, types.CPUSubtypeArm64E | 0x80000000, "arm64e"},
		{"ppc", types.CPUPpc, 0, "ppc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := archName(tt.cpu, tt.sub); got != tt.want {
				t.Errorf("archName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInfoIsDylib(t *testing.T) {
	if (&Info{}).IsDylib() {
		t.Error("IsDylib() = true for empty install id")
	}
	if !(&Info{ID: "@loader_path/liba.dylib"}).IsDylib() {
		t.Error("IsDylib() = false with install id present")
	}
}
