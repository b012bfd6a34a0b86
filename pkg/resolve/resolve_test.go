package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("lib"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveLoaderPath(t *testing.T) {
	dir := t.TempDir()
	lib := touch(t, filepath.Join(dir, "sub", "liba.dylib"))

	got, err := Resolve("@loader_path/sub/liba.dylib", Context{Loader: dir})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := realpath(lib); got != want {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

func TestResolveExecutablePath(t *testing.T) {
	dir := t.TempDir()
	lib := touch(t, filepath.Join(dir, "libb.dylib"))

	got, err := Resolve("@executable_path/libb.dylib", Context{Loader: "/elsewhere", Executable: dir})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := realpath(lib); got != want {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

func TestResolveRpath(t *testing.T) {
	dir := t.TempDir()
	lib := touch(t, filepath.Join(dir, "opt", "liba.dylib"))

	tests := []struct {
		name    string
		lib     string
		ctx     Context
		want    string
		wantErr bool
	}{
		{
			name: "absolute rpath entry",
			lib:  "@rpath/liba.dylib",
			ctx:  Context{Loader: dir, Rpaths: []string{filepath.Join(dir, "opt")}},
			want: realpath(lib),
		},
		{
			name: "first existing rpath wins",
			lib:  "@rpath/liba.dylib",
			ctx: Context{Loader: dir, Rpaths: []string{
				filepath.Join(dir, "missing"),
				filepath.Join(dir, "opt"),
			}},
			want: realpath(lib),
		},
		{
			name: "rpath entry itself uses @loader_path",
			lib:  "@rpath/liba.dylib",
			ctx:  Context{Loader: dir, Rpaths: []string{"@loader_path/opt"}},
			want: realpath(lib),
		},
		{
			name: "rpath entry itself uses @executable_path",
			lib:  "@rpath/liba.dylib",
			ctx:  Context{Loader: "/elsewhere", Executable: dir, Rpaths: []string{"@executable_path/opt"}},
			want: realpath(lib),
		},
		{
			name:    "no rpath satisfies",
			lib:     "@rpath/libz.dylib",
			ctx:     Context{Loader: dir, Rpaths: []string{filepath.Join(dir, "opt")}},
			wantErr: true,
		},
		{
			name:    "empty rpath list",
			lib:     "@rpath/liba.dylib",
			ctx:     Context{Loader: dir},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.lib, tt.ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var dnf *DependencyNotFoundError
				if !errors.As(err, &dnf) {
					t.Fatalf("Resolve() error type = %T, want *DependencyNotFoundError", err)
				}
				if dnf.Name != tt.lib {
					t.Errorf("error Name = %v, want %v", dnf.Name, tt.lib)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveAbsolute(t *testing.T) {
	dir := t.TempDir()
	lib := touch(t, filepath.Join(dir, "libc.dylib"))

	got, err := Resolve(lib, Context{Loader: "/elsewhere"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := realpath(lib); got != want {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}

	// missing absolute paths are returned cleaned, classification is up to
	// the caller
	got, err = Resolve("/usr/lib/libSystem.B.dylib", Context{Loader: dir})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "/usr/lib/libSystem.B.dylib" {
		t.Errorf("Resolve() = %v, want /usr/lib/libSystem.B.dylib", got)
	}
}

func TestResolveAbsoluteSymlink(t *testing.T) {
	dir := t.TempDir()
	real := touch(t, filepath.Join(dir, "libreal.1.0.dylib"))
	link := filepath.Join(dir, "libreal.dylib")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(link, Context{Loader: dir})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := realpath(real); got != want {
		t.Errorf("Resolve() = %v, want %v (symlinks collapsed)", got, want)
	}
}

func TestResolveDyldLibraryPath(t *testing.T) {
	dir := t.TempDir()
	lib := touch(t, filepath.Join(dir, "override", "libd.dylib"))
	t.Setenv("DYLD_LIBRARY_PATH", filepath.Join(dir, "override"))

	got, err := Resolve("/nonexistent/prefix/libd.dylib", Context{Loader: dir})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := realpath(lib); got != want {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

func TestResolveBareName(t *testing.T) {
	dir := t.TempDir()
	lib := touch(t, filepath.Join(dir, "libme.dylib"))

	// a bare name resolves only against a file sitting next to the loader
	got, err := Resolve("libme.dylib", Context{Loader: dir})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := realpath(lib); got != want {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}

	_, err = Resolve("libmissing.dylib", Context{Loader: dir})
	var dnf *DependencyNotFoundError
	if !errors.As(err, &dnf) {
		t.Fatalf("Resolve() error = %v, want *DependencyNotFoundError", err)
	}
	if dnf.Name != "libmissing.dylib" || dnf.Loader != dir {
		t.Errorf("error = %v, want name and loader identified", dnf)
	}
}
