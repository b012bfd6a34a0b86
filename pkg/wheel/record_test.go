package wheel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// makeWheelTree lays out a minimal unpacked wheel and generates a valid
// RECORD for it.
func makeWheelTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	distInfo, err := DistInfoDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(distInfo, "RECORD"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := RewriteRecord(root); err != nil {
		t.Fatal(err)
	}
}

func baseWheelFiles() map[string]string {
	return map[string]string{
		"fakepkg/__init__.py":                  "",
		"fakepkg/module.py":                    "answer = 42\n",
		"fakepkg-1.0.dist-info/WHEEL":          "Wheel-Version: 1.0\nRoot-Is-Purelib: false\nTag: cp310-cp310-macosx_10_9_x86_64\n",
		"fakepkg-1.0.dist-info/METADATA":       "Metadata-Version: 2.1\nName: fakepkg\nVersion: 1.0\n",
		"fakepkg-1.0.dist-info/top_level.txt":  "fakepkg\n",
	}
}

func TestVerifyRecord(t *testing.T) {
	root := t.TempDir()
	makeWheelTree(t, root, baseWheelFiles())

	if err := VerifyRecord(root); err != nil {
		t.Fatalf("VerifyRecord() error = %v", err)
	}
}

func TestVerifyRecordTampered(t *testing.T) {
	root := t.TempDir()
	makeWheelTree(t, root, baseWheelFiles())

	if err := os.WriteFile(filepath.Join(root, "fakepkg", "module.py"), []byte("answer = 43\n"), 0644); err != nil {
		t.Fatal(err)
	}
	var corrupt *CorruptWheelError
	if err := VerifyRecord(root); !errors.As(err, &corrupt) {
		t.Fatalf("VerifyRecord() error = %v, want *CorruptWheelError", err)
	}
}

func TestVerifyRecordMissingFile(t *testing.T) {
	root := t.TempDir()
	makeWheelTree(t, root, baseWheelFiles())

	if err := os.Remove(filepath.Join(root, "fakepkg", "module.py")); err != nil {
		t.Fatal(err)
	}
	var corrupt *CorruptWheelError
	if err := VerifyRecord(root); !errors.As(err, &corrupt) {
		t.Fatalf("VerifyRecord() error = %v, want *CorruptWheelError", err)
	}
}

func TestVerifyRecordMissingMetadata(t *testing.T) {
	root := t.TempDir()
	var corrupt *CorruptWheelError
	if err := VerifyRecord(root); !errors.As(err, &corrupt) {
		t.Fatalf("VerifyRecord() on empty dir error = %v, want *CorruptWheelError", err)
	}
}

func TestRewriteRecord(t *testing.T) {
	root := t.TempDir()
	makeWheelTree(t, root, baseWheelFiles())

	// mutate one file, add another, drop a third
	if err := os.WriteFile(filepath.Join(root, "fakepkg", "module.py"), []byte("answer = 43\n"), 0644); err != nil {
		t.Fatal(err)
	}
	added := filepath.Join(root, "fakepkg", ".dylibs", "libfoo.1.dylib")
	if err := os.MkdirAll(filepath.Dir(added), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(added, []byte("mach-o bytes"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "fakepkg", "__init__.py")); err != nil {
		t.Fatal(err)
	}
	// a stale signature must not survive the rewrite
	distInfo, _ := DistInfoDir(root)
	if err := os.WriteFile(filepath.Join(distInfo, "RECORD.jws"), []byte("sig"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := RewriteRecord(root); err != nil {
		t.Fatalf("RewriteRecord() error = %v", err)
	}
	if err := VerifyRecord(root); err != nil {
		t.Fatalf("VerifyRecord() after rewrite error = %v", err)
	}

	entries, err := ReadRecord(distInfo)
	if err != nil {
		t.Fatal(err)
	}
	paths := make(map[string]RecordEntry)
	for _, e := range entries {
		paths[e.Path] = e
	}
	if _, ok := paths["fakepkg/.dylibs/libfoo.1.dylib"]; !ok {
		t.Error("added file missing from RECORD")
	}
	if _, ok := paths["fakepkg/__init__.py"]; ok {
		t.Error("removed file still listed in RECORD")
	}
	if _, ok := paths["fakepkg-1.0.dist-info/RECORD.jws"]; ok {
		t.Error("stale RECORD signature still listed")
	}
	if rec := paths["fakepkg-1.0.dist-info/RECORD"]; rec.Hash != "" || rec.Size != "" {
		t.Errorf("RECORD's own row = %+v, want empty hash and size", rec)
	}
}
