// Package fuse merges two single-architecture wheels into one universal
// wheel, lipo-ing common Mach-O files and requiring everything else to
// match byte for byte.
package fuse

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/delocate/pkg/macho"
	"github.com/blacktop/delocate/pkg/wheel"
)

// IrreconcilableError reports a non-Mach-O file that differs between the
// two wheels being merged.
type IrreconcilableError struct {
	Path  string // wheel-relative path of the conflicting file
	Left  string
	Right string
}

func (e *IrreconcilableError) Error() string {
	return fmt.Sprintf("cannot merge %s: %s and %s differ and are not Mach-O", e.Path, e.Left, e.Right)
}

// Lipo is the Mach-O surface the fuser consumes.
type Lipo interface {
	Read(path string) (*macho.Info, error)
	MakeUniversal(out string, inputs ...string) error
}

type wheelName struct {
	distribution string
	version      string
	build        string
	python       string
	abi          string
	platform     string
}

func (n wheelName) String() string {
	parts := []string{n.distribution, n.version}
	if n.build != "" {
		parts = append(parts, n.build)
	}
	parts = append(parts, n.python, n.abi, n.platform)
	return strings.Join(parts, "-") + ".whl"
}

func parseWheelName(path string) (wheelName, error) {
	base := strings.TrimSuffix(filepath.Base(path), ".whl")
	parts := strings.Split(base, "-")
	switch len(parts) {
	case 5:
		return wheelName{parts[0], parts[1], "", parts[2], parts[3], parts[4]}, nil
	case 6:
		return wheelName{parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]}, nil
	}
	return wheelName{}, fmt.Errorf("malformed wheel filename %s", filepath.Base(path))
}

// Wheels merges wheel2 into wheel1 and writes the universal wheel into
// outDir, returning its path. The inputs must differ only in the
// architecture component of their platform tag; overwriting either input
// is not supported.
func Wheels(wheel1, wheel2, outDir string, tool Lipo) (string, error) {
	if tool == nil {
		tool = macho.Tool{}
	}
	w1, err := filepath.Abs(wheel1)
	if err != nil {
		return "", err
	}
	w2, err := filepath.Abs(wheel2)
	if err != nil {
		return "", err
	}

	n1, err := parseWheelName(w1)
	if err != nil {
		return "", err
	}
	n2, err := parseWheelName(w2)
	if err != nil {
		return "", err
	}
	if n1.distribution != n2.distribution || n1.version != n2.version ||
		n1.build != n2.build || n1.python != n2.python || n1.abi != n2.abi {
		return "", fmt.Errorf("wheels %s and %s differ in more than their platform tag",
			filepath.Base(w1), filepath.Base(w2))
	}

	t1, err := wheel.ParsePlatformTag(n1.platform)
	if err != nil {
		return "", err
	}
	t2, err := wheel.ParsePlatformTag(n2.platform)
	if err != nil {
		return "", err
	}
	merged, err := wheel.MergePlatformTags(t1, t2)
	if err != nil {
		return "", err
	}

	outName := n1
	outName.platform = merged.String()
	outWheel, err := filepath.Abs(filepath.Join(outDir, outName.String()))
	if err != nil {
		return "", err
	}
	if outWheel == w1 || outWheel == w2 {
		return "", fmt.Errorf("refusing to overwrite input wheel %s", outWheel)
	}

	tmp, err := os.MkdirTemp("", "delocate-fuse")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)
	toTree := filepath.Join(tmp, "to")
	fromTree := filepath.Join(tmp, "from")

	if err := wheel.Unpack(w1, toTree); err != nil {
		return "", err
	}
	if err := wheel.Unpack(w2, fromTree); err != nil {
		return "", err
	}
	if err := wheel.VerifyRecord(toTree); err != nil {
		return "", err
	}
	if err := wheel.VerifyRecord(fromTree); err != nil {
		return "", err
	}

	if err := trees(toTree, fromTree, tool); err != nil {
		return "", err
	}

	distInfo, err := wheel.DistInfoDir(toTree)
	if err != nil {
		return "", err
	}
	if err := wheel.RetagPlatform(distInfo, merged.String()); err != nil {
		return "", err
	}
	if err := wheel.RewriteRecord(toTree); err != nil {
		return "", err
	}
	if err := wheel.Pack(toTree, outWheel); err != nil {
		return "", err
	}
	return outWheel, nil
}

// trees fuses fromTree into toTree: files only in fromTree are copied,
// common Mach-O files become fat files covering the union of their
// slices, and any other common file must match byte for byte. RECORD and
// WHEEL are regenerated afterwards so they are skipped here.
func trees(toTree, fromTree string, tool Lipo) error {
	return filepath.WalkDir(fromTree, func(fromPath string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(fromTree, fromPath)
		if err != nil {
			return err
		}
		switch filepath.Base(rel) {
		case "RECORD", "RECORD.jws", "RECORD.p7s", "WHEEL":
			if strings.HasSuffix(filepath.Dir(rel), ".dist-info") {
				return nil
			}
		}
		toPath := filepath.Join(toTree, rel)
		if _, err := os.Stat(toPath); err != nil {
			log.Debugf("copying %s", rel)
			return copyFile(fromPath, toPath)
		}
		same, err := sameContents(fromPath, toPath)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		if _, err1 := tool.Read(toPath); err1 == nil {
			if _, err2 := tool.Read(fromPath); err2 == nil {
				log.Infof("fusing %s", rel)
				return tool.MakeUniversal(toPath, toPath, fromPath)
			}
		}
		return &IrreconcilableError{Path: rel, Left: toPath, Right: fromPath}
	})
}

func copyFile(src, dest string) error {
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
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sameContents(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
