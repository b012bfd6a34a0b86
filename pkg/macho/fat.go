package macho

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/blacktop/go-macho"
)

// MakeUniversal assembles out from the union of the slices of inputs.
// Inputs may be thin or fat; the same architecture appearing twice is an
// error. Slices are ordered by architecture token so the result does not
// depend on input order.
func MakeUniversal(out string, inputs ...string) error {
	type slice struct {
		arch string
		path string
	}
	var slices []slice
	seen := make(map[string]string)

	for _, in := range inputs {
		if fat, err := macho.OpenFat(in); err == nil {
			f, err := os.Open(in)
			if err != nil {
				fat.Close()
				return fmt.Errorf("failed to open %s: %w", in, err)
			}
			for _, arch := range fat.Arches {
				name := archName(arch.CPU, arch.SubCPU)
				if prev, dup := seen[name]; dup {
					f.Close()
					fat.Close()
					return fmt.Errorf("architecture %s present in both %s and %s", name, prev, in)
				}
				seen[name] = in
				dat := make([]byte, arch.Size)
				if _, err := f.ReadAt(dat, int64(arch.Offset)); err != nil {
					f.Close()
					fat.Close()
					return fmt.Errorf("failed to read slice at %#x in %s: %v", arch.Offset, in, err)
				}
				st, err := os.CreateTemp(filepath.Dir(out), ".slice.*")
				if err != nil {
					f.Close()
					fat.Close()
					return fmt.Errorf("failed to create temp file: %w", err)
				}
				defer os.Remove(st.Name())
				if _, err := st.Write(dat); err != nil {
					st.Close()
					f.Close()
					fat.Close()
					return fmt.Errorf("failed to write slice: %w", err)
				}
				st.Close()
				slices = append(slices, slice{arch: name, path: st.Name()})
			}
			f.Close()
			fat.Close()
			continue
		} else if !errors.Is(err, macho.ErrNotFat) {
			return fmt.Errorf("failed to parse fat MachO %s: %v", in, err)
		}
		m, err := macho.Open(in)
		if err != nil {
			return fmt.Errorf("failed to parse MachO %s: %v", in, err)
		}
		name := archName(m.CPU, m.SubCPU)
		m.Close()
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("architecture %s present in both %s and %s", name, prev, in)
		}
		seen[name] = in
		// stage a copy so out may alias one of the inputs
		st, err := os.CreateTemp(filepath.Dir(out), ".slice.*")
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}
		defer os.Remove(st.Name())
		src, err := os.Open(in)
		if err != nil {
			st.Close()
			return err
		}
		if _, err := io.Copy(st, src); err != nil {
			src.Close()
			st.Close()
			return fmt.Errorf("failed to stage slice of %s: %w", in, err)
		}
		src.Close()
		st.Close()
		slices = append(slices, slice{arch: name, path: st.Name()})
	}

	sort.Slice(slices, func(i, j int) bool { return slices[i].arch < slices[j].arch })

	paths := make([]string, len(slices))
	for i, s := range slices {
		paths[i] = s.path
	}

	os.Remove(out)
	ff, err := macho.CreateFat(out, paths...)
	if err != nil {
		return fmt.Errorf("failed to create fat file %s: %v", out, err)
	}
	return ff.Close()
}
