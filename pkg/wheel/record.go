package wheel

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// CorruptWheelError reports a wheel whose dist-info metadata is missing or
// whose RECORD does not match the archived content.
type CorruptWheelError struct {
	Wheel  string
	Reason string
}

func (e *CorruptWheelError) Error() string {
	if e.Wheel != "" {
		return fmt.Sprintf("corrupt wheel %s: %s", e.Wheel, e.Reason)
	}
	return fmt.Sprintf("corrupt wheel: %s", e.Reason)
}

// RecordEntry is one row of a RECORD file.
type RecordEntry struct {
	Path string
	Hash string // "sha256=<urlsafe-b64-no-pad>", empty for RECORD itself
	Size string // decimal byte count, empty for RECORD itself
}

// DistInfoDir returns the single *.dist-info directory under root.
func DistInfoDir(root string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*.dist-info"))
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			dirs = append(dirs, m)
		}
	}
	if len(dirs) != 1 {
		return "", &CorruptWheelError{Reason: fmt.Sprintf("found %d *.dist-info directories, want exactly 1", len(dirs))}
	}
	return dirs[0], nil
}

// ReadRecord parses the RECORD rows of the dist-info directory.
func ReadRecord(distInfo string) ([]RecordEntry, error) {
	f, err := os.Open(filepath.Join(distInfo, "RECORD"))
	if err != nil {
		return nil, &CorruptWheelError{Reason: "missing RECORD"}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, &CorruptWheelError{Reason: fmt.Sprintf("unreadable RECORD: %v", err)}
	}
	var entries []RecordEntry
	for _, row := range rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		e := RecordEntry{Path: row[0]}
		if len(row) > 1 {
			e.Hash = row[1]
		}
		if len(row) > 2 {
			e.Size = row[2]
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// VerifyRecord checks that every RECORD row matches the unpacked tree and
// that the WHEEL metadata file is present.
func VerifyRecord(root string) error {
	distInfo, err := DistInfoDir(root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(distInfo, "WHEEL")); err != nil {
		return &CorruptWheelError{Reason: "missing WHEEL"}
	}
	entries, err := ReadRecord(distInfo)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Hash == "" {
			continue // RECORD's own row carries no hash
		}
		path := filepath.Join(root, filepath.FromSlash(e.Path))
		hash, size, err := hashFile(path)
		if err != nil {
			return &CorruptWheelError{Reason: fmt.Sprintf("missing file %s listed in RECORD", e.Path)}
		}
		if hash != e.Hash {
			return &CorruptWheelError{Reason: fmt.Sprintf("RECORD hash mismatch for %s", e.Path)}
		}
		if e.Size != "" && e.Size != strconv.FormatInt(size, 10) {
			return &CorruptWheelError{Reason: fmt.Sprintf("RECORD size mismatch for %s", e.Path)}
		}
	}
	return nil
}

// RewriteRecord regenerates RECORD after the tree was modified: existing
// rows keep their order and get fresh hashes, rows for removed files are
// dropped, added files are appended in lexical order, and any RECORD
// signature file is deleted because the hash it covered is gone.
func RewriteRecord(root string) error {
	distInfo, err := DistInfoDir(root)
	if err != nil {
		return err
	}
	recordPath := filepath.Join(distInfo, "RECORD")
	recordRel := toSlashRel(root, recordPath)

	for _, sig := range []string{"RECORD.jws", "RECORD.p7s"} {
		os.Remove(filepath.Join(distInfo, sig))
	}

	existing, err := ReadRecord(distInfo)
	if err != nil {
		return err
	}

	onDisk := make(map[string]bool)
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		onDisk[toSlashRel(root, path)] = true
		return nil
	}); err != nil {
		return err
	}

	var rows []RecordEntry
	listed := make(map[string]bool)
	for _, e := range existing {
		if !onDisk[e.Path] {
			continue
		}
		listed[e.Path] = true
		rows = append(rows, e)
	}
	var added []string
	for path := range onDisk {
		if !listed[path] {
			added = append(added, path)
		}
	}
	sort.Strings(added)
	for _, path := range added {
		rows = append(rows, RecordEntry{Path: path})
	}

	out, err := os.Create(recordPath)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	for _, e := range rows {
		if e.Path == recordRel {
			if err := w.Write([]string{e.Path, "", ""}); err != nil {
				out.Close()
				return err
			}
			continue
		}
		hash, size, err := hashFile(filepath.Join(root, filepath.FromSlash(e.Path)))
		if err != nil {
			out.Close()
			return err
		}
		if err := w.Write([]string{e.Path, hash, strconv.FormatInt(size, 10)}); err != nil {
			out.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func hashFile(path string) (string, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	digest := sha256.Sum256(data)
	return "sha256=" + base64.RawURLEncoding.EncodeToString(digest[:]), int64(len(data)), nil
}

func toSlashRel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
