package delocate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/delocate/internal/utils"
	"github.com/blacktop/delocate/pkg/macho"
)

// archAliases expand the shorthand names accepted by --require-archs.
var archAliases = map[string][]string{
	"intel":      {"i386", "x86_64"},
	"universal2": {"x86_64", "arm64"},
}

// ParseRequireArchs expands an alias or comma list into arch tokens.
// An empty string yields an empty (non-nil) set, which means "check that
// depended libraries cover the architectures of their dependents".
func ParseRequireArchs(s string) []string {
	if archs, ok := archAliases[s]; ok {
		return archs
	}
	if s == "" {
		return []string{}
	}
	var archs []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			archs = append(archs, a)
		}
	}
	return archs
}

// ArchProblem is one file missing required architectures. Depended is
// empty when a fixed required set was violated; otherwise the problem is a
// dependency not covering the architectures of File, its dependent.
type ArchProblem struct {
	File     string
	Depended string
	Missing  []string
}

// ArchitectureError aggregates every architecture deficit found.
type ArchitectureError struct {
	Problems []ArchProblem
}

func (e *ArchitectureError) Error() string {
	return "missing architectures in wheel:\n" + Report(e.Problems, "")
}

// CheckArchs verifies the required architecture set across the tree.
//
// With a non-empty require set, every Mach-O file in the tree must contain
// all required architectures. With an empty (non-nil) set, each depended
// library in copied must cover the architectures of every file depending
// on it.
func CheckArchs(root string, copied map[string]map[string]string, require []string, tool Editor) ([]ArchProblem, error) {
	if tool == nil {
		tool = macho.Tool{}
	}
	var problems []ArchProblem

	if len(require) > 0 {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return err
			}
			info, err := tool.Read(path)
			if err != nil {
				return nil // not Mach-O
			}
			if missing := utils.Difference(require, info.Archs); len(missing) > 0 {
				problems = append(problems, ArchProblem{File: path, Missing: missing})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return problems, nil
	}

	for dep, loaders := range copied {
		depInfo, err := tool.Read(dep)
		if err != nil {
			continue
		}
		for loader := range loaders {
			loaderInfo, err := tool.Read(loader)
			if err != nil {
				continue
			}
			if missing := utils.Difference(loaderInfo.Archs, depInfo.Archs); len(missing) > 0 {
				problems = append(problems, ArchProblem{File: loader, Depended: dep, Missing: missing})
			}
		}
	}
	return problems, nil
}

// Report renders problems one per line, sorted, with pathPrefix stripped.
func Report(problems []ArchProblem, pathPrefix string) string {
	strip := func(p string) string {
		if pathPrefix != "" {
			return strings.TrimPrefix(p, strings.TrimSuffix(pathPrefix, "/")+"/")
		}
		return p
	}
	plural := func(archs []string) string {
		if len(archs) > 1 {
			return "archs"
		}
		return "arch"
	}
	var lines []string
	for _, p := range problems {
		missing := append([]string(nil), p.Missing...)
		sort.Strings(missing)
		if p.Depended != "" {
			lines = append(lines, fmt.Sprintf("%s needs %s %s missing from %s",
				strip(p.File), plural(missing), strings.Join(missing, ", "), strip(p.Depended)))
		} else {
			lines = append(lines, fmt.Sprintf("required %s %s missing from %s",
				plural(missing), strings.Join(missing, ", "), strip(p.File)))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
