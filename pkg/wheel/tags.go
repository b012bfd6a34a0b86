package wheel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	version "github.com/hashicorp/go-version"
)

// PlatformTag is the parsed platform component of a wheel compatibility
// tag, e.g. macosx_10_9_x86_64.
type PlatformTag struct {
	OS      string // "macosx"
	Version string // minimum deployment target, e.g. "10.9"
	Arch    string // "x86_64", "arm64", "universal2", ...
}

func (t PlatformTag) String() string {
	return fmt.Sprintf("%s_%s_%s", t.OS, strings.ReplaceAll(t.Version, ".", "_"), t.Arch)
}

// ParsePlatformTag splits a platform tag into OS, deployment target and
// architecture. The architecture may itself contain underscores (x86_64),
// so the two fields after the OS are taken as the version.
func ParsePlatformTag(tag string) (PlatformTag, error) {
	parts := strings.Split(tag, "_")
	if len(parts) < 4 {
		return PlatformTag{}, fmt.Errorf("malformed platform tag %q", tag)
	}
	if _, err := version.NewVersion(parts[1] + "." + parts[2]); err != nil {
		return PlatformTag{}, fmt.Errorf("malformed platform tag %q: %v", tag, err)
	}
	return PlatformTag{
		OS:      parts[0],
		Version: parts[1] + "." + parts[2],
		Arch:    strings.Join(parts[3:], "_"),
	}, nil
}

// fusedArchNames maps a pair of single-arch tags to the universal tag a
// merged wheel advertises.
var fusedArchNames = map[string]string{
	"arm64+x86_64": "universal2",
	"i386+x86_64":  "intel",
}

// MergePlatformTags combines the platform tags of two single-architecture
// wheels: the architectures must form a known universal pair and the newer
// minimum deployment target wins.
func MergePlatformTags(a, b PlatformTag) (PlatformTag, error) {
	if a.OS != b.OS {
		return PlatformTag{}, fmt.Errorf("platform tags %s and %s target different systems", a, b)
	}
	if a.Arch == b.Arch {
		return PlatformTag{}, fmt.Errorf("platform tags %s and %s share architecture %s", a, b, a.Arch)
	}
	archs := []string{a.Arch, b.Arch}
	if archs[0] > archs[1] {
		archs[0], archs[1] = archs[1], archs[0]
	}
	fused, ok := fusedArchNames[archs[0]+"+"+archs[1]]
	if !ok {
		return PlatformTag{}, fmt.Errorf("no universal platform tag for %s + %s", a.Arch, b.Arch)
	}
	va, err := version.NewVersion(a.Version)
	if err != nil {
		return PlatformTag{}, err
	}
	vb, err := version.NewVersion(b.Version)
	if err != nil {
		return PlatformTag{}, err
	}
	newer := a.Version
	if vb.GreaterThan(va) {
		newer = b.Version
	}
	return PlatformTag{OS: a.OS, Version: newer, Arch: fused}, nil
}

// ReadTags returns the Tag: lines of the WHEEL metadata file, e.g.
// "cp310-cp310-macosx_10_9_x86_64".
func ReadTags(distInfo string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(distInfo, "WHEEL"))
	if err != nil {
		return nil, &CorruptWheelError{Reason: "missing WHEEL"}
	}
	var tags []string
	for _, line := range strings.Split(string(data), "\n") {
		if after, ok := strings.CutPrefix(line, "Tag:"); ok {
			tags = append(tags, strings.TrimSpace(after))
		}
	}
	if len(tags) == 0 {
		return nil, &CorruptWheelError{Reason: "WHEEL carries no Tag lines"}
	}
	return tags, nil
}

// PlatformFromTags extracts the single platform component shared by all
// Tag lines.
func PlatformFromTags(tags []string) (string, error) {
	platform := ""
	for _, tag := range tags {
		parts := strings.SplitN(tag, "-", 3)
		if len(parts) != 3 {
			return "", fmt.Errorf("malformed compatibility tag %q", tag)
		}
		if platform != "" && platform != parts[2] {
			return "", fmt.Errorf("WHEEL mixes platform tags %s and %s", platform, parts[2])
		}
		platform = parts[2]
	}
	return platform, nil
}

// RetagPlatform rewrites the platform component of every Tag: line in the
// WHEEL metadata file.
func RetagPlatform(distInfo, platform string) error {
	path := filepath.Join(distInfo, "WHEEL")
	data, err := os.ReadFile(path)
	if err != nil {
		return &CorruptWheelError{Reason: "missing WHEEL"}
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		after, ok := strings.CutPrefix(line, "Tag:")
		if !ok {
			continue
		}
		parts := strings.SplitN(strings.TrimSpace(after), "-", 3)
		if len(parts) != 3 {
			return fmt.Errorf("malformed compatibility tag %q", after)
		}
		lines[i] = fmt.Sprintf("Tag: %s-%s-%s", parts[0], parts[1], platform)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644)
}
