package cache

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Purpose identifies what a cache partition holds.
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeDynamic Purpose = "dynamic"
	PurposeOffline Purpose = "offline"
)

// Purposes lists every partition purpose in a stable order.
var Purposes = []Purpose{PurposeStatic, PurposeDynamic, PurposeOffline}

// Ownership describes how a partition relates to the running cache version.
type Ownership int

const (
	// Foreign partitions do not follow this app's naming scheme and are never touched.
	Foreign Ownership = iota
	Current
	Older
	Newer
)

func (o Ownership) String() string {
	switch o {
	case Current:
		return "current"
	case Older:
		return "older"
	case Newer:
		return "newer"
	default:
		return "foreign"
	}
}

// PartitionName builds "<app>-<version>-<purpose>".
func PartitionName(app, version string, purpose Purpose) string {
	return fmt.Sprintf("%s-%s-%s", app, version, purpose)
}

// ParseVersion parses a cache version such as "v1.2.0" or "2.0.0-rc.1".
// A version may carry a single version stamp only: "2-v1.0.0" is rejected
// because it reads as the partition of an app named "<app>-2".
func ParseVersion(v string) (*semver.Version, error) {
	for i := 0; i < len(v)-1; i++ {
		if v[i] == '-' && v[i+1] == 'v' && i+2 < len(v) && v[i+2] >= '0' && v[i+2] <= '9' {
			return nil, fmt.Errorf("cache version %q carries more than one version stamp", v)
		}
	}
	return semver.NewVersion(strings.TrimPrefix(v, "v"))
}

// ParsePartitionName splits name into version and purpose for the given app.
// ok is false when name does not belong to app, which includes names of other
// apps sharing app as a prefix ("folio-blog-v1.0.0-static" for app "folio").
func ParsePartitionName(app, name string) (version string, purpose Purpose, ok bool) {
	prefix := app + "-"
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, prefix)
	for _, p := range Purposes {
		suffix := "-" + string(p)
		if strings.HasSuffix(rest, suffix) {
			version = strings.TrimSuffix(rest, suffix)
			if _, err := ParseVersion(version); err != nil {
				return "", "", false
			}
			return version, p, true
		}
	}
	return "", "", false
}

// Classify reports how partition name relates to currentVersion of app.
// Anything that cannot be ordered against currentVersion is Foreign and kept.
func Classify(app, currentVersion, name string) Ownership {
	version, _, ok := ParsePartitionName(app, name)
	if !ok {
		return Foreign
	}
	if version == currentVersion {
		return Current
	}

	cur, err := ParseVersion(currentVersion)
	if err != nil {
		return Foreign
	}
	other, err := ParseVersion(version)
	if err != nil {
		return Foreign
	}
	switch other.Compare(cur) {
	case 0:
		return Current
	case 1:
		return Newer
	default:
		return Older
	}
}
