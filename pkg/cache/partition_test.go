package cache_test

import (
	"testing"

	"github.com/valandreev/sitecache/pkg/cache"
)

func TestPartitionNameRoundTrip(t *testing.T) {
	name := cache.PartitionName("my-site", "v1.2.0-rc.1", cache.PurposeDynamic)
	if name != "my-site-v1.2.0-rc.1-dynamic" {
		t.Fatalf("unexpected name %q", name)
	}
	version, purpose, ok := cache.ParsePartitionName("my-site", name)
	if !ok {
		t.Fatalf("expected name to parse")
	}
	if version != "v1.2.0-rc.1" || purpose != cache.PurposeDynamic {
		t.Fatalf("unexpected parse result %q %q", version, purpose)
	}
}

func TestParsePartitionNameRejectsForeign(t *testing.T) {
	for _, name := range []string{
		"other-v1-static",
		"portfolio-static",
		"portfolio-v1-thumbnails",
		"workbox-precache-v2",
	} {
		if _, _, ok := cache.ParsePartitionName("portfolio", name); ok {
			t.Fatalf("expected %q to be foreign", name)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		want cache.Ownership
	}{
		{"portfolio-v2.0.0-static", cache.Current},
		{"portfolio-v1.0.0-static", cache.Older},
		{"portfolio-v1.9.9-offline", cache.Older},
		{"portfolio-2.0.0-dynamic", cache.Current},
		{"portfolio-v3.0.0-dynamic", cache.Newer},
		{"portfolio-legacy-static", cache.Foreign},
		{"portfolio-blog-v1.0.0-static", cache.Foreign},
		{"portfolio-2-v1.0.0-dynamic", cache.Foreign},
		{"analytics-v1-static", cache.Foreign},
		{"portfolio-v2.0.0-fonts", cache.Foreign},
	}
	for _, tc := range cases {
		if got := cache.Classify("portfolio", "v2.0.0", tc.name); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyKeepsUnorderableVersions(t *testing.T) {
	// A current version that is not semver cannot rank anything as older.
	if got := cache.Classify("portfolio", "3f9c2ab", "portfolio-v9.0.0-static"); got != cache.Foreign {
		t.Fatalf("expected partition to be kept, got %s", got)
	}
	if got := cache.Classify("portfolio", "3f9c2ab", "portfolio-3f9c2ab-static"); got != cache.Foreign {
		t.Fatalf("expected unparsable own version to be foreign, got %s", got)
	}
}

func TestParseVersion(t *testing.T) {
	for _, v := range []string{"v1", "v1.2.0", "2.0.0-rc.1", "v1.2.0-rc.1"} {
		if _, err := cache.ParseVersion(v); err != nil {
			t.Fatalf("ParseVersion(%q): %v", v, err)
		}
	}
	for _, v := range []string{"", "legacy", "blog-v1.0.0", "2-v1.0.0", "3f9c2ab"} {
		if _, err := cache.ParseVersion(v); err == nil {
			t.Fatalf("expected ParseVersion(%q) to fail", v)
		}
	}
}
