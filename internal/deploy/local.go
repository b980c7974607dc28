package deploy

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/TobiSchelling/SiteForge/internal/generate"
	"github.com/TobiSchelling/SiteForge/internal/stage"
)

// LocalHost "hosts" a site where it was generated. It is used when no
// hosting platform is configured.
type LocalHost struct{}

func (LocalHost) Name() string { return "local" }

// Deploy implements Host.
func (LocalHost) Deploy(_ context.Context, _ string, dir string) (HostResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return HostResult{}, stage.Fatal(stage.CodeHostingFailed, err)
	}
	manifest, _, err := generate.ReadSite(osfs.New(abs))
	if err != nil {
		return HostResult{}, stage.Fatal(stage.CodeHostingFailed, fmt.Errorf("site at %s: %w", abs, err))
	}
	return HostResult{BuildRef: manifest.SnapshotFingerprint, URL: "file://" + filepath.ToSlash(abs) + "/"}, nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
