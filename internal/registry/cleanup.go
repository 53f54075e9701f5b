package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Policy controls which versions Cleanup deletes. The pipeline default is
// {KeepMin: 0, UntaggedOnly: true}: delete every untagged version, touch
// nothing tagged.
type Policy struct {
	// KeepMin is the minimum number of deletion candidates to retain,
	// newest first.
	KeepMin int `json:"keep_min" yaml:"keep_min"`

	// UntaggedOnly restricts deletion to versions with no tags. Tagged
	// versions are then outside the policy entirely.
	UntaggedOnly bool `json:"untagged_only" yaml:"untagged_only"`
}

// Cleanup deletes package versions per the policy and returns how many were
// deleted. Candidates are selected first (untagged versions when
// UntaggedOnly is set, all versions otherwise), the newest KeepMin are
// retained, and the rest are deleted oldest-first.
func Cleanup(ctx context.Context, c Client, pkg string, pol Policy, logger *slog.Logger) (int, error) {
	if pol.KeepMin < 0 {
		return 0, fmt.Errorf("negative keep_min %d", pol.KeepMin)
	}

	versions, err := c.ListVersions(ctx, pkg)
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", pkg, err)
	}

	var candidates []Version
	for _, v := range versions {
		if pol.UntaggedOnly && v.Tagged() {
			continue
		}
		candidates = append(candidates, v)
	}

	// Newest first; the first KeepMin survive.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if len(candidates) <= pol.KeepMin {
		return 0, nil
	}
	doomed := candidates[pol.KeepMin:]

	// Oldest first so a partial failure leaves the newest versions intact.
	sort.Slice(doomed, func(i, j int) bool {
		return doomed[i].CreatedAt.Before(doomed[j].CreatedAt)
	})

	deleted := 0
	for _, v := range doomed {
		if err := c.DeleteVersion(ctx, pkg, v.ID); err != nil {
			return deleted, fmt.Errorf("cleanup %s: %w", pkg, err)
		}
		deleted++
		logger.Debug("deleted package version", "package", pkg, "version_id", v.ID, "tags", v.Tags)
	}

	logger.Info("registry cleanup complete",
		"package", pkg,
		"deleted", deleted,
		"kept_min", pol.KeepMin,
		"untagged_only", pol.UntaggedOnly,
	)
	return deleted, nil
}
