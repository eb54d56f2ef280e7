package tree

import (
	"slices"
	"sort"
)

// ComputeDiff compares indicator fingerprints of a baseline and a custom
// configuration. An indicator is modified when its hash or its dataset codes
// differ; indicators only in head are added.
func ComputeDiff(base, head map[string]Fingerprint) *Diff {
	d := &Diff{}
	for code, fp := range head {
		b, exists := base[code]
		switch {
		case !exists:
			d.Added = append(d.Added, code)
		case b.Hash != fp.Hash || !slices.Equal(b.DatasetCodes, fp.DatasetCodes):
			d.Modified = append(d.Modified, code)
		default:
			d.Unchanged = append(d.Unchanged, code)
		}
	}
	for code := range base {
		if _, exists := head[code]; !exists {
			d.Removed = append(d.Removed, code)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	sort.Strings(d.Unchanged)
	return d
}
