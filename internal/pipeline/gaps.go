package pipeline

import "sort"

// Gaps returns the symbols present in the catalog but absent from the store,
// sorted. The reverse difference is ignored on purpose: rows are history and
// the catalog is append-only, so store-only symbols cannot occur on a healthy
// pipeline and would never warrant deleting data.
func Gaps(catalog, known []string) []string {
	seen := make(map[string]struct{}, len(known))
	for _, s := range known {
		seen[s] = struct{}{}
	}

	var gaps []string
	for _, s := range catalog {
		if _, ok := seen[s]; !ok {
			gaps = append(gaps, s)
		}
	}
	sort.Strings(gaps)
	return gaps
}
