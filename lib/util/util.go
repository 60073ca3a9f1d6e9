// Package util contains helper functions used around the code.
package util

// Chunk splits s in consecutive groups of at most size elements. The last group holds the remainder. size must be
// positive.
func Chunk[T any](s []T, size int) [][]T {
	if size <= 0 {
		panic("util: non-positive chunk size")
	}

	groups := make([][]T, 0, (len(s)+size-1)/size)

	for len(s) > size {
		groups = append(groups, s[:size:size])
		s = s[size:]
	}

	if len(s) > 0 {
		groups = append(groups, s)
	}

	return groups
}

// Unique returns ss without repeated or empty elements, keeping the first occurrence order.
func Unique(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	res := make([]string, 0, len(ss))

	for _, s := range ss {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}

		seen[s] = struct{}{}
		res = append(res, s)
	}

	return res
}
