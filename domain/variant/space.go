package variant

import (
	"sort"
	"strings"

	"variantlab/domain/core"
	"variantlab/internal/errors"
)

// Space lists candidate values per dimension, e.g. tone -> [engaging, edgy]
type Space map[string][]string

// DefaultSpace seeds a fresh store
func DefaultSpace() Space {
	return Space{
		"hook_style": {"question", "statistic", "story", "controversial"},
		"tone":       {"engaging", "professional", "edgy"},
		"length":     {"short", "medium"},
	}
}

// Validate rejects empty spaces, blank names and dimensions without values
func (s Space) Validate() error {
	if len(s) == 0 {
		return errors.ValidationError("dimension space must not be empty")
	}
	for name, values := range s {
		if strings.TrimSpace(name) == "" {
			return errors.ValidationError("dimension name must not be empty")
		}
		if len(values) == 0 {
			return errors.ValidationErrorf("dimension %q has no values", name)
		}
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				return errors.ValidationErrorf("dimension %q has an empty value", name)
			}
		}
	}
	return nil
}

// Size is the number of combinations before any cap
func (s Space) Size() int {
	if len(s) == 0 {
		return 0
	}
	size := 1
	for _, values := range s {
		size *= len(dedupe(values))
	}
	return size
}

// Enumerate returns the cartesian product of the space, capped at max.
// Dimension names are walked in lexicographic order with the first name
// varying slowest; values keep the order they were supplied in. Truncation
// keeps the first max combinations of that ordering.
func (s Space) Enumerate(max int) []core.StringMap {
	if len(s) == 0 || max <= 0 {
		return nil
	}

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([][]string, len(names))
	for i, name := range names {
		values[i] = dedupe(s[name])
	}

	var out []core.StringMap
	idx := make([]int, len(names))
	for len(out) < max {
		combo := make(core.StringMap, len(names))
		for i, name := range names {
			combo[name] = values[i][idx[i]]
		}
		out = append(out, combo)

		// odometer increment, last dimension fastest
		pos := len(names) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(values[pos]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
