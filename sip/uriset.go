package sip

// URISet is a canonical list-of-lists of destination URIs: the outer
// list is serial order, each inner list is one parallel group.
type URISet [][]URI

// IsEmpty reports whether the set contains no URIs at all.
func (s URISet) IsEmpty() bool {
	for _, group := range s {
		if len(group) > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the set.
func (s URISet) Clone() URISet {
	if s == nil {
		return nil
	}
	out := make(URISet, len(s))
	for i, group := range s {
		out[i] = make([]URI, len(group))
		for j, u := range group {
			out[i][j] = u.Clone()
		}
	}
	return out
}

// NormalizeURISet converts a heterogeneously-shaped destination
// description into a canonical URISet. Accepted shapes:
//
//   - URI, *URI: a single parallel group with one URI
//   - string: one or more comma-separated URIs, a single group
//   - []URI, []string, []any without nesting: a single parallel group
//   - []any containing nested lists: multi-group; runs of top-level
//     scalars are coalesced into their own group at the position they
//     occupy
//   - URISet: normalized per group
//
// Unparseable strings contribute no URIs. A fully empty result is
// URISet{{}}, which signals "no destinations" to the caller.
// Normalization never fails and is idempotent.
func NormalizeURISet(v any) URISet {
	groups := normalizeGroups(v)
	if len(groups) == 0 {
		return URISet{{}}
	}
	return groups
}

func normalizeGroups(v any) URISet {
	switch val := v.(type) {
	case nil:
		return nil
	case URISet:
		var out URISet
		for _, group := range val {
			if g := scrubGroup(group); len(g) > 0 {
				out = append(out, g)
			}
		}
		return out
	case [][]URI:
		return normalizeGroups(URISet(val))
	case []any:
		return normalizeMixed(val)
	default:
		if g := flatGroup(v); len(g) > 0 {
			return URISet{g}
		}
		return nil
	}
}

// normalizeMixed handles a top-level list that may contain nested lists.
// Without nesting the whole list is one parallel group; with nesting,
// each inner list becomes a group and scalar runs coalesce in position.
func normalizeMixed(items []any) URISet {
	nested := false
	for _, item := range items {
		switch item.(type) {
		case []any, []URI, []string, URISet, [][]URI:
			nested = true
		}
	}
	if !nested {
		var group []URI
		for _, item := range items {
			group = append(group, flatGroup(item)...)
		}
		if len(group) == 0 {
			return nil
		}
		return URISet{group}
	}

	var (
		out URISet
		run []URI
	)
	flush := func() {
		if len(run) > 0 {
			out = append(out, run)
			run = nil
		}
	}
	for _, item := range items {
		switch val := item.(type) {
		case []any:
			flush()
			var group []URI
			for _, inner := range val {
				group = append(group, flatGroup(inner)...)
			}
			if len(group) > 0 {
				out = append(out, group)
			}
		case []URI, []string:
			flush()
			if group := flatGroup(val); len(group) > 0 {
				out = append(out, group)
			}
		case URISet, [][]URI:
			flush()
			out = append(out, normalizeGroups(val)...)
		default:
			run = append(run, flatGroup(item)...)
		}
	}
	flush()
	return out
}

// flatGroup converts a scalar or flat list into a slice of scrubbed URIs.
func flatGroup(v any) []URI {
	switch val := v.(type) {
	case URI:
		if val.IsZero() {
			return nil
		}
		return []URI{val.asRequestURI()}
	case *URI:
		if val == nil {
			return nil
		}
		return flatGroup(*val)
	case string:
		var out []URI
		for _, part := range splitCommaList(val) {
			u, err := ParseURI(part)
			if err != nil {
				continue
			}
			out = append(out, u.asRequestURI())
		}
		return out
	case []URI:
		var out []URI
		for _, u := range val {
			out = append(out, flatGroup(u)...)
		}
		return out
	case []string:
		var out []URI
		for _, s := range val {
			out = append(out, flatGroup(s)...)
		}
		return out
	default:
		return nil
	}
}

func scrubGroup(group []URI) []URI {
	var out []URI
	for _, u := range group {
		if u.IsZero() {
			continue
		}
		out = append(out, u.asRequestURI())
	}
	return out
}
