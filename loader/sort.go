package loader

import "sort"

// depKeyOf is the sibling identity a dep resolves to, used as a graph node
// for reachability.
func depKeyOf(d DepRef) junctionKey { return junctionKey{d.ResolvedProject, d.Name} }

// SortDependencies orders elem's dependencies: a dep that
// transitively depends on another dep of the same parent must appear
// later; ties break (stable, total order) by (a) runtime-only deps last,
// (b) element-name string order, (c) local before junction, (d)
// junction-name string order.
//
// byKey must map every element reachable from elem (by (project, name))
// to its MetaElement, so transitive reachability among siblings can be
// computed across the whole graph, not just elem's immediate deps.
func SortDependencies(elem *MetaElement, byKey map[junctionKey]*MetaElement) []DepRef {
	deps := elem.Deps
	if len(deps) <= 1 {
		return deps
	}

	reachMemo := map[junctionKey]map[junctionKey]bool{}
	var reachable func(k junctionKey) map[junctionKey]bool
	reachable = func(k junctionKey) map[junctionKey]bool {
		if m, ok := reachMemo[k]; ok {
			return m
		}
		result := map[junctionKey]bool{}
		reachMemo[k] = result // break cycles defensively; DetectCycles rejects real ones upstream
		e, ok := byKey[k]
		if !ok {
			return result
		}
		for _, d := range e.Deps {
			dk := depKeyOf(d)
			if result[dk] {
				continue
			}
			result[dk] = true
			for sub := range reachable(dk) {
				result[sub] = true
			}
		}
		return result
	}

	// mustPrecede records, for each sibling A, the siblings B that must
	// precede it (A depends on B, directly or transitively).
	n := len(deps)
	mustPrecede := make([][]bool, n) // mustPrecede[i][j] == true: deps[j] must come before deps[i]
	for i := range deps {
		mustPrecede[i] = make([]bool, n)
		ri := reachable(depKeyOf(deps[i]))
		for j := range deps {
			if i == j {
				continue
			}
			if ri[depKeyOf(deps[j])] {
				mustPrecede[i][j] = true
			}
		}
	}

	placed := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		var candidates []int
		for i := 0; i < n; i++ {
			if placed[i] {
				continue
			}
			ready := true
			for j := 0; j < n; j++ {
				if mustPrecede[i][j] && !placed[j] {
					ready = false
					break
				}
			}
			if ready {
				candidates = append(candidates, i)
			}
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			return depLess(deps[candidates[a]], deps[candidates[b]])
		})
		pick := candidates[0]
		placed[pick] = true
		order = append(order, pick)
	}

	out := make([]DepRef, n)
	for i, idx := range order {
		out[i] = deps[idx]
	}
	return out
}

// depLess implements the tie-break order: runtime-only last, then
// element-name, then local-before-junction, then junction-name.
func depLess(a, b DepRef) bool {
	aRuntime := a.Kind == DepRuntime
	bRuntime := b.Kind == DepRuntime
	if aRuntime != bRuntime {
		return !aRuntime // non-runtime sorts before runtime-only
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	aLocal := a.Junction == ""
	bLocal := b.Junction == ""
	if aLocal != bLocal {
		return aLocal
	}
	return a.Junction < b.Junction
}
