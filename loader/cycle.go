package loader

import (
	"strings"

	"github.com/buildstream-go/bst-core/cmn/cerr"
)

type color int

const (
	white color = iota
	gray
	black
)

// qualifiedName formats an element's identity for error messages: bare
// name within a single-project graph, "project:name" once junctions are
// involved.
func qualifiedName(project, name string) string {
	if project == "" {
		return name
	}
	return project + ":" + name
}

// DetectCycles runs a DFS with gray/black colouring over the resolved
// element set and reports the first cycle found as a chain string
// ("X -> Y -> Z -> X"), sliced from the first occurrence of the revisited
// node to itself.
func DetectCycles(elements []*MetaElement) error {
	byKey := make(map[junctionKey]*MetaElement, len(elements))
	for _, e := range elements {
		byKey[junctionKey{e.Project, e.Name}] = e
	}
	colors := make(map[junctionKey]color, len(elements))
	var path []junctionKey

	var visit func(k junctionKey) error
	visit = func(k junctionKey) error {
		switch colors[k] {
		case black:
			return nil
		case gray:
			chain := cycleChain(path, k)
			return cerr.New(cerr.Load, cerr.CircularDependency, "circular dependency detected").
				WithDetail("%s", chain)
		}
		colors[k] = gray
		path = append(path, k)
		elem, ok := byKey[k]
		if ok {
			for _, dep := range elem.Deps {
				dk := junctionKey{dep.ResolvedProject, dep.Name}
				if err := visit(dk); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		colors[k] = black
		return nil
	}

	for _, e := range elements {
		k := junctionKey{e.Project, e.Name}
		if colors[k] == white {
			if err := visit(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func cycleChain(path []junctionKey, repeated junctionKey) string {
	start := 0
	for i, k := range path {
		if k == repeated {
			start = i
			break
		}
	}
	var names []string
	for _, k := range path[start:] {
		names = append(names, qualifiedName(k.project, k.element))
	}
	names = append(names, qualifiedName(repeated.project, repeated.element))
	return strings.Join(names, " -> ")
}
