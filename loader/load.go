package loader

import (
	"fmt"
	"strings"

	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// junctionKey identifies a junction by its defining project and element
// name, used to detect CONFLICTING_JUNCTION across sibling sub-projects.
type junctionKey struct {
	project string
	element string
}

// junctionReg records who defined a junction name first: the loader that
// registered it (so descendants can be told apart from sibling branches),
// the defining (project, element) pair, and the child loader plus
// sub-project it instantiates.
type junctionReg struct {
	definer *Loader
	key     junctionKey
	child   *Loader
	project string
}

// Loader recursively resolves a project's elements into MetaElements,
// instantiating a child Loader per junction sub-project it encounters.
// The cache and junction registry are shared across the whole loader tree;
// each child holds a non-owning parent reference used only for
// junction-precedence lookup.
type Loader struct {
	files  FileLoader
	parent *Loader

	// cache breaks diamond dependencies: each (project, element) pair is
	// parsed and recursed into at most once, across every sub-loader.
	cache map[junctionKey]*MetaElement
	// junctions maps a junction element's name to its first registration,
	// enforcing parent-over-child precedence and detecting conflicting
	// sibling redefinitions.
	junctions map[string]*junctionReg
}

// New creates a root Loader over files.
func New(files FileLoader) *Loader {
	return &Loader{
		files:     files,
		cache:     map[junctionKey]*MetaElement{},
		junctions: map[string]*junctionReg{},
	}
}

// Load resolves every target (within project) and everything they
// transitively depend on, returning the full set of MetaElements touched.
func (l *Loader) Load(project string, targets []string) ([]*MetaElement, error) {
	var out []*MetaElement
	seen := map[junctionKey]bool{}
	for _, t := range targets {
		elems, err := l.loadOne(project, t, &seen)
		if err != nil {
			return nil, err
		}
		out = append(out, elems...)
	}
	return out, nil
}

func (l *Loader) loadOne(project, name string, seen *map[junctionKey]bool) ([]*MetaElement, error) {
	key := junctionKey{project, name}
	var out []*MetaElement
	if (*seen)[key] {
		return out, nil
	}
	(*seen)[key] = true

	me, err := l.resolve(project, name)
	if err != nil {
		return nil, err
	}
	out = append(out, me)

	for i := range me.Deps {
		dep := &me.Deps[i]
		depProject := project
		childLoader := l
		if dep.Junction != "" {
			// parseDepRef splits on the first colon only, so a deep
			// reference "a:b:c" surfaces as a leftover colon in the name.
			if strings.Contains(dep.Name, ":") {
				return nil, cerr.New(cerr.Load, cerr.InvalidData,
					fmt.Sprintf("deep junction reference %q is forbidden", dep.Junction+":"+dep.Name)).
					WithDetail("dependency of element %q/%q", project, name)
			}
			jl, jproj, err := l.resolveJunction(project, dep.Junction)
			if err != nil {
				return nil, err
			}
			childLoader = jl
			depProject = jproj
		}
		dep.ResolvedProject = depProject
		depElems, err := childLoader.loadOne(depProject, dep.Name, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, depElems...)
	}
	return out, nil
}

// resolve parses name's descriptor within project into a cached MetaElement.
func (l *Loader) resolve(project, name string) (*MetaElement, error) {
	key := junctionKey{project, name}
	if me, ok := l.cache[key]; ok {
		return me, nil
	}
	desc, err := l.files.Load(project, name)
	if err != nil {
		return nil, err
	}
	me := &MetaElement{
		Project:     project,
		Name:        name,
		Kind:        desc.Kind,
		Config:      desc.Config,
		Environment: desc.Environment,
	}
	for i, s := range desc.Sources {
		me.Sources = append(me.Sources, SourceRef{Kind: s.Kind, Config: s.Config, Index: i})
	}
	for _, d := range desc.Depends {
		me.Deps = append(me.Deps, parseDepRef(d, DepAll))
	}
	for _, d := range desc.BuildDepends {
		me.Deps = append(me.Deps, parseDepRef(d, DepBuild))
	}
	for _, d := range desc.RuntimeDepends {
		me.Deps = append(me.Deps, parseDepRef(d, DepRuntime))
	}
	if desc.Kind == "junction" {
		me.Junction = &JunctionConfig{Path: desc.JunctionPath}
	}
	l.cache[key] = me
	return me, nil
}

// BuildIndex maps every loaded element by (project, name), for use with
// SortDependencies.
func BuildIndex(elements []*MetaElement) map[junctionKey]*MetaElement {
	idx := make(map[junctionKey]*MetaElement, len(elements))
	for _, e := range elements {
		idx[junctionKey{e.Project, e.Name}] = e
	}
	return idx
}

// parseDepRef splits a "junction:name" or bare "name" dependency string.
func parseDepRef(raw string, kind DepKind) DepRef {
	if idx := strings.Index(raw, ":"); idx >= 0 {
		return DepRef{Junction: raw[:idx], Name: raw[idx+1:], Kind: kind}
	}
	return DepRef{Name: raw, Kind: kind}
}

// resolveJunction returns the Loader and project name for the sub-project
// junctionName instantiates, enforcing parent-over-child-redefinition
// precedence and rejecting conflicting sibling redefinitions.
func (l *Loader) resolveJunction(definingProject, junctionName string) (*Loader, string, error) {
	jkey := junctionKey{definingProject, junctionName}
	if reg, ok := l.junctions[junctionName]; ok {
		if reg.key == jkey {
			return reg.child, reg.project, nil
		}
		// A parent's junction takes precedence over a child project's
		// redefinition of the same name: descendants silently reuse it.
		if reg.definer.isAncestorOf(l) {
			return reg.child, reg.project, nil
		}
		return nil, "", cerr.New(cerr.Load, cerr.ConflictingJunction,
			fmt.Sprintf("junction %q is redefined inconsistently between %q and %q",
				junctionName, reg.key.project, definingProject))
	}
	me, err := l.resolve(definingProject, junctionName)
	if err != nil {
		return nil, "", err
	}
	if me.Junction == nil {
		return nil, "", cerr.New(cerr.Load, cerr.InvalidData,
			fmt.Sprintf("%q is not a junction element", junctionName))
	}
	child := &Loader{files: l.files, parent: l, cache: l.cache, junctions: l.junctions}
	l.junctions[junctionName] = &junctionReg{definer: l, key: jkey, child: child, project: me.Junction.Path}
	return child, me.Junction.Path, nil
}

func (l *Loader) isAncestorOf(other *Loader) bool {
	for n := other; n != nil; n = n.parent {
		if n == l {
			return true
		}
	}
	return false
}
