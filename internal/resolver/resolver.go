// Package resolver implements the dependency resolver: it expands a
// manifest into a fully ordered install set across heterogeneous
// providers, tolerating dependency cycles.
//
// Grounded directly on original_source/src/imagebuild.rs's
// get_image_packages (the to_install/dep_stack/visited triple) and
// distr1/distri's internal/build/resolve.go for the Go idiom of a
// dependency walk over this domain's package-name graph.
package resolver

import (
	"bufio"
	"io"
	"strings"

	"github.com/pyxisbuild/pyxis"
	"golang.org/x/xerrors"
)

// DepsProvider supplies a ref's already satisfier-resolved, deduplicated,
// order-preserving dependency list. Implementations live in
// internal/providers.
type DepsProvider interface {
	GetDeps(ref pyxis.ParcelRef) ([]pyxis.ParcelRef, error)
}

// ParseManifest reads a manifest: one ParcelRef text per line,
// '#'-prefixed comment lines and blank lines skipped.
func ParseManifest(r io.Reader) ([]pyxis.ParcelRef, error) {
	var refs []pyxis.ParcelRef
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := pyxis.ParseParcelRef(line)
		if err != nil {
			return nil, xerrors.Errorf("manifest: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("manifest: %w", err)
	}
	return refs, nil
}

// missing removes elements of deps already present in installed,
// preserving the order of first appearance in deps.
func missing(deps []pyxis.ParcelRef, installed *pyxis.InstallSet) []pyxis.ParcelRef {
	var out []pyxis.ParcelRef
	seen := make(map[pyxis.ParcelRef]bool)
	for _, d := range deps {
		if installed.Contains(d) || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// Resolve expands manifest entries into an insertion-ordered InstallSet
// via an iterative post-order walk. It always terminates, including in
// the presence of dependency cycles: a
// package encountered a second time without having made progress is
// admitted unconditionally (the "visited" cycle-break), and any
// remaining dependencies are still attempted afterward.
func Resolve(manifest []pyxis.ParcelRef, deps DepsProvider) (*pyxis.InstallSet, error) {
	toInstall := pyxis.NewInstallSet()
	visited := make(map[pyxis.ParcelRef]bool)

	for _, m := range manifest {
		stack := []pyxis.ParcelRef{m}
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if toInstall.Contains(p) {
				continue
			}

			d, err := deps.GetDeps(p)
			if err != nil {
				return nil, xerrors.Errorf("resolving dependencies of %s: %w", p, err)
			}
			miss := missing(d, toInstall)

			switch {
			case len(miss) == 0:
				toInstall.Insert(p)
			case visited[p]:
				// Cycle break: admit p anyway, keep trying its remaining deps.
				toInstall.Insert(p)
				stack = append(stack, miss...)
			default:
				visited[p] = true
				stack = append(stack, p)
				stack = append(stack, miss...)
			}
		}
	}
	return toInstall, nil
}
