// Package providers defines the Provider capability interface shared by
// the Upstream and Local backends and a small registry dispatching on
// pyxis.Provider. The set of providers is closed and enumerated.
package providers

import (
	"github.com/pyxisbuild/pyxis"
	"golang.org/x/xerrors"
)

// Provider is the capability surface every backend implements.
type Provider interface {
	// GetDeps returns name's dependencies, already satisfier-resolved,
	// deduplicated, and order-preserving.
	GetDeps(name string) ([]pyxis.ParcelRef, error)

	// GetVersion returns name's version string.
	GetVersion(name string) (string, error)

	// Build materializes name's parcel on disk. It must be idempotent:
	// if the on-disk parcel already exists, Build is a no-op.
	Build(name string) error
}

// Registry dispatches pyxis.Provider tags to concrete Provider
// implementations.
type Registry struct {
	byTag map[pyxis.Provider]Provider
}

// NewRegistry returns a Registry backed by upstream and local.
func NewRegistry(upstream, local Provider) *Registry {
	return &Registry{byTag: map[pyxis.Provider]Provider{
		pyxis.Upstream: upstream,
		pyxis.Local:    local,
	}}
}

func (r *Registry) lookup(tag pyxis.Provider) (Provider, error) {
	p, ok := r.byTag[tag]
	if !ok {
		return nil, xerrors.Errorf("unknown provider %s", tag)
	}
	return p, nil
}

// GetDeps implements resolver.DepsProvider, dispatching ref to its
// provider.
func (r *Registry) GetDeps(ref pyxis.ParcelRef) ([]pyxis.ParcelRef, error) {
	p, err := r.lookup(ref.Provider)
	if err != nil {
		return nil, err
	}
	deps, err := p.GetDeps(ref.Name)
	if err != nil {
		return nil, xerrors.Errorf("%s: get_deps: %w", ref, err)
	}
	return deps, nil
}

// Build dispatches ref to its provider's Build.
func (r *Registry) Build(ref pyxis.ParcelRef) error {
	p, err := r.lookup(ref.Provider)
	if err != nil {
		return err
	}
	if err := p.Build(ref.Name); err != nil {
		return xerrors.Errorf("building %s: %w", ref, err)
	}
	return nil
}

// GetVersion dispatches ref to its provider's GetVersion.
func (r *Registry) GetVersion(ref pyxis.ParcelRef) (string, error) {
	p, err := r.lookup(ref.Provider)
	if err != nil {
		return "", err
	}
	return p.GetVersion(ref.Name)
}
