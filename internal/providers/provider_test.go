package providers

import (
	"errors"
	"testing"

	"github.com/pyxisbuild/pyxis"
	"github.com/stretchr/testify/require"
)

var errFake = errors.New("fake provider failure")

type fakeProvider struct {
	deps       []pyxis.ParcelRef
	version    string
	buildCalls []string
	failBuild  bool
	failDeps   bool
}

func (f *fakeProvider) GetDeps(name string) ([]pyxis.ParcelRef, error) {
	if f.failDeps {
		return nil, errFake
	}
	return f.deps, nil
}

func (f *fakeProvider) GetVersion(name string) (string, error) {
	return f.version, nil
}

func (f *fakeProvider) Build(name string) error {
	if f.failBuild {
		return errFake
	}
	f.buildCalls = append(f.buildCalls, name)
	return nil
}

func TestRegistryDispatchesToCorrectProvider(t *testing.T) {
	upstream := &fakeProvider{version: "2.38", deps: []pyxis.ParcelRef{{Provider: pyxis.Upstream, Name: "libc"}}}
	local := &fakeProvider{version: "0.1"}
	reg := NewRegistry(upstream, local)

	v, err := reg.GetVersion(pyxis.ParcelRef{Provider: pyxis.Upstream, Name: "bash"})
	require.NoError(t, err)
	require.Equal(t, "2.38", v)

	v, err = reg.GetVersion(pyxis.ParcelRef{Provider: pyxis.Local, Name: "init"})
	require.NoError(t, err)
	require.Equal(t, "0.1", v)

	require.NoError(t, reg.Build(pyxis.ParcelRef{Provider: pyxis.Local, Name: "init"}))
	require.Equal(t, []string{"init"}, local.buildCalls)
	require.Empty(t, upstream.buildCalls)

	deps, err := reg.GetDeps(pyxis.ParcelRef{Provider: pyxis.Upstream, Name: "bash"})
	require.NoError(t, err)
	require.Equal(t, upstream.deps, deps)
}

func TestRegistryRejectsUnknownProviderTag(t *testing.T) {
	reg := NewRegistry(&fakeProvider{}, &fakeProvider{})
	_, err := reg.GetVersion(pyxis.ParcelRef{Provider: pyxis.Provider(99), Name: "x"})
	require.Error(t, err)
}
