package pyxis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderStringAndParseRoundTrip(t *testing.T) {
	for _, p := range []Provider{Upstream, Local} {
		parsed, err := ParseProvider(p.String())
		require.NoError(t, err)
		require.Equal(t, p, parsed)
	}
}

func TestParseProviderRejectsUnknownTag(t *testing.T) {
	_, err := ParseProvider("aur")
	require.Error(t, err)
}

func TestParseParcelRefRoundTrip(t *testing.T) {
	ref, err := ParseParcelRef("upstream|glibc")
	require.NoError(t, err)
	require.Equal(t, ParcelRef{Provider: Upstream, Name: "glibc"}, ref)
	require.Equal(t, "upstream|glibc", ref.String())
}

func TestParseParcelRefRejectsMissingPrefixOrEmptyName(t *testing.T) {
	_, err := ParseParcelRef("glibc")
	require.Error(t, err)

	_, err = ParseParcelRef("local|")
	require.Error(t, err)

	_, err = ParseParcelRef("aur|foo")
	require.Error(t, err)
}

func TestInstallSetPreservesInsertionOrderAndDedupes(t *testing.T) {
	s := NewInstallSet()
	a := ParcelRef{Provider: Upstream, Name: "glibc"}
	b := ParcelRef{Provider: Local, Name: "init"}

	require.True(t, s.Insert(a))
	require.True(t, s.Insert(b))
	require.False(t, s.Insert(a), "second insert of an already-present ref must report false")

	require.Equal(t, 2, s.Len())
	require.Equal(t, []ParcelRef{a, b}, s.Refs())
	require.True(t, s.Contains(a))
	require.False(t, s.Contains(ParcelRef{Provider: Upstream, Name: "bash"}))
}

func TestReservedPrefixLayout(t *testing.T) {
	ref := ParcelRef{Provider: Upstream, Name: "bash"}
	require.Equal(t, ".PYXIS/upstream/bash", ReservedPrefix(ref))
}

func TestMetadataFileNamesCoversReservedBasenames(t *testing.T) {
	for _, name := range []string{".INSTALL", ".BUILDINFO", ".MTREE", ".PKGINFO"} {
		require.True(t, MetadataFileNames[name], "%s should be a reserved metadata basename", name)
	}
	require.False(t, MetadataFileNames["usr"])
}

func TestUserPrefersSudoUser(t *testing.T) {
	t.Setenv("SUDO_USER", "alice")
	t.Setenv("USER", "root")
	require.Equal(t, "alice", User())

	t.Setenv("SUDO_USER", "")
	t.Setenv("USER", "bob")
	require.Equal(t, "bob", User())
}

func TestParcelPathAndRecipeDirUseHomeLayout(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SUDO_USER", "")
	t.Setenv("USER", "")

	p, err := ParcelPath(ParcelRef{Provider: Upstream, Name: "bash"})
	require.NoError(t, err)
	require.Equal(t, home+"/.pyxis/parcel/upstream/bash.parcel", p)

	dir, err := RecipeDir("cowsay")
	require.NoError(t, err)
	require.Equal(t, home+"/.pyxis/recipe/cowsay", dir)
}
