package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pyxisbuild/pyxis"
	"github.com/pyxisbuild/pyxis/internal/parcel"
	"github.com/stretchr/testify/require"
)

func writeRecipe(t *testing.T, home, name, recipeYAML string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(home, ".pyxis", "recipe", name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parcel.recipe"), []byte(recipeYAML), 0644))
	for fn, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fn), []byte(content), 0644))
	}
}

func setHome(t *testing.T) string {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("USER", "")
	t.Setenv("SUDO_USER", "")
	return tmp
}

func TestBuildMaterializesFilesAndInstall(t *testing.T) {
	home := setHome(t)
	writeRecipe(t, home, "greeter", `
version: "1.0"
depends:
  - "upstream|bash"
actions: postinstall.sh
files:
  hello.sh: usr/bin/hello.sh
`, map[string]string{
		"hello.sh":        "echo hello\n",
		"postinstall.sh": "#!/bin/sh\ntrue\n",
	})

	p := New()
	require.NoError(t, p.Build("greeter"))

	parcelPath, err := pyxis.ParcelPath(pyxis.ParcelRef{Provider: pyxis.Local, Name: "greeter"})
	require.NoError(t, err)
	f, err := os.Open(parcelPath)
	require.NoError(t, err)
	defer f.Close()
	pc, err := parcel.Load(f)
	require.NoError(t, err)

	ino, ok := pc.Select("/usr/bin/hello.sh")
	require.True(t, ok)
	data, err := pc.Read(ino, 0, -1)
	require.NoError(t, err)
	require.Equal(t, "echo hello\n", string(data))

	_, ok = pc.Select("/.PYXIS/local/greeter/.INSTALL")
	require.True(t, ok)

	require.Equal(t, "1.0", pc.Metadata.Version)
	require.Equal(t, []string{"upstream|bash"}, pc.Metadata.Depends)
}

func TestGetDepsParsesParcelRefs(t *testing.T) {
	home := setHome(t)
	writeRecipe(t, home, "app", `
version: "2.0"
depends:
  - "upstream|glibc"
  - "local|lib"
files: {}
`, nil)

	p := New()
	deps, err := p.GetDeps("app")
	require.NoError(t, err)
	require.Equal(t, []pyxis.ParcelRef{
		{Provider: pyxis.Upstream, Name: "glibc"},
		{Provider: pyxis.Local, Name: "lib"},
	}, deps)
}

func TestBuildIsIdempotent(t *testing.T) {
	home := setHome(t)
	parcelPath, err := pyxis.ParcelPath(pyxis.ParcelRef{Provider: pyxis.Local, Name: "app"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(parcelPath), 0755))
	require.NoError(t, os.WriteFile(parcelPath, []byte("sentinel"), 0644))

	p := New()
	require.NoError(t, p.Build("app"))

	data, err := os.ReadFile(parcelPath)
	require.NoError(t, err)
	require.Equal(t, "sentinel", string(data))
}
