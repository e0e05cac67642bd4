package upstream

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pyxisbuild/pyxis"
	"github.com/pyxisbuild/pyxis/internal/parcel"
	"github.com/pyxisbuild/pyxis/internal/syncdb"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	satisfiers map[string]string
	packages   map[string]struct {
		repo string
		pkg  syncdb.Package
	}
}

func (f *fakeDB) FindSatisfier(ctx context.Context, name string) (string, error) {
	if c, ok := f.satisfiers[name]; ok {
		return c, nil
	}
	return "", os.ErrNotExist
}

func (f *fakeDB) Lookup(ctx context.Context, name string) (string, syncdb.Package, error) {
	if e, ok := f.packages[name]; ok {
		return e.repo, e.pkg, nil
	}
	return "", syncdb.Package{}, os.ErrNotExist
}

func buildUstarZst(t *testing.T) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "usr/", Typeflag: tar.TypeDir, Mode: 0755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "usr/bin/", Typeflag: tar.TypeDir, Mode: 0755}))
	body := []byte("#!/bin/sh\necho hi\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "usr/bin/hi", Typeflag: tar.TypeReg, Mode: 0755, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	pkginfo := []byte("pkgname = hi\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: ".PKGINFO", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(pkginfo))}))
	_, err = tw.Write(pkginfo)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var zstBuf bytes.Buffer
	zw, err := zstd.NewWriter(&zstBuf)
	require.NoError(t, err)
	_, err = zw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return zstBuf.Bytes()
}

func TestBuildTranslatesUstarIntoParcel(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("USER", "")
	t.Setenv("SUDO_USER", "")

	archive := buildUstarZst(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	db := &fakeDB{
		satisfiers: map[string]string{"hi": "hi"},
		packages: map[string]struct {
			repo string
			pkg  syncdb.Package
		}{
			"hi": {repo: "core", pkg: syncdb.Package{Name: "hi", Version: "1.0-1", Filename: "hi-1.0-1-x86_64.pkg.tar.zst"}},
		},
	}
	p := New(db, srv.URL)

	require.NoError(t, p.Build("hi"))

	parcelPath, err := pyxis.ParcelPath(pyxis.ParcelRef{Provider: pyxis.Upstream, Name: "hi"})
	require.NoError(t, err)
	require.FileExists(t, parcelPath)

	f, err := os.Open(parcelPath)
	require.NoError(t, err)
	defer f.Close()
	pc, err := parcel.Load(f)
	require.NoError(t, err)

	ino, ok := pc.Select("/usr/bin/hi")
	require.True(t, ok)
	data, err := pc.Read(ino, 0, -1)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(data))

	// .PKGINFO redirected under the reserved subtree, not left at root.
	_, ok = pc.Select("/.PKGINFO")
	require.False(t, ok)
	_, ok = pc.Select("/.PYXIS/upstream/hi/.PKGINFO")
	require.True(t, ok)

	require.Equal(t, "1.0-1", pc.Metadata.Version)
}

func TestBuildIsIdempotent(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("USER", "")
	t.Setenv("SUDO_USER", "")

	parcelPath, err := pyxis.ParcelPath(pyxis.ParcelRef{Provider: pyxis.Upstream, Name: "hi"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(parcelPath), 0755))
	require.NoError(t, os.WriteFile(parcelPath, []byte("sentinel"), 0644))

	db := &fakeDB{satisfiers: map[string]string{"hi": "hi"}}
	p := New(db, "http://unreachable.invalid")

	require.NoError(t, p.Build("hi"))

	data, err := os.ReadFile(parcelPath)
	require.NoError(t, err)
	require.Equal(t, "sentinel", string(data))
}

func TestGetDepsResolvesAndDedupes(t *testing.T) {
	db := &fakeDB{
		satisfiers: map[string]string{"bash": "bash", "glibc": "glibc", "readline": "glibc"},
		packages: map[string]struct {
			repo string
			pkg  syncdb.Package
		}{
			"bash": {repo: "core", pkg: syncdb.Package{Name: "bash", Depends: []string{"glibc", "readline"}}},
		},
	}
	p := New(db, "http://unreachable.invalid")
	deps, err := p.GetDeps("bash")
	require.NoError(t, err)
	require.Equal(t, []pyxis.ParcelRef{{Provider: pyxis.Upstream, Name: "glibc"}}, deps)
}
