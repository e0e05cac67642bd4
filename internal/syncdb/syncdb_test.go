package syncdb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildFakeDB(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, desc := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name + "/desc",
			Size: int64(len(desc)),
			Mode: 0644,
		}))
		_, err := tw.Write([]byte(desc))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestParseDescFields(t *testing.T) {
	desc := "%NAME%\nbash\n\n%VERSION%\n5.1-1\n\n%FILENAME%\nbash-5.1-1-x86_64.pkg.tar.zst\n\n%DEPENDS%\nglibc>=2.33\nreadline\n\n"
	pkg, err := parseDesc([]byte(desc))
	require.NoError(t, err)
	require.Equal(t, "bash", pkg.Name)
	require.Equal(t, "5.1-1", pkg.Version)
	require.Equal(t, "bash-5.1-1-x86_64.pkg.tar.zst", pkg.Filename)
	require.Equal(t, []string{"glibc", "readline"}, pkg.Depends)
}

func TestParseDescMissingNameErrors(t *testing.T) {
	_, err := parseDesc([]byte("%VERSION%\n1.0\n\n"))
	require.Error(t, err)
}

func TestStripVersionConstraint(t *testing.T) {
	require.Equal(t, "glibc", stripVersionConstraint("glibc>=2.33"))
	require.Equal(t, "readline", stripVersionConstraint("readline"))
	require.Equal(t, "foo", stripVersionConstraint("foo=1.0"))
}

func TestLoadRepoAndLookup(t *testing.T) {
	archive := buildFakeDB(t, map[string]string{
		"bash-5.1-1": "%NAME%\nbash\n\n%VERSION%\n5.1-1\n\n%FILENAME%\nbash-5.1-1-x86_64.pkg.tar.zst\n\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/core/os/x86_64/core.db") {
			w.Write(archive)
			return
		}
		w.Write(buildFakeDB(t, nil))
	}))
	defer srv.Close()

	db := New(srv.URL, []string{"core"})
	canonical, err := db.FindSatisfier(context.Background(), "bash")
	require.NoError(t, err)
	require.Equal(t, "bash", canonical)

	repo, pkg, err := db.Lookup(context.Background(), "bash")
	require.NoError(t, err)
	require.Equal(t, "core", repo)
	require.Equal(t, "5.1-1", pkg.Version)
}

func TestFindSatisfierUnknownErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buildFakeDB(t, nil))
	}))
	defer srv.Close()

	db := New(srv.URL, []string{"core"})
	_, err := db.FindSatisfier(context.Background(), "nonexistent")
	require.Error(t, err)
}
