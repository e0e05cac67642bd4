// Package syncdb implements a concrete default for upstream package
// database access. Without some real backing, the Upstream provider
// could never be exercised end to end, so this package reads the sync
// database format pacman-derived distributions actually publish: a
// gzip-compressed tar archive containing one "<name>-<version>/desc"
// record per package, each a sequence of "%FIELD%\nvalue\n" blocks.
//
// Grounded on original_source/src/providers/alpm.rs's with_alpm, which
// delegates this exact lookup to libalpm; register_syncdb("core"),
// register_syncdb("extra") and register_syncdb("community") are
// reproduced as the three default repos. The lazy, mutex-guarded
// process-wide handle mirrors with_alpm's lazy_static!/Mutex<Option<Alpm>>
// pattern via sync.Once + sync.Mutex.
package syncdb

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

// Package is one parsed "desc" record.
type Package struct {
	Name     string
	Version  string
	Filename string
	Depends  []string
}

// DB is a process-wide, lazily-initialized, mutex-serialized handle
// onto a set of registered sync repositories. At most one in-flight
// query runs at any time; queries return owned strings, no borrowed
// references escape the critical section.
type DB struct {
	mu sync.Mutex

	// BaseURL + "/<repo>/os/x86_64/<repo>.db" is fetched for each repo in
	// Repos the first time DB is used.
	BaseURL string
	Repos   []string

	once    sync.Once
	initErr error
	// byName maps a package name to the repo that provides it and its
	// parsed record. Populated once, under mu thereafter only for reads.
	byName map[string]namedPackage
	// providesIdx maps a name to its providing package name, for
	// FindSatisfier. Only each package's own %NAME% is indexed; %PROVIDES%
	// entries are not read, so virtual package names do not resolve.
	providesIdx map[string]string
}

type namedPackage struct {
	repo string
	pkg  Package
}

// New returns a DB that will lazily fetch repos from baseURL on first
// use. repos defaults to {"core", "extra", "community"} when nil,
// matching alpm.rs's register_syncdb calls.
func New(baseURL string, repos []string) *DB {
	if repos == nil {
		repos = []string{"core", "extra", "community"}
	}
	return &DB{BaseURL: baseURL, Repos: repos}
}

func (db *DB) ensureLoaded(ctx context.Context) error {
	db.once.Do(func() {
		db.byName = make(map[string]namedPackage)
		db.providesIdx = make(map[string]string)
		for _, repo := range db.Repos {
			if err := db.loadRepo(ctx, repo); err != nil {
				db.initErr = xerrors.Errorf("loading sync db %q: %w", repo, err)
				return
			}
		}
	})
	return db.initErr
}

func (db *DB) loadRepo(ctx context.Context, repo string) error {
	url := fmt.Sprintf("%s/%s/os/x86_64/%s.db", strings.TrimRight(db.BaseURL, "/"), repo, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xerrors.Errorf("%s: HTTP status %s", url, resp.Status)
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !strings.HasSuffix(hdr.Name, "/desc") {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		pkg, err := parseDesc(body)
		if err != nil {
			return xerrors.Errorf("%s: %w", hdr.Name, err)
		}
		db.byName[pkg.Name] = namedPackage{repo: repo, pkg: pkg}
		db.providesIdx[pkg.Name] = pkg.Name
	}
	return nil
}

// parseDesc parses one pacman-style "desc" record: repeated
// "%FIELD%\nvalue[\nvalue...]\n\n" blocks.
func parseDesc(body []byte) (Package, error) {
	var pkg Package
	lines := strings.Split(string(body), "\n")
	var field string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, "%") && strings.HasSuffix(line, "%") {
			field = strings.Trim(line, "%")
			continue
		}
		if line == "" {
			field = ""
			continue
		}
		switch field {
		case "NAME":
			pkg.Name = line
		case "VERSION":
			pkg.Version = line
		case "FILENAME":
			pkg.Filename = line
		case "DEPENDS":
			pkg.Depends = append(pkg.Depends, stripVersionConstraint(line))
		}
	}
	if pkg.Name == "" {
		return Package{}, xerrors.Errorf("desc record missing %%NAME%%")
	}
	return pkg, nil
}

// stripVersionConstraint drops a trailing "<op><version>" dependency
// constraint (e.g. "glibc>=2.31" -> "glibc"), leaving the bare name
// FindSatisfier resolves.
func stripVersionConstraint(dep string) string {
	for _, op := range []string{">=", "<=", "==", ">", "<", "="} {
		if i := strings.Index(dep, op); i >= 0 {
			return dep[:i]
		}
	}
	return dep
}

// FindSatisfier resolves a dependency name to the canonical package
// name that provides it.
func (db *DB) FindSatisfier(ctx context.Context, name string) (string, error) {
	if err := db.ensureLoaded(ctx); err != nil {
		return "", err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if canonical, ok := db.providesIdx[name]; ok {
		return canonical, nil
	}
	return "", xerrors.Errorf("no package satisfies %q", name)
}

// Lookup returns the resolved package record for name, which must
// already be a canonical (satisfier-resolved) name.
func (db *DB) Lookup(ctx context.Context, name string) (repo string, pkg Package, err error) {
	if err := db.ensureLoaded(ctx); err != nil {
		return "", Package{}, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	np, ok := db.byName[name]
	if !ok {
		return "", Package{}, xerrors.Errorf("package %q not found in any registered sync db", name)
	}
	return np.repo, np.pkg, nil
}
