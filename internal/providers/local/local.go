// Package local implements the Local provider: it loads a
// YAML recipe from ~/.pyxis/recipe/<name>/parcel.recipe and materializes
// a parcel from the files and optional install action it names.
//
// Grounded on original_source/src/providers/local.rs and recipe.rs: the
// Recipe struct's fields map directly, and Build's destination-directory
// walk reproduces local.rs::parcel_build's per-component parcel.select
// loop via parcel.EnsureDir.
package local

import (
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/pyxisbuild/pyxis"
	"github.com/pyxisbuild/pyxis/internal/parcel"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Recipe is the parsed contents of a parcel.recipe file.
type Recipe struct {
	Version string            `yaml:"version"`
	Depends []string          `yaml:"depends"`
	Actions string            `yaml:"actions,omitempty"`
	Files   map[string]string `yaml:"files"`
}

// Provider implements providers.Provider by reading recipes from disk.
type Provider struct{}

// New returns a Local provider.
func New() *Provider {
	return &Provider{}
}

func recipeDir(name string) (string, error) {
	return pyxis.RecipeDir(name)
}

func loadRecipe(name string) (Recipe, error) {
	dir, err := recipeDir(name)
	if err != nil {
		return Recipe{}, err
	}
	f, err := os.Open(filepath.Join(dir, "parcel.recipe"))
	if err != nil {
		return Recipe{}, xerrors.Errorf("opening recipe for %q: %w", name, err)
	}
	defer f.Close()
	var r Recipe
	if err := yaml.NewDecoder(f).Decode(&r); err != nil {
		return Recipe{}, xerrors.Errorf("parsing recipe for %q: %w", name, err)
	}
	return r, nil
}

// GetDeps implements providers.Provider. Local recipes name their
// dependencies as literal ParcelRef text ("<provider>|<name>"), unlike
// Upstream which resolves bare package names.
func (p *Provider) GetDeps(name string) ([]pyxis.ParcelRef, error) {
	r, err := loadRecipe(name)
	if err != nil {
		return nil, err
	}
	out := make([]pyxis.ParcelRef, 0, len(r.Depends))
	seen := make(map[pyxis.ParcelRef]bool)
	for _, d := range r.Depends {
		ref, err := pyxis.ParseParcelRef(d)
		if err != nil {
			return nil, xerrors.Errorf("recipe %q: dependency %q: %w", name, d, err)
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out, nil
}

// GetVersion implements providers.Provider.
func (p *Provider) GetVersion(name string) (string, error) {
	r, err := loadRecipe(name)
	if err != nil {
		return "", err
	}
	return r.Version, nil
}

// Build implements providers.Provider. It is idempotent: if the parcel
// already exists on disk it returns immediately.
func (p *Provider) Build(name string) error {
	ref := pyxis.ParcelRef{Provider: pyxis.Local, Name: name}
	parcelPath, err := pyxis.ParcelPath(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(parcelPath); err == nil {
		return nil
	}

	r, err := loadRecipe(name)
	if err != nil {
		return err
	}
	dir, err := recipeDir(name)
	if err != nil {
		return err
	}

	pc := parcel.New()
	pc.Metadata.Version = r.Version
	pc.Metadata.Depends = append([]string(nil), r.Depends...)

	now := time.Now()
	attr := parcel.Attr{Atime: now, Ctime: now, Mtime: now, Nlink: 1, Perm: 0644}
	dirAttr := parcel.Attr{Atime: now, Ctime: now, Mtime: now, Nlink: 1, Perm: 0644}

	parcelDir := pc.EnsureDir(pyxis.ReservedPrefix(ref), dirAttr)

	for source, dest := range r.Files {
		data, err := os.ReadFile(filepath.Join(dir, source))
		if err != nil {
			return xerrors.Errorf("recipe %q: reading %q: %w", name, source, err)
		}
		destDir := path.Dir(path.Clean("/" + dest))
		parent := pc.EnsureDir(destDir, dirAttr)
		ino := pc.AddFile(data, attr)
		if err := pc.InsertDirent(parent, path.Base(dest), ino); err != nil {
			return xerrors.Errorf("recipe %q: placing %q: %w", name, dest, err)
		}
	}

	if r.Actions != "" {
		data, err := os.ReadFile(filepath.Join(dir, r.Actions))
		if err != nil {
			return xerrors.Errorf("recipe %q: reading actions %q: %w", name, r.Actions, err)
		}
		ino := pc.AddFile(data, attr)
		if err := pc.InsertDirent(parcelDir, ".INSTALL", ino); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(parcelPath), 0755); err != nil {
		return err
	}
	out, err := renameio.TempFile("", parcelPath)
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if err := parcel.Store(out, pc); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
