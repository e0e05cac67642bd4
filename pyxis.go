// Package pyxis implements the core data model shared by the parcel
// builder and image builder: parcel references, the provider tag, and
// the insertion-ordered install set the dependency resolver produces.
package pyxis

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
)

// Provider identifies which backend materializes a ParcelRef's content.
// The set is closed and enumerated: Upstream resolves names against a
// sync database and fetches archives over HTTP, Local packages files
// declared in a recipe directory.
type Provider int

const (
	Upstream Provider = iota
	Local
)

// String returns the lowercase tag used in a ParcelRef's textual form.
func (p Provider) String() string {
	switch p {
	case Upstream:
		return "upstream"
	case Local:
		return "local"
	default:
		return fmt.Sprintf("Provider(%d)", int(p))
	}
}

// ParseProvider parses the lowercase provider tag used in manifests,
// dependency lists and parcel store paths. An unknown tag is fatal: the
// caller should treat the returned error as unrecoverable.
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "upstream":
		return Upstream, nil
	case "local":
		return Local, nil
	default:
		return 0, xerrors.Errorf("unknown provider %q", s)
	}
}

// ParcelRef is a (provider, name) pair identifying one parcel. Two refs
// are equal iff both components match.
type ParcelRef struct {
	Provider Provider
	Name     string
}

// String returns the textual form "<provider>|<name>".
func (r ParcelRef) String() string {
	return r.Provider.String() + "|" + r.Name
}

// ParseParcelRef parses the textual form "<provider>|<name>" used in
// manifest lines and Local recipe dependency lists. A missing provider
// prefix or an unparsable ref is fatal.
func ParseParcelRef(s string) (ParcelRef, error) {
	provider, name, ok := strings.Cut(s, "|")
	if !ok {
		return ParcelRef{}, xerrors.Errorf("parcel ref %q: missing provider prefix", s)
	}
	if name == "" {
		return ParcelRef{}, xerrors.Errorf("parcel ref %q: empty name", s)
	}
	p, err := ParseProvider(provider)
	if err != nil {
		return ParcelRef{}, xerrors.Errorf("parcel ref %q: %w", s, err)
	}
	return ParcelRef{Provider: p, Name: name}, nil
}

// InstallSet is an insertion-ordered set of ParcelRef. The resolver is
// the sole writer; all readers iterate in insertion order via Refs.
type InstallSet struct {
	order []ParcelRef
	index map[ParcelRef]int
}

// NewInstallSet returns an empty InstallSet.
func NewInstallSet() *InstallSet {
	return &InstallSet{index: make(map[ParcelRef]int)}
}

// Contains reports whether ref has already been inserted.
func (s *InstallSet) Contains(ref ParcelRef) bool {
	_, ok := s.index[ref]
	return ok
}

// Insert appends ref to the set if not already present. Reports whether
// the ref was newly inserted.
func (s *InstallSet) Insert(ref ParcelRef) bool {
	if s.Contains(ref) {
		return false
	}
	s.index[ref] = len(s.order)
	s.order = append(s.order, ref)
	return true
}

// Refs returns the set's members in insertion order. The returned slice
// must not be mutated by the caller.
func (s *InstallSet) Refs() []ParcelRef {
	return s.order
}

// Len returns the number of members.
func (s *InstallSet) Len() int {
	return len(s.order)
}

// User resolves the invoking user's name, preferring SUDO_USER over USER
// so that builds run under sudo still resolve the invoking user's cache.
func User() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

// Home resolves the home directory of User().
func Home() (string, error) {
	name := User()
	if name == "" {
		if h, err := os.UserHomeDir(); err == nil {
			return h, nil
		}
		return "", xerrors.Errorf("cannot determine invoking user: SUDO_USER and USER are both unset")
	}
	u, err := user.Lookup(name)
	if err != nil {
		return "", xerrors.Errorf("looking up home directory for %q: %w", name, err)
	}
	return u.HomeDir, nil
}

// ParcelStoreDir returns ~/.pyxis/parcel, the root of the per-provider
// parcel store.
func ParcelStoreDir() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pyxis", "parcel"), nil
}

// ParcelPath returns the on-disk location of ref's built parcel,
// ~/.pyxis/parcel/<provider>/<name>.parcel.
func ParcelPath(ref ParcelRef) (string, error) {
	store, err := ParcelStoreDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(store, ref.Provider.String(), ref.Name+".parcel"), nil
}

// RecipeDir returns ~/.pyxis/recipe/<name>, the Local provider's recipe
// directory for the named package.
func RecipeDir(name string) (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pyxis", "recipe", name), nil
}

// ReservedPrefix is the path, relative to a parcel's root, under which
// per-package metadata is stored: /.PYXIS/<provider>/<name>/.
func ReservedPrefix(ref ParcelRef) string {
	return filepath.Join(".PYXIS", ref.Provider.String(), ref.Name)
}

// MetadataFileNames lists the ustar top-level entries that are
// redirected into the reserved subtree instead of the parcel root.
var MetadataFileNames = map[string]bool{
	".INSTALL":   true,
	".BUILDINFO": true,
	".MTREE":     true,
	".PKGINFO":   true,
}
