// Package upstream implements the Upstream provider: it resolves a
// name against a syncdb.DB, fetches the archive it names, and
// translates its ustar stream into a parcel.
//
// Grounded on original_source/src/providers/alpm.rs in full:
// alpm_find_satisfier -> syncdb.FindSatisfier, alpm_fetch -> Build's
// HTTP GET, get_deps -> GetDeps, alpm_get_version -> GetVersion, and
// parcel_from_pacman's ustar translation loop (the typeflag match on
// '0'/'1'/'2'/'5' and the dir_map parent-inode lookup) reproduced
// field for field against Go's archive/tar.
package upstream

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pyxisbuild/pyxis"
	"github.com/pyxisbuild/pyxis/internal/parcel"
	"github.com/pyxisbuild/pyxis/internal/syncdb"
	"github.com/ulikunitz/xz"
	"golang.org/x/xerrors"
)

// DB is the subset of *syncdb.DB the provider depends on.
type DB interface {
	FindSatisfier(ctx context.Context, name string) (string, error)
	Lookup(ctx context.Context, name string) (repo string, pkg syncdb.Package, err error)
}

// Provider implements providers.Provider against a sync database and a
// pacman-compatible package mirror.
type Provider struct {
	DB        DB
	MirrorURL string // e.g. "http://archrepo.example.com"
}

// New returns a Provider reading db and fetching archives from
// mirrorURL+"/<repo>/os/x86_64/<filename>".
func New(db DB, mirrorURL string) *Provider {
	return &Provider{DB: db, MirrorURL: strings.TrimRight(mirrorURL, "/")}
}

func (p *Provider) resolve(name string) (string, error) {
	return p.DB.FindSatisfier(context.Background(), name)
}

// GetDeps implements providers.Provider.
func (p *Provider) GetDeps(name string) ([]pyxis.ParcelRef, error) {
	canonical, err := p.resolve(name)
	if err != nil {
		return nil, err
	}
	_, pkg, err := p.DB.Lookup(context.Background(), canonical)
	if err != nil {
		return nil, err
	}
	var out []pyxis.ParcelRef
	seen := make(map[string]bool)
	for _, dep := range pkg.Depends {
		resolved, err := p.resolve(dep)
		if err != nil {
			return nil, xerrors.Errorf("dependency %q of %q: %w", dep, name, err)
		}
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		out = append(out, pyxis.ParcelRef{Provider: pyxis.Upstream, Name: resolved})
	}
	return out, nil
}

// GetVersion implements providers.Provider.
func (p *Provider) GetVersion(name string) (string, error) {
	canonical, err := p.resolve(name)
	if err != nil {
		return "", err
	}
	_, pkg, err := p.DB.Lookup(context.Background(), canonical)
	if err != nil {
		return "", err
	}
	return pkg.Version, nil
}

// Build implements providers.Provider. It is idempotent: if the parcel
// already exists on disk it returns immediately.
func (p *Provider) Build(name string) error {
	canonical, err := p.resolve(name)
	if err != nil {
		return err
	}
	ref := pyxis.ParcelRef{Provider: pyxis.Upstream, Name: canonical}
	parcelPath, err := pyxis.ParcelPath(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(parcelPath); err == nil {
		return nil
	}

	repo, pkg, err := p.DB.Lookup(context.Background(), canonical)
	if err != nil {
		return err
	}

	body, err := p.fetch(repo, pkg.Filename)
	if err != nil {
		return xerrors.Errorf("fetching %s: %w", pkg.Filename, err)
	}
	defer body.Close()

	dec, err := decompress(body, pkg.Filename)
	if err != nil {
		return err
	}
	if c, ok := dec.(io.Closer); ok {
		defer c.Close()
	}

	deps, err := p.GetDeps(canonical)
	if err != nil {
		return err
	}
	pc, err := translate(canonical, tar.NewReader(dec), deps, pkg.Version)
	if err != nil {
		return xerrors.Errorf("translating %s: %w", pkg.Filename, err)
	}

	if err := os.MkdirAll(path.Dir(parcelPath), 0755); err != nil {
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

// fetch downloads filename to a uniquely named temp file and returns it
// seeked to the start, mirroring alpm.rs::alpm_fetch's
// tempfile::tempfile()+write+seek(0) sequence; the returned ReadCloser
// removes the temp file on Close.
func (p *Provider) fetch(repo, filename string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s/os/x86_64/%s", p.MirrorURL, repo, filename)
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("%s: HTTP status %s", url, resp.Status)
	}

	tmpPath := filepath.Join(os.TempDir(), "pyxis-fetch-"+uuid.NewString())
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return &selfRemovingFile{File: f, path: tmpPath}, nil
}

type selfRemovingFile struct {
	*os.File
	path string
}

func (s *selfRemovingFile) Close() error {
	err := s.File.Close()
	os.Remove(s.path)
	return err
}

type zstdCloser struct {
	*zstd.Decoder
}

func (z zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func decompress(r io.Reader, filename string) (io.Reader, error) {
	switch {
	case strings.HasSuffix(filename, ".zst"):
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdCloser{d}, nil
	case strings.HasSuffix(filename, ".xz"):
		return xz.NewReader(r)
	default:
		return nil, xerrors.Errorf("%s: unsupported archive extension", filename)
	}
}

// translate converts a ustar stream into a parcel: metadata files with
// reserved basenames are redirected into /.PYXIS/upstream/<name>/
// instead of landing at their literal tar path.
func translate(name string, tr *tar.Reader, deps []pyxis.ParcelRef, version string) (*parcel.Parcel, error) {
	pc := parcel.New()
	pc.Metadata.Version = version
	for _, d := range deps {
		pc.Metadata.Depends = append(pc.Metadata.Depends, d.String())
	}

	now := time.Now()
	dirAttr := parcel.Attr{Atime: now, Ctime: now, Mtime: now, Nlink: 1, Perm: 0644}

	reservedDir := pc.EnsureDir(pyxis.ReservedPrefix(pyxis.ParcelRef{Provider: pyxis.Upstream, Name: name}), dirAttr)

	dirMap := map[string]parcel.Inode{"/": parcel.RootInode}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		entryPath := path.Clean("/" + hdr.Name)
		parentPath := path.Dir(entryPath)
		entryName := path.Base(entryPath)
		mtime := hdr.ModTime

		attr := parcel.Attr{
			Atime: mtime, Ctime: mtime, Mtime: mtime,
			Uid: uint32(hdr.Uid), Gid: uint32(hdr.Gid),
			Nlink: 1, Perm: uint16(hdr.Mode),
		}

		parentInode, ok := dirMap[parentPath]
		if !ok {
			return nil, xerrors.Errorf("entry %q: parent directory %q not yet seen in archive", hdr.Name, parentPath)
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			ino := pc.AddFile(data, attr)
			dest := parentInode
			if parentInode == parcel.RootInode && pyxis.MetadataFileNames[entryName] {
				dest = reservedDir
			}
			if err := pc.InsertDirent(dest, entryName, ino); err != nil {
				return nil, err
			}
		case tar.TypeLink:
			ino, err := pc.AddHardlink(path.Clean("/" + hdr.Linkname))
			if err != nil {
				return nil, err
			}
			if err := pc.InsertDirent(parentInode, entryName, ino); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			ino := pc.AddSymlink(hdr.Linkname, attr)
			if err := pc.InsertDirent(parentInode, entryName, ino); err != nil {
				return nil, err
			}
		case tar.TypeDir:
			ino := pc.AddDirectory(attr)
			if err := pc.InsertDirent(parentInode, entryName, ino); err != nil {
				return nil, err
			}
			dirMap[entryPath] = ino
		default:
			return nil, xerrors.Errorf("entry %q: unsupported tar typeflag %q", hdr.Name, string(hdr.Typeflag))
		}
	}
	return pc, nil
}
