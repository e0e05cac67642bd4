// Package parcel implements pyxis's content-addressed, inode-based
// archive format. A Parcel is the uniform representation every provider
// converts its native input into; the image builder extracts one
// onto the staging root without caring which provider produced it.
//
// The format is modeled on the inode-table-plus-directory-entries shape
// of distr1/distri's SquashFS reader/writer (internal/squashfs), but
// does not replicate SquashFS's on-disk superblock
// or compressed metadata blocks — those exist to support random access
// into a read-only mounted filesystem image, which this format has no
// need for: a parcel is always fully decoded before extraction.
package parcel

import (
	"path"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Inode identifies one entry in a parcel. Inode 1 is always the root
// directory.
type Inode uint64

// RootInode is the well-known inode number of a parcel's root directory.
const RootInode Inode = 1

// InodeKind classifies the storage an inode occupies. A hardlink is not
// a distinct kind: AddHardlink resolves an existing path to its inode
// and adds another directory entry pointing at it rather than
// allocating new storage ("a hardlink target is resolved by path and
// does not allocate storage"), so Readdir reports a
// hardlinked entry under whatever kind its target already has.
type InodeKind int

const (
	Directory InodeKind = iota
	RegularFile
	Symlink
	CharDevice
	Whiteout
)

func (k InodeKind) String() string {
	switch k {
	case Directory:
		return "directory"
	case RegularFile:
		return "regular file"
	case Symlink:
		return "symlink"
	case CharDevice:
		return "character device"
	case Whiteout:
		return "whiteout"
	default:
		return "unknown"
	}
}

// Attr carries the per-inode attributes every inode must have.
type Attr struct {
	Atime, Ctime, Mtime time.Time
	Uid, Gid             uint32
	Nlink                uint32
	Perm                 uint16 // POSIX mode bits, 9 bits used
	Rdev                 uint64
}

// Dirent is one named entry within a directory inode.
type Dirent struct {
	Name  string
	Inode Inode
	Kind  InodeKind
}

// Metadata is the per-parcel metadata block.
type Metadata struct {
	// Depends lists the parcel's dependencies as ordered ParcelRef text
	// ("<provider>|<name>").
	Depends []string
	Version string
}

type record struct {
	Kind    InodeKind
	Attr    Attr
	Dirents []Dirent // Directory only, in insertion order
	Data    []byte   // RegularFile only
	Link    string   // Symlink only
}

// Parcel is an in-memory, fully decoded archive.
type Parcel struct {
	Metadata Metadata
	inodes   []record // 1-indexed; inodes[0] is unused
}

// New returns an empty parcel containing only the root directory.
func New() *Parcel {
	p := &Parcel{inodes: make([]record, 2)} // index 0 unused, index 1 = root
	p.inodes[RootInode] = record{
		Kind: Directory,
		Attr: Attr{Nlink: 1, Perm: 0755},
	}
	return p
}

func (p *Parcel) alloc(r record) Inode {
	p.inodes = append(p.inodes, r)
	return Inode(len(p.inodes) - 1)
}

func (p *Parcel) get(ino Inode) (*record, error) {
	if ino < 1 || int(ino) >= len(p.inodes) {
		return nil, xerrors.Errorf("inode %d: out of range", ino)
	}
	return &p.inodes[ino], nil
}

// AddDirectory allocates a new, empty directory inode.
func (p *Parcel) AddDirectory(attr Attr) Inode {
	return p.alloc(record{Kind: Directory, Attr: attr})
}

// AddFile allocates a new regular file inode containing data.
func (p *Parcel) AddFile(data []byte, attr Attr) Inode {
	return p.alloc(record{Kind: RegularFile, Attr: attr, Data: data})
}

// AddSymlink allocates a new symlink inode pointing at target.
func (p *Parcel) AddSymlink(target string, attr Attr) Inode {
	return p.alloc(record{Kind: Symlink, Attr: attr, Link: target})
}

// AddCharDevice allocates a new character device inode.
func (p *Parcel) AddCharDevice(attr Attr) Inode {
	return p.alloc(record{Kind: CharDevice, Attr: attr})
}

// AddHardlink resolves linkTarget (an absolute path within the parcel)
// to its existing inode and returns it unchanged: hardlinks do not
// allocate storage.
func (p *Parcel) AddHardlink(linkTarget string) (Inode, error) {
	ino, ok := p.Select(linkTarget)
	if !ok {
		return 0, xerrors.Errorf("hardlink target %q not found", linkTarget)
	}
	return ino, nil
}

// InsertDirent adds a directory entry named name under parent, pointing
// at child. parent must be a directory; every non-root inode must have
// at least one parent directory entry, established by calling this
// once per entry.
func (p *Parcel) InsertDirent(parent Inode, name string, child Inode) error {
	pr, err := p.get(parent)
	if err != nil {
		return err
	}
	if pr.Kind != Directory {
		return xerrors.Errorf("insert dirent %q: parent inode %d is a %s, not a directory", name, parent, pr.Kind)
	}
	cr, err := p.get(child)
	if err != nil {
		return err
	}
	pr.Dirents = append(pr.Dirents, Dirent{Name: name, Inode: child, Kind: cr.Kind})
	cr.Attr.Nlink++
	return nil
}

// GetAttr returns ino's attributes.
func (p *Parcel) GetAttr(ino Inode) (Attr, error) {
	r, err := p.get(ino)
	if err != nil {
		return Attr{}, err
	}
	return r.Attr, nil
}

// Kind returns ino's storage kind.
func (p *Parcel) Kind(ino Inode) (InodeKind, error) {
	r, err := p.get(ino)
	if err != nil {
		return 0, err
	}
	return r.Kind, nil
}

// Read returns up to length bytes of ino's content starting at offset.
// length < 0 means "to end of file", matching the extractor's
// read(inode, 0, ∞).
func (p *Parcel) Read(ino Inode, offset, length int64) ([]byte, error) {
	r, err := p.get(ino)
	if err != nil {
		return nil, err
	}
	if r.Kind != RegularFile {
		return nil, xerrors.Errorf("read inode %d: not a regular file (%s)", ino, r.Kind)
	}
	if offset < 0 || offset > int64(len(r.Data)) {
		return nil, xerrors.Errorf("read inode %d: offset %d out of range", ino, offset)
	}
	end := int64(len(r.Data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return r.Data[offset:end], nil
}

// Readlink returns ino's symlink target.
func (p *Parcel) Readlink(ino Inode) (string, error) {
	r, err := p.get(ino)
	if err != nil {
		return "", err
	}
	if r.Kind != Symlink {
		return "", xerrors.Errorf("readlink inode %d: not a symlink (%s)", ino, r.Kind)
	}
	return r.Link, nil
}

// Readdir returns ino's directory entries in insertion order.
func (p *Parcel) Readdir(ino Inode) ([]Dirent, error) {
	r, err := p.get(ino)
	if err != nil {
		return nil, err
	}
	if r.Kind != Directory {
		return nil, xerrors.Errorf("readdir inode %d: not a directory (%s)", ino, r.Kind)
	}
	return r.Dirents, nil
}

// Select walks p from the root along p's directory entries and returns
// the inode at the given absolute, slash-separated path. It reports
// false if any path component is missing.
func (p *Parcel) Select(pth string) (Inode, bool) {
	pth = path.Clean("/" + pth)
	if pth == "/" {
		return RootInode, true
	}
	cur := RootInode
	for _, comp := range strings.Split(strings.TrimPrefix(pth, "/"), "/") {
		r, err := p.get(cur)
		if err != nil || r.Kind != Directory {
			return 0, false
		}
		found := false
		for _, d := range r.Dirents {
			if d.Name == comp {
				cur = d.Inode
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return cur, true
}

// LookupPath is an alias for Select that returns an error instead of a
// boolean when the path is missing.
func (p *Parcel) LookupPath(pth string) (Inode, error) {
	ino, ok := p.Select(pth)
	if !ok {
		return 0, xerrors.Errorf("path %q not found in parcel", pth)
	}
	return ino, nil
}

// EnsureDir walks/creates each component of dir (an absolute,
// slash-separated path) as a directory with attr, returning the final
// component's inode. Used by providers that stage files at arbitrary
// destination paths without a source ustar stream to establish parent
// directories for them.
func (p *Parcel) EnsureDir(dir string, attr Attr) Inode {
	dir = path.Clean("/" + dir)
	if dir == "/" {
		return RootInode
	}
	parent := RootInode
	var sofar string
	for _, comp := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		sofar += "/" + comp
		if ino, ok := p.Select(sofar); ok {
			parent = ino
			continue
		}
		child := p.AddDirectory(attr)
		// InsertDirent cannot fail here: parent is always a directory we
		// just resolved or created.
		_ = p.InsertDirent(parent, comp, child)
		parent = child
	}
	return parent
}
