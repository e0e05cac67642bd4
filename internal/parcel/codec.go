package parcel

import (
	"bufio"
	"encoding/gob"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"
)

// onDisk is the gob-encoded envelope. Parcel.inodes is unexported so
// Store/Load operate on this mirror rather than exposing the slice.
type onDisk struct {
	Metadata Metadata
	Inodes   []record
}

// Store persists p to w, compressed with zstd. Callers that need a
// concurrent reader to never observe a truncated file must write to a
// temp file and rename into place themselves; Store only handles the
// encoding.
func Store(w io.Writer, p *Parcel) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return xerrors.Errorf("parcel: creating zstd writer: %w", err)
	}
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(onDisk{Metadata: p.Metadata, Inodes: p.inodes}); err != nil {
		zw.Close()
		return xerrors.Errorf("parcel: encoding: %w", err)
	}
	if err := zw.Close(); err != nil {
		return xerrors.Errorf("parcel: flushing zstd writer: %w", err)
	}
	return nil
}

// Load decodes a parcel previously written by Store.
func Load(r io.Reader) (*Parcel, error) {
	zr, err := zstd.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, xerrors.Errorf("parcel: creating zstd reader: %w", err)
	}
	defer zr.Close()
	var d onDisk
	if err := gob.NewDecoder(zr).Decode(&d); err != nil {
		return nil, xerrors.Errorf("parcel: decoding: %w", err)
	}
	if len(d.Inodes) <= int(RootInode) || d.Inodes[RootInode].Kind != Directory {
		return nil, xerrors.Errorf("parcel: inode %d (root) is missing or not a directory", RootInode)
	}
	return &Parcel{Metadata: d.Metadata, inodes: d.Inodes}, nil
}
