// Package extract materializes a parcel onto the filesystem, used both
// by the image builder (staging an install set) and tests that need a
// concrete tree to assert against.
//
// Grounded on original_source/src/imagebuild.rs::extract_parcel: the
// directory mode/owner-before-recurse, file mode/owner-after-write
// ordering, and CharDevice/Whiteout being fatal are reproduced
// unchanged. nix::unistd::chown becomes golang.org/x/sys/unix.Chown,
// matching distr1/distri's use of the same package for raw filesystem
// syscalls (internal/build/mount.go).
package extract

import (
	"os"
	"path/filepath"

	"github.com/pyxisbuild/pyxis/internal/parcel"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Extract materializes the subtree rooted at ino onto fsPath.
func Extract(pc *parcel.Parcel, ino parcel.Inode, fsPath string) error {
	kind, err := pc.Kind(ino)
	if err != nil {
		return err
	}
	if kind != parcel.Directory {
		return xerrors.Errorf("extract %s: root inode %d is a %s, not a directory", fsPath, ino, kind)
	}
	return extractDir(pc, ino, fsPath)
}

func extractDir(pc *parcel.Parcel, ino parcel.Inode, fsPath string) error {
	if _, err := os.Stat(fsPath); os.IsNotExist(err) {
		if err := os.Mkdir(fsPath, 0755); err != nil {
			return xerrors.Errorf("creating %s: %w", fsPath, err)
		}
	}

	attr, err := pc.GetAttr(ino)
	if err != nil {
		return err
	}
	if err := os.Chmod(fsPath, os.FileMode(attr.Perm)); err != nil {
		return xerrors.Errorf("chmod %s: %w", fsPath, err)
	}
	if err := unix.Chown(fsPath, int(attr.Uid), int(attr.Gid)); err != nil {
		return xerrors.Errorf("chown %s: %w", fsPath, err)
	}

	entries, err := pc.Readdir(ino)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		dest := filepath.Join(fsPath, ent.Name)
		switch ent.Kind {
		case parcel.Directory:
			if err := extractDir(pc, ent.Inode, dest); err != nil {
				return err
			}
		case parcel.RegularFile:
			if err := extractFile(pc, ent.Inode, dest); err != nil {
				return err
			}
		case parcel.Symlink:
			if err := extractSymlink(pc, ent.Inode, dest); err != nil {
				return err
			}
		case parcel.CharDevice:
			return xerrors.Errorf("extract %s: character devices are not supported", dest)
		case parcel.Whiteout:
			return xerrors.Errorf("extract %s: whiteouts are not supported", dest)
		default:
			return xerrors.Errorf("extract %s: unhandled inode kind %s", dest, ent.Kind)
		}
	}
	return nil
}

func extractFile(pc *parcel.Parcel, ino parcel.Inode, fsPath string) error {
	data, err := pc.Read(ino, 0, -1)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fsPath, data, 0644); err != nil {
		return xerrors.Errorf("writing %s: %w", fsPath, err)
	}
	attr, err := pc.GetAttr(ino)
	if err != nil {
		return err
	}
	if err := unix.Chown(fsPath, int(attr.Uid), int(attr.Gid)); err != nil {
		return xerrors.Errorf("chown %s: %w", fsPath, err)
	}
	if err := os.Chmod(fsPath, os.FileMode(attr.Perm)); err != nil {
		return xerrors.Errorf("chmod %s: %w", fsPath, err)
	}
	return nil
}

func extractSymlink(pc *parcel.Parcel, ino parcel.Inode, fsPath string) error {
	target, err := pc.Readlink(ino)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, fsPath); err != nil {
		return xerrors.Errorf("symlinking %s -> %s: %w", fsPath, target, err)
	}
	return nil
}
