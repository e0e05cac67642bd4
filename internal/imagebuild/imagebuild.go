// Package imagebuild orchestrates a complete image build: resolve,
// ensure parcels, stage, extract, bind-mount, run scriptlets, run
// hooks, unmount, publish.
//
// Grounded on original_source/src/imagebuild.rs::pyxis_image_build for
// control flow and on distr1/distri's internal/build/mount.go for the
// shape of raw mount/unmount syscalls via golang.org/x/sys/unix.
package imagebuild

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pyxisbuild/pyxis"
	"github.com/pyxisbuild/pyxis/internal/chroot"
	"github.com/pyxisbuild/pyxis/internal/extract"
	"github.com/pyxisbuild/pyxis/internal/hookfile"
	"github.com/pyxisbuild/pyxis/internal/parcel"
	"github.com/pyxisbuild/pyxis/internal/resolver"
	"github.com/pyxisbuild/pyxis/internal/uilog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Registry is the subset of providers.Registry the builder depends on.
type Registry interface {
	resolver.DepsProvider
	Build(ref pyxis.ParcelRef) error
}

// Options configures a Build invocation.
type Options struct {
	// StagingDir is the build's staging root, "temp" by default.
	StagingDir string
	// PublishDir is the rsync destination, "/tmp/build-pyxis/" by default.
	PublishDir string
	// HooksDir is where hook files are discovered, relative to StagingDir.
	HooksDir string
}

func (o Options) withDefaults() Options {
	if o.StagingDir == "" {
		o.StagingDir = "temp"
	}
	if o.PublishDir == "" {
		o.PublishDir = "/tmp/build-pyxis/"
	}
	if o.HooksDir == "" {
		o.HooksDir = "usr/share/libalpm/hooks"
	}
	return o
}

type mountPoint struct {
	target string
}

// newExtractProgressBar returns nil (no-op) when stderr isn't a
// terminal, matching kraklabs-cie/cmd/cie/progress.go's
// NewProgressBar: TTY-gated, returns nil so callers can safely check
// for it rather than threading an "enabled" bool everywhere.
func newExtractProgressBar(total int) *progressbar.ProgressBar {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("extracting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// Build runs the full pipeline for manifest against reg.
func Build(manifest []pyxis.ParcelRef, reg Registry, opts Options) error {
	opts = opts.withDefaults()

	uilog.Stage("resolving dependencies")
	installSet, err := resolver.Resolve(manifest, reg)
	if err != nil {
		return xerrors.Errorf("resolving install set: %w", err)
	}
	refs := installSet.Refs()
	uilog.OK("install set has %d parcels", len(refs))

	uilog.Stage("ensuring parcels")
	// Each ref's provider.Build is idempotent and independent of every
	// other ref's build (dependency ORDER only matters for extraction,
	// scriptlets, and hooks below), so builds run with maximum
	// concurrency, matching distr1/distri's internal/install.Packages
	// use of a plain errgroup.Group to download a package set
	// concurrently.
	var eg errgroup.Group
	for _, ref := range refs {
		ref := ref
		eg.Go(func() error {
			if err := reg.Build(ref); err != nil {
				return xerrors.Errorf("building %s: %w", ref, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	uilog.Stage("staging")
	if err := os.MkdirAll(opts.StagingDir, 0755); err != nil {
		return xerrors.Errorf("creating staging root %q: %w", opts.StagingDir, err)
	}
	if err := unix.Mount("tmpfs", opts.StagingDir, "tmpfs", 0, "size=5G"); err != nil {
		return xerrors.Errorf("mounting tmpfs onto %q: %w", opts.StagingDir, err)
	}
	var mounted []mountPoint
	mounted = append(mounted, mountPoint{opts.StagingDir})
	defer func() { unmountAll(mounted) }()

	uilog.Stage("extracting %d parcels", len(refs))
	bar := newExtractProgressBar(len(refs))
	for _, ref := range refs {
		parcelPath, err := pyxis.ParcelPath(ref)
		if err != nil {
			return err
		}
		f, err := os.Open(parcelPath)
		if err != nil {
			return xerrors.Errorf("opening parcel %s: %w", ref, err)
		}
		pc, err := parcel.Load(f)
		f.Close()
		if err != nil {
			return xerrors.Errorf("loading parcel %s: %w", ref, err)
		}
		if err := extract.Extract(pc, parcel.RootInode, opts.StagingDir); err != nil {
			return xerrors.Errorf("extracting %s: %w", ref, err)
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	uilog.Stage("bind-mounting kernel filesystems")
	kernelMounts, err := mountKernelFilesystems(opts.StagingDir)
	mounted = append(mounted, kernelMounts...)
	if err != nil {
		return err
	}

	uilog.Stage("running scriptlets")
	for _, ref := range refs {
		installPath := filepath.Join(pyxis.ReservedPrefix(ref), ".INSTALL")
		if _, err := os.Stat(filepath.Join(opts.StagingDir, installPath)); err != nil {
			continue
		}
		cmdline := fmt.Sprintf(". /%s; declare -F post_install && post_install 0 || echo No install action", installPath)
		code, err := chroot.Run(opts.StagingDir, cmdline, nil)
		if err != nil {
			return xerrors.Errorf("running scriptlet for %s: %w", ref, err)
		}
		if code != 0 {
			uilog.Warn("scriptlet for %s exited %d", ref, code)
		}
	}

	uilog.Stage("running hooks")
	if err := runHooks(opts, installSet); err != nil {
		return err
	}

	uilog.Stage("unmounting")
	unmountAll(mounted)
	mounted = nil

	uilog.Stage("publishing to %s", opts.PublishDir)
	publishErr := publish(opts.StagingDir, opts.PublishDir)
	if publishErr != nil {
		uilog.Warn("rsync publish reported: %v", publishErr)
	} else {
		uilog.OK("published")
	}
	return nil
}

func mountKernelFilesystems(root string) ([]mountPoint, error) {
	type spec struct {
		source, target, fstype, data string
		flags                        uintptr
	}
	specs := []spec{
		{"proc", "proc", "proc", "", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV},
		{"sys", "sys", "sysfs", "", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY},
		{"udev", "dev", "devtmpfs", "mode=0755", unix.MS_NOSUID},
		{"devpts", "dev/pts", "devpts", "mode=0620,gid=5", unix.MS_NOSUID | unix.MS_NOEXEC},
		{"shm", "dev/shm", "tmpfs", "mode=1777", unix.MS_NOSUID | unix.MS_NODEV},
		{"tmp", "tmp", "tmpfs", "mode=1777", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_STRICTATIME},
	}
	var mounted []mountPoint
	for _, s := range specs {
		target := filepath.Join(root, s.target)
		if err := os.MkdirAll(target, 0755); err != nil {
			return mounted, xerrors.Errorf("creating mountpoint %q: %w", target, err)
		}
		if err := unix.Mount(s.source, target, s.fstype, s.flags, s.data); err != nil {
			return mounted, xerrors.Errorf("mounting %q onto %q: %w", s.fstype, target, err)
		}
		mounted = append(mounted, mountPoint{target})
	}
	return mounted, nil
}

// unmountAll releases mounts in strict reverse order of acquisition,
// each with MNT_DETACH so shutdown never blocks on residual busy
// handles.
func unmountAll(mounted []mountPoint) {
	for i := len(mounted) - 1; i >= 0; i-- {
		if err := unix.Unmount(mounted[i].target, unix.MNT_DETACH); err != nil {
			uilog.Warn("unmounting %s: %v", mounted[i].target, err)
		}
	}
}

func publish(stagingDir, publishDir string) error {
	cmd := exec.Command("rsync", "-ah", "--delete", strings.TrimRight(stagingDir, "/")+"/", publishDir)
	return cmd.Run()
}

func runHooks(opts Options, installSet *pyxis.InstallSet) error {
	hooksDir := filepath.Join(opts.StagingDir, opts.HooksDir)
	entries, err := os.ReadDir(hooksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("listing hooks directory %q: %w", hooksDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	installedNames := make(map[string]bool)
	for _, ref := range installSet.Refs() {
		installedNames[ref.Name] = true
	}

	for _, name := range names {
		if err := runHook(opts, filepath.Join(hooksDir, name), installedNames); err != nil {
			return xerrors.Errorf("hook %q: %w", name, err)
		}
	}
	return nil
}

func runHook(opts Options, path string, installedNames map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h, err := hookfile.Parse(f)
	if err != nil {
		return err
	}

	var targets []string
	for _, trig := range h.Triggers {
		if !trig.HasOperation(hookfile.Install) {
			continue
		}
		switch trig.Flavor {
		case hookfile.FlavorPackage:
			for _, t := range trig.Targets {
				if installedNames[t] {
					targets = append(targets, t)
				}
			}
		case hookfile.FlavorPath:
		targetLoop:
			for _, t := range trig.Targets {
				matches, err := filepath.Glob(filepath.Join(opts.StagingDir, t))
				if err != nil {
					return xerrors.Errorf("glob %q: %w", t, err)
				}
				for _, m := range matches {
					rel, err := filepath.Rel(opts.StagingDir, m)
					if err != nil {
						return err
					}
					targets = append(targets, rel)
					if !h.Action.NeedsTargets {
						break targetLoop
					}
				}
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	if h.Action.When != hookfile.WhenPostTransaction || len(h.Action.Depends) != 0 || h.Action.AbortOnFail {
		return xerrors.Errorf("unsupported hook action combination (when=%v depends=%v abort_on_fail=%v)",
			h.Action.When, h.Action.Depends, h.Action.AbortOnFail)
	}

	stdin := []byte(nil)
	if h.Action.NeedsTargets {
		stdin = []byte(strings.Join(targets, "\n"))
	}
	code, err := chroot.Run(opts.StagingDir, h.Action.Exec, stdin)
	if err != nil {
		return err
	}
	if code != 0 {
		uilog.Warn("hook action %q exited %d", h.Action.Exec, code)
	}
	return nil
}
