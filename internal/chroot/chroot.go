// Package chroot runs a command inside a chrooted subprocess, streaming
// its combined stdout/stderr back byte-at-a-time while feeding it a
// fixed stdin buffer.
//
// Grounded on original_source/src/chroot.rs::run_in_chroot. The
// contract — two AF_UNIX/SOCK_STREAM socket pairs, a single poll loop
// multiplexing both directions with no timeout, byte-at-a-time
// transfer, chroot+exec of "/bin/bash -x -c <cmdline>" — is unchanged.
// The mechanism differs: Go cannot safely fork() a multithreaded
// runtime, so the chroot+fork+exec sequence runs through
// os/exec.Cmd+syscall.SysProcAttr.Chroot (Go's idiomatic fork/exec
// trampoline) instead of a hand-rolled fork/dup2/execve. The two
// socket pairs, child-side fd wiring, and the parent's poll loop are
// otherwise a direct translation.
package chroot

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// mu enforces "exactly one concurrent invocation per process": the
// executor mutates the process's root via the child's chroot(2), so
// callers must serialize invocations.
var mu sync.Mutex

// Run executes "/bin/bash -x -c cmdline" chrooted into root, feeding it
// stdin on a socket and relaying its combined stdout/stderr back one
// byte at a time. It returns the child's exit code on clean exit.
func Run(root, cmdline string, stdin []byte) (exitCode int, err error) {
	mu.Lock()
	defer mu.Unlock()

	c2p, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, xerrors.Errorf("chroot: child-to-parent socketpair: %w", err)
	}
	p2c, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, xerrors.Errorf("chroot: parent-to-child socketpair: %w", err)
	}

	c2pRead, c2pWriteChild := c2p[0], c2p[1]
	p2cReadChild, p2cWrite := p2c[0], p2c[1]

	childStdin := os.NewFile(uintptr(p2cReadChild), "p2c-read")
	childStdout := os.NewFile(uintptr(c2pWriteChild), "c2p-write")

	cmd := exec.Command("/bin/bash", "-x", "-c", cmdline)
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	cmd.Stderr = childStdout
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:    root,
		Pdeathsig: syscall.SIGKILL,
		Setsid:    true,
	}
	cmd.Dir = "/"

	if err := cmd.Start(); err != nil {
		unix.Close(c2pRead)
		unix.Close(p2cWrite)
		childStdin.Close()
		childStdout.Close()
		return 0, xerrors.Errorf("chroot: starting /bin/bash: %w", err)
	}
	// The child process now owns its own copies of these fds; the
	// parent's copies must be closed so EOF propagates correctly.
	childStdin.Close()
	childStdout.Close()
	defer unix.Close(c2pRead)

	if err := relay(c2pRead, p2cWrite, stdin); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return 0, err
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Exited() {
				return status.ExitStatus(), nil
			}
		}
		return 0, xerrors.Errorf("chroot: abnormal child termination: %w", err)
	}
	return 0, nil
}

// relay implements the parent's poll loop: simultaneously readable on
// c2pRead and writable on p2cWrite, no timeout, exactly one byte
// transferred per ready event.
func relay(c2pRead, p2cWrite int, stdin []byte) error {
	writeOpen := true
	defer func() {
		if writeOpen {
			unix.Close(p2cWrite)
		}
	}()

	var buf [1]byte

	for {
		fds := []unix.PollFd{{Fd: int32(c2pRead), Events: unix.POLLIN}}
		if writeOpen {
			fds = append(fds, unix.PollFd{Fd: int32(p2cWrite), Events: unix.POLLOUT})
		}

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return xerrors.Errorf("chroot: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			read, err := unix.Read(c2pRead, buf[:])
			if err != nil {
				return xerrors.Errorf("chroot: reading child output: %w", err)
			}
			if read == 0 {
				return nil // EOF: child closed its write end.
			}
			os.Stdout.Write(buf[:read])
		}

		if writeOpen && len(fds) > 1 && fds[1].Revents&unix.POLLOUT != 0 {
			if len(stdin) == 0 {
				unix.Close(p2cWrite)
				writeOpen = false
				continue
			}
			if _, err := unix.Write(p2cWrite, stdin[:1]); err != nil {
				return xerrors.Errorf("chroot: writing child stdin: %w", err)
			}
			stdin = stdin[1:]
		}
	}
}
