package nfsmount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"runtime"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// handleCacheSize bounds the file handles go-nfs keeps per export. The
// catalog is small, so every node fits many times over.
const handleCacheSize = 4096

// Server is a running NFSv3 export of one billy.Filesystem.
type Server struct {
	ln     net.Listener
	served chan error
}

// NewServer listens on addr (empty means an ephemeral loopback port) and
// serves fsys to unauthenticated clients until Close.
func NewServer(fsys billy.Filesystem, addr string, logger *slog.Logger) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nfs listen %s: %w", addr, err)
	}

	handler := nfshelper.NewCachingHandler(nfshelper.NewNullAuthHandler(fsys), handleCacheSize)
	s := &Server{ln: ln, served: make(chan error, 1)}
	go func() {
		err := nfs.Serve(ln, handler)
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		if err != nil {
			logger.Error("nfs export failed", "addr", ln.Addr().String(), "error", err)
		}
		s.served <- err
	}()
	return s, nil
}

// Port is the TCP port clients mount from.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting clients and waits for the serve loop to exit.
func (s *Server) Close() error {
	err := s.ln.Close()
	if serveErr := <-s.served; serveErr != nil && err == nil {
		err = serveErr
	}
	return err
}

var errUnsupportedOS = errors.New("nfs mount not supported on this platform")

// mountOptions are the read-only NFSv3 options per platform. Both pin the
// mount daemon to the export port, since go-nfs serves MOUNT and NFS on
// one listener.
var mountOptions = map[string][]string{
	"darwin": {"vers=3", "tcp", "locallocks", "noresvport", "rdonly"},
	"linux":  {"vers=3", "tcp", "local_lock=all", "nolock", "ro"},
}

// mountArgs returns the argv that mounts the export on port at mountpoint.
func mountArgs(goos string, port int, mountpoint string) ([]string, error) {
	base, ok := mountOptions[goos]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnsupportedOS, goos)
	}
	opts := append([]string{fmt.Sprintf("port=%d", port), fmt.Sprintf("mountport=%d", port)}, base...)
	return []string{"sudo", "mount", "-t", "nfs", "-o", strings.Join(opts, ","), "localhost:/", mountpoint}, nil
}

// unmountArgs returns the commands to try in order. On macOS diskutil can
// release a user's NFS mount without sudo.
func unmountArgs(goos, mountpoint string) [][]string {
	umount := []string{"sudo", "umount", mountpoint}
	if goos == "darwin" {
		return [][]string{{"diskutil", "unmount", mountpoint}, umount}
	}
	return [][]string{umount}
}

// Mount attaches the export on port at mountpoint with the system mount
// command. It needs sudo.
func Mount(ctx context.Context, port int, mountpoint string) error {
	argv, err := mountArgs(runtime.GOOS, port, mountpoint)
	if err != nil {
		return err
	}
	if err := run(ctx, argv); err != nil {
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	return nil
}

// Unmount detaches mountpoint, stopping at the first command that works.
func Unmount(ctx context.Context, mountpoint string) error {
	var errs []error
	for _, argv := range unmountArgs(runtime.GOOS, mountpoint) {
		err := run(ctx, argv)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("unmount %s: %w", mountpoint, errors.Join(errs...))
}

func run(ctx context.Context, argv []string) error {
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
