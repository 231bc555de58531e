package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// RemoteFilesystemError reports a SQLite path that lives on a network or
// userspace filesystem. Such mounts do not honour the POSIX locks the claim
// transaction depends on, so two workers could claim the same row.
type RemoteFilesystemError struct {
	Path   string
	FSType string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("store.path %q is on remote filesystem %q; use a local disk or set store.driver to postgres", e.Path, e.FSType)
}

// fsTypeFunc names the filesystem holding an existing path.
type fsTypeFunc func(path string) (string, error)

// Matched exactly, with a dotted subtype (fuse.sshfs) or with a version
// suffix (nfs4, smb2). fuseblk (local ntfs-3g) does not match.
var remoteFSFamilies = []string{"nfs", "cifs", "smb", "smbfs", "9p", "afpfs", "webdav", "fuse", "macfuse", "osxfuse"}

func requireLocalFilesystem(path string) error {
	return requireLocalFilesystemWith(path, statFSType)
}

func requireLocalFilesystemWith(path string, fsType fsTypeFunc) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	anchor, err := nearestExisting(abs)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	name, err := fsType(anchor)
	if err != nil {
		return nil // undetectable is treated as local
	}
	if isRemoteFilesystem(name) {
		return &RemoteFilesystemError{Path: path, FSType: name}
	}
	return nil
}

// nearestExisting climbs from abs until it finds an entry that exists, so
// the check works before the database directory is created.
func nearestExisting(abs string) (string, error) {
	dir := abs
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", err
		}
		up := filepath.Dir(dir)
		if up == dir {
			return "", fmt.Errorf("no existing ancestor of %q", abs)
		}
		dir = up
	}
}

func isRemoteFilesystem(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, family := range remoteFSFamilies {
		rest, ok := strings.CutPrefix(name, family)
		if !ok {
			continue
		}
		if rest == "" || rest[0] == '.' || strings.Trim(rest, "0123456789") == "" {
			return true
		}
	}
	return false
}
