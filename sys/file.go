package sys

import (
	"io"
	"os"
	"path/filepath"
)

// FileHandle is the subset of *os.File the storage code relies on. Tests swap
// the handlers below to return handles that fail on demand.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

var Create CreateHandler = func(name string) (FileHandle, error) {
	return os.Create(name)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return os.Open(name)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return os.OpenFile(name, flag, perm)
}

var Rename RenameHandler = os.Rename

// Remove deletes a file and treats a missing file as success.
var Remove RemoveHandler = func(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SyncDir fsyncs a directory so renames and creations inside it survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !isUnsupportedDirSync(err) {
		return err
	}
	return nil
}

// RenameDurable renames a file and syncs the destination directory.
func RenameDurable(oldpath, newpath string) error {
	if err := Rename(oldpath, newpath); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(newpath))
}
