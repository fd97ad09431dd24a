package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/storefile"
	"github.com/INLOpen/nexusregion/sys"
)

// BulkLoad validates an externally built store file and copies it into the
// store under a name carrying seq. The file then counts toward
// MaxSequenceID and its cells take seq for version ordering.
func (s *Store) BulkLoad(ctx context.Context, src string, seq uint64) (string, error) {
	_, span := s.tracer.Start(ctx, "Store.BulkLoad")
	defer span.End()

	check, err := storefile.OpenExternal(src)
	if err != nil {
		return "", fmt.Errorf("bulk load %s: %w", src, err)
	}
	check.Close()

	id := s.newFileID()
	final := filepath.Join(s.opts.Dir, storefile.BulkFileName(id, seq))
	tmp := filepath.Join(s.opts.Dir, fmt.Sprintf("%d%s", id, storefile.TempExt))
	if err := copyFile(src, tmp); err != nil {
		_ = sys.Remove(tmp)
		return "", &core.IOFailure{Op: "copy", Path: tmp, Err: err}
	}
	if err := sys.RenameDurable(tmp, final); err != nil {
		_ = sys.Remove(tmp)
		return "", &core.IOFailure{Op: "rename", Path: final, Err: err}
	}
	r, err := s.openFile(final)
	if err != nil {
		return "", err
	}
	s.addFile(r)
	s.logger.Info("Bulk loaded store file.", "source", src, "path", final, "seq", seq, "entries", r.Meta().Entries)
	return final, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := sys.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
