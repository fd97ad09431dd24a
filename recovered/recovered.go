// Package recovered owns the on-disk layout of recovered-edits files: the
// per-partition output of a log split that a partition replays when it opens.
//
// Layout under a partition directory:
//
//	recovered.edits/0000000000000003000        edits, named by their max sequence number
//	recovered.edits/0000000000000003000.temp   a split still writing
//	recovered.edits/0000000000000003001.seqid  sequence-id marker, bookkeeping only
package recovered

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/nexusregion/sys"
	"github.com/INLOpen/nexusregion/wal"
)

const (
	// DirName is the recovery directory inside a partition directory.
	DirName      = "recovered.edits"
	TempSuffix   = ".temp"
	SeqIDSuffix  = ".seqid"
	seqNameWidth = 19
)

// File is a recovered-edits file ready for replay.
type File struct {
	Partition core.PartitionID
	Path      string
	MaxSeq    uint64
	Edits     int
}

// Dir returns the recovery directory of a partition directory.
func Dir(partitionDir string) string {
	return filepath.Join(partitionDir, DirName)
}

// FileName names a recovered-edits file by its maximum sequence number.
func FileName(maxSeq uint64) string {
	return fmt.Sprintf("%0*d", seqNameWidth, maxSeq)
}

// SeqIDFileName names a sequence-id marker.
func SeqIDFileName(seq uint64) string {
	return FileName(seq) + SeqIDSuffix
}

// IsSeqIDFile reports whether name is a sequence-id marker.
func IsSeqIDFile(name string) bool {
	return strings.HasSuffix(name, SeqIDSuffix)
}

// ParseFileName returns the max sequence number encoded in a recovered-edits
// file name. Markers and temp files are rejected.
func ParseFileName(name string) (uint64, bool) {
	if len(name) != seqNameWidth {
		return 0, false
	}
	v, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// List returns the recovered-edits files of a partition ordered by max
// sequence number. A missing directory yields no files.
func List(partition core.PartitionID, partitionDir string) ([]File, error) {
	dir := Dir(partitionDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, File{Partition: partition, Path: filepath.Join(dir, e.Name()), MaxSeq: seq})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].MaxSeq < files[j].MaxSeq })
	return files, nil
}

// Write atomically stores edits (already in ascending sequence order) as the
// recovered-edits file of a partition. A file of the same name left by an
// earlier run is replaced; the content is a function of the edits only.
func Write(partition core.PartitionID, partitionDir string, edits []*core.Edit) (File, error) {
	if len(edits) == 0 {
		return File{}, fmt.Errorf("no edits to write for partition %s", partition)
	}
	dir := Dir(partitionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return File{}, &core.IOFailure{Op: "mkdir", Path: dir, Err: err}
	}
	maxSeq := edits[len(edits)-1].Seq
	final := filepath.Join(dir, FileName(maxSeq))
	tmp := final + TempSuffix

	// The header is stamped with the last edit's write time so that splitting
	// the same log twice yields identical bytes.
	header := core.NewFileHeader(core.RecoveredEditsMagicNumber)
	header.CreatedAt = edits[len(edits)-1].WriteTime
	fw, err := wal.CreateFileWithHeader(tmp, header)
	if err != nil {
		return File{}, &core.IOFailure{Op: "create", Path: tmp, Err: err}
	}
	for _, e := range edits {
		if _, err := fw.Append(wal.MarshalRecord(wal.EditRecord(e))); err != nil {
			fw.Close()
			sys.Remove(tmp)
			return File{}, &core.IOFailure{Op: "write", Path: tmp, Err: err}
		}
	}
	if err := fw.Sync(); err != nil {
		fw.Close()
		sys.Remove(tmp)
		return File{}, &core.IOFailure{Op: "sync", Path: tmp, Err: err}
	}
	if err := fw.Close(); err != nil {
		sys.Remove(tmp)
		return File{}, &core.IOFailure{Op: "close", Path: tmp, Err: err}
	}
	if err := sys.RenameDurable(tmp, final); err != nil {
		sys.Remove(tmp)
		return File{}, &core.IOFailure{Op: "rename", Path: final, Err: err}
	}
	return File{Partition: partition, Path: final, MaxSeq: maxSeq, Edits: len(edits)}, nil
}

// Read streams the edits of a recovered-edits file. Unlike a log segment it
// was written in full and synced before being renamed into place, so any
// damage, a short tail or a missing header included, is reported as
// corruption.
func Read(path string, fn func(*core.Edit) error) (int, error) {
	stats, err := wal.ReadFile(path, core.RecoveredEditsMagicNumber, func(rec *wal.Record, _ int64) error {
		if rec.Type != wal.RecordEdit {
			return nil
		}
		return fn(rec.Edit())
	})
	if err != nil {
		return stats.Records, err
	}
	if stats.ValidBytes < core.FileHeaderSize {
		return 0, &core.CorruptLogError{Path: path, Offset: 0, Err: fmt.Errorf("recovered-edits file has no header")}
	}
	if stats.TruncatedTail {
		return stats.Records, &core.CorruptLogError{Path: path, Offset: stats.ValidBytes, Err: fmt.Errorf("recovered-edits file is truncated")}
	}
	return stats.Records, nil
}

// RemoveTempFiles deletes leftovers of an interrupted split.
func RemoveTempFiles(partitionDir string) error {
	matches, err := filepath.Glob(filepath.Join(Dir(partitionDir), "*"+TempSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := sys.Remove(m); err != nil {
			return err
		}
	}
	return nil
}

// WriteSeqIDMarker records seq as the highest sequence number the partition
// has seen, removing older markers. Markers never move backward.
func WriteSeqIDMarker(partitionDir string, seq uint64) error {
	dir := Dir(partitionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	current, err := MaxSeqIDMarker(partitionDir)
	if err != nil {
		return err
	}
	if seq < current {
		seq = current
	}
	path := filepath.Join(dir, SeqIDFileName(seq))
	f, err := sys.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := sys.SyncDir(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if IsSeqIDFile(e.Name()) && e.Name() != SeqIDFileName(seq) {
			if err := sys.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// MaxSeqIDMarker returns the highest sequence-id marker, or 0 without one.
func MaxSeqIDMarker(partitionDir string) (uint64, error) {
	entries, err := os.ReadDir(Dir(partitionDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var highest uint64
	for _, e := range entries {
		if !IsSeqIDFile(e.Name()) {
			continue
		}
		v, ok := ParseFileName(strings.TrimSuffix(e.Name(), SeqIDSuffix))
		if ok && v > highest {
			highest = v
		}
	}
	return highest, nil
}
