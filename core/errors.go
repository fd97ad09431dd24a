package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds. Every typed error below matches its kind with errors.Is.
var (
	ErrIOFailure       = errors.New("io failure")
	ErrCorruptLog      = errors.New("corrupt log")
	ErrRecoveryFailure = errors.New("recovery failure")
	ErrFlushFailure    = errors.New("flush failure")
)

// IOFailure is an I/O error that outlived its retry budget.
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("io failure during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("io failure during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailure) Unwrap() error        { return e.Err }
func (e *IOFailure) Is(target error) bool { return target == ErrIOFailure }

// CorruptLogError reports damage in a log file that is not a torn tail.
// It is never retried; an operator has to look at the file.
type CorruptLogError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("corrupt log %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptLogError) Unwrap() error        { return e.Err }
func (e *CorruptLogError) Is(target error) bool { return target == ErrCorruptLog }

// RecoveryFailure aborts a partition open. The partition stays offline.
type RecoveryFailure struct {
	Partition PartitionID
	Err       error
}

func (e *RecoveryFailure) Error() string {
	return fmt.Sprintf("recovery of partition %s failed: %v", e.Partition, e.Err)
}

func (e *RecoveryFailure) Unwrap() error        { return e.Err }
func (e *RecoveryFailure) Is(target error) bool { return target == ErrRecoveryFailure }

// FlushFailure reports the families whose snapshot could not be persisted.
type FlushFailure struct {
	Partition PartitionID
	Families  []string
	Err       error
}

func (e *FlushFailure) Error() string {
	return fmt.Sprintf("flush of partition %s failed for families [%s]: %v",
		e.Partition, strings.Join(e.Families, ","), e.Err)
}

func (e *FlushFailure) Unwrap() error        { return e.Err }
func (e *FlushFailure) Is(target error) bool { return target == ErrFlushFailure }

// PartitionOf extracts the partition named by a recovery or flush failure.
func PartitionOf(err error) (PartitionID, bool) {
	var rf *RecoveryFailure
	if errors.As(err, &rf) {
		return rf.Partition, true
	}
	var ff *FlushFailure
	if errors.As(err, &ff) {
		return ff.Partition, true
	}
	return "", false
}
