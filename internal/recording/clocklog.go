package recording

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// clockLogHeader is the first line of every correlation log.
var clockLogHeader = []string{"time", "sample", "file"}

// ClockRecord correlates a wall-clock instant with the stream position.
type ClockRecord struct {
	Timestamp time.Time
	// Sample is the cumulative frame count since the writer started.
	Sample uint64
	// File is the name of the audio file being written at Timestamp.
	File string
}

// ClockLog is an append-only CSV correlation log. Every record is flushed
// to the file before Append returns.
type ClockLog struct {
	path    string
	file    *os.File
	w       *csv.Writer
	records int
}

// CreateClockLog creates path and writes the header line.
func CreateClockLog(path string) (*ClockLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create clock log: %w", err)
	}
	l := &ClockLog{path: path, file: f, w: csv.NewWriter(f)}
	if err := l.writeLine(clockLogHeader); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the file path.
func (l *ClockLog) Path() string {
	return l.path
}

// Records returns the number of records appended.
func (l *ClockLog) Records() int {
	return l.records
}

// Append writes one record and flushes it.
func (l *ClockLog) Append(rec ClockRecord) error {
	err := l.writeLine([]string{
		strconv.FormatInt(rec.Timestamp.UnixNano(), 10),
		strconv.FormatUint(rec.Sample, 10),
		rec.File,
	})
	if err != nil {
		return err
	}
	l.records++
	return nil
}

func (l *ClockLog) writeLine(fields []string) error {
	if err := l.w.Write(fields); err != nil {
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", l.path, err)
	}
	return nil
}

// Close flushes and closes the log.
func (l *ClockLog) Close() error {
	l.w.Flush()
	return errors.Join(l.w.Error(), l.file.Close())
}

// ReadClockLog parses a correlation log written by ClockLog.
func ReadClockLog(path string) ([]ClockRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // Read-only operation, close error not critical

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read clock log: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read clock log %s: missing header", path)
	}

	records := make([]ClockRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(clockLogHeader) {
			return nil, fmt.Errorf("read clock log %s: line %d has %d fields", path, i+2, len(row))
		}
		nanos, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("read clock log %s: line %d: %w", path, i+2, err)
		}
		sample, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("read clock log %s: line %d: %w", path, i+2, err)
		}
		records = append(records, ClockRecord{Timestamp: time.Unix(0, nanos), Sample: sample, File: row[2]})
	}
	return records, nil
}
