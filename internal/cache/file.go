package cache

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// FileStorage is an append-only JSON-lines cache file shared by every worker
// process of a host. Writers hold an exclusive flock per append.
type FileStorage struct {
	filePath string
	log      *logging.Logger
}

// NewFileStorage opens (creating if needed) the cache file at filePath.
func NewFileStorage(filePath string, log *logging.Logger) (*FileStorage, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cache file: %w", err)
	}
	_ = f.Close()
	return &FileStorage{filePath: filePath, log: log.WithComponent("cache-file")}, nil
}

// GetRecords scans the file for records under hashID. Undecodable lines,
// such as a torn final write, are skipped.
func (c *FileStorage) GetRecords(ctx context.Context, hashID string) ([]dragonflow.CacheRecord, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}
	var out []dragonflow.CacheRecord
	err := c.withLock(os.O_RDONLY, syscall.LOCK_SH, func(f *os.File) error {
		return scanRecords(f, func(rec dragonflow.CacheRecord) {
			if rec.HashID == hashID {
				out = append(out, rec)
			}
		})
	})
	return out, err
}

// Store appends one record as a single line.
func (c *FileStorage) Store(ctx context.Context, record dragonflow.CacheRecord) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	line = append(line, '\n')
	return c.withLock(os.O_WRONLY|os.O_APPEND, syscall.LOCK_EX, func(f *os.File) error {
		_, err := f.Write(line)
		return err
	})
}

// Delete rewrites the file without the records under hashID.
func (c *FileStorage) Delete(ctx context.Context, hashID string) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	return c.withLock(os.O_RDWR, syscall.LOCK_EX, func(f *os.File) error {
		var keep bytes.Buffer
		found := false
		err := scanRecords(f, func(rec dragonflow.CacheRecord) {
			if rec.HashID == hashID {
				found = true
				return
			}
			line, _ := json.Marshal(rec)
			keep.Write(line)
			keep.WriteByte('\n')
		})
		if err != nil {
			return err
		}
		if !found {
			return errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		_, err = f.WriteAt(keep.Bytes(), 0)
		return err
	})
}

func (c *FileStorage) withLock(flag, how int, fn func(*os.File) error) error {
	f, err := os.OpenFile(c.filePath, flag, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		return fmt.Errorf("lock cache file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()
	return fn(f)
}

func scanRecords(f *os.File, fn func(dragonflow.CacheRecord)) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec dragonflow.CacheRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		fn(rec)
	}
	return scanner.Err()
}
