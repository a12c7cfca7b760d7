package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// Record kinds written by FileSink.
const (
	KindNodeRun     = "node_run"
	KindLineResult  = "line_result"
	KindAggregation = "aggregation"
)

// FileRecord is one line of a FileSink file.
type FileRecord struct {
	Kind        string                        `json:"kind"`
	NodeRun     *dragonflow.NodeRunInfo       `json:"node_run,omitempty"`
	LineResult  *dragonflow.LineResult        `json:"line_result,omitempty"`
	Aggregation *dragonflow.AggregationResult `json:"aggregation,omitempty"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

// FileSink appends JSON lines under dir/<flow run id>/. Every row gets its
// own file so workers in separate processes never write the same file.
type FileSink struct {
	dir string
	log *logging.Logger
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string, log *logging.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dragonflow.NewStorageError("create_dir", err)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &FileSink{dir: dir, log: log.WithComponent("file-sink")}, nil
}

// LinePath is the file holding a row's node runs and line result.
func (s *FileSink) LinePath(flowRunID string, index int) string {
	return filepath.Join(s.runDir(flowRunID), fmt.Sprintf("line_%06d.jsonl", index))
}

// AggregationPath is the file holding a flow run's aggregation result.
func (s *FileSink) AggregationPath(flowRunID string) string {
	return filepath.Join(s.runDir(flowRunID), "aggregation.jsonl")
}

func (s *FileSink) runDir(flowRunID string) string {
	return filepath.Join(s.dir, unsafeChars.ReplaceAllString(flowRunID, "_"))
}

// PersistNodeRun appends run to its row's file. Aggregation runs go to the
// aggregation file.
func (s *FileSink) PersistNodeRun(ctx context.Context, run *dragonflow.NodeRunInfo) error {
	path := s.LinePath(run.FlowRunID, run.Index)
	if run.RunID == dragonflow.AggregationRunID(run.FlowRunID, run.Node) {
		path = s.AggregationPath(run.FlowRunID)
	}
	return s.append(ctx, path, FileRecord{Kind: KindNodeRun, NodeRun: run})
}

// PersistLineResult appends line to its row's file.
func (s *FileSink) PersistLineResult(ctx context.Context, line *dragonflow.LineResult) error {
	return s.append(ctx, s.LinePath(line.RunID, line.Index), FileRecord{Kind: KindLineResult, LineResult: line})
}

// PersistAggregation appends result to the aggregation file.
func (s *FileSink) PersistAggregation(ctx context.Context, flowRunID string, result *dragonflow.AggregationResult) error {
	return s.append(ctx, s.AggregationPath(flowRunID), FileRecord{Kind: KindAggregation, Aggregation: result})
}

func (s *FileSink) append(ctx context.Context, path string, rec FileRecord) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return dragonflow.NewStorageError("encode_"+rec.Kind, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dragonflow.NewStorageError("create_dir", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return dragonflow.NewStorageError("open", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return dragonflow.NewStorageError("write_"+rec.Kind, err)
	}
	return nil
}

// ReadFile decodes every record of a FileSink file, skipping torn lines.
func (s *FileSink) ReadFile(path string) ([]FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("run file not found: "+path, err))
		}
		return nil, dragonflow.NewStorageError("open", err)
	}
	defer f.Close()

	var out []FileRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec FileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.log.Warn("Skipping undecodable run record", logging.Fields("path", path, logging.FieldError, err))
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, dragonflow.NewStorageError("read", err)
	}
	return out, nil
}
