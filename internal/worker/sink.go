package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"leadflow/internal/domain"
)

// ResultSink stores the final batch of a completed item and returns the
// handle recorded on the queue item and its history row.
type ResultSink interface {
	Store(ctx context.Context, item domain.QueueItem, records []domain.Record) (string, error)
}

// HandleSink keeps nothing and only mints handles.
type HandleSink struct{}

func (HandleSink) Store(context.Context, domain.QueueItem, []domain.Record) (string, error) {
	return newHandle(), nil
}

// DirSink writes each batch as <handle>.json under Dir.
type DirSink struct {
	Dir string
}

type batchFile struct {
	Handle  string          `json:"result_handle"`
	QueueID string          `json:"queue_id"`
	Query   string          `json:"query"`
	Records []domain.Record `json:"records"`
}

func (s DirSink) Store(_ context.Context, item domain.QueueItem, records []domain.Record) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}
	if records == nil {
		records = []domain.Record{}
	}
	handle := newHandle()
	body, err := json.MarshalIndent(batchFile{Handle: handle, QueueID: item.ID, Query: item.Query, Records: records}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}

	path := filepath.Join(s.Dir, handle+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	return handle, nil
}

func newHandle() string { return "res_" + uuid.NewString() }
