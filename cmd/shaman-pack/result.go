package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/yuya-takeyama/shaman-pack/pkg/transfer"
)

// TransferResult is written to --result-json-file.
type TransferResult struct {
	Status       string   `json:"status"`
	OutputPath   string   `json:"outputPath,omitempty"`
	MissingFiles []string `json:"missingFiles"`
	// NotTransferred lists local files that were still queued when the run ended.
	NotTransferred []string      `json:"notTransferred"`
	Error          string        `json:"error,omitempty"`
	Summary        ResultSummary `json:"summary"`
}

type ResultSummary struct {
	Uploaded      int   `json:"uploaded"`
	BytesUploaded int64 `json:"bytesUploaded"`
	Skipped       int   `json:"skipped"`
	Deferred      int   `json:"deferred"`
	Failed        int   `json:"failed"`
	Rounds        int   `json:"rounds"`
	DurationMs    int64 `json:"durationMs"`
}

func newTransferResult(status transfer.Status, out transfer.Outcome, remaining []transfer.FileRequest, d time.Duration) TransferResult {
	result := TransferResult{
		Status:         string(status),
		OutputPath:     out.OutputPath,
		MissingFiles:   []string{},
		NotTransferred: []string{},
		Summary: ResultSummary{
			Uploaded:      out.FilesUploaded,
			BytesUploaded: out.BytesUploaded,
			Skipped:       out.FilesSkipped,
			Deferred:      out.Deferred,
			Failed:        out.Failed,
			Rounds:        out.Rounds,
			DurationMs:    d.Milliseconds(),
		},
	}
	result.MissingFiles = append(result.MissingFiles, out.MissingFiles...)
	for _, req := range remaining {
		result.NotTransferred = append(result.NotTransferred, req.LocalPath)
	}
	if out.Err != nil {
		result.Error = out.Err.Error()
	}
	return result
}

func writeTransferResult(path string, result TransferResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
