package logging

import (
	"fmt"
	"io"
	"time"
)

// Summary is what a finished transfer run reports to the user.
type Summary struct {
	FilesUploaded int
	BytesUploaded int64
	FilesSkipped  int
	Deferred      int
	Failed        int
	OutputPath    string
	Status        string
	Err           error
	Duration      time.Duration
}

// PrintSummary prints a summary of the transfer run. In quiet mode only
// failed runs are printed.
func PrintSummary(w io.Writer, s Summary, quiet bool) {
	if quiet && s.Err == nil {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "Status: %s\n", s.Status)
	fmt.Fprintf(w, "Uploaded: %d files (%s)\n", s.FilesUploaded, FormatBytes(s.BytesUploaded))
	fmt.Fprintf(w, "Already stored: %d files\n", s.FilesSkipped)
	if s.Deferred > 0 {
		fmt.Fprintf(w, "Deferred: %d\n", s.Deferred)
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "Failed attempts: %d\n", s.Failed)
	}
	if s.OutputPath != "" {
		fmt.Fprintf(w, "Output: %s\n", s.OutputPath)
	}
	if s.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", s.Err)
	}
	fmt.Fprintf(w, "Duration: %s\n", s.Duration.Round(time.Millisecond))
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
