package jobs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const maxLineBytes = 4 << 20

// Encode writes one JSON object per job per line.
func Encode(w io.Writer, jobs []ParseJob) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return fmt.Errorf("encode job %s: %w", job.JobKey, err)
		}
	}
	return nil
}

// Decode reads jobs written by Encode. Blank lines are skipped; any malformed
// line fails the whole decode.
func Decode(r io.Reader) ([]ParseJob, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var out []ParseJob
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var job ParseJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if job.JobKey == "" {
			return nil, fmt.Errorf("line %d: %w", line, ErrEmptyKey)
		}
		if job.State == 0 || job.Strategy == 0 {
			return nil, fmt.Errorf("line %d: missing state or strategy", line)
		}
		out = append(out, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return out, nil
}
