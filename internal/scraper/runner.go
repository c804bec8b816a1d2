// Package scraper invokes the external scraping subprocess and parses its
// structured output. The subprocess prints marker lines on stdout
// (PAGES_PROCESSED, TENDERS_FOUND, OUTPUT_FILE, STATUS) and writes the
// scraped records to a JSON-lines file.
package scraper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var ErrTimeout = errors.New("scraper run exceeded wall-clock timeout")

type Request struct {
	Portal   string
	MaxPages int
	OutDir   string
}

type Result struct {
	PagesProcessed int
	TendersFound   int
	OutputFile     string
}

// Record is one scraped tender as emitted by the subprocess.
type Record struct {
	ExternalID  string  `json:"external_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Value       float64 `json:"value"`
	Currency    string  `json:"currency"`
	Deadline    string  `json:"deadline"`
}

func (r Record) Valid() bool {
	return strings.TrimSpace(r.ExternalID) != "" && strings.TrimSpace(r.Title) != ""
}

type Runner struct {
	command string
	args    []string
	timeout time.Duration
}

func NewRunner(command string, args []string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Runner{command: command, args: args, timeout: timeout}
}

// Run launches the scraper under a hard wall-clock timeout. A hang becomes
// a plain error so the owning job fails (and retries if attempts remain).
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string{}, r.args...),
		"--portal", req.Portal,
		"--max-pages", strconv.Itoa(req.MaxPages),
		"--out-dir", req.OutDir,
	)
	cmd := exec.CommandContext(runCtx, r.command, args...)
	out, err := cmd.Output()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, ErrTimeout
	}
	if err != nil {
		return Result{}, fmt.Errorf("scraper subprocess: %w", err)
	}
	return ParseOutput(string(out))
}

// ParseOutput scans stdout for the marker lines. A STATUS: error line wins
// over any counts that precede it.
func ParseOutput(out string) (Result, error) {
	var res Result
	statusSeen := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "PAGES_PROCESSED:"):
			res.PagesProcessed = parseMarkerInt(line)
		case strings.HasPrefix(line, "TENDERS_FOUND:"):
			res.TendersFound = parseMarkerInt(line)
		case strings.HasPrefix(line, "OUTPUT_FILE:"):
			res.OutputFile = strings.TrimSpace(strings.TrimPrefix(line, "OUTPUT_FILE:"))
		case strings.HasPrefix(line, "STATUS:"):
			statusSeen = true
			status := strings.TrimSpace(strings.TrimPrefix(line, "STATUS:"))
			if status != "ok" && !strings.HasPrefix(status, "ok ") {
				return Result{}, fmt.Errorf("scraper reported failure: %s", status)
			}
		}
	}
	if !statusSeen {
		return Result{}, errors.New("scraper output missing STATUS marker")
	}
	if res.OutputFile == "" && res.TendersFound > 0 {
		return Result{}, errors.New("scraper output missing OUTPUT_FILE marker")
	}
	return res, nil
}

func parseMarkerInt(line string) int {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ReadRecords decodes the JSON-lines output file. Malformed lines are
// counted and skipped, never fatal: one bad record must not abort a batch.
func ReadRecords(path string) (records []Record, malformed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open scraper output: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || !rec.Valid() {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("read scraper output: %w", err)
	}
	return records, malformed, nil
}
