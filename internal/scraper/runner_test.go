package scraper

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseOutput(t *testing.T) {
	out := `
starting scrape of goszakup
PAGES_PROCESSED: 12
TENDERS_FOUND: 34
OUTPUT_FILE: /tmp/out/goszakup.jsonl
STATUS: ok
`
	res, err := ParseOutput(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.PagesProcessed != 12 || res.TendersFound != 34 {
		t.Fatalf("counts = %+v", res)
	}
	if res.OutputFile != "/tmp/out/goszakup.jsonl" {
		t.Fatalf("output file = %q", res.OutputFile)
	}
}

func TestParseOutputErrorStatusWins(t *testing.T) {
	out := `
PAGES_PROCESSED: 5
TENDERS_FOUND: 9
OUTPUT_FILE: /tmp/out/partial.jsonl
STATUS: error portal returned 503
`
	if _, err := ParseOutput(out); err == nil {
		t.Fatal("error status did not fail the parse")
	}
}

func TestParseOutputRequiresStatus(t *testing.T) {
	if _, err := ParseOutput("PAGES_PROCESSED: 3\n"); err == nil {
		t.Fatal("missing STATUS marker accepted")
	}
}

func TestParseOutputRequiresOutputFileWhenTendersFound(t *testing.T) {
	if _, err := ParseOutput("TENDERS_FOUND: 2\nSTATUS: ok\n"); err == nil {
		t.Fatal("tenders found without an output file accepted")
	}
	// Zero tenders without an output file is a legitimate empty run.
	res, err := ParseOutput("TENDERS_FOUND: 0\nSTATUS: ok\n")
	if err != nil {
		t.Fatalf("empty run rejected: %v", err)
	}
	if res.TendersFound != 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestReadRecordsSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	content := `{"external_id":"E1","title":"Road works","value":100000,"currency":"KZT"}
not json at all
{"external_id":"","title":"missing id"}
{"external_id":"E2","title":"Hospital supplies"}

`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	records, malformed, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if malformed != 2 {
		t.Fatalf("malformed = %d, want 2 (bad json plus invalid record)", malformed)
	}
	if records[0].ExternalID != "E1" || records[1].ExternalID != "E2" {
		t.Fatalf("records = %+v", records)
	}
}

func TestReadRecordsMissingFile(t *testing.T) {
	if _, _, err := ReadRecords(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Fatal("missing output file accepted")
	}
}
