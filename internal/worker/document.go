package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeidalqadri/tenderflow-sub000/internal/artifact"
	"github.com/zeidalqadri/tenderflow-sub000/internal/gateway"
	"github.com/zeidalqadri/tenderflow-sub000/internal/queue"
)

// DocumentHandler extracts basic text statistics from an attached
// document and archives it. Concurrency for this queue is CPU-bounded by
// policy.
type DocumentHandler struct {
	uploader artifact.Uploader
	hub      *gateway.Hub
}

func NewDocumentHandler(uploader artifact.Uploader, hub *gateway.Hub) *DocumentHandler {
	return &DocumentHandler{uploader: uploader, hub: hub}
}

func (h *DocumentHandler) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	payload, ok := job.Payload.(queue.DocumentPayload)
	if !ok {
		return Permanent(fmt.Errorf("document job %s carries %T payload", job.ID, job.Payload))
	}
	info, err := os.Stat(payload.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Permanent(fmt.Errorf("document %s: source file missing", payload.DocumentID))
		}
		return fmt.Errorf("stat document %s: %w", payload.DocumentID, err)
	}
	progress(25)

	words, lines, err := countText(payload.SourcePath)
	if err != nil {
		return fmt.Errorf("scan document %s: %w", payload.DocumentID, err)
	}
	progress(60)

	uri := ""
	if h.uploader != nil {
		object := fmt.Sprintf("%s/documents/%s%s", payload.TenantID, payload.DocumentID, filepath.Ext(payload.SourcePath))
		if uploaded, upErr := h.uploader.Upload(ctx, payload.SourcePath, object); upErr == nil {
			uri = uploaded
		} else {
			return fmt.Errorf("archive document %s: %w", payload.DocumentID, upErr)
		}
	}
	progress(90)

	if h.hub != nil && payload.TenderID != "" {
		h.hub.Publish(gateway.EntityTopic(payload.TenderID), gateway.Event{
			Name: "tender:update",
			Payload: map[string]interface{}{
				"action":       "document_processed",
				"tender_id":    payload.TenderID,
				"document_id":  payload.DocumentID,
				"size_bytes":   info.Size(),
				"word_count":   words,
				"line_count":   lines,
				"artifact_uri": uri,
			},
		})
	}
	progress(100)
	return nil
}

func countText(path string) (words, lines int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines++
		words += len(strings.Fields(sc.Text()))
	}
	return words, lines, sc.Err()
}
