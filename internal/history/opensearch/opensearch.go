package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/itharness/internal/history"
)

// Sink indexes events into OpenSearch over its REST API. Every event gets a
// deterministic document id (run key, type, name), so re-publishing a run
// overwrites instead of duplicating. A trailing "-*" on the index is
// replaced with the event's UTC date ("itharness-*" -> "itharness-2025.01.31").
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) indexFor(e history.Event) string {
	if base, ok := strings.CutSuffix(s.index, "-*"); ok {
		return base + "-" + e.OccurredAt.UTC().Format("2006.01.02")
	}
	return s.index
}

func docID(e history.Event) string {
	return url.PathEscape(e.RunKey + ":" + string(e.Type) + ":" + e.Name)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.indexFor(e), docID(e))
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
