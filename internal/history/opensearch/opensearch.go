package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/mcphub/internal/history"
)

const DefaultIndex = "mcphub-history"

// Sink indexes events into OpenSearch (or Elasticsearch) over HTTP.
// Documents are POSTed to baseURL + "/" + index + "/_doc".
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	username string
	password string
}

type Option func(*Sink)

// WithBasicAuth sets credentials sent with every request.
func WithBasicAuth(user, pass string) Option {
	return func(s *Sink) { s.username, s.password = user, pass }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

func New(baseURL, index string, opts ...Option) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) URL() string { return fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index) }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
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
