package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/mcphub/internal/history"
	"github.com/loykin/mcphub/internal/history/opensearch"
)

func TestNewSinkFromDSN_OpenSearch(t *testing.T) {
	cases := map[string]string{
		"opensearch://localhost:9200/events": "http://localhost:9200/events/_doc",
		"https://admin:pw@search.local/idx":  "https://search.local/idx/_doc",
		"elasticsearch://es:9200":            "http://es:9200/" + opensearch.DefaultIndex + "/_doc",
	}
	for dsn, want := range cases {
		s, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		sink, ok := s.(*opensearch.Sink)
		if !ok {
			t.Fatalf("%s: got %T", dsn, s)
		}
		if got := sink.URL(); got != want {
			t.Fatalf("%s: url = %s, want %s", dsn, got, want)
		}
	}
}

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	for _, dsn := range []string{"sqlite://" + path, path} {
		s, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		sq, ok := s.(*history.SQLSink)
		if !ok {
			t.Fatalf("%s: got %T", dsn, s)
		}
		_ = sq.Close()
	}
}

func TestNewSinkFromDSN_Errors(t *testing.T) {
	for _, dsn := range []string{"", "   ", "kafka://broker:9092"} {
		if _, err := NewSinkFromDSN(dsn); err == nil {
			t.Fatalf("expected error for %q", dsn)
		}
	}
}
