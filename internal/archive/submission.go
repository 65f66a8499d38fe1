package archive

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rohmanhakim/darc-crawler/pkg/hashutil"
)

// NewHostSubmission is the §6 "new_host" submission record, emitted once per
// host bootstrap.
type NewHostSubmission struct {
	Partial   bool              `json:"partial"`
	Force     bool              `json:"force"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	URL       string            `json:"url"`
	Robots    string            `json:"robots,omitempty"`   // base64
	Sitemaps  []string          `json:"sitemaps,omitempty"` // base64, one per document
	Hosts     string            `json:"hosts,omitempty"`    // base64, i2p only
}

// DocumentRef is the base64-encoded body plus its on-disk path, embedded in
// the requests/selenium submission records.
type DocumentRef struct {
	Path string `json:"path,omitempty"`
	Data string `json:"data,omitempty"` // base64
}

func NewDocumentRef(path string, body []byte) DocumentRef {
	return DocumentRef{Path: path, Data: base64.StdEncoding.EncodeToString(body)}
}

// HistoryEntry records one hop of a redirect chain.
type HistoryEntry struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
}

// RequestsSubmission is the §6 "requests" submission record.
type RequestsSubmission struct {
	Timestamp   time.Time         `json:"timestamp"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	StatusCode  int               `json:"status_code"`
	Reason      string            `json:"reason,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	Session     string            `json:"session,omitempty"`
	Request     map[string]string `json:"request,omitempty"`
	Response    map[string]string `json:"response,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Document    DocumentRef       `json:"document"`
	History     []HistoryEntry    `json:"history,omitempty"`
}

// SeleniumSubmission is the §6 "selenium" submission record.
type SeleniumSubmission struct {
	Timestamp  time.Time   `json:"timestamp"`
	URL        string      `json:"url"`
	Document   DocumentRef `json:"document"`
	Screenshot *DocumentRef `json:"screenshot,omitempty"`
}

// Submitter writes submission records to disk under api/<date>/<proxy>/<host>/
// and, when the corresponding endpoint is configured, POSTs the same JSON
// payload to it.
type Submitter struct {
	dataRoot         string
	httpClient       *http.Client
	newHostEndpoint  string
	requestsEndpoint string
	seleniumEndpoint string
}

func NewSubmitter(dataRoot string, httpClient *http.Client, newHostEndpoint, requestsEndpoint, seleniumEndpoint string) *Submitter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Submitter{
		dataRoot:         dataRoot,
		httpClient:       httpClient,
		newHostEndpoint:  newHostEndpoint,
		requestsEndpoint: requestsEndpoint,
		seleniumEndpoint: seleniumEndpoint,
	}
}

// SubmitNewHost persists and optionally POSTs a new_host record.
func (s *Submitter) SubmitNewHost(ctx context.Context, proxy, host string, rec NewHostSubmission) error {
	return s.submit(ctx, proxy, host, rec.Timestamp, rec, s.newHostEndpoint)
}

// SubmitRequests persists and optionally POSTs a requests record.
func (s *Submitter) SubmitRequests(ctx context.Context, proxy, host string, rec RequestsSubmission) error {
	return s.submit(ctx, proxy, host, rec.Timestamp, rec, s.requestsEndpoint)
}

// SubmitSelenium persists and optionally POSTs a selenium record.
func (s *Submitter) SubmitSelenium(ctx context.Context, proxy, host string, rec SeleniumSubmission) error {
	return s.submit(ctx, proxy, host, rec.Timestamp, rec, s.seleniumEndpoint)
}

func (s *Submitter) submit(ctx context.Context, proxy, host string, ts time.Time, rec any, endpoint string) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal submission: %w", err)
	}

	dir := filepath.Join(s.dataRoot, "api", ts.UTC().Format("2006-01-02"), proxy, host)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("archive: create submission dir: %w", err)
	}
	sum, err := hashutil.HashBytes(body, hashutil.HashAlgoSHA256)
	if err != nil {
		return fmt.Errorf("archive: hash submission: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", sum, timestamp(ts))
	if err := os.WriteFile(filepath.Join(dir, name), body, 0644); err != nil {
		return fmt.Errorf("archive: write submission: %w", err)
	}

	if endpoint == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("archive: build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("archive: post submission: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
