// Package archive persists crawl artifacts to the on-disk layout described
// in SPEC_FULL.md §6, the Go rendition of darc's submit.py disk sink. It
// generalizes the teacher's internal/storage.LocalSink (stable directory
// layout, idempotent overwrite-safe writes) from a single Markdown file per
// page to the full proxy/scheme/host tree plus misc sink files and a
// running link.csv index.
package archive

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rohmanhakim/darc-crawler/internal/link"
	"github.com/rohmanhakim/darc-crawler/pkg/fileutil"
)

// Writer persists artifacts under a single data root, serializing access to
// the shared link.csv index (every other write target is a unique,
// timestamp-qualified path, so no further locking is required per the
// concurrency model's "each worker writes to unique paths" guarantee).
type Writer struct {
	dataRoot string

	csvMu   sync.Mutex
	csvPath string
}

func NewWriter(dataRoot string) *Writer {
	return &Writer{
		dataRoot: dataRoot,
		csvPath:  filepath.Join(dataRoot, "link.csv"),
	}
}

// timestamp formats t the way every archived filename embeds it: an
// ISO-8601 basic-format stamp with no path-hostile characters.
func timestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// WriteHeaders persists the JSON headers record for a fetch/render event.
func (w *Writer) WriteHeaders(l link.Link, ts time.Time, data []byte) (string, error) {
	return w.writeArtifact(l.Base(), fmt.Sprintf("%s_%s.json", l.Name(), timestamp(ts)), data)
}

// WriteRawHTML persists the unmodified response body for an HTML fetch.
func (w *Writer) WriteRawHTML(l link.Link, ts time.Time, data []byte) (string, error) {
	return w.writeArtifact(l.Base(), fmt.Sprintf("%s_%s_raw.html", l.Name(), timestamp(ts)), data)
}

// WriteRenderedHTML persists a headless-browser rendering's page source.
func (w *Writer) WriteRenderedHTML(l link.Link, ts time.Time, data []byte) (string, error) {
	return w.writeArtifact(l.Base(), fmt.Sprintf("%s_%s.html", l.Name(), timestamp(ts)), data)
}

// WriteDat persists a non-HTML body that passed the MIME allow rules.
func (w *Writer) WriteDat(l link.Link, ts time.Time, data []byte) (string, error) {
	return w.writeArtifact(l.Base(), fmt.Sprintf("%s_%s.dat", l.Name(), timestamp(ts)), data)
}

// WriteScreenshot persists a render worker's page screenshot.
func (w *Writer) WriteScreenshot(l link.Link, ts time.Time, data []byte) (string, error) {
	return w.writeArtifact(l.Base(), fmt.Sprintf("%s_%s.png", l.Name(), timestamp(ts)), data)
}

// WriteRobots persists a host's robots.txt as fetched during bootstrap.
func (w *Writer) WriteRobots(base string, data []byte) (string, error) {
	return w.writeArtifact(base, "robots.txt", data)
}

// WriteHostsTxt persists an I2P host's hosts.txt.
func (w *Writer) WriteHostsTxt(base string, data []byte) (string, error) {
	return w.writeArtifact(base, "hosts.txt", data)
}

// WriteSitemap persists one sitemap document, named by the SHA-256 of its
// source URL so repeated bootstraps of the same host overwrite in place.
func (w *Writer) WriteSitemap(base string, sha256Name string, data []byte) (string, error) {
	return w.writeArtifact(base, fmt.Sprintf("sitemap_%s.xml", sha256Name), data)
}

func (w *Writer) writeArtifact(base string, filename string, data []byte) (string, error) {
	if err := fileutil.EnsureDir(base); err != nil {
		return "", err
	}
	fullPath := filepath.Join(base, filename)
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", fullPath, err)
	}
	return fullPath, nil
}

// miscCategory maps a Link's proxy kind to the §6 misc/*.txt sink file that
// records sentinel-scheme URLs which never produce a fetch/render artifact.
var miscCategory = map[link.Proxy]string{
	link.ProxyNull:     "invalid",
	link.ProxyBitcoin:  "bitcoin",
	link.ProxyEthereum: "ethereum",
	link.ProxyEd2k:     "ed2k",
	link.ProxyMagnet:   "magnet",
	link.ProxyMail:     "mail",
	link.ProxyTel:      "tel",
	link.ProxyIRC:      "irc",
	link.ProxyScript:   "script",
	link.ProxyWS:       "ws",
	link.ProxyWSS:      "ws",
}

// AppendMisc appends l's URL to its sentinel-scheme sink file
// (misc/<category>.txt), one URL per line. It is safe for concurrent use.
func (w *Writer) AppendMisc(l link.Link) error {
	category, ok := miscCategory[l.Proxy()]
	if !ok {
		category = "invalid"
	}
	dir := filepath.Join(w.dataRoot, "misc")
	if err := fileutil.EnsureDir(dir); err != nil {
		return err
	}
	return appendLine(filepath.Join(dir, category+".txt"), l.URL())
}

// AppendLinkCSV appends one row to the data root's link.csv index:
// <proxy> <scheme> <host> <sha256> <url>.
func (w *Writer) AppendLinkCSV(l link.Link) error {
	w.csvMu.Lock()
	defer w.csvMu.Unlock()

	if err := fileutil.EnsureDir(w.dataRoot); err != nil {
		return err
	}
	f, err := os.OpenFile(w.csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("archive: open link.csv: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()
	return writer.Write([]string{string(l.Proxy()), l.Scheme(), l.Host(), l.Name(), l.URL()})
}

func appendLine(path string, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

// WritePID writes the supervisor's main PID to darc.pid under the data
// root, kept for operational parity with the reference design so an
// external `kill -TERM $(cat darc.pid)` still works even though workers are
// goroutines rather than OS processes.
func WritePID(dataRoot string, pid int) error {
	if err := fileutil.EnsureDir(dataRoot); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataRoot, "darc.pid"), []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// RemovePID deletes darc.pid, ignoring a missing file.
func RemovePID(dataRoot string) error {
	err := os.Remove(filepath.Join(dataRoot, "darc.pid"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CachedRawHTML reads back a prior raw-HTML artifact for l if one exists
// within cacheWindow of now, satisfying the cache-hit scenario (§8 S4): a
// worker replays link extraction from disk without any network request.
func (w *Writer) CachedRawHTML(l link.Link, now time.Time, cacheWindow time.Duration) ([]byte, bool) {
	return w.cachedArtifact(l.Base(), fmt.Sprintf("%s_*_raw.html", l.Name()), now, cacheWindow)
}

// CachedRenderedHTML is the render-worker analogue of CachedRawHTML.
func (w *Writer) CachedRenderedHTML(l link.Link, now time.Time, cacheWindow time.Duration) ([]byte, bool) {
	return w.cachedArtifact(l.Base(), fmt.Sprintf("%s_*Z.html", l.Name()), now, cacheWindow)
}

func (w *Writer) cachedArtifact(base string, pattern string, now time.Time, cacheWindow time.Duration) ([]byte, bool) {
	matches, err := filepath.Glob(filepath.Join(base, pattern))
	if err != nil || len(matches) == 0 {
		return nil, false
	}
	// Filenames embed their timestamp; the lexicographically greatest match
	// is the most recent one since the stamp format is zero-padded and
	// monotonic.
	latest := matches[0]
	for _, m := range matches[1:] {
		if m > latest {
			latest = m
		}
	}
	info, err := os.Stat(latest)
	if err != nil {
		return nil, false
	}
	if now.Sub(info.ModTime()) > cacheWindow {
		return nil, false
	}
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, false
	}
	return data, true
}
