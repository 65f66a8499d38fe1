package bootstrap

import (
	"compress/gzip"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/rohmanhakim/darc-crawler/pkg/hashutil"
)

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// SitemapDoc is one fetched sitemap document, named by the SHA-256 of its
// source URL so archive.Writer.WriteSitemap's output is stable across
// repeated bootstraps of the same host.
type SitemapDoc struct {
	Name string
	Raw  []byte
}

// fetchSitemap retrieves and parses one sitemap document, transparently
// decompressing gzip payloads (.xml.gz is the common case on real sites) and
// following sitemap-index nesting recursively. It returns every <loc> URL
// discovered plus the raw bytes of every document fetched along the way
// (including nested index members), so callers can persist each one.
func fetchSitemap(client *http.Client, sitemapURL string) ([]string, []SitemapDoc, error) {
	req, err := http.NewRequest(http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil, nil
	}

	reader := io.Reader(resp.Body)
	if strings.HasSuffix(sitemapURL, ".gz") || resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, err
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, 20*1024*1024))
	if err != nil {
		return nil, nil, err
	}

	name, err := hashutil.HashBytes([]byte(sitemapURL), hashutil.HashAlgoSHA256)
	if err != nil {
		return nil, nil, err
	}
	docs := []SitemapDoc{{Name: name, Raw: body}}

	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var locs []string
		for _, s := range index.Sitemaps {
			childLocs, childDocs, err := fetchSitemap(client, s.Loc)
			if err != nil {
				continue
			}
			locs = append(locs, childLocs...)
			docs = append(docs, childDocs...)
		}
		return locs, docs, nil
	}

	var set urlSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, docs, nil
	}
	locs := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if u.Loc != "" {
			locs = append(locs, u.Loc)
		}
	}
	return locs, docs, nil
}
