package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/metrics"
)

const maxQueryResponse = 32 << 20 // cap on catalogue response size

// ExpandQuery runs the catalogue query carried by an opensearchfile
// reference and returns one Resolved per hit. The remainder of the
// reference is the query URL; a scheme-less remainder is queried over
// https. Atom responses yield their enclosure links, GeoJSON/STAC
// responses their feature assets.
func (f *Fetcher) ExpandQuery(ctx context.Context, href string) ([]Resolved, error) {
	queryURL := strings.TrimPrefix(href, SchemeOpenSearch+"://")
	if !strings.HasPrefix(queryURL, "http://") && !strings.HasPrefix(queryURL, "https://") {
		queryURL = "https://" + queryURL
	}
	if _, err := url.Parse(queryURL); err != nil {
		return nil, fault.Wrap(fault.KindFetch, err, "invalid catalogue query %q", href)
	}

	opts := f.cfg.MatchRequest(queryURL, http.MethodGet)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindFetch, err, "invalid catalogue query %q", href)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient(opts).Do(req)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("opensearch", "error").Inc()
		return nil, fault.Wrap(fault.KindFetch, err, "catalogue query failed: %s", queryURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.FetchesTotal.WithLabelValues("opensearch", "error").Inc()
		return nil, fault.New(fault.KindFetch, "catalogue query failed: status %d from %s", resp.StatusCode, queryURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQueryResponse))
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("opensearch", "error").Inc()
		return nil, fault.Wrap(fault.KindFetch, err, "catalogue response unreadable: %s", queryURL)
	}

	var hits []Resolved
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "json") || bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		hits, err = enclosuresFromFeatures(body)
	} else {
		hits, err = enclosuresFromAtom(body)
	}
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("opensearch", "error").Inc()
		return nil, fault.Wrap(fault.KindFetch, err, "malformed catalogue response from %s", queryURL)
	}
	metrics.FetchesTotal.WithLabelValues("opensearch", "ok").Inc()
	return hits, nil
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

type atomFeed struct {
	Entries []struct {
		Links []atomLink `xml:"link"`
	} `xml:"entry"`
}

func enclosuresFromAtom(body []byte) ([]Resolved, error) {
	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, err
	}
	var out []Resolved
	for _, entry := range feed.Entries {
		for _, l := range entry.Links {
			if l.Rel == "enclosure" && l.Href != "" {
				out = append(out, Resolved{Href: l.Href, MediaType: l.Type})
			}
		}
	}
	return out, nil
}

type featureLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type"`
}

type featureDoc struct {
	Features []struct {
		Assets map[string]struct {
			Href string `json:"href"`
			Type string `json:"type"`
		} `json:"assets"`
		Properties struct {
			Links []featureLink `json:"links"`
		} `json:"properties"`
	} `json:"features"`
}

// enclosuresFromFeatures reads GeoJSON/STAC hits: enclosure links win, then
// the feature's assets in key order.
func enclosuresFromFeatures(body []byte) ([]Resolved, error) {
	var doc featureDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	var out []Resolved
	for _, feat := range doc.Features {
		found := false
		for _, l := range feat.Properties.Links {
			if l.Rel == "enclosure" && l.Href != "" {
				out = append(out, Resolved{Href: l.Href, MediaType: l.Type})
				found = true
			}
		}
		if found {
			continue
		}
		keys := make([]string, 0, len(feat.Assets))
		for k := range feat.Assets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if a := feat.Assets[k]; a.Href != "" {
				out = append(out, Resolved{Href: a.Href, MediaType: a.Type})
			}
		}
	}
	return out, nil
}
