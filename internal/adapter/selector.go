package adapter

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/moisson/internal/record"
	"github.com/hazyhaar/moisson/internal/scrape"
)

// Selector extracts one record per match of the list selector, filling
// fields from sub-selectors. URL-carrying attributes (href, src) are
// resolved against the page URL so records always hold absolute links.
type Selector struct {
	cfg Config
}

// NewSelector builds a selector adapter from config.
func NewSelector(cfg Config) *Selector {
	return &Selector{cfg: cfg}
}

// Extract implements Adapter. Total: a page that fails to parse or matches
// nothing yields an empty slice.
func (a *Selector) Extract(page scrape.Page) []record.Raw {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(page.URL)

	var records []record.Raw
	doc.Find(a.cfg.List).Each(func(_ int, item *goquery.Selection) {
		raw := make(record.Raw, len(a.cfg.Fields))
		for field, sel := range a.cfg.Fields {
			raw[field] = extractField(item, sel, base)
		}
		records = append(records, raw)
	})
	return records
}

// extractField resolves one field selector against a list item.
func extractField(item *goquery.Selection, sel string, base *url.URL) string {
	css, attr := splitSelector(sel)

	target := item
	if css != "" {
		target = item.Find(css).First()
	}
	if target.Length() == 0 {
		return ""
	}

	if attr == "" {
		return strings.TrimSpace(target.Text())
	}

	v, ok := target.Attr(attr)
	if !ok {
		return ""
	}
	v = strings.TrimSpace(v)
	if base != nil && (attr == "href" || attr == "src") {
		if ref, err := url.Parse(v); err == nil {
			return base.ResolveReference(ref).String()
		}
	}
	return v
}

// splitSelector separates "css@attr" into its parts. A leading "@" means
// the attribute is read off the list element itself.
func splitSelector(sel string) (css, attr string) {
	if i := strings.LastIndex(sel, "@"); i >= 0 {
		return strings.TrimSpace(sel[:i]), strings.TrimSpace(sel[i+1:])
	}
	return strings.TrimSpace(sel), ""
}
