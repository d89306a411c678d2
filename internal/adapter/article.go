package adapter

import (
	"bytes"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/moisson/internal/record"
	"github.com/hazyhaar/moisson/internal/scrape"
)

// Article treats the whole page as a single record: title, markdown body,
// and the page URL. Useful for targets where each page IS the record
// (detail pages, articles) rather than a listing.
type Article struct {
	conv *converter.Converter
}

// NewArticle builds an article adapter.
func NewArticle() *Article {
	return &Article{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Extract implements Adapter. Returns one record, or none when the page
// has no usable text at all.
func (a *Article) Extract(page scrape.Page) []record.Raw {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	md, err := a.conv.ConvertString(string(page.HTML), converter.WithDomain(page.URL))
	if err != nil {
		md = ""
	}
	md = strings.TrimSpace(md)
	if md == "" && title == "" {
		return nil
	}

	return []record.Raw{{
		"url":   page.URL,
		"title": title,
		"body":  md,
	}}
}
