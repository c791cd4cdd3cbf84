// Package analyze derives item metadata from detail-page text: whether the
// alternate-language subtitle is present and the video resolution.
package analyze

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hazyhaar/flmw/internal/metastore"
)

// TextSource yields the rendered text (innerText) of the first element
// matching a CSS selector. A missing element is (_, false, nil).
type TextSource interface {
	Text(ctx context.Context, selector string) (string, bool, error)
}

// Extractor is one strategy for pulling descriptive text from a page.
type Extractor interface {
	Extract(ctx context.Context, src TextSource) (string, bool)
}

// Selector extracts the text content of the first element matching it.
type Selector string

func (s Selector) Extract(ctx context.Context, src TextSource) (string, bool) {
	text, ok, err := src.Text(ctx, string(s))
	if err != nil || !ok {
		return "", false
	}
	return text, true
}

// DefaultExtractors are tried in order: description block, quoted release
// notes, highlighted warnings.
var DefaultExtractors = []Extractor{
	Selector("#descr"),
	Selector(".quote"),
	Selector("font[color=red]"),
}

var (
	altSubtitleRe = regexp.MustCompile(`\b(romanian|rum|rom)\b`)
	resolutionRe  = regexp.MustCompile(`\d+x\d+|\d+\sx\s\d+|\d+\*+\d+(\spixels)?`)
	starRunRe     = regexp.MustCompile(`\*+`)
)

// Collect runs every extractor and joins the non-empty, lower-cased results
// with commas.
func Collect(ctx context.Context, src TextSource, extractors []Extractor) string {
	var parts []string
	for _, e := range extractors {
		text, ok := e.Extract(ctx, src)
		if !ok || text == "" {
			continue
		}
		parts = append(parts, strings.ToLower(text))
	}
	return strings.Join(parts, ",")
}

// HasAltSubtitle reports whether text mentions the alternate subtitle as a
// whole word. text is expected lower-cased.
func HasAltSubtitle(text string) bool {
	return altSubtitleRe.MatchString(text)
}

// Resolution returns the first resolution in text, normalized to
// WIDTHxHEIGHT.
func Resolution(text string) (string, bool) {
	m := resolutionRe.FindString(text)
	if m == "" {
		return "", false
	}
	m = strings.Join(strings.Fields(m), "")
	m = starRunRe.ReplaceAllString(m, "x")
	m = strings.Replace(m, "pixels", "", 1)
	return m, true
}

// Analyze builds the record for id from src. It returns false when no
// descriptive text was found.
func Analyze(ctx context.Context, id int64, src TextSource) (metastore.Record, bool) {
	text := Collect(ctx, src, DefaultExtractors)
	if text == "" {
		return metastore.Record{}, false
	}
	rec := metastore.Record{ID: id, AltSubtitle: HasAltSubtitle(text)}
	if res, ok := Resolution(text); ok {
		rec.Resolution = res
	}
	return rec, true
}

// DocumentSource is a TextSource over a parsed HTML document.
type DocumentSource struct {
	doc *goquery.Document
}

// NewDocumentSource parses an HTML document.
func NewDocumentSource(document string) (*DocumentSource, error) {
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("analyze: parse html: %w", err)
	}
	return &DocumentSource{doc: goquery.NewDocumentFromNode(root)}, nil
}

// Text returns the rendered text of the first match: like innerText, line
// breaks and block boundaries become newlines so adjacent lines never fuse.
func (d *DocumentSource) Text(_ context.Context, selector string) (string, bool, error) {
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false, nil
	}
	var b strings.Builder
	for _, n := range sel.Nodes {
		renderText(&b, n)
	}
	return strings.TrimSpace(b.String()), true, nil
}

// blockTags end a line when rendered.
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "table": true,
	"ul": true, "ol": true, "pre": true, "blockquote": true, "section": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

func renderText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "br":
			b.WriteByte('\n')
			return
		case "script", "style":
			return
		}
	}
	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(b, c)
	}
	if block {
		b.WriteByte('\n')
	}
}
