package mailing

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "tr": true, "ul": true, "ol": true, "blockquote": true, "section": true,
	"article": true, "header": true, "footer": true, "hr": true, "pre": true, "center": true,
}

var skipTags = map[string]bool{"head": true, "script": true, "style": true, "title": true}

var (
	spaceRunRe   = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText derives a plain-text body: links become "text (url)", block
// tags become blank lines, list items become bullets, other tags are
// dropped and entities are decoded.
func HTMLToText(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return ""
	}
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var b strings.Builder
	root.Contents().Each(func(_ int, s *goquery.Selection) { writeText(&b, s) })
	return tidyText(b.String())
}

func writeText(b *strings.Builder, s *goquery.Selection) {
	n := s.Get(0)
	switch n.Type {
	case html.TextNode:
		b.WriteString(spaceRunRe.ReplaceAllString(strings.ReplaceAll(n.Data, "\n", " "), " "))
		return
	case html.ElementNode:
	default:
		return
	}

	tag := strings.ToLower(n.Data)
	switch {
	case skipTags[tag]:
		return
	case tag == "br":
		b.WriteString("\n")
		return
	case tag == "a":
		var inner strings.Builder
		s.Contents().Each(func(_ int, c *goquery.Selection) { writeText(&inner, c) })
		label := strings.TrimSpace(inner.String())
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		switch {
		case href == "" || strings.HasPrefix(href, "#") || href == label:
			b.WriteString(label)
		case label == "":
			b.WriteString(href)
		default:
			b.WriteString(label + " (" + href + ")")
		}
		return
	case tag == "li":
		b.WriteString("\n* ")
		s.Contents().Each(func(_ int, c *goquery.Selection) { writeText(b, c) })
		return
	case blockTags[tag]:
		b.WriteString("\n\n")
		s.Contents().Each(func(_ int, c *goquery.Selection) { writeText(b, c) })
		b.WriteString("\n\n")
		return
	}
	s.Contents().Each(func(_ int, c *goquery.Selection) { writeText(b, c) })
}

func tidyText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
