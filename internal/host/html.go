package host

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Load replaces the children of head and body with the elements parsed from
// src and returns the document title. Loading records no changes.
func (d *DOM) Load(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("failed to parse document: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.head.Children = nil
	d.body.Children = nil
	for _, attr := range doc.Find("html").Nodes[0].Attr {
		d.root.Attributes[attr.Key] = attr.Val
	}
	doc.Find("head").Children().Each(func(_ int, s *goquery.Selection) {
		d.head.appendChild(convert(s))
	})
	doc.Find("body").Children().Each(func(_ int, s *goquery.Selection) {
		d.body.appendChild(convert(s))
	})
	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}

func convert(s *goquery.Selection) *Element {
	e := newElement(goquery.NodeName(s))
	for _, attr := range s.Nodes[0].Attr {
		e.Attributes[attr.Key] = attr.Val
		switch attr.Key {
		case "id":
			e.ID = attr.Val
		case "class":
			e.ClassName = attr.Val
		}
	}
	e.TextContent = s.Text()
	if html, err := s.Html(); err == nil {
		e.InnerHTML = html
	}
	s.Children().Each(func(_ int, c *goquery.Selection) {
		e.appendChild(convert(c))
	})
	return e
}
