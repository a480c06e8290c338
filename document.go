package main

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// documentSummary describes the rendered page markup
type documentSummary struct {
	Title              string `json:"title"`
	HasMetaDescription bool   `json:"hasMetaDescription"`
	HasViewport        bool   `json:"hasViewport"`
	Scripts            int    `json:"scripts"`
	RenderBlocking     int    `json:"renderBlockingScripts"`
	Stylesheets        int    `json:"stylesheets"`
	Images             int    `json:"images"`
	ImagesWithoutAlt   int    `json:"imagesWithoutAlt"`
	LazyImages         int    `json:"lazyImages"`
}

// summarizeDocument parses the rendered HTML and counts the elements that
// typically drive page weight
func summarizeDocument(html string) (documentSummary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return documentSummary{}, fmt.Errorf("failed to parse html: %w", err)
	}

	summary := documentSummary{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Stylesheets: doc.Find(`link[rel="stylesheet"]`).Length(),
		Images:      doc.Find("img").Length(),
	}

	description, exists := doc.Find(`meta[name="description"]`).Attr("content")
	summary.HasMetaDescription = exists && strings.TrimSpace(description) != ""
	summary.HasViewport = doc.Find(`meta[name="viewport"]`).Length() > 0

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		summary.Scripts++

		_, async := s.Attr("async")
		_, deferred := s.Attr("defer")
		typ, _ := s.Attr("type")
		if !async && !deferred && typ != "module" && s.Closest("head").Length() > 0 {
			summary.RenderBlocking++
		}
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("alt"); !ok {
			summary.ImagesWithoutAlt++
		}
		if loading, _ := s.Attr("loading"); loading == "lazy" {
			summary.LazyImages++
		}
	})

	return summary, nil
}
