package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CleanName trims a product name and removes any markup the search backend
// injects (hit highlighting, entities). Whitespace runs collapse to one space.
func CleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	if strings.ContainsAny(name, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(name))
		if err == nil {
			name = doc.Text()
		}
	}

	return strings.Join(strings.Fields(name), " ")
}
