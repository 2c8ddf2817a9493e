package htmlutil

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"walletwatch-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func CleanText(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	out := strings.Trim(newStr.String(), " \t\n")
	return innerWhitespace.ReplaceAllString(out, " ")
}

func selectionText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, node := range sel.Nodes {
		b.WriteString(GetText(node))
	}
	return b.String()
}

// LabelledCell finds a table/grid cell whose label cell matches one of
// the given matchers and returns the text of the cell next to it.
// billing portals render most of their data as <td>label</td><td>value</td>
// pairs, so this is the first extraction heuristic to try before falling
// back to whole-page regexes.
func LabelledCell(doc *goquery.Document, matchers []string) (string, bool) {
	var value string
	var found bool

	doc.Find("td, th, dt, label, span").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if !textutil.MatchName(selectionText(sel), matchers) {
			return true
		}
		next := sel.Next()
		if next.Length() == 0 {
			return true
		}
		text := CleanText(selectionText(next))
		if text == "" {
			return true
		}
		value = text
		found = true
		return false
	})

	return value, found
}
