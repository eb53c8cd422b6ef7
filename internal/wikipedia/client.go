// Package wikipedia reads the list of Formula One circuits from Wikipedia.
package wikipedia

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/sells-group/circuit-geo/internal/fetcher"
	"github.com/sells-group/circuit-geo/internal/model"
)

// DefaultListURL is the English Wikipedia circuit list.
const DefaultListURL = "https://en.wikipedia.org/wiki/List_of_Formula_One_circuits"

// ErrParse is returned when the page has no usable circuit table.
var ErrParse = eris.New("wikipedia: no circuit table")

var (
	footnoteRe = regexp.MustCompile(`\[[^\]]*\]`)
	markerRe   = regexp.MustCompile(`[*†‡§¶]`)
	spacesRe   = regexp.MustCompile(`\s+`)
)

// Client defines the encyclopedia operations.
type Client interface {
	// ListCandidateNames returns the circuits listed on the page in page
	// order, deduplicated by name.
	ListCandidateNames(ctx context.Context) ([]model.Circuit, error)
}

// Option configures the Wikipedia client.
type Option func(*httpClient)

// WithListURL sets the list page URL (for testing).
func WithListURL(u string) Option {
	return func(c *httpClient) {
		c.listURL = u
	}
}

type httpClient struct {
	fetch   fetcher.Fetcher
	listURL string
	log     *zap.Logger
}

// NewClient creates a Wikipedia client.
func NewClient(f fetcher.Fetcher, opts ...Option) Client {
	c := &httpClient{
		fetch:   f,
		listURL: DefaultListURL,
		log:     zap.L().With(zap.String("component", "wikipedia")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListCandidateNames fetches and parses the list page.
func (c *httpClient) ListCandidateNames(ctx context.Context) ([]model.Circuit, error) {
	data, err := c.fetch.Get(ctx, c.listURL)
	if err != nil {
		return nil, eris.Wrap(err, "wikipedia: fetch circuit list")
	}

	circuits, err := ParseCircuitTable(data)
	if err != nil {
		return nil, err
	}
	c.log.Info("parsed circuit list", zap.Int("circuits", len(circuits)))
	return circuits, nil
}

// ParseCircuitTable extracts circuits from the first wikitable that has
// Circuit, Location and Country columns.
func ParseCircuitTable(page []byte) ([]model.Circuit, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, eris.Wrapf(ErrParse, "parse html: %v", err)
	}

	for _, table := range findTables(doc) {
		grid := expandTable(table)
		header, cols, ok := findHeader(grid)
		if !ok {
			continue
		}

		circuits := rowsToCircuits(grid[header+1:], cols)
		if len(circuits) == 0 {
			return nil, eris.Wrap(ErrParse, "circuit table has no rows")
		}
		return circuits, nil
	}
	return nil, ErrParse
}

type columns struct {
	circuit, location, country, grandsPrix int
}

func findTables(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table && hasClass(n, "wikitable") {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, f := range strings.Fields(a.Val) {
				if f == class {
					return true
				}
			}
		}
	}
	return false
}

// cell is one expanded table cell. Lines keeps <br>-separated text apart.
type cell struct {
	lines []string
}

func (c cell) text() string {
	return strings.Join(c.lines, " ")
}

// expandTable flattens a table into a grid, repeating cells that span
// several rows or columns.
func expandTable(table *html.Node) [][]cell {
	var rows []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Tr:
				rows = append(rows, c)
			case atom.Thead, atom.Tbody, atom.Tfoot:
				walk(c)
			}
		}
	}
	walk(table)

	type pending struct {
		c    cell
		left int
	}
	carry := map[int]*pending{}
	grid := make([][]cell, 0, len(rows))

	for _, tr := range rows {
		var row []cell
		col := 0
		fill := func() {
			for {
				p, ok := carry[col]
				if !ok || p.left == 0 {
					return
				}
				row = append(row, p.c)
				p.left--
				if p.left == 0 {
					delete(carry, col)
				}
				col++
			}
		}

		for td := tr.FirstChild; td != nil; td = td.NextSibling {
			if td.Type != html.ElementNode || (td.DataAtom != atom.Td && td.DataAtom != atom.Th) {
				continue
			}
			fill()
			c := cell{lines: cellLines(td)}
			colspan := spanAttr(td, "colspan")
			rowspan := spanAttr(td, "rowspan")
			for range colspan {
				row = append(row, c)
				if rowspan > 1 {
					carry[col] = &pending{c: c, left: rowspan - 1}
				}
				col++
			}
		}
		fill()
		grid = append(grid, row)
	}
	return grid
}

func spanAttr(n *html.Node, key string) int {
	for _, a := range n.Attr {
		if a.Key != key {
			continue
		}
		v := 0
		for _, r := range strings.TrimSpace(a.Val) {
			if r < '0' || r > '9' {
				break
			}
			v = v*10 + int(r-'0')
		}
		if v > 0 && v <= 1000 {
			return v
		}
	}
	return 1
}

// cellLines returns the cleaned text of a cell split at <br> and block
// boundaries. Footnote superscripts and hidden sort keys are dropped.
func cellLines(n *html.Node) []string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if s := CleanText(cur.String()); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Sup, atom.Style, atom.Script:
				return
			case atom.Br:
				flush()
				return
			case atom.Span:
				if hasClass(n, "sortkey") || hasStyle(n, "display:none") {
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Li || n.DataAtom == atom.P || n.DataAtom == atom.Div) {
			flush()
		}
	}
	walk(n)
	flush()
	return lines
}

func hasStyle(n *html.Node, decl string) bool {
	for _, a := range n.Attr {
		if a.Key == "style" && strings.Contains(strings.ReplaceAll(a.Val, " ", ""), decl) {
			return true
		}
	}
	return false
}

// CleanText removes footnote references and list markers and collapses
// whitespace.
func CleanText(s string) string {
	s = footnoteRe.ReplaceAllString(s, "")
	s = markerRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
}

func findHeader(grid [][]cell) (int, columns, bool) {
	for i, row := range grid {
		cols := columns{circuit: -1, location: -1, country: -1, grandsPrix: -1}
		for j, c := range row {
			switch name := strings.ToLower(c.text()); {
			case name == "circuit" && cols.circuit < 0:
				cols.circuit = j
			case name == "location" && cols.location < 0:
				cols.location = j
			case name == "country" && cols.country < 0:
				cols.country = j
			case strings.HasPrefix(name, "grands prix") && cols.grandsPrix < 0:
				cols.grandsPrix = j
			}
		}
		if cols.circuit >= 0 && cols.location >= 0 && cols.country >= 0 {
			return i, cols, true
		}
	}
	return 0, columns{}, false
}

func rowsToCircuits(rows [][]cell, cols columns) []model.Circuit {
	seen := make(map[string]bool, len(rows))
	out := make([]model.Circuit, 0, len(rows))

	at := func(row []cell, i int) cell {
		if i < 0 || i >= len(row) {
			return cell{}
		}
		return row[i]
	}

	for _, row := range rows {
		name := at(row, cols.circuit).text()
		if name == "" || strings.EqualFold(name, "circuit") || seen[name] {
			continue
		}
		seen[name] = true

		c := model.Circuit{
			Name:     name,
			Location: at(row, cols.location).text(),
			Country:  at(row, cols.country).text(),
		}
		for _, line := range at(row, cols.grandsPrix).lines {
			for _, gp := range strings.Split(line, ",") {
				if gp = strings.TrimSpace(gp); gp != "" {
					c.GrandsPrix = append(c.GrandsPrix, gp)
				}
			}
		}
		out = append(out, c)
	}
	return out
}
