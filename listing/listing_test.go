package listing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/wolfeidau/release-edge/provider"
)

type parsedRow struct {
	href  string
	cells []string
}

// parseRows walks the rendered table and returns its data rows.
func parseRows(t *testing.T, body string) (string, []parsedRow) {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(body))
	require.NoError(t, err)

	var title string
	var rows []parsedRow
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				title = text(n)
			case "tr":
				var row parsedRow
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.ElementNode && c.Data == "td" {
						row.cells = append(row.cells, text(c))
						if a := c.FirstChild; a != nil && a.Type == html.ElementNode && a.Data == "a" {
							for _, attr := range a.Attr {
								if attr.Key == "href" {
									row.href = attr.Val
								}
							}
						}
					}
				}
				if len(row.cells) > 0 {
					rows = append(rows, row)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, rows
}

func text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func TestRender(t *testing.T) {
	modified := time.Date(2024, 4, 24, 18, 5, 0, 0, time.UTC)
	dir := &provider.Directory{
		Subdirectories: []string{"docs/", "win x64/"},
		Files: []provider.FileEntry{
			{Name: "SHASUMS256.txt", Size: 4500, LastModified: modified},
			{Name: "node-v20.0.0.tar.gz", Size: 42_300_000, LastModified: modified},
		},
		LastModified: modified,
	}

	body, err := Render("/dist/v20.0.0/", dir)
	require.NoError(t, err)

	title, rows := parseRows(t, body)
	require.Equal(t, "Index of /dist/v20.0.0/", title)
	require.Len(t, rows, 5)

	require.Equal(t, "../", rows[0].href)

	require.Equal(t, "docs/", rows[1].href)
	require.Equal(t, "docs/"+strings.Repeat(" ", 45), rows[1].cells[0])
	require.Equal(t, strings.Repeat(" ", 15)+"-", rows[1].cells[1])
	require.Equal(t, strings.Repeat(" ", 18)+"-", rows[1].cells[2])

	require.Equal(t, "win%20x64/", rows[2].href)

	require.Equal(t, "/dist/v20.0.0/SHASUMS256.txt", rows[3].href)
	require.Equal(t, "24-Apr-2024 18:05", rows[3].cells[1])
	require.Equal(t, strings.Repeat(" ", 14)+"4.5 KB", rows[3].cells[2])

	require.Equal(t, "42 MB", strings.TrimSpace(rows[4].cells[2]))
	require.Len(t, rows[4].cells[2], 20)
}

func TestRender_TruncatesLongNames(t *testing.T) {
	long := strings.Repeat("a", 60)
	dir := &provider.Directory{
		Subdirectories: []string{long + "/"},
		Files:          []provider.FileEntry{{Name: long + ".txt", Size: 1}},
	}
	body, err := Render("/download/", dir)
	require.NoError(t, err)

	_, rows := parseRows(t, body)
	require.Len(t, rows, 3)
	require.Equal(t, strings.Repeat("a", 49)+">", rows[1].cells[0])
	require.Equal(t, strings.Repeat("a", 47)+"..>", rows[2].cells[0])
}

func TestRender_EscapesNames(t *testing.T) {
	dir := &provider.Directory{
		Files: []provider.FileEntry{{Name: "<script>.txt", Size: 1}},
	}
	body, err := Render("/download/", dir)
	require.NoError(t, err)
	require.NotContains(t, body, "<script>")
	require.Contains(t, body, "%3Cscript%3E.txt")
}

func TestEscapeComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"node-v22.1.0.tar.gz", "node-v22.1.0.tar.gz"},
		{"a b", "a%20b"},
		{"a+b", "a%2Bb"},
		{"x/y", "x%2Fy"},
		{"it's (v1)*!~.txt", "it's%20(v1)*!~.txt"},
		{"$&,;=:@#?", "%24%26%2C%3B%3D%3A%40%23%3F"},
		{"ü", "%C3%BC"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, escapeComponent(tt.in), tt.in)
	}
}

func TestRender_KeepsComponentSafeCharacters(t *testing.T) {
	dir := &provider.Directory{
		Files: []provider.FileEntry{{Name: "notes v1!*.txt", Size: 1}},
	}
	body, err := Render("/download/", dir)
	require.NoError(t, err)
	require.Contains(t, body, "href='/download/notes%20v1!*.txt'")
}

func TestReadableBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.0 KB"},
		{4500, "4.5 KB"},
		{12_345, "12 KB"},
		{1_500_000, "1.5 MB"},
		{2_000_000_000, "2.0 GB"},
		{3_100_000_000_000, "3.1 TB"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ReadableBytes(tt.in), "bytes=%d", tt.in)
	}
}
