// Package listing renders directory listings in the layout of the nginx
// autoindex pages the download site has always served.
package listing

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/release-edge/provider"
)

const (
	nameWidth     = 50
	modifiedWidth = 16
	sizeWidth     = 20

	// modifiedLayout is the closest match to nginx's autoindex timestamps.
	modifiedLayout = "02-Jan-2006 15:04"
)

//go:embed templates/directory.html
var templateFS embed.FS

var directoryTemplate = template.Must(template.ParseFS(templateFS, "templates/directory.html"))

// Row is one entry of the listing table.
type Row struct {
	Href         string
	Name         string
	Padding      string
	LastModified string
	Size         string
}

type page struct {
	Pathname string
	Rows     []Row
}

// Render returns the HTML listing for dir as served at pathname, which must be
// the escaped URL path the client requested.
func Render(pathname string, dir *provider.Directory) (string, error) {
	rows := make([]Row, 0, len(dir.Subdirectories)+len(dir.Files)+1)
	rows = append(rows, parentRow())
	for _, name := range dir.Subdirectories {
		rows = append(rows, subdirectoryRow(name))
	}
	for _, f := range dir.Files {
		rows = append(rows, fileRow(pathname, f))
	}

	var buf bytes.Buffer
	if err := directoryTemplate.Execute(&buf, page{Pathname: pathname, Rows: rows}); err != nil {
		return "", fmt.Errorf("rendering listing for %s: %w", pathname, err)
	}
	return buf.String(), nil
}

func parentRow() Row {
	return Row{
		Href:         "../",
		Name:         "../",
		Padding:      strings.Repeat(" ", nameWidth-len("../")),
		LastModified: placeholder(modifiedWidth),
		Size:         placeholder(sizeWidth - 1),
	}
}

func subdirectoryRow(name string) Row {
	name = strings.ToValidUTF8(name, "�")
	row := Row{
		Href:         escapeComponent(strings.TrimSuffix(name, "/")) + "/",
		LastModified: placeholder(modifiedWidth),
		Size:         placeholder(sizeWidth - 1),
	}
	row.Name, row.Padding = displayName(name, ">")
	return row
}

func fileRow(pathname string, f provider.FileEntry) Row {
	size := ReadableBytes(f.Size)
	row := Row{
		Href:         pathname + escapeComponent(f.Name),
		LastModified: f.LastModified.UTC().Format(modifiedLayout),
		Size:         strings.Repeat(" ", max(sizeWidth-len(size), 0)) + size,
	}
	row.Name, row.Padding = displayName(f.Name, "..>")
	return row
}

// displayName truncates name to nameWidth characters ending in marker, or
// returns the padding that right-fills it to nameWidth.
func displayName(name, marker string) (string, string) {
	runes := []rune(name)
	if len(runes) > nameWidth {
		return string(runes[:nameWidth-len(marker)]) + marker, ""
	}
	return name, strings.Repeat(" ", nameWidth-len(runes))
}

// ReadableBytes formats n with 1000-based units, e.g. "4.5 KB" or "812 B".
func ReadableBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.Replace(humanize.Bytes(uint64(n)), "kB", "KB", 1)
}

// placeholder is a "-" right-aligned in width columns.
func placeholder(width int) string {
	return strings.Repeat(" ", width-1) + "-"
}

// componentUnescaper undoes the QueryEscape output for characters a URI
// component leaves as they are.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// escapeComponent percent-encodes s for use as a single path segment. Only
// A-Z a-z 0-9 and -_.!~*'() are left unescaped.
func escapeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}
