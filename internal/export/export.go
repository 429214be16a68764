// Package export flattens a compiled category into roster text.
package export

import (
	"bufio"
	"errors"
	"io"
	"mime"
	"strings"
	"unicode"

	"canvasgroups.org/internal/groups"
)

const (
	// ContentType is sent with every export.
	ContentType = "text/csv; charset=utf-8"

	bom = "\uFEFF"
)

// ErrNoCategory is returned for a result without any category.
var ErrNoCategory = errors.New("export: result has no category")

// CSV writes one row per (group, member) of the first category in res:
// a BOM, a header, and every field quoted with ';' between fields.
func CSV(w io.Writer, res *groups.AggregateResult) error {
	cat, err := first(res)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(bom)
	writeRow(bw, ';', "Group", "Name", "Email")
	for _, g := range cat.Groups {
		for _, m := range g.Members {
			writeRow(bw, ';', g.Name, m.SortableName, m.Email)
		}
	}
	return bw.Flush()
}

// ZoomCSV writes the breakout room pre-assignment layout Zoom imports:
// comma separated, room name then email, members without an email skipped.
func ZoomCSV(w io.Writer, res *groups.AggregateResult) error {
	cat, err := first(res)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	bw.WriteString("Pre-assign Room Name,Email Address\n")
	for _, g := range cat.Groups {
		for _, m := range g.Members {
			if m.Email == "" {
				continue
			}
			writeRow(bw, ',', g.Name, m.Email)
		}
	}
	return bw.Flush()
}

func first(res *groups.AggregateResult) (groups.Category, error) {
	if res == nil || len(res.Categories) == 0 {
		return groups.Category{}, ErrNoCategory
	}
	return res.Categories[0], nil
}

func writeRow(w *bufio.Writer, sep byte, fields ...string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(sep)
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
	w.WriteByte('\n')
}

// Filename keeps only letters, digits and spaces of label and trims
// leftover separators from the end. An empty result becomes "export".
func Filename(label string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			return r
		}
		return -1
	}, label)
	name = strings.TrimRight(name, " ")
	name = strings.TrimLeft(name, " ")
	if name == "" {
		return "export"
	}
	return name
}

// Disposition is the Content-Disposition value offering label as a
// download named <Filename(label)>.csv.
func Disposition(label string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": Filename(label) + ".csv"})
}
