package render

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-fonts/dejavu/dejavusans"
	"github.com/go-fonts/dejavu/dejavusansbold"
	"github.com/go-pdf/fpdf"
)

const (
	fontFamily = "DejaVu"
	bodySize   = 10
	lineHeight = 5.0 // mm
	margin     = 18.0
	labelWidth = 42.0
)

// document is an A4 sheet backed by fpdf. Text is set in an embedded
// DejaVu Sans, so symbols such as ≥, µ or ⁹ print as submitted.
type document struct {
	pdf *fpdf.Fpdf
}

func newDocument(title string, created time.Time) (*document, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddUTF8FontFromBytes(fontFamily, "", dejavusans.TTF)
	pdf.AddUTF8FontFromBytes(fontFamily, "B", dejavusansbold.TTF)
	pdf.SetTitle(title, true)
	pdf.SetCreator("lims-server", true)
	if !created.IsZero() {
		pdf.SetCreationDate(created)
		pdf.SetModificationDate(created)
	}
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-margin + 6)
		pdf.SetFont(fontFamily, "", 8)
		pdf.CellFormat(0, 4, fmt.Sprintf("%s, page %d", title, pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()
	pdf.SetFont(fontFamily, "", bodySize)
	if err := pdf.Error(); err != nil {
		return nil, err
	}
	return &document{pdf: pdf}, nil
}

func (d *document) Title(text string) {
	d.pdf.SetFont(fontFamily, "B", 16)
	d.pdf.MultiCell(0, 8, text, "", "L", false)
	d.pdf.Ln(2)
	d.pdf.SetFont(fontFamily, "", bodySize)
}

func (d *document) Field(label, value string) {
	d.pdf.SetFont(fontFamily, "B", bodySize)
	d.pdf.CellFormat(labelWidth, lineHeight, label, "", 0, "L", false, 0, "")
	d.pdf.SetFont(fontFamily, "", bodySize)
	d.pdf.MultiCell(0, lineHeight, value, "", "L", false)
}

func (d *document) Heading(text string) {
	d.pdf.SetFont(fontFamily, "B", 11)
	d.pdf.CellFormat(0, 7, text, "B", 1, "L", false, 0, "")
	d.pdf.Ln(1)
	d.pdf.SetFont(fontFamily, "", bodySize)
}

func (d *document) Text(text string, bold bool) {
	style := ""
	if bold {
		style = "B"
	}
	d.pdf.SetFont(fontFamily, style, bodySize)
	d.pdf.MultiCell(0, lineHeight, text, "", "L", false)
	d.pdf.SetFont(fontFamily, "", bodySize)
}

func (d *document) Gap() { d.pdf.Ln(lineHeight) }

// Table draws a bordered grid. Every cell wraps within its column and a
// row grows to its tallest cell; the header repeats after a page break.
func (d *document) Table(cols []column, rows [][]string) {
	pageW, _ := d.pdf.GetPageSize()
	printable := pageW - 2*margin

	widths := make([]float64, len(cols))
	titles := make([]string, len(cols))
	for i, c := range cols {
		widths[i] = c.Width * printable
		titles[i] = c.Title
	}

	d.row(widths, titles, true)
	for _, r := range rows {
		if d.wouldBreak(widths, r) {
			d.pdf.AddPage()
			d.row(widths, titles, true)
		}
		d.row(widths, r, false)
	}
}

func (d *document) rowHeight(widths []float64, cells []string) float64 {
	lines := 1
	for i, w := range widths {
		if i < len(cells) {
			if n := len(d.wrap(cells[i], w)); n > lines {
				lines = n
			}
		}
	}
	return float64(lines) * lineHeight
}

func (d *document) wouldBreak(widths []float64, cells []string) bool {
	_, pageH := d.pdf.GetPageSize()
	return d.pdf.GetY()+d.rowHeight(widths, cells) > pageH-margin
}

func (d *document) row(widths []float64, cells []string, header bool) {
	style := ""
	if header {
		style = "B"
		d.pdf.SetFillColor(235, 235, 235)
	}
	d.pdf.SetFont(fontFamily, style, bodySize)

	h := d.rowHeight(widths, cells)
	x, y := d.pdf.GetXY()
	for i, w := range widths {
		text := ""
		if i < len(cells) {
			text = cells[i]
		}
		if header {
			d.pdf.Rect(x, y, w, h, "FD")
		} else {
			d.pdf.Rect(x, y, w, h, "D")
		}
		d.pdf.SetXY(x, y)
		d.pdf.MultiCell(w, lineHeight, text, "", "L", false)
		x += w
	}
	d.pdf.SetXY(margin, y+h)
	d.pdf.SetFont(fontFamily, "", bodySize)
}

// wrap splits text into the lines fpdf will print in a cell of width w.
func (d *document) wrap(text string, w float64) []string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		lines := d.pdf.SplitText(para, w)
		if len(lines) == 0 {
			lines = []string{""}
		}
		out = append(out, lines...)
	}
	return out
}

func (d *document) pages() int { return d.pdf.PageCount() }

func (d *document) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
