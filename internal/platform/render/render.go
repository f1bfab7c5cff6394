// Package render turns an assembled report into PDF bytes.
package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrUnknownTemplate = errors.New("unknown template")

// DataBag is everything a template may print. It is built from the locked
// report snapshot, never from live sample data.
type DataBag struct {
	ReportID     string
	ReportNo     string
	ReportType   string
	SampleNo     string
	SampleType   string
	ClientRef    string
	ReceivedAt   time.Time
	GeneratedAt  time.Time
	Items        []Item
	Signatures   []Signature
	SignerID     string
	SignerRole   string
	SignatureRef string
}

type Item struct {
	Position int
	Code     string
	Label    string
	Value    string
	Unit     string
	Flags    []string
}

type Signature struct {
	Role     string
	SignedBy string
	SignedAt *time.Time
}

type Renderer interface {
	Render(ctx context.Context, templateCode string, data DataBag) ([]byte, error)
}

// column is a table column; Width is a share of the printable width.
type column struct {
	Title string
	Width float64
}

// sheet is the layout surface templates write to. Text is printed as
// given: long values wrap, nothing is cut or substituted.
type sheet interface {
	Title(text string)
	Field(label, value string)
	Heading(text string)
	Text(text string, bold bool)
	Table(cols []column, rows [][]string)
	Gap()
}

type templateFunc func(s sheet, d DataBag)

// PDFRenderer renders the built-in report templates.
type PDFRenderer struct {
	templates map[string]templateFunc
}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{templates: map[string]templateFunc{
		"standard":   standardTemplate,
		"accredited": accreditedTemplate,
	}}
}

// Templates lists the registered template codes.
func (r *PDFRenderer) Templates() []string {
	codes := make([]string, 0, len(r.templates))
	for c := range r.templates {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func (r *PDFRenderer) Render(ctx context.Context, templateCode string, data DataBag) ([]byte, error) {
	doc, err := r.build(ctx, templateCode, data)
	if err != nil {
		return nil, err
	}
	return doc.bytes()
}

func (r *PDFRenderer) build(ctx context.Context, templateCode string, data DataBag) (doc *document, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tmpl, ok := r.templates[templateCode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateCode)
	}
	if data.ReportNo == "" {
		return nil, fmt.Errorf("render %s: report number is empty", templateCode)
	}
	// fpdf panics on some inputs it cannot lay out, such as runes outside
	// the font's plane.
	defer func() {
		if p := recover(); p != nil {
			doc, err = nil, fmt.Errorf("render %s: %v", templateCode, p)
		}
	}()
	doc, err = newDocument("Report "+data.ReportNo, data.GeneratedAt)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", templateCode, err)
	}
	tmpl(doc, data)
	if err := doc.pdf.Error(); err != nil {
		return nil, fmt.Errorf("render %s: %w", templateCode, err)
	}
	return doc, nil
}

func header(s sheet, d DataBag, title string) {
	s.Title(title)
	s.Field("Report No", d.ReportNo)
	s.Field("Report Type", d.ReportType)
	s.Field("Sample No", d.SampleNo)
	s.Field("Sample Type", d.SampleType)
	if d.ClientRef != "" {
		s.Field("Client Reference", d.ClientRef)
	}
	s.Field("Received", formatTime(d.ReceivedAt))
	s.Field("Generated", formatTime(d.GeneratedAt))
	s.Gap()
}

var resultColumns = []column{
	{Title: "#", Width: 0.06},
	{Title: "Parameter", Width: 0.42},
	{Title: "Result", Width: 0.2},
	{Title: "Unit", Width: 0.16},
	{Title: "Flags", Width: 0.16},
}

func results(s sheet, d DataBag) {
	rows := make([][]string, 0, len(d.Items))
	for _, it := range d.Items {
		rows = append(rows, []string{
			strconv.Itoa(it.Position), it.Label, it.Value, it.Unit, strings.Join(it.Flags, ", "),
		})
	}
	s.Heading("Results")
	s.Table(resultColumns, rows)
	s.Gap()
}

func signatures(s sheet, d DataBag) {
	s.Heading("Signatures")
	for _, sg := range d.Signatures {
		signed := "pending"
		if sg.SignedAt != nil {
			signed = sg.SignedBy + " at " + formatTime(*sg.SignedAt)
		}
		if sg.Role == d.SignerRole && sg.SignedAt == nil {
			signed = d.SignerID + " at " + formatTime(d.GeneratedAt) + " (this issue)"
		}
		s.Field(sg.Role, signed)
	}
}

func standardTemplate(s sheet, d DataBag) {
	header(s, d, "Laboratory Test Report")
	results(s, d)
	signatures(s, d)
}

func accreditedTemplate(s sheet, d DataBag) {
	header(s, d, "Accredited Laboratory Test Report")
	results(s, d)
	signatures(s, d)
	s.Gap()
	s.Text("Authorised signatory: "+d.SignerID+" ("+d.SignerRole+")", true)
	s.Field("Signature on file", d.SignatureRef)
	s.Text("Results relate only to the items tested. This report shall not be reproduced "+
		"except in full without written approval of the laboratory.", false)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}
