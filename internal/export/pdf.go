package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/anstrom/scanwatch/internal/models"
)

const (
	pdfMargin     = 15.0
	pdfLineHeight = 6.0
)

type column struct {
	title string
	width float64
}

var portColumns = []column{
	{"Port", 20}, {"Proto", 18}, {"State", 22}, {"Service", 40}, {"Version", 80},
}

var findingColumns = []column{
	{"ID", 40}, {"Severity", 22}, {"Score", 16}, {"Host", 34}, {"Port", 16}, {"Exploit", 18},
}

// PDFFormatter renders a printable PDF report.
type PDFFormatter struct{}

func (PDFFormatter) Format(job *models.ScanJob) ([]byte, error) {
	res := result(job)
	summary := res.Summarize(len(job.Targets))

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	pdf.SetTitle("Scan report "+job.ID, true)
	pdf.SetCreator("scanwatch", true)
	if job.FinishedAt != nil {
		pdf.SetCreationDate(*job.FinishedAt)
		pdf.SetModificationDate(*job.FinishedAt)
	}
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "Scan report")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, pdfLineHeight, tr("Job: "+job.ID))
	pdf.Ln(pdfLineHeight)
	pdf.MultiCell(0, pdfLineHeight, tr("Targets: "+strings.Join(job.Targets, ", ")), "", "L", false)
	pdf.Cell(0, pdfLineHeight, fmt.Sprintf("Started: %s   Finished: %s   Duration: %s",
		pdfTime(res.StartedAt), pdfTime(res.FinishedAt), job.Duration().Round(time.Second)))
	pdf.Ln(pdfLineHeight * 2)

	heading(pdf, "Summary")
	pdf.Cell(0, pdfLineHeight, fmt.Sprintf("Hosts up: %d   Hosts down: %d   Open ports: %d   Findings: %d",
		summary.HostsUp, summary.HostsDown, summary.OpenPorts, summary.Findings))
	pdf.Ln(pdfLineHeight)
	for _, sev := range models.Severities {
		if n := summary.FindingsBySeverity[sev]; n > 0 {
			pdf.Cell(0, pdfLineHeight, fmt.Sprintf("  %s: %d", sev, n))
			pdf.Ln(pdfLineHeight)
		}
	}
	pdf.Ln(pdfLineHeight)

	heading(pdf, "Hosts")
	for _, h := range res.Hosts {
		pdf.SetFont("Helvetica", "B", 11)
		title := h.Address
		if h.Hostname != "" {
			title += " (" + h.Hostname + ")"
		}
		pdf.Cell(0, pdfLineHeight+1, tr(title+": "+h.Status))
		pdf.Ln(pdfLineHeight + 1)
		pdf.SetFont("Helvetica", "", 9)
		if h.OS != "" {
			pdf.Cell(0, pdfLineHeight, tr("OS: "+h.OS))
			pdf.Ln(pdfLineHeight)
		}
		open := h.OpenPorts()
		if len(open) == 0 {
			pdf.Cell(0, pdfLineHeight, "No open ports.")
			pdf.Ln(pdfLineHeight * 1.5)
			continue
		}
		tableHeader(pdf, portColumns)
		for _, p := range open {
			cells := []string{fmt.Sprint(p.Number), p.Protocol, p.State, p.Service, strings.TrimSpace(p.Product + " " + p.Version)}
			for i, c := range cells {
				pdf.CellFormat(portColumns[i].width, pdfLineHeight, tr(c), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
		pdf.Ln(pdfLineHeight / 2)
	}

	heading(pdf, "Findings")
	findings := res.SortedFindings()
	if len(findings) == 0 {
		pdf.SetFont("Helvetica", "", 10)
		pdf.Cell(0, pdfLineHeight, "No vulnerabilities found.")
		pdf.Ln(pdfLineHeight)
	} else {
		pdf.SetFont("Helvetica", "", 9)
		tableHeader(pdf, findingColumns)
		for _, f := range findings {
			exploit := ""
			if f.ExploitAvailable {
				exploit = "yes"
			}
			port := ""
			if f.Port != 0 {
				port = fmt.Sprint(f.Port)
			}
			cells := []string{f.ID, string(f.Severity), fmt.Sprintf("%.1f", f.Score), f.Host, port, exploit}
			for i, c := range cells {
				pdf.CellFormat(findingColumns[i].width, pdfLineHeight, tr(c), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (PDFFormatter) ContentType() string   { return "application/pdf" }
func (PDFFormatter) FileExtension() string { return "pdf" }

func heading(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 13)
	pdf.Cell(0, 8, title)
	pdf.Ln(9)
	pdf.SetFont("Helvetica", "", 10)
}

func tableHeader(pdf *fpdf.Fpdf, cols []column) {
	pdf.SetFillColor(230, 230, 230)
	pdf.SetFont("Helvetica", "B", 9)
	for _, c := range cols {
		pdf.CellFormat(c.width, pdfLineHeight, c.title, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 9)
}

func pdfTime(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
