package export

import (
	"bytes"
	"html/template"
	"time"

	"github.com/anstrom/scanwatch/internal/models"
)

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Scan report {{.Job.ID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
th { background: #f0f0f0; }
.critical { color: #b00020; font-weight: bold; }
.high { color: #d84315; }
.medium { color: #f9a825; }
.low, .info { color: #555; }
</style>
</head>
<body>
<h1>Scan report</h1>
<p>Job <code>{{.Job.ID}}</code>, targets: {{join .Job.Targets}}</p>
<p>Started {{fmtTime .Result.StartedAt}}, finished {{fmtTime .Result.FinishedAt}} ({{.Job.Duration}})</p>
<h2>Summary</h2>
<table>
<tr><th>Hosts up</th><th>Hosts down</th><th>Open ports</th><th>Findings</th></tr>
<tr><td>{{.Summary.HostsUp}}</td><td>{{.Summary.HostsDown}}</td><td>{{.Summary.OpenPorts}}</td><td>{{.Summary.Findings}}</td></tr>
</table>
<h2>Hosts</h2>
{{range .Result.Hosts}}
<h3>{{.Address}}{{if .Hostname}} ({{.Hostname}}){{end}}: {{.Status}}</h3>
{{if .OS}}<p>OS: {{.OS}}</p>{{end}}
{{with .OpenPorts}}
<table>
<tr><th>Port</th><th>Protocol</th><th>State</th><th>Service</th><th>Version</th></tr>
{{range .}}<tr><td>{{.Number}}</td><td>{{.Protocol}}</td><td>{{.State}}</td><td>{{.Service}}</td><td>{{.Product}} {{.Version}}</td></tr>
{{end}}</table>
{{else}}<p>No open ports.</p>{{end}}
{{else}}<p>No hosts responded.</p>
{{end}}
<h2>Findings</h2>
{{with .Findings}}
<table>
<tr><th>ID</th><th>Severity</th><th>Score</th><th>Host</th><th>Port</th><th>Description</th></tr>
{{range .}}<tr><td>{{.ID}}</td><td class="{{.Severity}}">{{.Severity}}</td><td>{{printf "%.1f" .Score}}</td><td>{{.Host}}</td><td>{{.Port}}</td><td>{{.Description}}{{range .References}}<br><a href="{{.}}">{{.}}</a>{{end}}</td></tr>
{{end}}</table>
{{else}}<p>No vulnerabilities found.</p>{{end}}
</body>
</html>
`

// HTMLFormatter renders a standalone HTML report.
type HTMLFormatter struct {
	tmpl *template.Template
}

// NewHTMLFormatter parses the report template.
func NewHTMLFormatter() HTMLFormatter {
	funcs := template.FuncMap{
		"join": func(s []string) string {
			var b bytes.Buffer
			for i, v := range s {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(v)
			}
			return b.String()
		},
		"fmtTime": func(t time.Time) string {
			if t.IsZero() {
				return "n/a"
			}
			return t.UTC().Format(time.RFC3339)
		},
	}
	return HTMLFormatter{tmpl: template.Must(template.New("report").Funcs(funcs).Parse(reportTemplate))}
}

func (f HTMLFormatter) Format(job *models.ScanJob) ([]byte, error) {
	res := result(job)
	data := struct {
		Job      *models.ScanJob
		Result   *models.ScanResult
		Summary  models.ResultSummary
		Findings []models.Finding
	}{
		Job:      job,
		Result:   res,
		Summary:  res.Summarize(len(job.Targets)),
		Findings: res.SortedFindings(),
	}

	var buf bytes.Buffer
	if err := f.tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (HTMLFormatter) ContentType() string   { return "text/html; charset=utf-8" }
func (HTMLFormatter) FileExtension() string { return "html" }
