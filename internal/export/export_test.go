package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/store"
)

func completedJob(t *testing.T) *models.ScanJob {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := models.NewScanJob([]string{"10.0.0.1", "10.0.0.2"}, models.ScanOptions{}.WithDefaults(), start)
	require.NoError(t, job.Transition(models.StateRunning, start))
	job.Result = models.NewScanResult(start)
	job.Result.AddHost(models.Host{
		Address:  "10.0.0.1",
		Hostname: "gw.lan",
		Status:   "up",
		Ports: []models.Port{
			{Number: 22, Protocol: "tcp", State: "open", Service: "ssh", Product: "OpenSSH", Version: "8.9p1"},
			{Number: 80, Protocol: "tcp", State: "closed", Service: "http"},
		},
	})
	job.Result.AddHost(models.Host{Address: "10.0.0.2", Status: "down"})
	job.Result.AddFinding(models.Finding{
		ID: "CVE-2023-38408", Severity: models.SeverityCritical, Score: 9.8,
		Description: "ssh-agent <remote code execution>", Host: "10.0.0.1", Port: 22, Service: "ssh",
		ExploitAvailable: true, References: []string{"https://vulners.com/cve/CVE-2023-38408"},
	})
	job.Result.AddFinding(models.Finding{
		ID: "CVE-2021-41617", Severity: models.SeverityMedium, Score: 4.4, Host: "10.0.0.1", Port: 22,
	})
	end := start.Add(90 * time.Second)
	job.Result.FinishedAt = end
	job.Progress = 100
	require.NoError(t, job.Transition(models.StateCompleted, end))
	return job
}

func newTestService(t *testing.T, jobs ...*models.ScanJob) *Service {
	t.Helper()
	st := store.NewMemoryStore()
	for _, j := range jobs {
		require.NoError(t, st.Create(context.Background(), j))
	}
	return NewService(st.Get, nil, logging.Discard(), nil)
}

func TestService_Formats(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, []string{"csv", "cyclonedx", "html", "json", "pdf", "xml", "yaml"}, svc.Formats())
}

func TestService_ExportErrors(t *testing.T) {
	ctx := context.Background()
	running := models.NewScanJob([]string{"10.0.0.1"}, models.ScanOptions{}, time.Now())
	require.NoError(t, running.Transition(models.StateRunning, time.Now()))
	done := completedJob(t)
	svc := newTestService(t, running, done)

	_, err := svc.Export(ctx, "missing", "json")
	assert.True(t, errors.IsNotFound(err))

	_, err = svc.Export(ctx, running.ID, "json")
	assert.True(t, errors.IsInvalidState(err))

	_, err = svc.Export(ctx, done.ID, "docx")
	assert.True(t, errors.IsCode(err, errors.CodeUnsupportedFormat))
}

func TestService_ExportEveryFormat(t *testing.T) {
	job := completedJob(t)
	svc := newTestService(t, job)

	tests := []struct {
		format      string
		contentType string
		ext         string
	}{
		{"json", "application/json", "json"},
		{"yaml", "application/yaml", "yaml"},
		{"csv", "text/csv", "csv"},
		{"xml", "application/xml", "xml"},
		{"html", "text/html; charset=utf-8", "html"},
		{"pdf", "application/pdf", "pdf"},
		{"cyclonedx", "application/vnd.cyclonedx+json", "cdx.json"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			a, err := svc.Export(context.Background(), job.ID, tt.format)
			require.NoError(t, err)
			assert.NotEmpty(t, a.Data)
			assert.Equal(t, tt.contentType, a.ContentType)
			assert.Equal(t, "scan-"+job.ID+"."+tt.ext, a.Filename)
			assert.Equal(t, ETag(a.Data), a.ETag)
		})
	}
}

func TestService_ExportReflectsCurrentSnapshot(t *testing.T) {
	ctx := context.Background()
	job := completedJob(t)
	st := store.NewMemoryStore()
	require.NoError(t, st.Create(ctx, job))
	svc := NewService(st.Get, nil, logging.Discard(), nil)

	first, err := svc.Export(ctx, job.ID, "json")
	require.NoError(t, err)

	job.Result.AddHost(models.Host{Address: "10.0.0.3", Status: "up"})
	require.NoError(t, st.Update(ctx, job))

	second, err := svc.Export(ctx, job.ID, "json")
	require.NoError(t, err)
	assert.NotEqual(t, first.ETag, second.ETag)
	assert.Contains(t, string(second.Data), "10.0.0.3")
}

func TestJSONAndYAMLRoundTrip(t *testing.T) {
	job := completedJob(t)

	data, err := JSONFormatter{}.Format(job)
	require.NoError(t, err)
	var fromJSON models.ScanJob
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.Equal(t, job.ID, fromJSON.ID)
	assert.Len(t, fromJSON.Result.Findings, 2)

	data, err = YAMLFormatter{}.Format(job)
	require.NoError(t, err)
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, "completed", fromYAML["state"])
}

func TestCSVFormatter(t *testing.T) {
	data, err := CSVFormatter{}.Format(completedJob(t))
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"port", "10.0.0.1", "gw.lan", "22", "tcp", "open", "ssh", "OpenSSH 8.9p1", "", "", "", ""}, rows[1])
	assert.Equal(t, "CVE-2023-38408", rows[2][8])
	assert.Equal(t, "critical", rows[2][9])
	assert.Equal(t, "CVE-2021-41617", rows[3][8])
}

func TestXMLFormatter(t *testing.T) {
	data, err := XMLFormatter{}.Format(completedJob(t))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte(xml.Header)))

	var doc scanXML
	require.NoError(t, xml.Unmarshal(data, &doc))
	assert.Len(t, doc.Hosts, 2)
	assert.Equal(t, 1, doc.Summary.HostsUp)
	assert.Equal(t, 1, doc.Summary.OpenPorts)
	require.Len(t, doc.Findings, 2)
	assert.Equal(t, "critical", doc.Findings[0].Severity)
	assert.Equal(t, "1m30s", doc.Duration)
}

func TestHTMLFormatterEscapes(t *testing.T) {
	data, err := NewHTMLFormatter().Format(completedJob(t))
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "gw.lan")
	assert.Contains(t, html, "ssh-agent &lt;remote code execution&gt;")
	assert.NotContains(t, html, "<remote code execution>")
	assert.Contains(t, html, `class="critical"`)
}

func TestPDFFormatter(t *testing.T) {
	data, err := PDFFormatter{}.Format(completedJob(t))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestCycloneDXFormatter(t *testing.T) {
	data, err := CycloneDXFormatter{}.Format(completedJob(t))
	require.NoError(t, err)

	var bom cdx.BOM
	require.NoError(t, cdx.NewBOMDecoder(bytes.NewReader(data), cdx.BOMFileFormatJSON).Decode(&bom))

	require.NotNil(t, bom.Services)
	require.Len(t, *bom.Services, 1)
	svc := (*bom.Services)[0]
	assert.Equal(t, "ssh", svc.Name)
	assert.Equal(t, "OpenSSH 8.9p1", svc.Version)

	require.NotNil(t, bom.Components)
	assert.Equal(t, "OpenSSH", (*bom.Components)[0].Name)

	require.NotNil(t, bom.Vulnerabilities)
	vulns := *bom.Vulnerabilities
	require.Len(t, vulns, 2)
	assert.Equal(t, "CVE-2023-38408", vulns[0].ID)
	require.NotNil(t, vulns[0].Affects)
	assert.Equal(t, svc.BOMRef, (*vulns[0].Affects)[0].Ref)
	require.NotNil(t, vulns[0].Ratings)
	assert.Equal(t, cdx.SeverityCritical, (*vulns[0].Ratings)[0].Severity)
}

func TestETagIsStable(t *testing.T) {
	assert.Equal(t, ETag([]byte("abc")), ETag([]byte("abc")))
	assert.NotEqual(t, ETag([]byte("abc")), ETag([]byte("abd")))
	assert.Len(t, ETag(nil), 18)
}
