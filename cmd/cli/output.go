package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/scanwatch/internal/models"
)

const (
	outputTable = "table"
	outputJSON  = "json"

	timeLayout     = "2006-01-02 15:04:05"
	maxTargetsCell = 40
)

// renderJobs writes a job listing in the requested format.
func renderJobs(w io.Writer, jobs []*models.ScanJob, format string) error {
	if format == outputJSON {
		return writeJSON(w, jobs)
	}
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "No jobs found.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "State", "Progress", "Targets", "Task", "Created", "Updated")
	for _, job := range jobs {
		_ = table.Append([]string{
			job.ID,
			string(job.State),
			strconv.Itoa(job.Progress) + "%",
			truncate(strings.Join(job.Targets, ","), maxTargetsCell),
			job.CurrentTask,
			formatTime(job.CreatedAt),
			formatTime(job.UpdatedAt),
		})
	}
	return table.Render()
}

// renderJob writes the details of one job, including its result when present.
func renderJob(w io.Writer, job *models.ScanJob, format string) error {
	if format == outputJSON {
		return writeJSON(w, job)
	}

	details := tablewriter.NewWriter(w)
	details.Header("Field", "Value")
	rows := [][]string{
		{"ID", job.ID},
		{"State", string(job.State)},
		{"Progress", strconv.Itoa(job.Progress) + "%"},
		{"Targets", strings.Join(job.Targets, ", ")},
		{"Ports", job.Options.Ports},
		{"Scan type", job.Options.ScanType},
		{"Timing", job.Options.Timing},
		{"Task", job.CurrentTask},
		{"Created", formatTime(job.CreatedAt)},
		{"Updated", formatTime(job.UpdatedAt)},
	}
	if job.StartedAt != nil {
		rows = append(rows, []string{"Started", formatTime(*job.StartedAt)})
	}
	if job.FinishedAt != nil {
		rows = append(rows, []string{"Finished", formatTime(*job.FinishedAt)})
	}
	if job.Error != "" {
		rows = append(rows, []string{"Error", job.Error})
	}
	for _, row := range rows {
		_ = details.Append(row)
	}
	if err := details.Render(); err != nil {
		return err
	}

	if job.Result == nil {
		return nil
	}
	if err := renderHosts(w, job.Result.Hosts); err != nil {
		return err
	}
	return renderFindings(w, job.Result.Findings)
}

func renderHosts(w io.Writer, hosts []models.Host) error {
	if len(hosts) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(w, "\nHosts:")
	table := tablewriter.NewWriter(w)
	table.Header("Address", "Hostname", "Status", "OS", "Open Ports")
	for _, h := range hosts {
		var open []string
		for _, p := range h.OpenPorts() {
			open = append(open, fmt.Sprintf("%d/%s", p.Number, p.Protocol))
		}
		_ = table.Append([]string{h.Address, h.Hostname, h.Status, h.OS, strings.Join(open, ",")})
	}
	return table.Render()
}

func renderFindings(w io.Writer, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(w, "\nFindings:")
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Severity", "Score", "Host", "Port", "Description")
	for _, f := range findings {
		port := ""
		if f.Port != 0 {
			port = strconv.Itoa(int(f.Port))
		}
		_ = table.Append([]string{
			f.ID,
			string(f.Severity),
			strconv.FormatFloat(f.Score, 'f', 1, 64),
			f.Host,
			port,
			f.Description,
		})
	}
	return table.Render()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
