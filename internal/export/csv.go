package export

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/anstrom/scanwatch/internal/models"
)

var csvHeader = []string{"record", "host", "hostname", "port", "protocol", "state", "service", "version", "finding", "severity", "score", "description"}

// CSVFormatter writes one row per open port followed by one row per finding.
type CSVFormatter struct{}

func (CSVFormatter) Format(job *models.ScanJob) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	res := result(job)
	hostnames := make(map[string]string, len(res.Hosts))
	for _, h := range res.Hosts {
		hostnames[h.Address] = h.Hostname
		for _, p := range h.OpenPorts() {
			version := p.Product
			if p.Version != "" {
				version += " " + p.Version
			}
			row := []string{"port", h.Address, h.Hostname, strconv.Itoa(int(p.Number)), p.Protocol, p.State, p.Service, version, "", "", "", ""}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}
	for _, f := range res.SortedFindings() {
		port := ""
		if f.Port != 0 {
			port = strconv.Itoa(int(f.Port))
		}
		row := []string{"finding", f.Host, hostnames[f.Host], port, "", "", f.Service, "", f.ID, string(f.Severity),
			strconv.FormatFloat(f.Score, 'f', 1, 64), f.Description}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (CSVFormatter) ContentType() string   { return "text/csv" }
func (CSVFormatter) FileExtension() string { return "csv" }
