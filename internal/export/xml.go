package export

import (
	"encoding/xml"
	"time"

	"github.com/anstrom/scanwatch/internal/models"
)

// scanXML is the root element of the XML report.
type scanXML struct {
	XMLName   xml.Name     `xml:"scanresult"`
	JobID     string       `xml:"job_id,attr"`
	StartTime string       `xml:"start_time,attr"`
	EndTime   string       `xml:"end_time,attr"`
	Duration  string       `xml:"duration,attr"`
	Targets   []string     `xml:"targets>target"`
	Summary   summaryXML   `xml:"summary"`
	Hosts     []hostXML    `xml:"host"`
	Findings  []findingXML `xml:"findings>finding"`
}

type summaryXML struct {
	HostsUp   int `xml:"hosts_up,attr"`
	HostsDown int `xml:"hosts_down,attr"`
	OpenPorts int `xml:"open_ports,attr"`
	Findings  int `xml:"findings,attr"`
}

type hostXML struct {
	Address  string    `xml:"Address"`
	Hostname string    `xml:"Hostname,omitempty"`
	Status   string    `xml:"Status"`
	OS       string    `xml:"OS,omitempty"`
	Ports    []portXML `xml:"Ports>Port"`
}

type portXML struct {
	Number   uint16 `xml:"Number"`
	Protocol string `xml:"Protocol"`
	State    string `xml:"State"`
	Service  string `xml:"Service"`
	Product  string `xml:"Product,omitempty"`
	Version  string `xml:"Version,omitempty"`
}

type findingXML struct {
	ID          string   `xml:"id,attr"`
	Severity    string   `xml:"severity,attr"`
	Score       float64  `xml:"score,attr"`
	Host        string   `xml:"host,attr"`
	Port        uint16   `xml:"port,attr,omitempty"`
	Exploit     bool     `xml:"exploit,attr,omitempty"`
	Description string   `xml:"Description"`
	References  []string `xml:"Reference,omitempty"`
}

// XMLFormatter renders an nmap-style XML report.
type XMLFormatter struct{}

func (XMLFormatter) Format(job *models.ScanJob) ([]byte, error) {
	res := result(job)
	summary := res.Summarize(len(job.Targets))

	doc := scanXML{
		JobID:     job.ID,
		StartTime: res.StartedAt.Format(time.RFC3339),
		EndTime:   res.FinishedAt.Format(time.RFC3339),
		Duration:  job.Duration().String(),
		Targets:   job.Targets,
		Summary: summaryXML{
			HostsUp:   summary.HostsUp,
			HostsDown: summary.HostsDown,
			OpenPorts: summary.OpenPorts,
			Findings:  summary.Findings,
		},
	}
	for _, h := range res.Hosts {
		hx := hostXML{Address: h.Address, Hostname: h.Hostname, Status: h.Status, OS: h.OS}
		for _, p := range h.Ports {
			hx.Ports = append(hx.Ports, portXML{
				Number:   p.Number,
				Protocol: p.Protocol,
				State:    p.State,
				Service:  p.Service,
				Product:  p.Product,
				Version:  p.Version,
			})
		}
		doc.Hosts = append(doc.Hosts, hx)
	}
	for _, f := range res.SortedFindings() {
		doc.Findings = append(doc.Findings, findingXML{
			ID:          f.ID,
			Severity:    string(f.Severity),
			Score:       f.Score,
			Host:        f.Host,
			Port:        f.Port,
			Exploit:     f.ExploitAvailable,
			Description: f.Description,
			References:  f.References,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func (XMLFormatter) ContentType() string   { return "application/xml" }
func (XMLFormatter) FileExtension() string { return "xml" }
