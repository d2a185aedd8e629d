package models

import (
	"sort"
	"time"
)

// Severity ranks a vulnerability finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists severities from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// SeverityFromScore buckets a CVSS base score.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Weight returns a sortable weight, higher is more severe.
func (s Severity) Weight() int {
	for i, sev := range Severities {
		if s == sev {
			return len(Severities) - i
		}
	}
	return 0
}

// Port is one scanned port on a host.
type Port struct {
	Number   uint16 `json:"number" yaml:"number"`
	Protocol string `json:"protocol" yaml:"protocol"`
	State    string `json:"state" yaml:"state"`
	Service  string `json:"service,omitempty" yaml:"service,omitempty"`
	Product  string `json:"product,omitempty" yaml:"product,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Host is one scanned host.
type Host struct {
	Address  string `json:"address" yaml:"address"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Status   string `json:"status" yaml:"status"`
	OS       string `json:"os,omitempty" yaml:"os,omitempty"`
	Ports    []Port `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// OpenPorts returns the ports reported open.
func (h Host) OpenPorts() []Port {
	var open []Port
	for _, p := range h.Ports {
		if p.State == "open" {
			open = append(open, p)
		}
	}
	return open
}

// Finding is a vulnerability reported for a host.
type Finding struct {
	ID               string   `json:"id" yaml:"id"`
	Severity         Severity `json:"severity" yaml:"severity"`
	Score            float64  `json:"score" yaml:"score"`
	Description      string   `json:"description" yaml:"description"`
	Host             string   `json:"host" yaml:"host"`
	Port             uint16   `json:"port,omitempty" yaml:"port,omitempty"`
	Service          string   `json:"service,omitempty" yaml:"service,omitempty"`
	ExploitAvailable bool     `json:"exploit_available" yaml:"exploit_available"`
	References       []string `json:"references,omitempty" yaml:"references,omitempty"`
}

// ResultSummary condenses a result for terminal events and listings.
type ResultSummary struct {
	Targets            int              `json:"targets" yaml:"targets"`
	HostsUp            int              `json:"hosts_up" yaml:"hosts_up"`
	HostsDown          int              `json:"hosts_down" yaml:"hosts_down"`
	OpenPorts          int              `json:"open_ports" yaml:"open_ports"`
	Findings           int              `json:"findings" yaml:"findings"`
	FindingsBySeverity map[Severity]int `json:"findings_by_severity,omitempty" yaml:"findings_by_severity,omitempty"`
}

// ScanResult is the accumulated output of a job.
type ScanResult struct {
	Hosts      []Host        `json:"hosts" yaml:"hosts"`
	Findings   []Finding     `json:"findings" yaml:"findings"`
	Summary    ResultSummary `json:"summary" yaml:"summary"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// NewScanResult returns an empty result started at now.
func NewScanResult(now time.Time) *ScanResult {
	return &ScanResult{
		Hosts:     make([]Host, 0),
		Findings:  make([]Finding, 0),
		StartedAt: now,
	}
}

// AddHost appends or replaces a host by address.
func (r *ScanResult) AddHost(h Host) {
	for i := range r.Hosts {
		if r.Hosts[i].Address == h.Address {
			r.Hosts[i] = h
			return
		}
	}
	r.Hosts = append(r.Hosts, h)
}

// AddFinding appends a finding.
func (r *ScanResult) AddFinding(f Finding) {
	r.Findings = append(r.Findings, f)
}

// Summarize recomputes and stores the summary.
func (r *ScanResult) Summarize(targets int) ResultSummary {
	s := ResultSummary{
		Targets:            targets,
		Findings:           len(r.Findings),
		FindingsBySeverity: make(map[Severity]int),
	}
	for _, h := range r.Hosts {
		if h.Status == "up" {
			s.HostsUp++
		} else {
			s.HostsDown++
		}
		s.OpenPorts += len(h.OpenPorts())
	}
	for _, f := range r.Findings {
		s.FindingsBySeverity[f.Severity]++
	}
	r.Summary = s
	return s
}

// SortedFindings returns findings ordered by severity, then score, then id.
func (r *ScanResult) SortedFindings() []Finding {
	out := append([]Finding(nil), r.Findings...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity.Weight() != b.Severity.Weight() {
			return a.Severity.Weight() > b.Severity.Weight()
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})
	return out
}

// Clone returns a deep copy of the result.
func (r *ScanResult) Clone() *ScanResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Hosts = make([]Host, len(r.Hosts))
	for i, h := range r.Hosts {
		h.Ports = append([]Port(nil), h.Ports...)
		c.Hosts[i] = h
	}
	c.Findings = make([]Finding, len(r.Findings))
	for i, f := range r.Findings {
		f.References = append([]string(nil), f.References...)
		c.Findings[i] = f
	}
	if r.Summary.FindingsBySeverity != nil {
		c.Summary.FindingsBySeverity = make(map[Severity]int, len(r.Summary.FindingsBySeverity))
		for k, v := range r.Summary.FindingsBySeverity {
			c.Summary.FindingsBySeverity[k] = v
		}
	}
	return &c
}
