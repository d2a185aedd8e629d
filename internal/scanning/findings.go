package scanning

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/scanwatch/internal/models"
)

var (
	// vulners lines look like "CVE-2023-38408  9.8  https://vulners.com/cve/CVE-2023-38408  *EXPLOIT*".
	vulnersLine = regexp.MustCompile(`^\s*(\S+)\s+(\d+(?:\.\d+)?)\s+(https?://\S+)(\s+\*EXPLOIT\*)?\s*$`)
	cvePattern  = regexp.MustCompile(`CVE-\d{4}-\d{4,}`)
)

// maxVulnersPerPort bounds findings taken from one vulners table.
const maxVulnersPerPort = 50

// findingsFromHost extracts findings from port and host script output.
func findingsFromHost(h *nmap.Host, address string, classifier Classifier) []models.Finding {
	var findings []models.Finding
	for i := range h.Ports {
		p := &h.Ports[i]
		for _, script := range p.Scripts {
			findings = append(findings, findingsFromScript(script, address, p.ID, p.Service.Name)...)
		}
	}
	for _, script := range h.HostScripts {
		findings = append(findings, findingsFromScript(script, address, 0, "")...)
	}

	for i := range findings {
		if findings[i].Severity == "" {
			findings[i].Severity, findings[i].Score = classifier.Classify(findings[i])
		}
	}
	return findings
}

func findingsFromScript(script nmap.Script, host string, port uint16, service string) []models.Finding {
	if script.ID == "vulners" {
		return parseVulners(script.Output, host, port, service)
	}
	if f, ok := parseVulnState(script, host, port, service); ok {
		return []models.Finding{f}
	}
	return nil
}

func parseVulners(output, host string, port uint16, service string) []models.Finding {
	var findings []models.Finding
	for _, line := range strings.Split(output, "\n") {
		m := vulnersLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		score, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		findings = append(findings, models.Finding{
			ID:               m[1],
			Severity:         models.SeverityFromScore(score),
			Score:            score,
			Description:      "vulnerable component reported by vulners",
			Host:             host,
			Port:             port,
			Service:          service,
			ExploitAvailable: m[4] != "",
			References:       []string{m[3]},
		})
		if len(findings) >= maxVulnersPerPort {
			break
		}
	}
	return findings
}

// parseVulnState handles the vulns library output used by vuln-category scripts:
// a title line, "State: VULNERABLE" and an IDs line.
func parseVulnState(script nmap.Script, host string, port uint16, service string) (models.Finding, bool) {
	out := script.Output
	upper := strings.ToUpper(out)
	if !strings.Contains(upper, "STATE: VULNERABLE") && !strings.Contains(upper, "STATE: LIKELY VULNERABLE") {
		return models.Finding{}, false
	}

	id := script.ID
	if cve := cvePattern.FindString(out); cve != "" {
		id = cve
	}

	description := script.ID
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "VULNERABLE:") {
			continue
		}
		description = line
		break
	}

	var refs []string
	for _, field := range strings.Fields(out) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			refs = append(refs, field)
		}
	}

	return models.Finding{
		ID:               id,
		Description:      description,
		Host:             host,
		Port:             port,
		Service:          service,
		ExploitAvailable: strings.Contains(upper, "EXPLOITABLE"),
		References:       refs,
	}, true
}
