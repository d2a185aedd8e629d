package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/anstrom/scanwatch/internal/models"
)

// CycloneDXFormatter renders discovered services and their vulnerabilities as a
// CycloneDX JSON BOM.
type CycloneDXFormatter struct{}

func (CycloneDXFormatter) Format(job *models.ScanJob) ([]byte, error) {
	res := result(job)

	bom := cdx.NewBOM()
	bom.SpecVersion = cdx.SpecVersion1_6
	bom.SerialNumber = "urn:uuid:" + job.ID
	bom.Metadata = &cdx.Metadata{
		Timestamp: res.FinishedAt.UTC().Format(time.RFC3339),
		Tools: &cdx.ToolsChoice{
			Services: &[]cdx.Service{{
				Name:        "scanwatch",
				Description: "scanwatch network scan",
			}},
		},
		Properties: &[]cdx.Property{
			{Name: "scanwatch:job_id", Value: job.ID},
			{Name: "scanwatch:targets", Value: strings.Join(job.Targets, ",")},
		},
	}

	var (
		services   []cdx.Service
		components []cdx.Component
		seenComp   = make(map[string]bool)
		serviceRef = make(map[string]string)
	)
	for _, h := range res.Hosts {
		for _, p := range h.OpenPorts() {
			ref := fmt.Sprintf("service:%s:%d/%s", h.Address, p.Number, p.Protocol)
			serviceRef[portKey(h.Address, p.Number)] = ref
			name := p.Service
			if name == "" {
				name = "unknown"
			}
			services = append(services, cdx.Service{
				BOMRef:    ref,
				Name:      name,
				Version:   strings.TrimSpace(p.Product + " " + p.Version),
				Endpoints: &[]string{fmt.Sprintf("%s://%s:%d", p.Protocol, h.Address, p.Number)},
				Properties: &[]cdx.Property{
					{Name: "scanwatch:host", Value: h.Address},
					{Name: "scanwatch:state", Value: p.State},
				},
			})

			if p.Product == "" {
				continue
			}
			compRef := "component:" + p.Product + "@" + p.Version
			if seenComp[compRef] {
				continue
			}
			seenComp[compRef] = true
			components = append(components, cdx.Component{
				BOMRef:  compRef,
				Type:    cdx.ComponentTypeApplication,
				Name:    p.Product,
				Version: p.Version,
			})
		}
	}
	if len(services) > 0 {
		bom.Services = &services
	}
	if len(components) > 0 {
		bom.Components = &components
	}

	var vulns []cdx.Vulnerability
	for i, f := range res.SortedFindings() {
		score := f.Score
		v := cdx.Vulnerability{
			BOMRef:      fmt.Sprintf("vulnerability:%d", i+1),
			ID:          f.ID,
			Description: f.Description,
			Source:      &cdx.Source{Name: "nmap"},
			Ratings: &[]cdx.VulnerabilityRating{{
				Score:    &score,
				Severity: cdxSeverity(f.Severity),
				Method:   cdx.ScoringMethodCVSSv3,
			}},
		}
		if ref, ok := serviceRef[portKey(f.Host, f.Port)]; ok {
			v.Affects = &[]cdx.Affects{{Ref: ref}}
		}
		if len(f.References) > 0 {
			advisories := make([]cdx.Advisory, 0, len(f.References))
			for _, u := range f.References {
				advisories = append(advisories, cdx.Advisory{URL: u})
			}
			v.Advisories = &advisories
		}
		vulns = append(vulns, v)
	}
	if len(vulns) > 0 {
		bom.Vulnerabilities = &vulns
	}

	var buf bytes.Buffer
	enc := cdx.NewBOMEncoder(&buf, cdx.BOMFileFormatJSON)
	enc.SetPretty(true)
	if err := enc.Encode(bom); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (CycloneDXFormatter) ContentType() string   { return "application/vnd.cyclonedx+json" }
func (CycloneDXFormatter) FileExtension() string { return "cdx.json" }

func portKey(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func cdxSeverity(s models.Severity) cdx.Severity {
	switch s {
	case models.SeverityCritical:
		return cdx.SeverityCritical
	case models.SeverityHigh:
		return cdx.SeverityHigh
	case models.SeverityMedium:
		return cdx.SeverityMedium
	case models.SeverityLow:
		return cdx.SeverityLow
	case models.SeverityInfo:
		return cdx.SeverityInfo
	default:
		return cdx.SeverityUnknown
	}
}
