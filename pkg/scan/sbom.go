package scan

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"pipeline-copilot/pkg/domain"
)

// CycloneDXBOM is a CycloneDX 1.4 BOM document. The orchestrator emits one
// per passing scan run, enumerating the affected components and linking each
// to its known vulnerabilities.
type CycloneDXBOM struct {
	BOMFormat       string                   `json:"bomFormat"`
	SpecVersion     string                   `json:"specVersion"`
	SerialNumber    string                   `json:"serialNumber"`
	Version         int                      `json:"version"`
	Metadata        CycloneDXMetadata        `json:"metadata"`
	Components      []CycloneDXComponent     `json:"components"`
	Vulnerabilities []CycloneDXVulnerability `json:"vulnerabilities,omitempty"`
}

// CycloneDXMetadata carries the emission timestamp and generating tool.
type CycloneDXMetadata struct {
	Timestamp string              `json:"timestamp"`
	Tools     []CycloneDXTool     `json:"tools"`
	Component *CycloneDXComponent `json:"component,omitempty"`
}

// CycloneDXTool identifies the generator.
type CycloneDXTool struct {
	Vendor  string `json:"vendor"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// CycloneDXComponent is one entry in the component graph.
type CycloneDXComponent struct {
	Type    string `json:"type"`
	BOMRef  string `json:"bom-ref"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// CycloneDXRating scores a vulnerability.
type CycloneDXRating struct {
	Score    float64 `json:"score,omitempty"`
	Severity string  `json:"severity"`
	Method   string  `json:"method,omitempty"`
}

// CycloneDXAffects links a vulnerability to a component ref.
type CycloneDXAffects struct {
	Ref string `json:"ref"`
}

// CycloneDXVulnerability is one known vulnerability in the BOM.
type CycloneDXVulnerability struct {
	ID          string             `json:"id"`
	Description string             `json:"description,omitempty"`
	Ratings     []CycloneDXRating  `json:"ratings,omitempty"`
	Affects     []CycloneDXAffects `json:"affects,omitempty"`
}

// SBOMGenerator turns consolidated vulnerability reports into CycloneDX
// documents.
type SBOMGenerator struct {
	clock       domain.Clock
	toolVersion string
}

// NewSBOMGenerator builds a generator. toolVersion labels the emitting
// build in the BOM metadata; empty selects "dev".
func NewSBOMGenerator(clock domain.Clock, toolVersion string) *SBOMGenerator {
	if clock == nil {
		clock = domain.SystemClock()
	}
	if toolVersion == "" {
		toolVersion = "dev"
	}
	return &SBOMGenerator{clock: clock, toolVersion: toolVersion}
}

// FromReport builds a BOM whose components are the report's affected
// components, deduplicated in first-seen order, each linked to the findings
// that name it.
func (g *SBOMGenerator) FromReport(report *VulnerabilityReport) *CycloneDXBOM {
	serialNumber := fmt.Sprintf("urn:uuid:%s", uuid.New().String())

	bom := &CycloneDXBOM{
		BOMFormat:    "CycloneDX",
		SpecVersion:  "1.4",
		SerialNumber: serialNumber,
		Version:      1,
		Metadata: CycloneDXMetadata{
			Timestamp: g.clock.Now().UTC().Format(time.RFC3339),
			Tools: []CycloneDXTool{
				{Vendor: "pipeline-copilot", Name: "scan-orchestrator", Version: g.toolVersion},
			},
		},
		Components: []CycloneDXComponent{},
	}

	if report.Target != "" {
		bom.Metadata.Component = &CycloneDXComponent{
			Type:   "application",
			BOMRef: serialNumber,
			Name:   report.Target,
		}
	}

	seen := make(map[string]bool)
	for _, v := range report.Vulnerabilities {
		ref := componentRef(v.AffectedComponent)
		if !seen[ref] {
			seen[ref] = true
			name, version := splitComponent(v.AffectedComponent)
			bom.Components = append(bom.Components, CycloneDXComponent{
				Type:    "library",
				BOMRef:  ref,
				Name:    name,
				Version: version,
			})
		}

		rating := CycloneDXRating{Severity: string(v.Severity)}
		if v.CVSSScore > 0 {
			rating.Score = v.CVSSScore
			rating.Method = "CVSSv3"
		}
		bom.Vulnerabilities = append(bom.Vulnerabilities, CycloneDXVulnerability{
			ID:          v.ID,
			Description: v.Description,
			Ratings:     []CycloneDXRating{rating},
			Affects:     []CycloneDXAffects{{Ref: ref}},
		})
	}

	return bom
}

// Write serializes the BOM as indented JSON.
func (g *SBOMGenerator) Write(bom *CycloneDXBOM, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(bom)
}

// splitComponent parses name@version; the last @ splits so scoped names
// like @types/node@1.2.3 keep their prefix.
func splitComponent(component string) (name, version string) {
	if idx := strings.LastIndex(component, "@"); idx > 0 {
		return component[:idx], component[idx+1:]
	}
	return component, ""
}

func componentRef(component string) string {
	name, version := splitComponent(component)
	if version != "" {
		return fmt.Sprintf("pkg:generic/%s@%s", name, version)
	}
	return fmt.Sprintf("pkg:generic/%s", name)
}
