package export

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanwatch/internal/models"
)

// JSONFormatter renders the full job snapshot as indented JSON.
type JSONFormatter struct{}

func (JSONFormatter) Format(job *models.ScanJob) ([]byte, error) {
	return json.MarshalIndent(job, "", "  ")
}

func (JSONFormatter) ContentType() string   { return "application/json" }
func (JSONFormatter) FileExtension() string { return "json" }

// YAMLFormatter renders the full job snapshot as YAML.
type YAMLFormatter struct{}

func (YAMLFormatter) Format(job *models.ScanJob) ([]byte, error) {
	return yaml.Marshal(job)
}

func (YAMLFormatter) ContentType() string   { return "application/yaml" }
func (YAMLFormatter) FileExtension() string { return "yaml" }
