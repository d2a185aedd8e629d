package scanning

import (
	"strings"

	"github.com/anstrom/scanwatch/internal/models"
)

// Classifier assigns a severity and score to a finding.
type Classifier interface {
	Classify(f models.Finding) (models.Severity, float64)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(f models.Finding) (models.Severity, float64)

// Classify implements Classifier.
func (fn ClassifierFunc) Classify(f models.Finding) (models.Severity, float64) {
	return fn(f)
}

// CVSSClassifier buckets findings by CVSS score. Unscored findings that nmap
// marked as exploitable rank high, other unscored findings medium.
type CVSSClassifier struct{}

// Classify implements Classifier.
func (CVSSClassifier) Classify(f models.Finding) (models.Severity, float64) {
	if f.Score > 0 {
		return models.SeverityFromScore(f.Score), f.Score
	}
	if f.ExploitAvailable || strings.Contains(strings.ToUpper(f.Description), "EXPLOITABLE") {
		return models.SeverityHigh, 0
	}
	return models.SeverityMedium, 0
}
