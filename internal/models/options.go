package models

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"

	"github.com/anstrom/scanwatch/internal/errors"
)

const (
	// DefaultPorts is scanned when a submission leaves ports empty.
	DefaultPorts = "1-1000"
	// DefaultTimeoutSeconds bounds a job when a submission leaves the timeout empty.
	DefaultTimeoutSeconds = 300
	// MaxTargets caps the number of targets in one submission.
	MaxTargets = 256

	maxHostnameLength = 253
	maxPort           = 65535
	portRangeParts    = 2
)

// ScanOptions tune how a job's targets are scanned.
type ScanOptions struct {
	Ports            string   `json:"ports,omitempty" yaml:"ports,omitempty" validate:"omitempty,ports"`
	ScanType         string   `json:"scan_type,omitempty" yaml:"scan_type,omitempty" validate:"omitempty,oneof=connect syn udp ack version aggressive"`
	Timing           string   `json:"timing,omitempty" yaml:"timing,omitempty" validate:"omitempty,oneof=paranoid sneaky polite normal aggressive insane"`
	TimeoutSeconds   int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=3600"`
	ServiceDetection bool     `json:"service_detection,omitempty" yaml:"service_detection,omitempty"`
	OSDetection      bool     `json:"os_detection,omitempty" yaml:"os_detection,omitempty"`
	VulnScan         bool     `json:"vuln_scan,omitempty" yaml:"vuln_scan,omitempty"`
	Scripts          []string `json:"scripts,omitempty" yaml:"scripts,omitempty" validate:"omitempty,max=32,dive,script"`
	MaxRate          int      `json:"max_rate,omitempty" yaml:"max_rate,omitempty" validate:"omitempty,min=1"`
	MinRate          int      `json:"min_rate,omitempty" yaml:"min_rate,omitempty" validate:"omitempty,min=1"`
}

// WithDefaults fills unset fields.
func (o ScanOptions) WithDefaults() ScanOptions {
	if o.Ports == "" {
		o.Ports = DefaultPorts
	}
	if o.ScanType == "" {
		o.ScanType = "connect"
	}
	if o.Timing == "" {
		o.Timing = "normal"
	}
	if o.TimeoutSeconds == 0 {
		o.TimeoutSeconds = DefaultTimeoutSeconds
	}
	return o
}

// Clone returns a copy that shares no slices with o.
func (o ScanOptions) Clone() ScanOptions {
	o.Scripts = append([]string(nil), o.Scripts...)
	return o
}

type submission struct {
	Targets []string    `validate:"required,min=1,max=256,dive,required,target"`
	Options ScanOptions
}

var (
	validateOnce sync.Once
	validate     *validator.Validate

	scriptNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	hostLabelPattern  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("ports", func(fl validator.FieldLevel) bool {
			return ValidatePorts(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("target", func(fl validator.FieldLevel) bool {
			return ValidateTarget(fl.Field().String()) == nil
		})
		_ = v.RegisterValidation("script", func(fl validator.FieldLevel) bool {
			return scriptNamePattern.MatchString(fl.Field().String())
		})
		v.RegisterStructValidation(func(sl validator.StructLevel) {
			o := sl.Current().Interface().(ScanOptions)
			if o.MinRate > 0 && o.MaxRate > 0 && o.MinRate > o.MaxRate {
				sl.ReportError(o.MinRate, "MinRate", "min_rate", "ltemaxrate", "")
			}
		}, ScanOptions{})
		validate = v
	})
	return validate
}

// ValidateSubmission checks a job submission and returns a VALIDATION error
// describing every offending field.
func ValidateSubmission(targets []string, opts ScanOptions) error {
	if len(targets) == 0 {
		return errors.ErrValidation("at least one target is required")
	}
	err := getValidator().Struct(submission{Targets: targets, Options: opts})
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.WrapJobError(errors.CodeValidation, err.Error(), err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return errors.WrapJobError(errors.CodeValidation, strings.Join(msgs, "; "), err)
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "submission.")
	switch fe.Tag() {
	case "target":
		return fmt.Sprintf("%s: invalid target %q", field, fe.Value())
	case "ports":
		return fmt.Sprintf("%s: invalid port specification %q", field, fe.Value())
	case "script":
		return fmt.Sprintf("%s: invalid script name %q", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", field, fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s: must satisfy %s=%s", field, fe.Tag(), fe.Param())
	case "ltemaxrate":
		return fmt.Sprintf("%s: must not exceed max_rate", field)
	default:
		return fmt.Sprintf("%s: failed %s", field, fe.Tag())
	}
}

// ValidateTarget accepts an IP address, a CIDR network, an IPv4 last-octet
// range such as 10.0.0.1-20, or a hostname.
func ValidateTarget(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("empty target")
	}
	if net.ParseIP(target) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(target); err == nil {
		return nil
	}
	if idx := strings.LastIndex(target, "-"); idx > 0 && net.ParseIP(target[:idx]) != nil {
		return validateIPRange(target)
	}
	return validateHostname(target)
}

func validateIPRange(target string) error {
	idx := strings.LastIndex(target, "-")
	start := net.ParseIP(target[:idx]).To4()
	if start == nil {
		return fmt.Errorf("invalid range start in %q", target)
	}
	end, err := strconv.Atoi(target[idx+1:])
	if err != nil || end < int(start[3]) || end > 255 {
		return fmt.Errorf("invalid range end in %q", target)
	}
	return nil
}

func validateHostname(target string) error {
	if len(target) > maxHostnameLength {
		return fmt.Errorf("hostname too long")
	}
	if _, ok := dns.IsDomainName(target); !ok {
		return fmt.Errorf("invalid hostname %q", target)
	}
	labels := dns.SplitDomainName(target)
	if len(labels) == 0 {
		return fmt.Errorf("invalid hostname %q", target)
	}
	numeric := true
	for _, label := range labels {
		if !hostLabelPattern.MatchString(label) {
			return fmt.Errorf("invalid hostname label %q", label)
		}
		if _, err := strconv.Atoi(label); err != nil {
			numeric = false
		}
	}
	if numeric {
		return fmt.Errorf("invalid address %q", target)
	}
	return nil
}

// ValidatePorts accepts the keywords all, fast and top-ports, or a comma
// separated list of ports and ascending ranges within 1-65535.
func ValidatePorts(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("no ports specified")
	}
	switch strings.ToLower(spec) {
	case "all", "fast", "top-ports":
		return nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := validatePortPart(part); err != nil {
			return err
		}
	}
	return nil
}

func validatePortPart(part string) error {
	if !strings.Contains(part, "-") {
		_, err := parsePort(part)
		return err
	}
	bounds := strings.Split(part, "-")
	if len(bounds) != portRangeParts {
		return fmt.Errorf("invalid port range format: %s", part)
	}
	start, err := parsePort(bounds[0])
	if err != nil {
		return err
	}
	end, err := parsePort(bounds[1])
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("invalid port range %s: start must be below end", part)
	}
	return nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port: %s", s)
	}
	if p < 1 || p > maxPort {
		return 0, fmt.Errorf("invalid port: %d (must be 1-65535)", p)
	}
	return p, nil
}
