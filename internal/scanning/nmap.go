package scanning

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ullaakut/nmap/v3"
	"github.com/google/uuid"

	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

const (
	// Progress reported before the first target and the share spread across targets.
	// The manager reports 100 itself once the stream ends.
	progressStart = 10
	progressSpan  = 70

	topPortsCount = 100
)

// NmapConfig configures NmapScanner.
type NmapConfig struct {
	// BinaryPath overrides the nmap executable; empty means $PATH lookup.
	BinaryPath string
	// SkipHostDiscovery treats every target as up (-Pn).
	SkipHostDiscovery bool
}

// NmapScanner runs scans through the nmap binary.
type NmapScanner struct {
	config     NmapConfig
	limiter    ProcessLimiter
	classifier Classifier
	logger     *logging.Logger
	run        func(ctx context.Context, opts ...nmap.Option) (*nmap.Run, []string, error)
}

// NewNmapScanner creates a scanner. A nil limiter allows one nmap process at a
// time and a nil classifier falls back to CVSSClassifier.
func NewNmapScanner(cfg NmapConfig, limiter ProcessLimiter, classifier Classifier, logger *logging.Logger) *NmapScanner {
	if limiter == nil {
		limiter = NewFixedProcessLimiter(1)
	}
	if classifier == nil {
		classifier = CVSSClassifier{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &NmapScanner{
		config:     cfg,
		limiter:    limiter,
		classifier: classifier,
		logger:     logger.WithComponent("nmap"),
		run:        runNmap,
	}
}

func runNmap(ctx context.Context, opts ...nmap.Option) (*nmap.Run, []string, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create nmap scanner: %w", err)
	}
	result, warnings, err := scanner.Run()
	var w []string
	if warnings != nil {
		w = *warnings
	}
	return result, w, err
}

// Scan implements Scanner.
func (s *NmapScanner) Scan(ctx context.Context, targets []string, opts models.ScanOptions) (Stream, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets specified")
	}
	opts = opts.WithDefaults()
	targets = append([]string(nil), targets...)

	return NewStream(ctx, func(ctx context.Context, emit Emit) error {
		if err := emit(ProgressUpdate(progressStart, "scanning "+targets[0])); err != nil {
			return err
		}
		for i, target := range targets {
			if err := s.scanTarget(ctx, target, opts, emit); err != nil {
				return err
			}
			if i < len(targets)-1 {
				progress := progressStart + progressSpan*(i+1)/len(targets)
				if err := emit(ProgressUpdate(progress, "scanning "+targets[i+1])); err != nil {
					return err
				}
			}
		}
		return nil
	}), nil
}

func (s *NmapScanner) scanTarget(ctx context.Context, target string, opts models.ScanOptions, emit Emit) error {
	key := target + "/" + uuid.NewString()
	if err := s.limiter.Acquire(ctx, key); err != nil {
		return err
	}
	result, warnings, err := s.run(ctx, s.buildOptions(target, opts)...)
	held := s.limiter.Release(key)
	s.logger.Debug("nmap process finished", "target", target, "duration", held)

	for _, w := range warnings {
		s.logger.Warn("nmap warning", "target", target, "warning", w)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Error("nmap failed", "target", target, "error", err)
		return err
	}
	if result == nil {
		return nil
	}

	for i := range result.Hosts {
		nh := &result.Hosts[i]
		host := convertHost(nh)
		if host.Address == "" {
			continue
		}
		if err := emit(HostUpdate(host)); err != nil {
			return err
		}
		for _, f := range findingsFromHost(nh, host.Address, s.classifier) {
			if err := emit(FindingUpdate(f)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *NmapScanner) buildOptions(target string, opts models.ScanOptions) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithVerbosity(1),
	}
	if s.config.BinaryPath != "" {
		options = append(options, nmap.WithBinaryPath(s.config.BinaryPath))
	}
	if s.config.SkipHostDiscovery {
		options = append(options, nmap.WithSkipHostDiscovery())
	}

	switch strings.ToLower(opts.Ports) {
	case "all":
		options = append(options, nmap.WithPorts("1-65535"))
	case "fast":
		options = append(options, nmap.WithFastMode())
	case "top-ports":
		options = append(options, nmap.WithMostCommonPorts(topPortsCount))
	default:
		options = append(options, nmap.WithPorts(opts.Ports))
	}

	switch opts.ScanType {
	case "syn":
		options = append(options, nmap.WithSYNScan())
	case "udp":
		options = append(options, nmap.WithUDPScan())
	case "ack":
		options = append(options, nmap.WithACKScan())
	case "version":
		options = append(options, nmap.WithConnectScan(), nmap.WithServiceInfo(), nmap.WithVersionAll())
	case "aggressive":
		options = append(options, nmap.WithConnectScan(), nmap.WithAggressiveScan())
	default:
		options = append(options, nmap.WithConnectScan())
	}

	options = append(options, nmap.WithTimingTemplate(timingTemplate(opts.Timing)))

	if opts.ServiceDetection && opts.ScanType != "version" {
		options = append(options, nmap.WithServiceInfo())
	}
	if opts.OSDetection {
		options = append(options, nmap.WithOSDetection())
	}

	scripts := append([]string(nil), opts.Scripts...)
	if opts.VulnScan {
		scripts = append(scripts, "vulners")
		if !opts.ServiceDetection && opts.ScanType != "version" {
			options = append(options, nmap.WithServiceInfo())
		}
	}
	if len(scripts) > 0 {
		options = append(options, nmap.WithScripts(dedupe(scripts)...))
	}

	if opts.MinRate > 0 {
		options = append(options, nmap.WithMinRate(opts.MinRate))
	}
	if opts.MaxRate > 0 {
		options = append(options, nmap.WithMaxRate(opts.MaxRate))
	}
	return options
}

func timingTemplate(name string) nmap.Timing {
	switch name {
	case "paranoid":
		return nmap.TimingSlowest
	case "sneaky":
		return nmap.TimingSneaky
	case "polite":
		return nmap.TimingPolite
	case "aggressive":
		return nmap.TimingAggressive
	case "insane":
		return nmap.TimingFastest
	default:
		return nmap.TimingNormal
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func convertHost(h *nmap.Host) models.Host {
	host := models.Host{Status: h.Status.State}
	if len(h.Addresses) > 0 {
		host.Address = h.Addresses[0].Addr
	}
	if len(h.Hostnames) > 0 {
		host.Hostname = h.Hostnames[0].Name
	}
	if len(h.OS.Matches) > 0 {
		host.OS = h.OS.Matches[0].Name
	}
	for _, p := range h.Ports {
		host.Ports = append(host.Ports, models.Port{
			Number:   p.ID,
			Protocol: p.Protocol,
			State:    p.State.State,
			Service:  p.Service.Name,
			Product:  p.Service.Product,
			Version:  p.Service.Version,
		})
	}
	return host
}
