// Package cli provides the command-line interface for scanwatch.
// This file implements the job commands that talk to a running server.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/anstrom/scanwatch/internal/client"
	"github.com/anstrom/scanwatch/internal/models"
)

const exportFilePerm = 0600

var (
	// submit flags
	submitOptions models.ScanOptions

	// jobs list flags
	listAll    bool
	listStates []string
	listLimit  int
	listOffset int

	jobsOutput string

	// export flags
	exportFormat string
	exportOutput string
)

// submitCmd submits a scan job.
var submitCmd = &cobra.Command{
	Use:   "submit <targets...>",
	Short: "Submit a scan job",
	Long: `Submit a scan job for one or more targets. Targets may be IP addresses,
CIDR ranges or hostnames. The job id is printed on success; use
'scanwatch watch' or 'scanwatch jobs get' to follow it.`,
	Example: `  scanwatch submit 192.168.1.10
  scanwatch submit 10.0.0.0/24 --ports 22,80,443 --timing polite
  scanwatch submit example.com --vuln --service-detection`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiClient, err := newAPIClient()
		if err != nil {
			return err
		}
		defer apiClient.Close()

		opts := submitOptions
		opts.Scripts = compact(opts.Scripts)
		id, err := apiClient.Submit(cmd.Context(), args, opts)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

// jobsCmd groups the job management commands.
var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job"},
	Short:   "List, inspect and cancel scan jobs",
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var jobsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs",
	Long: `List scan jobs. Only unfinished jobs are shown unless --all or --state
is given.`,
	Example: `  scanwatch jobs list
  scanwatch jobs list --all
  scanwatch jobs list --state completed,failed --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		states, err := parseStates(listStates)
		if err != nil {
			return err
		}

		apiClient, err := newAPIClient()
		if err != nil {
			return err
		}
		defer apiClient.Close()

		var jobs []*models.ScanJob
		if !listAll && len(states) == 0 {
			jobs, err = apiClient.ListActive(cmd.Context())
		} else {
			jobs, err = apiClient.List(cmd.Context(), states, listLimit, listOffset)
		}
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		return renderJobs(cmd.OutOrStdout(), jobs, jobsOutput)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a job and its results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiClient, err := newAPIClient()
		if err != nil {
			return err
		}
		defer apiClient.Close()

		job, err := apiClient.Query(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		return renderJob(cmd.OutOrStdout(), job, jobsOutput)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiClient, err := newAPIClient()
		if err != nil {
			return err
		}
		defer apiClient.Close()

		if err := apiClient.Cancel(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s\n", args[0])
		return nil
	},
}

// exportCmd downloads a rendered job result.
var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export the results of a completed job",
	Long: `Export the results of a completed job. Supported formats are listed by
the server under /api/v1/formats. Without --output the artifact is written
to a file named after the job in the current directory; use --output - for
stdout.`,
	Example: `  scanwatch export 3f2c... --format pdf
  scanwatch export 3f2c... --format cyclonedx --output sbom.json
  scanwatch export 3f2c... --format csv --output -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiClient, err := newAPIClient()
		if err != nil {
			return err
		}
		defer apiClient.Close()

		artifact, err := apiClient.Export(cmd.Context(), args[0], exportFormat)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		if exportOutput == "-" {
			_, err := cmd.OutOrStdout().Write(artifact.Data)
			return err
		}
		path := exportOutput
		if path == "" {
			path = filepath.Base(artifact.Filename)
		}
		if err := os.WriteFile(path, artifact.Data, exportFilePerm); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes, %s)\n", path, len(artifact.Data), artifact.ContentType)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, jobsCmd, exportCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsCancelCmd)

	addScanOptionFlags(submitCmd.Flags(), &submitOptions)

	jobsListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include finished jobs")
	jobsListCmd.Flags().StringSliceVar(&listStates, "state", nil, "filter by state (queued, running, completed, failed, cancelled)")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of jobs")
	jobsListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of jobs to skip")
	jobsCmd.PersistentFlags().StringVarP(&jobsOutput, "output", "o", outputTable, "output format (table, json)")

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "export format")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file, - for stdout")
}

// addScanOptionFlags registers one flag per scan option.
func addScanOptionFlags(f *pflag.FlagSet, opts *models.ScanOptions) {
	f.StringVarP(&opts.Ports, "ports", "p", "", "ports to scan (e.g. 22,80,443 or 1-1024)")
	f.StringVarP(&opts.ScanType, "type", "t", "", "scan type: connect, syn, udp, ack, version, aggressive")
	f.StringVar(&opts.Timing, "timing", "", "timing template: paranoid, sneaky, polite, normal, aggressive, insane")
	f.IntVar(&opts.TimeoutSeconds, "timeout", 0, "per-job timeout in seconds")
	f.BoolVar(&opts.ServiceDetection, "service-detection", false, "detect service versions")
	f.BoolVar(&opts.OSDetection, "os-detection", false, "detect operating systems")
	f.BoolVar(&opts.VulnScan, "vuln", false, "run vulnerability scripts")
	f.StringSliceVar(&opts.Scripts, "script", nil, "additional nmap scripts")
	f.IntVar(&opts.MinRate, "min-rate", 0, "minimum packets per second")
	f.IntVar(&opts.MaxRate, "max-rate", 0, "maximum packets per second")
}

// newAPIClient creates an API client from the loaded configuration.
func newAPIClient() (*client.HTTPAPI, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.NewHTTPAPI(cfg.Client.ServerURL, cfg.Client.APIKey, cfg.Client.RequestTimeout), nil
}

func parseStates(raw []string) ([]models.JobState, error) {
	var states []models.JobState
	for _, r := range compact(raw) {
		s := models.JobState(strings.ToLower(r))
		if !s.Valid() {
			return nil, fmt.Errorf("unknown job state %q", r)
		}
		states = append(states, s)
	}
	return states, nil
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

