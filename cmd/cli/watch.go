// Package cli provides the command-line interface for scanwatch.
// This file implements the watch command, a live view over the event stream.
package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanwatch/internal/client"
	"github.com/anstrom/scanwatch/internal/models"
)

var watchJobs []string

// watchCmd follows jobs live until interrupted.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow job progress and alerts live",
	Long: `Connect to the server's event stream and print job updates, connection
state changes and alerts for failed jobs and vulnerability findings.

The connection is re-established automatically after a drop; jobs that
changed while disconnected are resynchronized from the server.`,
	Example: `  scanwatch watch
  scanwatch watch --job 3f2c...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := quietLogger(cmd.ErrOrStderr())

		transport, err := client.NewWebSocketTransport(cfg.Client.ServerURL, cfg.Client.APIKey, logger)
		if err != nil {
			return err
		}
		apiClient := client.NewHTTPAPI(cfg.Client.ServerURL, cfg.Client.APIKey, cfg.Client.RequestTimeout)
		defer apiClient.Close()

		sink := newPrintSink(cmd.OutOrStdout(), watchJobs)
		ctrl := client.New(transport, apiClient, sink, client.Config{
			ReconnectDelay: cfg.Client.ReconnectDelay,
			RequestTimeout: cfg.Client.RequestTimeout,
		}, client.WithLogger(logger))

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return ctrl.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchJobs, "job", nil, "only show these job ids")
}

// printSink renders controller callbacks as one line each.
type printSink struct {
	w      io.Writer
	filter map[string]bool
	last   map[string]string
}

func newPrintSink(w io.Writer, jobIDs []string) *printSink {
	s := &printSink{w: w, last: make(map[string]string)}
	if ids := compact(jobIDs); len(ids) > 0 {
		s.filter = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.filter[id] = true
		}
	}
	return s
}

func (s *printSink) wants(id string) bool {
	return s.filter == nil || s.filter[id]
}

// JobUpdated prints the job when its visible state changed.
func (s *printSink) JobUpdated(job *models.ScanJob) {
	if !s.wants(job.ID) {
		return
	}
	line := fmt.Sprintf("%-9s %3d%%  %s", job.State, job.Progress, job.CurrentTask)
	if job.State == models.StateFailed && job.Error != "" {
		line += "  error: " + job.Error
	}
	if job.State == models.StateCompleted && job.Result != nil {
		sum := job.Result.Summary
		line += fmt.Sprintf("  hosts up: %d, open ports: %d, findings: %d", sum.HostsUp, sum.OpenPorts, sum.Findings)
	}
	if s.last[job.ID] == line {
		return
	}
	s.last[job.ID] = line
	s.printf("%s  job %s  %s\n", stamp(job.UpdatedAt), job.ID, line)
}

// Alert prints failures and findings.
func (s *printSink) Alert(a client.Alert) {
	if !s.wants(a.JobID) {
		return
	}
	switch a.Kind {
	case client.AlertVulnerability:
		where := ""
		if a.Host != "" {
			where = " on " + a.Host
			if a.Port != 0 {
				where = fmt.Sprintf(" on %s:%d", a.Host, a.Port)
			}
		}
		s.printf("%s  ALERT job %s  [%s] %s%s: %s\n", stamp(a.Timestamp), a.JobID,
			strings.ToUpper(string(a.Severity)), a.FindingID, where, a.Message)
	default:
		s.printf("%s  ALERT job %s failed: %s\n", stamp(a.Timestamp), a.JobID, a.Message)
	}
}

// StateChanged prints connection transitions.
func (s *printSink) StateChanged(state client.State) {
	s.printf("%s  connection %s\n", stamp(time.Now()), state)
}

func (s *printSink) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.w, format, args...)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Local().Format("15:04:05")
}
