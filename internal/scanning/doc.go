// Package scanning is the boundary to the external scan engine.
//
// A Scanner turns a target list and options into a Stream of incremental
// updates. Streams are lazy, finite and cannot be restarted: once Next has
// returned io.EOF or an error it keeps returning it.
//
// # Updates
//
// Three kinds of update flow out of a stream:
//   - UpdateProgress: a percentage and a task label
//   - UpdateHost: one scanned host with its ports
//   - UpdateFinding: one vulnerability finding
//
// The job manager translates these into progress and vulnerability events and
// folds hosts into the job's result snapshot.
//
// # Nmap
//
// NmapScanner drives the nmap binary through github.com/Ullaakut/nmap/v3. It
// scans targets one at a time so progress can be reported between targets,
// caps concurrent nmap processes with a ProcessLimiter and extracts findings
// from vulners and vuln-category NSE script output. A non-zero nmap exit is
// returned unchanged so its diagnostic reaches the job's failure detail.
//
// Severity of findings without a CVSS score is decided by a Classifier, which
// callers may replace.
package scanning
