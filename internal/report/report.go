// Package report assembles, signs and writes the throughput report that a
// run produces. Reports are signed so the receiving side can tell a genuine
// measurement from an edited one; signing is over the report's canonical
// JSON bytes with RSA-SHA256 (PKCS#1 v1.5).
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/loglineproject/logline/internal/engine"
)

// QueueThroughput is one queue's measured throughput. A null throughput means
// the queue was seen but produced no countable activity (send-only, no data).
type QueueThroughput struct {
	QueueName  string `json:"queueName"`
	Throughput *int64 `json:"throughput"`
	// Scope qualifies which sub-stream the value covers, e.g. the UTC day a
	// daily metrics total was taken from.
	Scope string `json:"scope,omitempty"`
}

// Window is the observation window the report covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Duration is the configured window length, which End-Start can
	// undershoot when a run is cancelled early.
	Duration string `json:"duration"`
}

// Report is the complete result of one measurement run.
type Report struct {
	ReportID           string            `json:"reportId"`
	ToolVersion        string            `json:"toolVersion"`
	SourceKind         string            `json:"sourceKind"`
	CustomerIdentifier string            `json:"customerIdentifier"`
	Window             Window            `json:"window"`
	Queues             []QueueThroughput `json:"queues"`
	TotalThroughput    int64             `json:"totalThroughput"`
	Partial            bool              `json:"partial,omitempty"`
	GeneratedAt        time.Time         `json:"generatedAt"`
}

// SignedReport wraps a report with its detached signature. Signature is the
// base64 RSA-SHA256 signature over the report's canonical JSON bytes, and is
// empty when no signing key was configured.
type SignedReport struct {
	Report    Report `json:"report"`
	Signature string `json:"signature,omitempty"`
}

// New assembles a report from a run's results. TotalThroughput sums the
// queues that produced a number; null throughputs contribute nothing.
func New(sourceKind, customerIdentifier, toolVersion string, window engine.Window, results []engine.ThroughputResult, partial bool) Report {
	queues := make([]QueueThroughput, len(results))
	total := int64(0)
	for i, result := range results {
		queues[i] = QueueThroughput{
			QueueName:  result.Queue,
			Throughput: result.Throughput,
			Scope:      result.Scope,
		}
		if result.Throughput != nil {
			total += *result.Throughput
		}
	}
	return Report{
		ReportID:           uuid.New().String(),
		ToolVersion:        toolVersion,
		SourceKind:         sourceKind,
		CustomerIdentifier: customerIdentifier,
		Window: Window{
			Start:    window.Start,
			End:      window.End,
			Duration: window.Duration.String(),
		},
		Queues:          queues,
		TotalThroughput: total,
		Partial:         partial,
		GeneratedAt:     time.Now().UTC(),
	}
}

// canonicalBytes is the byte sequence signatures are computed over. Go's
// json.Marshal of a struct is deterministic (declaration-order fields, no
// maps), so marshalling the report again at verification time reproduces the
// signed bytes exactly.
func canonicalBytes(r Report) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling report for signing")
	}
	return payload, nil
}

// Unsigned wraps a report without a signature.
func Unsigned(r Report) SignedReport {
	return SignedReport{Report: r}
}

// Filename is the canonical report file name for a source kind and
// generation time.
func Filename(sourceKind string, generatedAt time.Time) string {
	return fmt.Sprintf("logline-report-%s-%s.json", sourceKind, generatedAt.UTC().Format("20060102T150405Z"))
}

// Write renders the report as indented JSON into directory under its
// canonical file name. Reports describe a customer's infrastructure, so the
// file is only readable by its owner.
func Write(directory string, signed SignedReport) (string, error) {
	data, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshalling report")
	}

	path := filepath.Join(directory, Filename(signed.Report.SourceKind, signed.Report.GeneratedAt))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", errors.Wrap(err, "writing report file")
	}
	return path, nil
}

// Read loads a signed report file written by Write.
func Read(path string) (SignedReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SignedReport{}, errors.Wrap(err, "reading report file")
	}
	var signed SignedReport
	if err := json.Unmarshal(data, &signed); err != nil {
		return SignedReport{}, errors.Wrap(err, "parsing report file")
	}
	return signed, nil
}
