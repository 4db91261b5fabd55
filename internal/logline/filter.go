package logline

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/loglineproject/logline/internal/engine"
)

// queueFilter restricts a run to an explicit set of queues. The zero filter
// allows everything.
type queueFilter struct {
	allowed map[string]bool
}

type queueFilterFile struct {
	Queues []string `yaml:"queues"`
}

// loadQueueFilter reads a YAML file of the form
//
//	queues:
//	  - orders
//	  - billing
//
// naming the only queues to report on. An empty path allows every discovered
// queue; a filter file naming no queues is a configuration error, because it
// would silently filter out the entire run.
func loadQueueFilter(path string) (*queueFilter, error) {
	if path == "" {
		return &queueFilter{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var file queueFilterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "error parsing queue filter file %s", path)
	}
	if len(file.Queues) == 0 {
		return nil, errors.Errorf("queue filter file %s names no queues", path)
	}
	allowed := make(map[string]bool, len(file.Queues))
	for _, queue := range file.Queues {
		allowed[queue] = true
	}
	return &queueFilter{allowed: allowed}, nil
}

// Apply returns the queues the filter admits, preserving order.
func (f *queueFilter) Apply(queues []string) []string {
	if f.allowed == nil {
		return queues
	}
	filtered := make([]string, 0, len(queues))
	for _, queue := range queues {
		if f.allowed[queue] {
			filtered = append(filtered, queue)
		}
	}
	return filtered
}

// ApplyResults returns the results whose queues the filter admits.
func (f *queueFilter) ApplyResults(results []engine.ThroughputResult) []engine.ThroughputResult {
	if f.allowed == nil {
		return results
	}
	filtered := make([]engine.ThroughputResult, 0, len(results))
	for _, result := range results {
		if f.allowed[result.Queue] {
			filtered = append(filtered, result)
		}
	}
	return filtered
}
