// Package latency loads the per-layer, per-candidate hardware cost table used by the
// latency term of the search loss.
//
// The file format is plain text: one line per searchable layer, whitespace-separated
// non-negative floats, at least one value per candidate of that layer. Row order must
// match the order the searchable layers appear in the network.
package latency

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Table holds one row of candidate latency costs per searchable layer.
// It is immutable after Load.
type Table struct {
	rows [][]float32
}

// Load reads and validates a latency table.
//
// candidateCounts gives the number of candidates of each searchable layer, in network
// order. The file must have exactly one row per layer and each row at least as many
// values as that layer's candidate count. Extra trailing values are dropped with a
// warning: they may be over-provisioning for a larger search space, or a data error.
func Load(path string, candidateCounts []int) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read latency table from %q", path)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != len(candidateCounts) {
		return nil, errors.Errorf("latency table %q has %d rows, but the network has %d searchable layers",
			path, len(lines), len(candidateCounts))
	}

	rows := make([][]float32, len(lines))
	for layer, line := range lines {
		fields := strings.Fields(line)
		numCandidates := candidateCounts[layer]
		if len(fields) < numCandidates {
			return nil, errors.Errorf("latency table %q row %d has only %d values, layer has %d candidates",
				path, layer, len(fields), numCandidates)
		}
		if len(fields) > numCandidates {
			klog.Warningf("Latency table %q row %d has %d trailing values beyond the %d candidates, ignoring them",
				path, layer, len(fields)-numCandidates, numCandidates)
		}
		row := make([]float32, numCandidates)
		for ii := range numCandidates {
			value, err := strconv.ParseFloat(fields[ii], 32)
			if err != nil {
				return nil, errors.Wrapf(err, "latency table %q row %d: bad value %q", path, layer, fields[ii])
			}
			if value < 0 {
				return nil, errors.Errorf("latency table %q row %d: negative latency %g", path, layer, value)
			}
			row[ii] = float32(value)
		}
		rows[layer] = row
	}
	return &Table{rows: rows}, nil
}

// NumLayers returns the number of rows (== searchable layers) in the table.
func (t *Table) NumLayers() int {
	return len(t.rows)
}

// Row returns the latency costs of the candidates at the given searchable layer.
// The returned slice is owned by the table and must not be mutated.
func (t *Table) Row(layer int) []float32 {
	return t.rows[layer]
}
