package metrics

import (
	"strconv"
	"time"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// Metric names recorded during a run
const (
	MetricChiSq          = "chi_sq"
	MetricResidualNorm   = "residual_norm"
	MetricRank           = "rank"
	MetricConverged      = "converged"
	MetricEquationRows   = "equation_rows"
	MetricSolveLatency   = "solve_latency_ms"
	MetricIterations     = "iterations"
	MetricChunkLatency   = "chunk_latency_ms"
	MetricFailedCommands = "failed_commands"
)

// CellLabels labels a series by chunk and solve cell
func CellLabels(chunk, cell int) map[string]string {
	return map[string]string{
		"chunk": strconv.Itoa(chunk),
		"cell":  strconv.Itoa(cell),
	}
}

// KernelLabels labels a series by kernel
func KernelLabels(kernel string) map[string]string {
	return map[string]string{"kernel": kernel}
}

// RecordCellSolution records the diagnostics of one solved cell
func RecordCellSolution(c *Collector, chunk int, s models.CellSolution, at time.Time) {
	labels := CellLabels(chunk, s.CellID)
	c.Record(MetricChiSq, s.ChiSq, at, labels)
	c.Record(MetricResidualNorm, s.ResidualNorm, at, labels)
	c.Record(MetricRank, float64(s.Rank), at, labels)
	converged := 0.0
	if s.Readiness == models.ReadinessConverged {
		converged = 1
	}
	c.Record(MetricConverged, converged, at, labels)
}

// RecordEquationRows records the rows a kernel contributed in one round
func RecordEquationRows(c *Collector, kernel string, rows int) {
	c.RecordNow(MetricEquationRows, float64(rows), KernelLabels(kernel))
}

// RecordSolveLatency records how long one solve step took
func RecordSolveLatency(c *Collector, chunk int, d time.Duration) {
	c.RecordNow(MetricSolveLatency, float64(d.Microseconds())/1000, map[string]string{"chunk": strconv.Itoa(chunk)})
}

// RecordChunk records the iterations and wall time a chunk needed
func RecordChunk(c *Collector, chunk, iterations int, d time.Duration) {
	labels := map[string]string{"chunk": strconv.Itoa(chunk)}
	c.RecordNow(MetricIterations, float64(iterations), labels)
	c.RecordNow(MetricChunkLatency, float64(d.Microseconds())/1000, labels)
}

// SummaryAttrs flattens a summary into slog key/value pairs
func SummaryAttrs(s *Summary) []any {
	attrs := []any{"duration", s.Duration.String()}
	for _, name := range []string{MetricChiSq, MetricResidualNorm, MetricIterations, MetricEquationRows, MetricSolveLatency} {
		if agg, ok := s.Aggregations[name]; ok {
			attrs = append(attrs, name+"_mean", agg.Mean, name+"_max", agg.Max)
		}
	}
	return attrs
}
