package kernel

import (
	"context"
	"fmt"

	"github.com/GoSim-25-26J-441/calibration-core/internal/assembler"
	"github.com/GoSim-25-26J-441/calibration-core/internal/expr"
	"github.com/GoSim-25-26J-441/calibration-core/internal/parmstore"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
)

// OpenReader builds the data reader a kernel's configuration selects. The
// returned close function releases the reader's resources.
func OpenReader(ctx context.Context, obs config.Observation, k config.Kernel) (assembler.DataReader, func() error, error) {
	switch k.Data.Mode {
	case "", "simulate":
		truth, err := parmstore.Open(ctx, k.Data.Truth)
		if err != nil {
			return nil, nil, fmt.Errorf("kernel %s truth store: %w", k.Name, err)
		}
		model, err := expr.BuildModel(obs, k.Stations, ownedDomain(obs, k))
		if err != nil {
			truth.Close()
			return nil, nil, fmt.Errorf("kernel %s truth model: %w", k.Name, err)
		}
		release := truth.Close
		if _, ok := truth.(*parmstore.FileStore); ok {
			// truth documents are only read; closing would write them back
			release = func() error { return nil }
		}
		return assembler.NewSimulatedReader(model, truth, k.Data.Noise, k.Data.Seed), release, nil
	default:
		return nil, nil, fmt.Errorf("kernel %s: unknown data mode %q", k.Name, k.Data.Mode)
	}
}
