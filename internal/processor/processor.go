// Package processor adapts the enhancement model behind a small interface
// and computes quality metrics for its output.
package processor

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/cuongbtq/image-enhancer/internal/config"
)

// Processor upscales one image. Implementations are not assumed safe for
// concurrent use; each worker slot owns its own instance.
type Processor interface {
	Enhance(ctx context.Context, img image.Image, scale int) (image.Image, error)
	Close() error
}

// Factory builds a fresh Processor; it is called lazily and again after recycling
type Factory func() (Processor, error)

// NewFactory returns the factory selected by cfg.Driver
func NewFactory(cfg config.ProcessorConfig, logger *slog.Logger) (Factory, error) {
	switch cfg.Driver {
	case config.ProcessorDriverLanczos, "":
		if cfg.Device != "" && cfg.Device != "cpu" {
			logger.Warn("Lanczos processor runs on cpu only, ignoring device",
				slog.String("device", cfg.Device),
			)
		}
		return func() (Processor, error) {
			return NewLanczos(cfg.TileSize, cfg.TilePad), nil
		}, nil
	case config.ProcessorDriverRemote:
		return func() (Processor, error) {
			return NewRemote(RemoteConfig{
				URL:           cfg.Remote.URL,
				Device:        cfg.Device,
				RetryAttempts: cfg.Remote.RetryAttempts,
				Timeout:       cfg.Timeout,
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown processor driver: %q", cfg.Driver)
	}
}
