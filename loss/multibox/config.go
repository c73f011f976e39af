package multibox

import (
	"runtime"

	"github.com/pkg/errors"
)

const (
	// DefaultNumClasses is the number of channels of the attribute and class heads.
	DefaultNumClasses = 2
	// DefaultNegPosRatio is the number of hard negatives mined per positive anchor.
	DefaultNegPosRatio = 3
	// DefaultEpsilon is the probability clipping bound used by the cross-entropy.
	DefaultEpsilon = 1e-7
)

// Config holds the loss hyper parameters.
type Config struct {
	// NumClasses is the width C of the attribute and class heads.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// NegPosRatio is the number of hard negatives kept per positive anchor.
	NegPosRatio float32 `json:"neg_pos_ratio" yaml:"neg_pos_ratio"`
	// FromLogits treats predictions as raw logits instead of probabilities.
	FromLogits bool `json:"from_logits" yaml:"from_logits"`
	// Epsilon clips probabilities to [Epsilon, 1-Epsilon] before taking the log.
	Epsilon float32 `json:"epsilon" yaml:"epsilon"`
	// ValidateLabels checks every class_label against {-1, 0, 1}.
	ValidateLabels bool `json:"validate_labels" yaml:"validate_labels"`
	// Workers bounds the goroutines ranking batch items. Zero means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the configuration the face/smile detector trains with.
func DefaultConfig() Config {
	return Config{
		NumClasses:  DefaultNumClasses,
		NegPosRatio: DefaultNegPosRatio,
		Epsilon:     DefaultEpsilon,
	}
}

// Validate checks the configuration.
//
// Returns:
//   - error: ErrInvalidConfig wrapped with the offending field.
func (c Config) Validate() error {
	if c.NumClasses < 2 {
		return errors.Wrapf(ErrInvalidConfig, "num_classes must be >= 2, got %d", c.NumClasses)
	}
	if !(c.NegPosRatio > 0) {
		return errors.Wrapf(ErrInvalidConfig, "neg_pos_ratio must be > 0, got %v", c.NegPosRatio)
	}
	if !(c.Epsilon > 0 && c.Epsilon < 0.5) {
		return errors.Wrapf(ErrInvalidConfig, "epsilon must be in (0, 0.5), got %v", c.Epsilon)
	}
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers must be >= 0, got %d", c.Workers)
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}
