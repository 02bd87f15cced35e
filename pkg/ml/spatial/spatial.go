// Package spatial describes and validates spatial partition configurations:
// how input images are split into tiles across the devices of a
// model-parallel group.
//
// Convolution stacks truncate odd-sized inputs at layer boundaries, so a
// non-power-of-two tile silently corrupts the activations a neighboring
// device receives. Validation therefore requires the image size and every
// post-partition tile size to be exact powers of two, and it runs before any
// buffer is allocated.
package spatial

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SliceMethod selects how an image is cut into spatial parts.
type SliceMethod int

const (
	// Square cuts the image into a square grid of tiles.
	Square SliceMethod = iota
	// Vertical cuts the image into full-height column strips.
	Vertical
	// Horizontal cuts the image into full-width row strips.
	Horizontal
)

// String implements fmt.Stringer.
func (m SliceMethod) String() string {
	switch m {
	case Square:
		return "square"
	case Vertical:
		return "vertical"
	case Horizontal:
		return "horizontal"
	}
	return fmt.Sprintf("SliceMethod(%d)", int(m))
}

// ParseSliceMethod converts a string (as used in flags) to a SliceMethod.
func ParseSliceMethod(s string) (SliceMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "square":
		return Square, nil
	case "vertical":
		return Vertical, nil
	case "horizontal":
		return Horizontal, nil
	}
	return 0, errors.Errorf("unknown slice method %q, expected square, vertical or horizontal", s)
}

// Config is a spatial partition configuration for one replica's pipeline.
type Config struct {
	// SliceMethod used to cut images into tiles.
	SliceMethod SliceMethod

	// ImageSize is the input's height and width in pixels (square inputs).
	ImageSize int

	// NumSpatialPartsList gives the number of spatial parts at each spatial
	// pipeline stage, outermost first. One entry per spatial stage.
	NumSpatialPartsList []int

	// SpatialSize is the number of pipeline stages that are spatially
	// partitioned; it must equal len(NumSpatialPartsList).
	SpatialSize int
}

// SpatialPartSize returns the partition count of the first spatial stage,
// the one that determines the device-rank range of a replica.
func (cfg Config) SpatialPartSize() int {
	return cfg.NumSpatialPartsList[0]
}

// Validate checks the generic spatial validity of the configuration:
// power-of-two image, power-of-two part counts, and power-of-two tile sizes
// under the configured slice method.
func (cfg Config) Validate() error {
	if cfg.SpatialSize < 1 {
		return errors.Errorf("spatial: SpatialSize must be >= 1, got %d", cfg.SpatialSize)
	}
	if len(cfg.NumSpatialPartsList) != cfg.SpatialSize {
		return errors.Errorf("spatial: NumSpatialPartsList has %d entries, SpatialSize is %d",
			len(cfg.NumSpatialPartsList), cfg.SpatialSize)
	}
	if !isPowerOfTwo(cfg.ImageSize) {
		return errors.Errorf("spatial: image size %d is not a power of two; odd tile sizes truncate at convolution boundaries", cfg.ImageSize)
	}
	for stage, parts := range cfg.NumSpatialPartsList {
		if !isPowerOfTwo(parts) {
			return errors.Errorf("spatial: stage %d has %d spatial parts, not a power of two", stage, parts)
		}
		if err := cfg.validateTile(stage, parts); err != nil {
			return err
		}
	}
	return nil
}

// validateTile checks that cutting the image into parts tiles under the
// slice method leaves power-of-two tile dimensions.
func (cfg Config) validateTile(stage, parts int) error {
	switch cfg.SliceMethod {
	case Vertical, Horizontal:
		if parts > cfg.ImageSize {
			return errors.Errorf("spatial: stage %d cuts image of size %d into %d %s strips",
				stage, cfg.ImageSize, parts, cfg.SliceMethod)
		}
		if !isPowerOfTwo(cfg.ImageSize / parts) {
			return errors.Errorf("spatial: stage %d %s strip size %d is not a power of two",
				stage, cfg.SliceMethod, cfg.ImageSize/parts)
		}
	case Square:
		side := intSqrt(parts)
		if side*side != parts {
			return errors.Errorf("spatial: stage %d has %d parts, square slicing needs a perfect square", stage, parts)
		}
		if side > cfg.ImageSize {
			return errors.Errorf("spatial: stage %d cuts image of size %d into a %dx%d grid",
				stage, cfg.ImageSize, side, side)
		}
		if !isPowerOfTwo(cfg.ImageSize / side) {
			return errors.Errorf("spatial: stage %d square tile size %d is not a power of two",
				stage, cfg.ImageSize/side)
		}
	default:
		return errors.Errorf("spatial: unknown slice method %d", int(cfg.SliceMethod))
	}
	return nil
}

// ValidateDualReplica checks the configuration for two co-resident replicas
// with inverse device mappings on a model-parallel group of mpSize ranks.
//
// On top of Validate, the group must be large enough that the two replicas'
// spatial stages land on disjoint rank ranges (mpSize >= 2 * spatial part
// size), and mpSize must be even so that the pairing rank <-> mpSize-1-rank
// is total. Violation means the replicas would silently corrupt each other's
// activations, so it fails before any buffer is allocated.
func (cfg Config) ValidateDualReplica(mpSize int) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	partSize := cfg.SpatialPartSize()
	if mpSize < 2*partSize {
		return errors.Errorf(
			"spatial: mpSize=%d cannot host two replicas with %d spatial parts each; spatial parts of both replicas would share ranks -- increase the split size keeping the rest of the configuration",
			mpSize, partSize)
	}
	if mpSize%2 != 0 {
		return errors.Errorf("spatial: mpSize=%d must be even for the rank pairing r <-> mpSize-1-r to be total", mpSize)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// intSqrt returns the integer square root of n.
func intSqrt(n int) int {
	if n < 0 {
		return 0
	}
	r := 0
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
