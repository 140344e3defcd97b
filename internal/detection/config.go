package detection

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when detection parameters cannot be used.
var ErrInvalidConfig = errors.New("invalid detection config")

// FilterType selects how the detection kernel is applied.
type FilterType string

const (
	// FilterMatched accounts for pixel-to-pixel noise inside the kernel.
	FilterMatched FilterType = "matched"
	// FilterConv is a plain convolution of the data, ignoring noise variations.
	FilterConv FilterType = "conv"
)

// Annulus is an inner/outer radius pair for annulus photometry.
type Annulus struct {
	Inner float64 `json:"inner" yaml:"inner"`
	Outer float64 `json:"outer" yaml:"outer"`
}

// DefaultPixStack is the largest number of pixels a single object may hold.
const DefaultPixStack = 500000

// Constants of the photometry step of ExtractSources.
const (
	KronRadiusLimit = 6.0
	KronScale       = 2.5
	MinCircleRadius = 1.75
	LogFill         = -99.0
)

// DefaultKernel returns the 3x3 kernel used for on-the-fly filtering.
func DefaultKernel() [][]float64 {
	return [][]float64{{1, 2, 1}, {2, 4, 2}, {1, 2, 1}}
}

// DefaultFluxAper returns the default aperture radii.
func DefaultFluxAper() []float64 { return []float64{2.5, 5, 10} }

// DefaultFluxAnn returns the default annuli.
func DefaultFluxAnn() []Annulus { return []Annulus{{3, 6}, {5, 8}} }

// Config holds every parameter of the extraction pipeline.
type Config struct {
	Thresh         float64     // detection threshold in units of the background rms
	MinArea        int         // minimum pixels per object
	FilterKernel   [][]float64 // nil disables filtering
	FilterType     FilterType
	DeblendNThresh int
	DeblendCont    float64 // 1.0 disables deblending
	Clean          bool
	CleanParam     float64
	BW, BH         int // background box size; BH==0 means BW
	FW, FH         int // background filter size; FH==0 means FW
	Mask           []float64
	MaskThresh     float64 // pixels with Mask > MaskThresh are ignored
	FThresh        float64 // background filter threshold
	SubtractSky    bool
	FluxAper       []float64
	FluxAnn        []Annulus
	ZeroPoint      *float64
	PixStack       int

	zeroPointSet bool
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Thresh:         2.5,
		MinArea:        5,
		FilterKernel:   DefaultKernel(),
		FilterType:     FilterMatched,
		DeblendNThresh: 32,
		DeblendCont:    0.005,
		Clean:          true,
		CleanParam:     1.0,
		BW:             64,
		FW:             3,
		SubtractSky:    true,
		FluxAper:       DefaultFluxAper(),
		FluxAnn:        DefaultFluxAnn(),
		PixStack:       DefaultPixStack,
	}
}

// NewConfig applies opts, in order, on top of DefaultConfig.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Resolved fills in the dependent defaults: square boxes and filters when
// heights are not given.
func (c Config) Resolved() Config {
	if c.BH <= 0 {
		c.BH = c.BW
	}
	if c.FH <= 0 {
		c.FH = c.FW
	}
	if c.PixStack <= 0 {
		c.PixStack = DefaultPixStack
	}
	if c.FilterType == "" {
		c.FilterType = FilterMatched
	}
	return c
}

// Validate checks the configuration against an image of size w x h.
func (c Config) Validate(w, h int) error {
	c = c.Resolved()
	switch {
	case w <= 0 || h <= 0:
		return fmt.Errorf("%w: empty image %dx%d", ErrInvalidConfig, w, h)
	case c.BW <= 0 || c.BH <= 0:
		return fmt.Errorf("%w: background box %dx%d", ErrInvalidConfig, c.BW, c.BH)
	case c.FW <= 0 || c.FH <= 0:
		return fmt.Errorf("%w: background filter %dx%d", ErrInvalidConfig, c.FW, c.FH)
	case c.Thresh <= 0:
		return fmt.Errorf("%w: threshold %g must be positive", ErrInvalidConfig, c.Thresh)
	case c.MinArea < 1:
		return fmt.Errorf("%w: minarea %d", ErrInvalidConfig, c.MinArea)
	case c.DeblendNThresh < 1:
		return fmt.Errorf("%w: deblend_nthresh %d", ErrInvalidConfig, c.DeblendNThresh)
	case c.DeblendCont < 0:
		return fmt.Errorf("%w: deblend_cont %g", ErrInvalidConfig, c.DeblendCont)
	case c.FilterType != FilterMatched && c.FilterType != FilterConv:
		return fmt.Errorf("%w: filter type %q", ErrInvalidConfig, c.FilterType)
	case c.Mask != nil && len(c.Mask) != w*h:
		return fmt.Errorf("%w: mask has %d pixels, image has %d", ErrInvalidConfig, len(c.Mask), w*h)
	}
	for _, row := range c.FilterKernel {
		if len(row) != len(c.FilterKernel[0]) {
			return fmt.Errorf("%w: ragged filter kernel", ErrInvalidConfig)
		}
	}
	for _, r := range c.FluxAper {
		if r <= 0 {
			return fmt.Errorf("%w: aperture radius %g", ErrInvalidConfig, r)
		}
	}
	for _, a := range c.FluxAnn {
		if a.Inner < 0 || a.Outer <= a.Inner {
			return fmt.Errorf("%w: annulus (%g, %g)", ErrInvalidConfig, a.Inner, a.Outer)
		}
	}
	return nil
}

func (c Config) masked(i int) bool {
	return c.Mask != nil && c.Mask[i] > c.MaskThresh
}

// Option mutates a Config. Options compose: later options win.
type Option func(*Config)

// WithThresh sets the detection threshold in units of background RMS.
func WithThresh(v float64) Option { return func(c *Config) { c.Thresh = v } }

// WithMinArea sets the minimum number of pixels in an object.
func WithMinArea(v int) Option { return func(c *Config) { c.MinArea = v } }

// WithFilterType selects matched or plain convolution filtering.
func WithFilterType(v FilterType) Option { return func(c *Config) { c.FilterType = v } }

// WithDeblendNThresh sets the number of deblending sub-thresholds.
func WithDeblendNThresh(v int) Option { return func(c *Config) { c.DeblendNThresh = v } }

// WithDeblendCont sets the minimum flux fraction of a deblended branch.
func WithDeblendCont(v float64) Option { return func(c *Config) { c.DeblendCont = v } }

// WithClean toggles merging of spurious detections near bright objects.
func WithClean(v bool) Option { return func(c *Config) { c.Clean = v } }

// WithCleanParam sets the Moffat beta used by cleaning.
func WithCleanParam(v float64) Option { return func(c *Config) { c.CleanParam = v } }

// WithSubtractSky toggles background subtraction before extraction.
func WithSubtractSky(v bool) Option { return func(c *Config) { c.SubtractSky = v } }

// WithFThresh sets the background mesh filter threshold.
func WithFThresh(v float64) Option { return func(c *Config) { c.FThresh = v } }

// WithPixStack sets the pixel buffer limit of a single extraction.
func WithPixStack(v int) Option { return func(c *Config) { c.PixStack = v } }

// WithBackgroundBox sets the background mesh box size.
func WithBackgroundBox(w, h int) Option { return func(c *Config) { c.BW, c.BH = w, h } }

// WithBackgroundFilter sets the median filter size over the mesh.
func WithBackgroundFilter(w, h int) Option { return func(c *Config) { c.FW, c.FH = w, h } }

// WithFilterKernel replaces the detection kernel; nil disables filtering.
func WithFilterKernel(k [][]float64) Option {
	return func(c *Config) {
		c.FilterKernel = cloneKernel(k)
	}
}

// WithMask ignores pixels whose mask value exceeds maskThresh.
func WithMask(mask []float64, maskThresh float64) Option {
	return func(c *Config) {
		c.Mask = mask
		c.MaskThresh = maskThresh
	}
}

// WithFluxAper sets the circular aperture radii, in pixels.
func WithFluxAper(radii ...float64) Option {
	return func(c *Config) { c.FluxAper = append([]float64(nil), radii...) }
}

// WithFluxAnn sets the annuli for background-free aperture sums.
func WithFluxAnn(annuli ...Annulus) Option {
	return func(c *Config) { c.FluxAnn = append([]Annulus(nil), annuli...) }
}

// WithZeroPoint enables magnitude columns.
func WithZeroPoint(zp float64) Option {
	return func(c *Config) { c.ZeroPoint, c.zeroPointSet = &zp, true }
}

// WithoutZeroPoint disables magnitude columns, including any zero point a
// caller would otherwise take from the image header.
func WithoutZeroPoint() Option {
	return func(c *Config) { c.ZeroPoint, c.zeroPointSet = nil, true }
}

// ZeroPointSet reports whether an option chose the zero point, either by
// setting one or by disabling magnitudes.
func (c Config) ZeroPointSet() bool { return c.zeroPointSet }

func cloneKernel(k [][]float64) [][]float64 {
	if k == nil {
		return nil
	}
	out := make([][]float64, len(k))
	for i, row := range k {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
