package detection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the serialisable, partial form of Config. Nil fields keep
// whatever value the configuration already has.
type Settings struct {
	Thresh         *float64    `json:"thresh,omitempty" yaml:"thresh,omitempty"`
	MinArea        *int        `json:"minarea,omitempty" yaml:"minarea,omitempty"`
	FilterKernel   [][]float64 `json:"filter_kernel,omitempty" yaml:"filter_kernel,omitempty"`
	NoFilter       bool        `json:"no_filter,omitempty" yaml:"no_filter,omitempty"`
	FilterType     string      `json:"filter_type,omitempty" yaml:"filter_type,omitempty"`
	DeblendNThresh *int        `json:"deblend_nthresh,omitempty" yaml:"deblend_nthresh,omitempty"`
	DeblendCont    *float64    `json:"deblend_cont,omitempty" yaml:"deblend_cont,omitempty"`
	Clean          *bool       `json:"clean,omitempty" yaml:"clean,omitempty"`
	CleanParam     *float64    `json:"clean_param,omitempty" yaml:"clean_param,omitempty"`
	BW             *int        `json:"bw,omitempty" yaml:"bw,omitempty"`
	BH             *int        `json:"bh,omitempty" yaml:"bh,omitempty"`
	FW             *int        `json:"fw,omitempty" yaml:"fw,omitempty"`
	FH             *int        `json:"fh,omitempty" yaml:"fh,omitempty"`
	MaskThresh     *float64    `json:"maskthresh,omitempty" yaml:"maskthresh,omitempty"`
	FThresh        *float64    `json:"fthresh,omitempty" yaml:"fthresh,omitempty"`
	SubtractSky    *bool       `json:"subtract_sky,omitempty" yaml:"subtract_sky,omitempty"`
	FluxAper       []float64   `json:"flux_aper,omitempty" yaml:"flux_aper,omitempty"`
	FluxAnn        [][]float64 `json:"flux_ann,omitempty" yaml:"flux_ann,omitempty"`
	ZeroPoint      *float64    `json:"zpt,omitempty" yaml:"zpt,omitempty"`
	PixStack       *int        `json:"pixstack,omitempty" yaml:"pixstack,omitempty"`
}

// LoadSettings reads a YAML (or, by extension, JSON) settings file.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(b, &s)
	} else {
		err = yaml.Unmarshal(b, &s)
	}
	if err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate checks the fields that cannot be checked without an image.
func (s Settings) Validate() error {
	switch FilterType(s.FilterType) {
	case "", FilterMatched, FilterConv:
	default:
		return fmt.Errorf("%w: filter type %q", ErrInvalidConfig, s.FilterType)
	}
	for _, a := range s.FluxAnn {
		if len(a) != 2 {
			return fmt.Errorf("%w: annulus needs [inner, outer], got %v", ErrInvalidConfig, a)
		}
	}
	return nil
}

// Merge overlays o on s: fields set in o win.
// The result shares no memory with either input.
func (s Settings) Merge(o Settings) Settings {
	var out Settings
	for _, layer := range []Settings{s, o} {
		b, _ := json.Marshal(layer)
		_ = json.Unmarshal(b, &out)
	}
	if o.FilterKernel != nil {
		out.NoFilter = false
	}
	if o.NoFilter {
		out.FilterKernel = nil
	}
	return out
}

// Options converts the set fields into options.
func (s Settings) Options() []Option {
	var opts []Option
	if s.Thresh != nil {
		opts = append(opts, WithThresh(*s.Thresh))
	}
	if s.MinArea != nil {
		opts = append(opts, WithMinArea(*s.MinArea))
	}
	if s.NoFilter {
		opts = append(opts, WithFilterKernel(nil))
	} else if s.FilterKernel != nil {
		opts = append(opts, WithFilterKernel(s.FilterKernel))
	}
	if s.FilterType != "" {
		opts = append(opts, WithFilterType(FilterType(s.FilterType)))
	}
	if s.DeblendNThresh != nil {
		opts = append(opts, WithDeblendNThresh(*s.DeblendNThresh))
	}
	if s.DeblendCont != nil {
		opts = append(opts, WithDeblendCont(*s.DeblendCont))
	}
	if s.Clean != nil {
		opts = append(opts, WithClean(*s.Clean))
	}
	if s.CleanParam != nil {
		opts = append(opts, WithCleanParam(*s.CleanParam))
	}
	if s.BW != nil || s.BH != nil {
		opts = append(opts, func(c *Config) {
			if s.BW != nil {
				c.BW = *s.BW
			}
			if s.BH != nil {
				c.BH = *s.BH
			}
		})
	}
	if s.FW != nil || s.FH != nil {
		opts = append(opts, func(c *Config) {
			if s.FW != nil {
				c.FW = *s.FW
			}
			if s.FH != nil {
				c.FH = *s.FH
			}
		})
	}
	if s.MaskThresh != nil {
		opts = append(opts, func(c *Config) { c.MaskThresh = *s.MaskThresh })
	}
	if s.FThresh != nil {
		opts = append(opts, WithFThresh(*s.FThresh))
	}
	if s.SubtractSky != nil {
		opts = append(opts, WithSubtractSky(*s.SubtractSky))
	}
	if s.FluxAper != nil {
		opts = append(opts, WithFluxAper(s.FluxAper...))
	}
	if s.FluxAnn != nil {
		ann := make([]Annulus, 0, len(s.FluxAnn))
		for _, a := range s.FluxAnn {
			if len(a) == 2 {
				ann = append(ann, Annulus{Inner: a[0], Outer: a[1]})
			}
		}
		opts = append(opts, WithFluxAnn(ann...))
	}
	if s.ZeroPoint != nil {
		opts = append(opts, WithZeroPoint(*s.ZeroPoint))
	}
	if s.PixStack != nil {
		opts = append(opts, WithPixStack(*s.PixStack))
	}
	return opts
}
