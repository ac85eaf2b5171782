// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package convbench configuration constants and benchmark options
package convbench

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// Alignment of every buffer handed to an engine, in bytes (one cache line)
	Alignment = 64
)

// Option defaults, matching the command-line defaults
const (
	DefaultBatch             = 1
	DefaultPadding           = 0
	DefaultAlgorithm         = "auto"
	DefaultTransformStrategy = "compute"
	DefaultIterations        = 1
)

// DefaultSubsampling is the default output subsampling (stride).
var DefaultSubsampling = Size{Height: 1, Width: 1}

var optionsValidate = validator.New()

// Options are the user-facing parameters of one benchmark case.
type Options struct {
	Name              string `yaml:"name" json:"name,omitempty"`
	Batch             int    `yaml:"batch" json:"batch" validate:"gte=1"`
	InputChannels     int    `yaml:"input_channels" json:"input_channels" validate:"gte=1"`
	OutputChannels    int    `yaml:"output_channels" json:"output_channels" validate:"gte=1"`
	InputSize         Size   `yaml:"input_size" json:"input_size"`
	KernelSize        Size   `yaml:"kernel_size" json:"kernel_size"`
	Subsampling       Size   `yaml:"output_subsampling" json:"output_subsampling"`
	Padding           int    `yaml:"input_padding" json:"input_padding" validate:"gte=0"`
	Algorithm         string `yaml:"algorithm" json:"algorithm" validate:"oneof=auto ft8x8 ft16x16 wt8x8 implicit-gemm direct"`
	TransformStrategy string `yaml:"transform_strategy" json:"transform_strategy" validate:"oneof=compute precompute"`
	Threads           int    `yaml:"threads" json:"threads" validate:"gte=0"`
	Iterations        int    `yaml:"iterations" json:"iterations" validate:"gte=1"`
	Warmup            int    `yaml:"warmup" json:"warmup" validate:"gte=0"`
	MaxMemory         int64  `yaml:"max_memory" json:"max_memory,omitempty" validate:"gte=0"`
}

// DefaultOptions returns options with every optional field at its default.
// Channel counts, input size and kernel size are left zero and must be set.
func DefaultOptions() Options {
	return Options{
		Batch:             DefaultBatch,
		Subsampling:       DefaultSubsampling,
		Padding:           DefaultPadding,
		Algorithm:         DefaultAlgorithm,
		TransformStrategy: DefaultTransformStrategy,
		Iterations:        DefaultIterations,
	}
}

// Validate checks field ranges and that the options describe a valid shape.
func (o Options) Validate() error {
	if err := optionsValidate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return NewConfigError("Options", strings.Join(msgs, "; "), err)
		}
		return NewConfigError("Options", "validation failed", err)
	}
	if err := o.Shape().Validate(); err != nil {
		return NewConfigError("Options", "invalid convolution shape", err)
	}
	return nil
}

// Shape builds the convolution shape with uniform padding.
func (o Options) Shape() Shape {
	return Shape{
		Batch:          o.Batch,
		InputChannels:  o.InputChannels,
		OutputChannels: o.OutputChannels,
		InputSize:      o.InputSize,
		Padding:        UniformPadding(o.Padding),
		KernelSize:     o.KernelSize,
		Subsampling:    o.Subsampling,
	}
}

// Resolve parses the algorithm and strategy names.
func (o Options) Resolve() (Algorithm, TransformStrategy, error) {
	algorithm, err := ParseAlgorithm(o.Algorithm)
	if err != nil {
		return 0, 0, err
	}
	strategy, err := ParseTransformStrategy(o.TransformStrategy)
	if err != nil {
		return 0, 0, err
	}
	return algorithm, strategy, nil
}

// DisplayName is Name, or a name derived from the parameters.
func (o Options) DisplayName() string {
	if o.Name != "" {
		return o.Name
	}
	return fmt.Sprintf("%s/%s/b%d-ic%d-oc%d-in%s-k%s-s%s-p%d",
		o.Algorithm, o.TransformStrategy, o.Batch, o.InputChannels, o.OutputChannels,
		o.InputSize, o.KernelSize, o.Subsampling, o.Padding)
}

// UnmarshalYAML accepts either "HxW", a bare integer, or a mapping with
// height and width keys.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseSize(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*s = parsed
		return nil
	}
	type plain Size
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Size(p)
	return nil
}

// Suite is a named list of benchmark cases sharing defaults.
type Suite struct {
	Name     string
	Defaults Options
	Cases    []Options
}

type suiteFile struct {
	Name     string      `yaml:"name"`
	Defaults yaml.Node   `yaml:"defaults"`
	Cases    []yaml.Node `yaml:"cases"`
}

// ParseSuite decodes a YAML suite. Each case starts from the suite defaults,
// which in turn start from DefaultOptions.
func ParseSuite(data []byte) (*Suite, error) {
	var f suiteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, NewConfigError("ParseSuite", "malformed suite", err)
	}

	suite := &Suite{Name: f.Name, Defaults: DefaultOptions()}
	if !f.Defaults.IsZero() {
		if err := f.Defaults.Decode(&suite.Defaults); err != nil {
			return nil, NewConfigError("ParseSuite", "malformed defaults", err)
		}
	}
	if len(f.Cases) == 0 {
		return nil, NewConfigError("ParseSuite", "suite has no cases", nil)
	}

	for i := range f.Cases {
		opts := suite.Defaults
		if err := f.Cases[i].Decode(&opts); err != nil {
			return nil, NewConfigError("ParseSuite", fmt.Sprintf("malformed case %d", i), err)
		}
		if err := opts.Validate(); err != nil {
			return nil, NewConfigError("ParseSuite", fmt.Sprintf("case %d (%s)", i, opts.DisplayName()), err)
		}
		suite.Cases = append(suite.Cases, opts)
	}
	return suite, nil
}

// LoadSuite reads and parses a YAML suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("LoadSuite", fmt.Sprintf("cannot read %s", path), err)
	}
	return ParseSuite(data)
}
