// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blocker

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/siderolabs/poweroffd/internal/pkg/constants"
)

// Descriptor is the on-disk form of a blocker.
//
// Descriptor is used to write descriptors, parsing goes through the Parser
// which is more lenient about numeric fields.
type Descriptor struct {
	StartTime  int64      `yaml:"start_time"`
	PoweroffOn PoweroffOn `yaml:"poweroff_on"`
}

// PoweroffOn lists the release conditions of a descriptor.
type PoweroffOn struct {
	Timeout *int64 `yaml:"timeout,omitempty"`
	Host    string `yaml:"host,omitempty"`
	PID     int    `yaml:"pid,omitempty"`
}

// Validate checks that at least one condition is set.
func (d *Descriptor) Validate() error {
	if d.PoweroffOn.Timeout == nil && d.PoweroffOn.Host == "" && d.PoweroffOn.PID == 0 {
		return errors.New("at least one of timeout, host or pid is required")
	}

	if d.PoweroffOn.PID < 0 {
		return fmt.Errorf("invalid pid %d", d.PoweroffOn.PID)
	}

	return nil
}

// Marshal encodes the descriptor as YAML.
func (d *Descriptor) Marshal() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	return yaml.Marshal(d)
}

// IsDescriptor reports whether the file name carries the descriptor suffix.
func IsDescriptor(path string) bool {
	return strings.HasSuffix(filepath.Base(path), constants.DescriptorSuffix)
}

// rawDescriptor keeps nodes undecoded so that presence and type can be checked separately.
type rawDescriptor struct {
	StartTime  yaml.Node `yaml:"start_time"`
	PoweroffOn yaml.Node `yaml:"poweroff_on"`
}

type rawPoweroffOn struct {
	Timeout yaml.Node `yaml:"timeout"`
	Host    yaml.Node `yaml:"host"`
	PID     yaml.Node `yaml:"pid"`
}

func present(node *yaml.Node) bool {
	return node.Kind != 0
}

func scalar(node *yaml.Node, field string) (string, error) {
	if node.Kind != yaml.ScalarNode || node.ShortTag() == "!!null" {
		return "", fmt.Errorf("line %d: %s: expected a value", node.Line, field)
	}

	return strings.TrimSpace(node.Value), nil
}

// seconds accepts numbers and numeric strings, truncating to whole seconds.
func seconds(node *yaml.Node, field string) (int64, error) {
	value, err := scalar(node, field)
	if err != nil {
		return 0, err
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: %q is not a number", node.Line, field, value)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/2 {
		return 0, fmt.Errorf("line %d: %s: %q is out of range", node.Line, field, value)
	}

	return int64(f), nil
}

func pid(node *yaml.Node) (int, error) {
	value, err := scalar(node, "pid")
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("line %d: pid: %q is not an integer", node.Line, value)
	}

	if n <= 0 {
		return 0, fmt.Errorf("line %d: pid: %d is not a valid pid", node.Line, n)
	}

	return n, nil
}
