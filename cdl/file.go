// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// CDL settings file support. Settings round-trip through YAML so a descriptor set can be
// captured from one drive and applied to a fleet.

package cdl

import (
	"io"

	"gopkg.in/yaml.v2"
)

// Save writes the caller-settable fields of s as YAML.
func (s *Settings) Save(w io.Writer) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	_, err = w.Write(out)
	return err
}

// Load reads a YAML settings file. The device-reported discovery fields (supported masks,
// limits) are not part of the file; callers merge the result over a Get before Set.
func Load(r io.Reader) (*Settings, error) {
	in, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	s := &Settings{}
	if err := yaml.Unmarshal(in, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Merge copies the caller-settable fields of file onto dev (a Settings freshly read from the
// device), leaving the device's discovery data intact so validation still runs against the
// device's own supported-policy masks.
func Merge(dev, file *Settings) *Settings {
	merged := *dev
	merged.PerformanceVsCommandCompletion = file.PerformanceVsCommandCompletion
	merged.ReadDescriptors = file.ReadDescriptors
	merged.WriteDescriptors = file.WriteDescriptors
	return &merged
}
