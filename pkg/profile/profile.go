// Package profile defines the named analysis profiles. A profile name encodes
// its target percentile and smoothing window, e.g. "O2-98W10" is P98 over a
// 10-minute rolling average.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/opscart/nfit/pkg/analyzer"
	"github.com/opscart/nfit/pkg/models"
)

const (
	// DefaultPercentile applies when a name carries no "-NNW" part
	DefaultPercentile = 90.0
	// DefaultWindowMinutes applies when a name carries no "WNN" part
	DefaultWindowMinutes = 1
)

// Profile is one (percentile, smoothing, adjustment) recipe
type Profile struct {
	Name          string              `yaml:"name"`
	Percentile    float64             `yaml:"percentile"`
	FilterAbove   float64             `yaml:"filter_above"`
	WindowMinutes int                 `yaml:"window_minutes"`
	Method        analyzer.Method     `yaml:"method"`
	Decay         analyzer.DecayLevel `yaml:"decay"`
	Primary       bool                `yaml:"primary"`
	AdditiveOnly  bool                `yaml:"additive_only"`
	Growth        *bool               `yaml:"growth"`
}

// GrowthEnabled reports whether growth prediction runs for this profile
func (p Profile) GrowthEnabled() bool {
	return p.Growth == nil || *p.Growth
}

// Key describes every parameter that shapes the profile's results
func (p Profile) Key() string {
	return fmt.Sprintf("%s|pct=%g|filter=%g|w=%d|%s/%s|primary=%t|additive=%t|growth=%t",
		p.Name, p.Percentile, p.FilterAbove, p.WindowMinutes, p.Method, p.Decay,
		p.Primary, p.AdditiveOnly, p.GrowthEnabled())
}

// Smoothing returns the smoothing options of the profile
func (p Profile) Smoothing() analyzer.SmoothingOptions {
	return analyzer.SmoothingOptions{Method: p.Method, WindowMinutes: p.WindowMinutes, Decay: p.Decay}
}

// Validate checks the profile's own parameters
func (p Profile) Validate() error {
	field := func(f string) string { return p.Name + "." + f }
	switch {
	case p.Name == "":
		return &models.ConfigurationError{Field: "name", Reason: "profile name is required"}
	case p.Percentile <= 0 || p.Percentile > 100:
		return &models.ConfigurationError{Field: field("percentile"), Reason: "must be in (0, 100]"}
	case p.FilterAbove < 0 || p.FilterAbove >= 100:
		return &models.ConfigurationError{Field: field("filter_above"), Reason: "must be in [0, 100)"}
	case p.Primary && !p.AdditiveOnly:
		return &models.ConfigurationError{Field: field("primary"), Reason: "the primary profile must be additive-only"}
	}
	if err := p.Smoothing().Validate(); err != nil {
		return &models.ConfigurationError{Field: field("smoothing"), Reason: err.Error()}
	}
	return nil
}

var (
	percentileRe = regexp.MustCompile(`-(\d+(?:\.\d+)?)W`)
	windowRe     = regexp.MustCompile(`W(\d+)`)
)

// ParseName extracts the percentile and window encoded in a profile name
func ParseName(name string) (percentile float64, windowMinutes int) {
	percentile, windowMinutes = DefaultPercentile, DefaultWindowMinutes
	if m := percentileRe.FindStringSubmatch(name); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 && v <= 100 {
			percentile = v
		}
	}
	if m := windowRe.FindStringSubmatch(name); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			windowMinutes = max(1, v)
		}
	}
	return percentile, windowMinutes
}

// New builds a profile from its name using SMA smoothing
func New(name string, decay analyzer.DecayLevel) Profile {
	pct, window := ParseName(name)
	return Profile{
		Name:          name,
		Percentile:    pct,
		WindowMinutes: window,
		Method:        analyzer.MethodSMA,
		Decay:         decay,
	}
}

// Set is an ordered collection of profiles
type Set []Profile

// Defaults returns the standard profile set. P-99W1 is primary: its
// run-queue view decides whether any profile may downsize.
func Defaults() Set {
	peak := New("P-99W1", analyzer.DecayExtreme)
	peak.Primary = true
	peak.AdditiveOnly = true
	return Set{
		peak,
		New("O1-99W5", analyzer.DecayVeryHigh),
		New("O2-98W10", analyzer.DecayHigh),
		New("O3-95W15", analyzer.DecayMedium),
		New("O4-90W15", analyzer.DecayLow),
	}
}

// Names lists profile names in order
func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, p := range s {
		names[i] = p.Name
	}
	return names
}

// Primary returns the primary profile, if any
func (s Set) Primary() (Profile, bool) {
	for _, p := range s {
		if p.Primary {
			return p, true
		}
	}
	return Profile{}, false
}

// WithMethod returns a copy of the set using the given smoothing method
func (s Set) WithMethod(m analyzer.Method) Set {
	out := make(Set, len(s))
	for i, p := range s {
		p.Method = m
		out[i] = p
	}
	return out
}

// Validate checks every profile and the set as a whole
func (s Set) Validate() error {
	if len(s) == 0 {
		return &models.ConfigurationError{Field: "profiles", Reason: "at least one profile is required"}
	}
	seen := make(map[string]bool, len(s))
	primaries := 0
	for _, p := range s {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return &models.ConfigurationError{Field: "profiles", Reason: fmt.Sprintf("duplicate profile %q", p.Name)}
		}
		seen[p.Name] = true
		if p.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return &models.ConfigurationError{Field: "profiles", Reason: "only one profile may be primary"}
	}
	return nil
}

type fileFormat struct {
	Profiles []Profile `yaml:"profiles"`
}

// Load parses a YAML profile list. Percentile and window default to the
// values encoded in each name.
func Load(r io.Reader) (Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f fileFormat
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, &models.ConfigurationError{Field: "profiles", Reason: err.Error()}
	}

	set := make(Set, 0, len(f.Profiles))
	for _, p := range f.Profiles {
		pct, window := ParseName(p.Name)
		if p.Percentile == 0 {
			p.Percentile = pct
		}
		if p.WindowMinutes == 0 {
			p.WindowMinutes = window
		}
		if p.Method == "" {
			p.Method = analyzer.MethodSMA
		}
		if p.Decay == "" {
			p.Decay = analyzer.DecayMedium
		}
		set = append(set, p)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// LoadFile reads a YAML profile file
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	return Load(bytes.NewReader(data))
}
