// Package metric defines the fitness metrics challenges can target: their
// canonical units, how samples aggregate into one comparable value, and
// parsing of human-written targets such as "10000 steps" or "5.5 km".
package metric

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Aggregation reduces a participant's in-window samples to one value.
type Aggregation string

const (
	Sum Aggregation = "sum"
	Max Aggregation = "max"
	Min Aggregation = "min"
	Avg Aggregation = "avg"
)

var validAggregations = map[Aggregation]bool{Sum: true, Max: true, Min: true, Avg: true}

// Supported data types.
const (
	Steps         = "steps"
	Calories      = "calories"
	ActiveMinutes = "active_minutes"
	Floors        = "floors"
	Distance      = "distance"
	Duration      = "duration"
	HeartRate     = "heart_rate"
)

var (
	ErrInvalidTarget      = errors.New("metric: invalid target")
	ErrUnknownUnit        = errors.New("metric: unknown unit")
	ErrInvalidAggregation = errors.New("metric: invalid aggregation")
)

// Definition describes one data type.
type Definition struct {
	DataType    string                     `json:"data_type" yaml:"data_type"`
	Unit        string                     `json:"unit" yaml:"unit"` // canonical
	Aggregation Aggregation                `json:"aggregation" yaml:"aggregation"`
	Units       map[string]decimal.Decimal `json:"units" yaml:"-"` // unit → factor to canonical
}

// ToCanonical converts v expressed in unit into the canonical unit.
// An empty unit is taken as canonical.
func (d Definition) ToCanonical(v decimal.Decimal, unit string) (decimal.Decimal, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if u == "" || u == d.Unit {
		return v, nil
	}
	f, ok := d.Units[u]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q for %s", ErrUnknownUnit, unit, d.DataType)
	}
	return v.Mul(f), nil
}

// Apply aggregates values. It returns false for an empty slice.
func (a Aggregation) Apply(values []decimal.Decimal) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return decimal.Zero, false
	}
	switch a {
	case Max:
		return decimal.Max(values[0], values[1:]...), true
	case Min:
		return decimal.Min(values[0], values[1:]...), true
	case Avg:
		return decimal.Avg(values[0], values[1:]...), true
	default:
		return decimal.Sum(values[0], values[1:]...), true
	}
}

func one() decimal.Decimal { return decimal.NewFromInt(1) }

func defaults() map[string]Definition {
	return map[string]Definition{
		Steps: {DataType: Steps, Unit: "steps", Aggregation: Sum,
			Units: map[string]decimal.Decimal{"steps": one(), "step": one()}},
		Calories: {DataType: Calories, Unit: "kcal", Aggregation: Sum,
			Units: map[string]decimal.Decimal{"kcal": one(), "calories": one(), "cal": one()}},
		ActiveMinutes: {DataType: ActiveMinutes, Unit: "min", Aggregation: Sum,
			Units: map[string]decimal.Decimal{"min": one(), "minutes": one(), "h": decimal.NewFromInt(60)}},
		Floors: {DataType: Floors, Unit: "floors", Aggregation: Sum,
			Units: map[string]decimal.Decimal{"floors": one(), "floor": one()}},
		Distance: {DataType: Distance, Unit: "m", Aggregation: Max,
			Units: map[string]decimal.Decimal{
				"m":  one(),
				"km": decimal.NewFromInt(1000),
				"mi": decimal.RequireFromString("1609.344"),
			}},
		Duration: {DataType: Duration, Unit: "s", Aggregation: Max,
			Units: map[string]decimal.Decimal{"s": one(), "min": decimal.NewFromInt(60), "h": decimal.NewFromInt(3600)}},
		HeartRate: {DataType: HeartRate, Unit: "bpm", Aggregation: Avg,
			Units: map[string]decimal.Decimal{"bpm": one()}},
	}
}

// Registry is an immutable set of metric definitions.
type Registry struct {
	defs map[string]Definition
}

// DefaultRegistry returns the built-in definitions.
func DefaultRegistry() *Registry {
	return &Registry{defs: defaults()}
}

// Lookup returns the definition for dataType. Unknown types aggregate by
// sum in their own unit, and ok is false.
func (r *Registry) Lookup(dataType string) (Definition, bool) {
	if d, found := r.defs[dataType]; found {
		return d, true
	}
	return Definition{DataType: dataType, Aggregation: Sum}, false
}

// DataTypes lists the registered data types in sorted order.
func (r *Registry) DataTypes() []string {
	out := make([]string, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Rules is the YAML override file.
//
//	aggregations:
//	  heart_rate: max
//	metrics:
//	  - data_type: swim_laps
//	    unit: laps
//	    aggregation: sum
type Rules struct {
	Aggregations map[string]Aggregation `yaml:"aggregations"`
	Metrics      []Definition           `yaml:"metrics"`
}

// LoadRegistry returns the defaults merged with the rules file at path.
// An empty path yields the defaults.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metric rules: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse metric rules: %w", err)
	}
	return NewRegistry(rules)
}

// NewRegistry returns the defaults with rules applied.
func NewRegistry(rules Rules) (*Registry, error) {
	defs := defaults()
	for _, m := range rules.Metrics {
		if m.DataType == "" || m.Unit == "" {
			return nil, fmt.Errorf("%w: metric needs data_type and unit", ErrInvalidAggregation)
		}
		if m.Aggregation == "" {
			m.Aggregation = Sum
		}
		if !validAggregations[m.Aggregation] {
			return nil, fmt.Errorf("%w: %q for %s", ErrInvalidAggregation, m.Aggregation, m.DataType)
		}
		m.Unit = strings.ToLower(m.Unit)
		m.Units = map[string]decimal.Decimal{m.Unit: one()}
		defs[m.DataType] = m
	}
	for dataType, agg := range rules.Aggregations {
		if !validAggregations[agg] {
			return nil, fmt.Errorf("%w: %q for %s", ErrInvalidAggregation, agg, dataType)
		}
		def, ok := defs[dataType]
		if !ok {
			def = Definition{DataType: dataType, Units: map[string]decimal.Decimal{}}
		}
		def.Aggregation = agg
		defs[dataType] = def
	}
	return &Registry{defs: defs}, nil
}

// Target is a parsed challenge goal in canonical units.
type Target struct {
	DataType string          `json:"data_type"`
	Value    decimal.Decimal `json:"value"`
	Unit     string          `json:"unit"`
}

// targetRegex matches: {value} {unit}
// Example: 10000 steps, 5.5 km
var targetRegex = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z_]+)\s*$`)

// ParseTarget parses "{value} {unit}" into a canonical target. When
// dataType is empty the unit must identify exactly one data type.
func (r *Registry) ParseTarget(dataType, s string) (Target, error) {
	m := targetRegex.FindStringSubmatch(s)
	if m == nil {
		return Target{}, fmt.Errorf("%w: %q (expected {value} {unit})", ErrInvalidTarget, s)
	}
	value, err := decimal.NewFromString(m[1])
	if err != nil {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, m[1])
	}
	if !value.IsPositive() {
		return Target{}, fmt.Errorf("%w: target must be positive", ErrInvalidTarget)
	}
	unit := strings.ToLower(m[2])

	if dataType == "" {
		dataType, err = r.typeForUnit(unit)
		if err != nil {
			return Target{}, err
		}
	}
	def, ok := r.Lookup(dataType)
	if !ok {
		return Target{}, fmt.Errorf("%w: unknown data type %q", ErrInvalidTarget, dataType)
	}
	canonical, err := def.ToCanonical(value, unit)
	if err != nil {
		return Target{}, err
	}
	return Target{DataType: def.DataType, Value: canonical, Unit: def.Unit}, nil
}

func (r *Registry) typeForUnit(unit string) (string, error) {
	var matches []string
	for _, dt := range r.DataTypes() {
		if _, ok := r.defs[dt].Units[unit]; ok {
			matches = append(matches, dt)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: unit %q is ambiguous (%s)", ErrInvalidTarget, unit, strings.Join(matches, ", "))
	}
}
