// Package pressure holds pressure values and unit conversions.
// Values are stored in kPa internally.
package pressure

import (
	"fmt"
	"strings"
)

// Unit is a pressure unit.
type Unit int

const (
	Unknown Unit = iota
	Pa
	KPa
	MPa
	Bar
	Kgf   // kgf/cm²
	KgfM2 // kgf/m²
	Atm
	MmHg
	MmH2O
)

var unitNames = map[Unit]string{
	Pa:    "Pa",
	KPa:   "kPa",
	MPa:   "MPa",
	Bar:   "Bar",
	Kgf:   "kgf/cm",
	KgfM2: "kgf/m",
	Atm:   "atm",
	MmHg:  "mmHg",
	MmH2O: "mmH2O",
}

// kPa per one unit.
var kpaPerUnit = map[Unit]float64{
	Pa:    1.0 / 1000.0,
	KPa:   1.0,
	MPa:   1000.0,
	Bar:   100.0,
	Kgf:   98.0665,
	KgfM2: 9.80665 / 1000.0,
	Atm:   101.325,
	MmHg:  133.322 / 1000.0,
	MmH2O: 9.80665 / 1000.0,
}

// String returns the unit name used in configuration files.
func (u Unit) String() string {
	if s, ok := unitNames[u]; ok {
		return s
	}
	return "unknown"
}

// ParseUnit parses a unit name. Matching is case-insensitive.
func ParseUnit(s string) (Unit, error) {
	for u, name := range unitNames {
		if strings.EqualFold(name, s) {
			return u, nil
		}
	}
	return Unknown, fmt.Errorf("unknown pressure unit %q", s)
}

// UnitFromCode maps the transducer unit byte to a unit.
func UnitFromCode(code byte) (Unit, bool) {
	switch code {
	case 1:
		return Kgf, true
	case 2:
		return MPa, true
	case 3:
		return KPa, true
	case 4:
		return Pa, true
	case 5:
		return KgfM2, true
	case 6:
		return Atm, true
	case 7:
		return MmHg, true
	case 8:
		return MmH2O, true
	case 9:
		return Bar, true
	}
	return Unknown, false
}

// Pressure is a pressure value that remembers the unit it was measured in.
type Pressure struct {
	kpa  float64
	unit Unit
}

// New creates a pressure from a value in the given unit.
func New(value float64, unit Unit) (Pressure, error) {
	k, ok := kpaPerUnit[unit]
	if !ok {
		return Pressure{}, fmt.Errorf("unknown pressure unit %d", int(unit))
	}
	return Pressure{kpa: value * k, unit: unit}, nil
}

// Must is like New but panics on an unknown unit. For constants and tests.
func Must(value float64, unit Unit) Pressure {
	p, err := New(value, unit)
	if err != nil {
		panic(err)
	}
	return p
}

// Unit returns the unit the value was created with.
func (p Pressure) Unit() Unit { return p.unit }

// KPa returns the value in kPa.
func (p Pressure) KPa() float64 { return p.kpa }

// In converts the pressure to the given unit. Unknown units yield 0.
func (p Pressure) In(unit Unit) float64 {
	k, ok := kpaPerUnit[unit]
	if !ok {
		return 0
	}
	return p.kpa / k
}

func (p Pressure) String() string {
	return fmt.Sprintf("%.4g %s", p.In(p.unit), p.unit)
}
