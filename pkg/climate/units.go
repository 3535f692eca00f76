package climate

import (
	"fmt"
	"strings"
)

// Unit is a measurement unit for cell values.
type Unit string

// Supported units.
const (
	Millimeters Unit = "mm"
	Inches      Unit = "in"
	Celsius     Unit = "c"
	Fahrenheit  Unit = "f"
)

// MillimetersPerInch is the exact conversion factor between mm and in.
const MillimetersPerInch = 25.4

var unitAliases = map[string]Unit{
	"mm":          Millimeters,
	"millimeters": Millimeters,
	"millimetres": Millimeters,
	"in":          Inches,
	"inch":        Inches,
	"inches":      Inches,
	"c":           Celsius,
	"celsius":     Celsius,
	"degc":        Celsius,
	"f":           Fahrenheit,
	"fahrenheit":  Fahrenheit,
	"degf":        Fahrenheit,
}

// ParseUnit accepts short codes and long names.
func ParseUnit(s string) (Unit, error) {
	u, ok := unitAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown unit %q", s)
	}
	return u, nil
}

// String returns the short code.
func (u Unit) String() string { return string(u) }

// Family groups units that convert into each other.
func (u Unit) Family() string {
	switch u {
	case Millimeters, Inches:
		return "length"
	case Celsius, Fahrenheit:
		return "temperature"
	}
	return ""
}

// Compatible reports whether the unit can express values of v.
func (u Unit) Compatible(v Variable) bool {
	return u.Family() != "" && u.Family() == v.NativeUnit().Family()
}

// Converter returns a per-cell conversion from one unit to another.
func Converter(from, to Unit) (func(float64) float64, error) {
	if from == to {
		return func(v float64) float64 { return v }, nil
	}
	switch {
	case from == Millimeters && to == Inches:
		return func(v float64) float64 { return v / MillimetersPerInch }, nil
	case from == Inches && to == Millimeters:
		return func(v float64) float64 { return v * MillimetersPerInch }, nil
	case from == Celsius && to == Fahrenheit:
		return func(v float64) float64 { return v*9/5 + 32 }, nil
	case from == Fahrenheit && to == Celsius:
		return func(v float64) float64 { return (v - 32) * 5 / 9 }, nil
	}
	return nil, fmt.Errorf("cannot convert %s to %s", from, to)
}
