// Package param manages named estimation parameters through drivers:
// observable, boundable values that may be held fixed or estimated, and
// lists that keep same-named drivers created by independent components
// mutually consistent.
package param

import (
	"fmt"
	"math"
	"time"
)

// Observer is notified of driver changes
type Observer interface {
	// ValueChanged is called when the driver value changes.
	// It returns error if the change cannot be applied to a linked driver.
	ValueChanged(previous []float64, driver *Driver) error
	// NameChanged is called when the driver name changes
	NameChanged(previous string, driver *Driver)
	// SelectionChanged is called when the driver selection status changes
	SelectionChanged(previous bool, driver *Driver)
	// ReferenceDateChanged is called when the driver reference date changes
	ReferenceDateChanged(previous time.Time, driver *Driver)
}

// Driver drives one named parameter: it holds the current value, the
// reference value the parameter is normalized against, per-component
// bounds and a selection flag stating whether the parameter is estimated.
type Driver struct {
	name      string
	value     []float64
	reference []float64
	scale     float64
	minValue  float64
	maxValue  float64
	selected  bool
	refDate   time.Time
	observers []Observer
}

// NewDriver creates a new driver for the named parameter.
// The value is initialized to the reference value, the selection flag to false.
// It returns error if either of the following conditions is met:
// - the reference value is empty or non-finite
// - the scale is zero or non-finite
// - the bounds are inverted or the reference value lies outside them
func NewDriver(name string, reference []float64, scale, minValue, maxValue float64) (*Driver, error) {
	if len(reference) == 0 {
		return nil, fmt.Errorf("empty reference value for parameter %q", name)
	}

	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("invalid scale %f for parameter %q", scale, name)
	}

	if minValue > maxValue {
		return nil, fmt.Errorf("inverted bounds [%f, %f] for parameter %q", minValue, maxValue, name)
	}

	ref := make([]float64, len(reference))
	copy(ref, reference)

	d := &Driver{
		name:      name,
		reference: ref,
		scale:     scale,
		minValue:  minValue,
		maxValue:  maxValue,
	}

	value := make([]float64, len(ref))
	copy(value, ref)
	if err := d.checkBounds(value); err != nil {
		return nil, err
	}
	d.value = value

	return d, nil
}

// Name returns the parameter name
func (d *Driver) Name() string { return d.name }

// Dimension returns the number of scalar components of the parameter
func (d *Driver) Dimension() int { return len(d.reference) }

// Value returns a copy of the current parameter value
func (d *Driver) Value() []float64 {
	value := make([]float64, len(d.value))
	copy(value, d.value)

	return value
}

// ReferenceValue returns a copy of the parameter reference value
func (d *Driver) ReferenceValue() []float64 {
	ref := make([]float64, len(d.reference))
	copy(ref, d.reference)

	return ref
}

// Scale returns the parameter normalization scale
func (d *Driver) Scale() float64 { return d.scale }

// MinValue returns the lower bound of each component
func (d *Driver) MinValue() float64 { return d.minValue }

// MaxValue returns the upper bound of each component
func (d *Driver) MaxValue() float64 { return d.maxValue }

// Selected returns true if the parameter is estimated
func (d *Driver) Selected() bool { return d.selected }

// ReferenceDate returns the parameter reference date
func (d *Driver) ReferenceDate() time.Time { return d.refDate }

// AddObserver registers an observer notified of all further changes
func (d *Driver) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// SetValue sets the parameter value and notifies the observers.
// It returns error if the value dimension does not match the driver
// dimension, if any component violates the bounds, or if an observer
// fails to apply the change to a linked driver.
func (d *Driver) SetValue(value []float64) error {
	if len(value) != len(d.value) {
		return fmt.Errorf("invalid value dimension %d for parameter %q: expected %d",
			len(value), d.name, len(d.value))
	}

	if err := d.checkBounds(value); err != nil {
		return err
	}

	previous := d.value
	d.value = make([]float64, len(value))
	copy(d.value, value)

	for _, o := range d.observers {
		if err := o.ValueChanged(previous, d); err != nil {
			return err
		}
	}

	return nil
}

// SetName renames the parameter and notifies the observers
func (d *Driver) SetName(name string) {
	previous := d.name
	d.name = name

	for _, o := range d.observers {
		o.NameChanged(previous, d)
	}
}

// SetSelected marks the parameter as estimated or fixed and notifies the observers
func (d *Driver) SetSelected(selected bool) {
	previous := d.selected
	d.selected = selected

	for _, o := range d.observers {
		o.SelectionChanged(previous, d)
	}
}

// SetReferenceDate sets the parameter reference date and notifies the observers
func (d *Driver) SetReferenceDate(date time.Time) {
	previous := d.refDate
	d.refDate = date

	for _, o := range d.observers {
		o.ReferenceDateChanged(previous, d)
	}
}

func (d *Driver) checkBounds(value []float64) error {
	for i, v := range value {
		if math.IsNaN(v) {
			return fmt.Errorf("invalid value NaN for parameter %q", d.name)
		}
		if v < d.minValue || v > d.maxValue {
			return fmt.Errorf("value %f of parameter %q component %d out of bounds [%f, %f]",
				v, d.name, i, d.minValue, d.maxValue)
		}
	}

	return nil
}
