package param

import (
	"sort"
	"time"
)

// List manages several parameter drivers, taking care of duplicated names.
//
// Once drivers sharing the same name have been added to a list, they are
// permanently bound together and also bound to the delegating driver that
// manages them: setting the value, name, selection or reference date on
// any of them forwards the change to all the others, so they always remain
// consistent with each other.
type List struct {
	delegating []*DelegatingDriver
}

// NewList creates an empty list
func NewList() *List {
	return &List{}
}

// Add adds a driver to the list.
// If the driver is already present it is not added again. If another
// driver managing the same parameter name is present, both drivers become
// managed together, existing drivers being reset to the value of the last
// driver added. The merged group is selected as soon as any member is.
// It returns error if an existing driver for the same parameter cannot be
// reset to the new driver value, typically on conflicting bounds.
func (l *List) Add(driver *Driver) error {
	for _, d := range l.delegating {
		if d.Name() == driver.Name() {
			// the parameter is already managed by existing drivers
			for _, existing := range d.raw {
				if existing == driver {
					// the driver is already known, don't duplicate it
					return nil
				}
			}

			// this is a new driver for an already managed parameter
			return d.add(driver)
		}
	}

	// this is the first driver we have for this parameter name
	d, err := newDelegatingDriver(driver)
	if err != nil {
		return err
	}
	l.delegating = append(l.delegating, d)

	return nil
}

// Sort sorts the managed parameters lexicographically by name
func (l *List) Sort() {
	sort.SliceStable(l.delegating, func(i, j int) bool {
		return l.delegating[i].Name() < l.delegating[j].Name()
	})
}

// Filter keeps only the parameters with the given selection status,
// removing the other ones from the list
func (l *List) Filter(selected bool) {
	kept := l.delegating[:0]
	for _, d := range l.delegating {
		if d.Selected() == selected {
			kept = append(kept, d)
		}
	}
	l.delegating = kept
}

// NbParams returns the number of parameters with different names
func (l *List) NbParams() int {
	return len(l.delegating)
}

// Drivers returns the delegating drivers managing all parameters.
// The delegating drivers are not the drivers added to the list, but they
// delegate to them; all of them manage parameters with different names.
func (l *List) Drivers() []*DelegatingDriver {
	drivers := make([]*DelegatingDriver, len(l.delegating))
	copy(drivers, l.delegating)

	return drivers
}

// DelegatingDriver is a driver delegating to several other drivers
// managing the same parameter name
type DelegatingDriver struct {
	*Driver

	// raw holds the drivers managing the same parameter
	raw []*Driver

	// forwarder propagates changes between all bound drivers
	forwarder *changesForwarder
}

// newDelegatingDriver creates a delegating driver managing the given
// driver as the first one in the series
func newDelegatingDriver(driver *Driver) (*DelegatingDriver, error) {
	inner, err := NewDriver(driver.Name(), driver.ReferenceValue(),
		driver.Scale(), driver.MinValue(), driver.MaxValue())
	if err != nil {
		return nil, err
	}

	d := &DelegatingDriver{
		Driver: inner,
		raw:    []*Driver{driver},
	}

	if err := d.SetValue(driver.Value()); err != nil {
		return nil, err
	}
	d.SetReferenceDate(driver.ReferenceDate())
	d.SetSelected(driver.Selected())

	// when the value or reference date of the delegating driver changes,
	// all underlying drivers must reproduce the change and conversely
	d.forwarder = &changesForwarder{delegating: d}

	d.AddObserver(d.forwarder)
	driver.AddObserver(d.forwarder)

	return d, nil
}

// add binds one more driver to the delegating driver
func (d *DelegatingDriver) add(driver *Driver) error {
	if err := d.SetValue(driver.Value()); err != nil {
		return err
	}
	d.SetReferenceDate(driver.ReferenceDate())

	// if any of the drivers is selected, all must be selected
	if d.Selected() {
		driver.SetSelected(true)
	} else {
		d.SetSelected(driver.Selected())
	}

	driver.AddObserver(d.forwarder)
	d.raw = append(d.raw, driver)

	return nil
}

// RawDrivers returns the raw drivers this one delegates to.
// These raw drivers all manage the same parameter name.
func (d *DelegatingDriver) RawDrivers() []*Driver {
	raw := make([]*Driver, len(d.raw))
	copy(raw, d.raw)

	return raw
}

// changesForwarder propagates changes between the drivers of one group,
// avoiding infinite recursion through the observer chains: the driver
// triggering the outermost notification is remembered as the root of the
// update and intermediate re-entrant notifications are not forwarded again.
type changesForwarder struct {
	delegating *DelegatingDriver

	// root is the driver at the origin of the current update chain
	root *Driver

	// depth is the nesting depth of the current update chain
	depth int
}

// ValueChanged implements the Observer interface
func (f *changesForwarder) ValueChanged(previous []float64, driver *Driver) error {
	return f.updateAll(driver, func(d *Driver) error {
		return d.SetValue(driver.Value())
	})
}

// NameChanged implements the Observer interface
func (f *changesForwarder) NameChanged(previous string, driver *Driver) {
	_ = f.updateAll(driver, func(d *Driver) error {
		d.SetName(driver.Name())
		return nil
	})
}

// SelectionChanged implements the Observer interface
func (f *changesForwarder) SelectionChanged(previous bool, driver *Driver) {
	_ = f.updateAll(driver, func(d *Driver) error {
		d.SetSelected(driver.Selected())
		return nil
	})
}

// ReferenceDateChanged implements the Observer interface
func (f *changesForwarder) ReferenceDateChanged(previous time.Time, driver *Driver) {
	_ = f.updateAll(driver, func(d *Driver) error {
		d.SetReferenceDate(driver.ReferenceDate())
		return nil
	})
}

// updateAll applies the update to all bound drivers.
// A change entering from the delegating driver propagates outwards to all
// raw drivers except the current update root; a change entering from a raw
// driver propagates upwards to the delegating driver exactly once.
func (f *changesForwarder) updateAll(driver *Driver, update func(*Driver) error) error {
	firstCall := f.depth == 0
	f.depth++
	if firstCall {
		f.root = driver
	}

	var err error
	if driver == f.delegating.Driver {
		// propagate the change downwards, which triggers recursive calls
		for _, d := range f.delegating.raw {
			if d != f.root {
				if uErr := update(d); uErr != nil && err == nil {
					err = uErr
				}
			}
		}
	} else if firstCall {
		// the change started from an underlying driver, propagate it upwards
		err = update(f.delegating.Driver)
	}

	f.depth--
	if f.depth == 0 {
		// this is the end of the root call
		f.root = nil
	}

	return err
}
