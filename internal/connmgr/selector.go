package connmgr

import "fmt"

// SelectorKind tells how a Selector matches a bonded device.
type SelectorKind int

const (
	ByName SelectorKind = iota + 1
	ByAddress
)

func (k SelectorKind) String() string {
	switch k {
	case ByName:
		return "name"
	case ByAddress:
		return "address"
	default:
		return fmt.Sprintf("SelectorKind(%d)", int(k))
	}
}

// Selector picks a bonded device either by its exact, case-sensitive name or by its exact
// address string.
type Selector struct {
	Kind  SelectorKind
	Value string

	// check, when set on a name selector, is the address the named device must have.
	check string
}

// Name selects a bonded device by name.
func Name(name string) Selector { return Selector{Kind: ByName, Value: name} }

// Address selects a bonded device by hardware address.
func Address(addr string) Selector { return Selector{Kind: ByAddress, Value: addr} }

// ParseSelector builds a Selector from optional name and address values. The name wins when
// both are set; the resolved device must then also carry the given address.
func ParseSelector(name, address string) (Selector, error) {
	switch {
	case name != "" && address != "":
		s := Name(name)
		s.check = address
		return s, nil
	case name != "":
		return Name(name), nil
	case address != "":
		return Address(address), nil
	default:
		return Selector{}, ErrInvalidSelector
	}
}

func (s Selector) String() string {
	return s.Kind.String() + "=" + s.Value
}

func (s Selector) valid() bool {
	return (s.Kind == ByName || s.Kind == ByAddress) && s.Value != ""
}

func (s Selector) matches(d Device) bool {
	switch s.Kind {
	case ByName:
		return d.Name == s.Value
	case ByAddress:
		return d.MAC == s.Value
	}
	return false
}

// resolve returns the first bonded device matching s.
func (s Selector) resolve(devs []Device) (Device, error) {
	for _, d := range devs {
		if !s.matches(d) {
			continue
		}
		if s.check != "" && d.MAC != s.check {
			return Device{}, fmt.Errorf("%w: %s is %s, not %s", ErrSelectorMismatch, s.Value, d.MAC, s.check)
		}
		return d, nil
	}
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, s)
}
