// Package property holds the typed representation of bus property vectors.
package property

import (
	"fmt"
	"strings"
)

// Kind is the type tag of a property vector. The set is closed.
type Kind int

const (
	KindText Kind = iota + 1
	KindNumber
	KindSwitch
	KindLight
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "Text"
	case KindNumber:
		return "Number"
	case KindSwitch:
		return "Switch"
	case KindLight:
		return "Light"
	case KindBlob:
		return "Blob"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the five known kinds.
func (k Kind) Valid() bool {
	return k >= KindText && k <= KindBlob
}

type State int

const (
	Idle State = iota
	Ok
	Busy
	Alert
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Ok:
		return "Ok"
	case Busy:
		return "Busy"
	case Alert:
		return "Alert"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Perm int

const (
	ReadOnly Perm = iota + 1
	ReadWrite
	WriteOnly
)

func (p Perm) String() string {
	switch p {
	case ReadOnly:
		return "ReadOnly"
	case ReadWrite:
		return "ReadWrite"
	case WriteOnly:
		return "WriteOnly"
	default:
		return fmt.Sprintf("Perm(%d)", int(p))
	}
}

// Rule constrains how many items of a switch vector may be on at once.
type Rule int

const (
	OneOfMany Rule = iota + 1
	AtMostOne
	AnyOfMany
)

func (r Rule) String() string {
	switch r {
	case OneOfMany:
		return "OneOfMany"
	case AtMostOne:
		return "AtMostOne"
	case AnyOfMany:
		return "AnyOfMany"
	default:
		return fmt.Sprintf("Rule(%d)", int(r))
	}
}

// Value is the payload of an item. Only the five types in this package
// implement it.
type Value interface {
	Kind() Kind
	isValue()
}

type TextValue string

type NumberValue struct {
	Value  float64
	Target float64
	Min    float64
	Max    float64
	Step   float64
	Format string
}

type SwitchValue bool

type LightValue State

// BlobValue carries an opaque payload. Data is owned by the vector.
type BlobValue struct {
	Data   []byte
	Format string
	Size   int
	URL    string
}

func (TextValue) Kind() Kind   { return KindText }
func (NumberValue) Kind() Kind { return KindNumber }
func (SwitchValue) Kind() Kind { return KindSwitch }
func (LightValue) Kind() Kind  { return KindLight }
func (BlobValue) Kind() Kind   { return KindBlob }

func (TextValue) isValue()   {}
func (NumberValue) isValue() {}
func (SwitchValue) isValue() {}
func (LightValue) isValue()  {}
func (BlobValue) isValue()   {}

// Item is one value slot of a vector.
type Item struct {
	Name  string
	Label string
	Hints string
	Value Value
}

// Vector is a named, typed group of items owned by one device.
type Vector struct {
	Device string
	Name   string
	Kind   Kind
	State  State
	Perm   Perm
	Rule   Rule // switch vectors only
	Items  []Item
}

// UnknownKindError is returned when a vector is built with a kind outside
// the closed set.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown property kind %d", int(e.Kind))
}

// KindMismatchError is returned when an item value does not match the
// vector kind.
type KindMismatchError struct {
	Vector string
	Want   Kind
	Got    Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("property %s: item of kind %s added to %s vector", e.Vector, e.Got, e.Want)
}

// New creates an empty vector.
func New(device, name string, kind Kind, state State, perm Perm) (*Vector, error) {
	if !kind.Valid() {
		return nil, &UnknownKindError{Kind: kind}
	}

	return &Vector{
		Device: device,
		Name:   name,
		Kind:   kind,
		State:  state,
		Perm:   perm,
	}, nil
}

// AddItem appends it to the vector. Items keep the order of the calls.
func (v *Vector) AddItem(it Item) error {
	if it.Value == nil {
		return fmt.Errorf("property %s: item %s has no value", v.Name, it.Name)
	}
	if it.Value.Kind() != v.Kind {
		return &KindMismatchError{Vector: v.Name, Want: v.Kind, Got: it.Value.Kind()}
	}

	v.Items = append(v.Items, it)
	return nil
}

// Item returns the item with the given name.
func (v *Vector) Item(name string) (Item, bool) {
	for _, it := range v.Items {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}

// Switch reports whether the named switch item exists and is on.
func (v *Vector) Switch(name string) bool {
	it, ok := v.Item(name)
	if !ok {
		return false
	}
	sw, ok := it.Value.(SwitchValue)
	return ok && bool(sw)
}

func (v *Vector) Number(name string) (float64, bool) {
	it, ok := v.Item(name)
	if !ok {
		return 0, false
	}
	n, ok := it.Value.(NumberValue)
	return n.Value, ok
}

func (v *Vector) Text(name string) (string, bool) {
	it, ok := v.Item(name)
	if !ok {
		return "", false
	}
	t, ok := it.Value.(TextValue)
	return string(t), ok
}

// Blob returns the first blob item of the vector, if any.
func (v *Vector) Blob() (BlobValue, bool) {
	for _, it := range v.Items {
		if b, ok := it.Value.(BlobValue); ok {
			return b, true
		}
	}
	return BlobValue{}, false
}

// Values flattens the vector into item name → plain Go value.
func (v *Vector) Values() map[string]any {
	values := make(map[string]any, len(v.Items))
	for _, it := range v.Items {
		switch val := it.Value.(type) {
		case TextValue:
			values[it.Name] = string(val)
		case NumberValue:
			values[it.Name] = val.Value
		case SwitchValue:
			values[it.Name] = bool(val)
		case LightValue:
			values[it.Name] = State(val).String()
		case BlobValue:
			values[it.Name] = val.Size
		}
	}
	return values
}

func (v *Vector) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s.%s [%s %s %s]", v.Device, v.Name, v.Kind, v.State, v.Perm)
	for _, it := range v.Items {
		sb.WriteString(" ")
		sb.WriteString(it.Name)
		sb.WriteString("=")
		switch val := it.Value.(type) {
		case BlobValue:
			fmt.Fprintf(&sb, "<%d bytes %s>", val.Size, val.Format)
		case NumberValue:
			fmt.Fprintf(&sb, "%g", val.Value)
		case LightValue:
			sb.WriteString(State(val).String())
		default:
			fmt.Fprintf(&sb, "%v", val)
		}
	}
	return sb.String()
}

func Text(name, label, value string) Item {
	return Item{Name: name, Label: label, Value: TextValue(value)}
}

func Number(name, label string, value float64) Item {
	return Item{Name: name, Label: label, Value: NumberValue{Value: value, Target: value, Format: "%g"}}
}

// NumberRange builds a number item with limits.
func NumberRange(name, label string, value, min, max, step float64) Item {
	return Item{Name: name, Label: label, Value: NumberValue{
		Value:  value,
		Target: value,
		Min:    min,
		Max:    max,
		Step:   step,
		Format: "%g",
	}}
}

func Switch(name, label string, on bool) Item {
	return Item{Name: name, Label: label, Value: SwitchValue(on)}
}

func Light(name, label string, state State) Item {
	return Item{Name: name, Label: label, Value: LightValue(state)}
}

func Blob(name, label string, data []byte, format string) Item {
	return Item{Name: name, Label: label, Value: BlobValue{Data: data, Format: format, Size: len(data)}}
}
