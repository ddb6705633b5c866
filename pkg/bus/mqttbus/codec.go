package mqttbus

import (
	"fmt"
	"indigo/pkg/bus"
	"indigo/pkg/property"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Request operations.
const (
	opAttach    = "attach"
	opDetach    = "detach"
	opLoad      = "load"
	opRemove    = "remove"
	opEnumerate = "enumerate"
	opText      = "text"
	opNumber    = "number"
	opSwitch    = "switch"
	opConnect   = "connect"
	opDisconn   = "disconnect"
	opBlob      = "blob"
)

// Message kinds sent to a client topic.
const (
	kindReply   = "reply"
	kindAttach  = "attach"
	kindDefine  = "define"
	kindUpdate  = "update"
	kindDelete  = "delete"
	kindMessage = "message"
)

// request is published by clients on <root>/requests.
type request struct {
	ID       string       `cbor:"1,keyasint"`
	Client   string       `cbor:"2,keyasint"`
	Op       string       `cbor:"3,keyasint"`
	Device   string       `cbor:"4,keyasint,omitempty"`
	Property string       `cbor:"5,keyasint,omitempty"`
	Items    []string     `cbor:"6,keyasint,omitempty"`
	Texts    []string     `cbor:"7,keyasint,omitempty"`
	Numbers  []float64    `cbor:"8,keyasint,omitempty"`
	Switches []bool       `cbor:"9,keyasint,omitempty"`
	BlobMode bus.BlobMode `cbor:"10,keyasint,omitempty"`
	Driver   string       `cbor:"11,keyasint,omitempty"`
}

// message is published by the server on <root>/clients/<client>. A reply
// answers the request with the same ID; every other kind is an event.
type message struct {
	Kind     string        `cbor:"1,keyasint"`
	ID       string        `cbor:"2,keyasint,omitempty"`
	Error    string        `cbor:"3,keyasint,omitempty"`
	Device   string        `cbor:"4,keyasint,omitempty"`
	Version  bus.Version   `cbor:"5,keyasint,omitempty"`
	Property *wireProperty `cbor:"6,keyasint,omitempty"`
	Text     string        `cbor:"7,keyasint,omitempty"`
}

type wireItem struct {
	Name       string         `cbor:"1,keyasint"`
	Label      string         `cbor:"2,keyasint,omitempty"`
	Hints      string         `cbor:"3,keyasint,omitempty"`
	Text       string         `cbor:"4,keyasint,omitempty"`
	Number     float64        `cbor:"5,keyasint,omitempty"`
	Target     float64        `cbor:"6,keyasint,omitempty"`
	Min        float64        `cbor:"7,keyasint,omitempty"`
	Max        float64        `cbor:"8,keyasint,omitempty"`
	Step       float64        `cbor:"9,keyasint,omitempty"`
	Format     string         `cbor:"10,keyasint,omitempty"`
	Switch     bool           `cbor:"11,keyasint,omitempty"`
	Light      property.State `cbor:"12,keyasint,omitempty"`
	Blob       []byte         `cbor:"13,keyasint,omitempty"`
	BlobSize   int            `cbor:"14,keyasint,omitempty"`
	BlobFormat string         `cbor:"15,keyasint,omitempty"`
	BlobURL    string         `cbor:"16,keyasint,omitempty"`
}

type wireProperty struct {
	Device string         `cbor:"1,keyasint"`
	Name   string         `cbor:"2,keyasint"`
	Type   property.Kind  `cbor:"3,keyasint"`
	State  property.State `cbor:"4,keyasint,omitempty"`
	Perm   property.Perm  `cbor:"5,keyasint,omitempty"`
	Rule   property.Rule  `cbor:"6,keyasint,omitempty"`
	Items  []wireItem     `cbor:"7,keyasint,omitempty"`
}

func toWire(p *bus.Property) *wireProperty {
	if p == nil {
		return nil
	}
	wp := &wireProperty{
		Device: p.Device,
		Name:   p.Name,
		Type:   p.Type,
		State:  p.State,
		Perm:   p.Perm,
		Rule:   p.Rule,
		Items:  make([]wireItem, len(p.Items)),
	}
	for i, it := range p.Items {
		wp.Items[i] = wireItem(it)
	}
	return wp
}

func fromWire(wp *wireProperty) *bus.Property {
	if wp == nil {
		return &bus.Property{}
	}
	p := &bus.Property{
		Device: wp.Device,
		Name:   wp.Name,
		Type:   wp.Type,
		State:  wp.State,
		Perm:   wp.Perm,
		Rule:   wp.Rule,
		Items:  make([]bus.Item, len(wp.Items)),
	}
	for i, it := range wp.Items {
		p.Items[i] = bus.Item(it)
	}
	return p
}

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decodeRequest(data []byte) (request, error) {
	var req request
	if err := decMode.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.ID == "" || req.Client == "" || req.Op == "" {
		return req, fmt.Errorf("incomplete request %+v", req)
	}
	return req, nil
}

func decodeMessage(data []byte) (message, error) {
	var msg message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Kind == "" {
		return msg, fmt.Errorf("message without kind")
	}
	return msg, nil
}
