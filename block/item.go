// Package block implements the configuration block schema from spec
// §3/§4.5: the item descriptor, a daemon's configuration block, and the
// deterministic hash and provenance chain that travel with it.
package block

import "encoding/json"

// ItemType enumerates the item value kinds from §3.
type ItemType string

const (
	ItemTypeBoolean       ItemType = "boolean"
	ItemTypeBulk          ItemType = "bulk"
	ItemTypeNumeric       ItemType = "numeric"
	ItemTypeNumericArray  ItemType = "numeric-array"
	ItemTypeEnumerated    ItemType = "enumerated"
	ItemTypeMask          ItemType = "mask"
	ItemTypeString        ItemType = "string"
)

// Item is one item descriptor inside a configuration block's `items`
// mapping, per §3. Gettable and Settable default to true: they are
// pointers, so a flag missing from decoded JSON stays nil, and
// IsGettable/IsSettable treat nil as true.
type Item struct {
	Key         string            `json:"key"`
	Type        ItemType          `json:"type"`
	Units       string            `json:"units,omitempty"`
	Description string            `json:"description,omitempty"`
	Enumerators map[string]int    `json:"enumerators,omitempty"`
	Persist     bool              `json:"persist,omitempty"`
	Gettable    *bool             `json:"gettable,omitempty"`
	Settable    *bool             `json:"settable,omitempty"`
	Shape       []int             `json:"shape,omitempty"`
	Dtype       string            `json:"dtype,omitempty"`
}

// IsGettable reports whether the item may be read, defaulting to true
// when the descriptor is silent, per §3.
func (i *Item) IsGettable() bool {
	return i.Gettable == nil || *i.Gettable
}

// IsSettable reports whether the item may be written, defaulting to
// true when the descriptor is silent, per §3.
func (i *Item) IsSettable() bool {
	return i.Settable == nil || *i.Settable
}

// IsBulk reports whether this item carries a binary out-of-band buffer.
func (i *Item) IsBulk() bool {
	return i.Type == ItemTypeBulk
}

// Clone returns a deep copy of the item descriptor.
func (i *Item) Clone() *Item {
	c := *i
	if i.Enumerators != nil {
		c.Enumerators = make(map[string]int, len(i.Enumerators))
		for k, v := range i.Enumerators {
			c.Enumerators[k] = v
		}
	}
	if i.Shape != nil {
		c.Shape = append([]int(nil), i.Shape...)
	}
	if i.Gettable != nil {
		g := *i.Gettable
		c.Gettable = &g
	}
	if i.Settable != nil {
		s := *i.Settable
		c.Settable = &s
	}
	return &c
}

// marshalable is the JSON shape used for canonicalization (Hash);
// persisted blocks use Item's own JSON tags. Booleans are rendered
// explicitly (not *bool) so the
// hash is stable regardless of whether a descriptor originated with an
// explicit or implicit gettable/settable flag.
type marshalable struct {
	Key         string         `json:"key"`
	Type        ItemType       `json:"type"`
	Units       string         `json:"units,omitempty"`
	Description string         `json:"description,omitempty"`
	Enumerators map[string]int `json:"enumerators,omitempty"`
	Persist     bool           `json:"persist,omitempty"`
	Gettable    bool           `json:"gettable"`
	Settable    bool           `json:"settable"`
	Shape       []int          `json:"shape,omitempty"`
	Dtype       string         `json:"dtype,omitempty"`
}

// canonicalJSON renders the item the same way regardless of how its
// optional pointer fields were populated, used by Hash.
func (i *Item) canonicalJSON() ([]byte, error) {
	return json.Marshal(marshalable{
		Key:         i.Key,
		Type:        i.Type,
		Units:       i.Units,
		Description: i.Description,
		Enumerators: i.Enumerators,
		Persist:     i.Persist,
		Gettable:    i.IsGettable(),
		Settable:    i.IsSettable(),
		Shape:       i.Shape,
		Dtype:       i.Dtype,
	})
}
