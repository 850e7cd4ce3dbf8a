// Package profiles owns deck profiles: a grid of controls, each optionally
// bound to an action. It persists them through a Store, reconciles
// client-submitted copies against the persisted one (Synchronizer) and turns
// a profile into the control-to-action table a session dispatches from
// (DeriveMappings).
//
// Versions only move forward: every accepted write lands at a version above
// the persisted one. A submitted copy whose version does not exceed the
// persisted version is still saved, one above it, and the save reports a
// conflict so the caller can reconcile.
package profiles

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
)

// Control types.
const (
	TypeButton = "BUTTON"
	TypeToggle = "TOGGLE"
	TypeFader  = "FADER"
	TypeKnob   = "KNOB"
	TypePad    = "PAD"
)

// Profile is one deck layout.
type Profile struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	Version  int       `json:"version"`
	Checksum string    `json:"checksum,omitempty"`
	Controls []Control `json:"controls"`
}

// Control is one cell (or span of cells) of the grid. A nil Action makes
// the control inert.
type Control struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Row      int            `json:"row"`
	Col      int            `json:"col"`
	RowSpan  int            `json:"rowSpan,omitempty"`
	ColSpan  int            `json:"colSpan,omitempty"`
	Label    string         `json:"label,omitempty"`
	ColorHex string         `json:"colorHex,omitempty"`
	Icon     string         `json:"icon,omitempty"`
	MinValue *float64       `json:"minValue,omitempty"`
	MaxValue *float64       `json:"maxValue,omitempty"`
	Action   *ControlAction `json:"action,omitempty"`
}

// ControlAction is the raw action tag as edited on the device. Payload is a
// string: a key chord ("CTRL+S"), an OBS request name, or a JSON document.
type ControlAction struct {
	Type     string            `json:"type,omitempty"`
	Payload  string            `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Summary is the listing entry of a profile.
type Summary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Checksum string `json:"checksum"`
}

func (c Control) rowSpan() int { return max(c.RowSpan, 1) }
func (c Control) colSpan() int { return max(c.ColSpan, 1) }

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Controls = make([]Control, len(p.Controls))
	for i, c := range p.Controls {
		if c.MinValue != nil {
			v := *c.MinValue
			c.MinValue = &v
		}
		if c.MaxValue != nil {
			v := *c.MaxValue
			c.MaxValue = &v
		}
		if c.Action != nil {
			a := *c.Action
			a.Metadata = maps.Clone(a.Metadata)
			c.Action = &a
		}
		cp.Controls[i] = c
	}
	return &cp
}

// Summary returns the listing entry of p.
func (p *Profile) Summary() Summary {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return Summary{ID: p.ID, Name: name, Version: p.Version, Checksum: p.Checksum}
}

// Checksum is the hex SHA-256 of the canonical JSON encoding of p with the
// checksum field left out. The encoding is the struct's own: fixed field
// order, sorted metadata keys.
func Checksum(p *Profile) string {
	cp := *p
	cp.Checksum = ""
	if cp.Controls == nil {
		cp.Controls = []Control{}
	}
	b, err := json.Marshal(&cp)
	if err != nil {
		// Profile holds only strings, ints, floats and string maps.
		panic("profiles: marshal for checksum: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
