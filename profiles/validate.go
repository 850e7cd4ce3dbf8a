package profiles

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	idPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// Grid and span bounds.
const (
	MaxGrid = 20
	MaxSpan = 4
)

var controlTypes = map[string]bool{
	TypeButton: true, TypeToggle: true, TypeFader: true, TypeKnob: true, TypePad: true,
}

// Validator checks a profile before it is persisted.
type Validator func(p *Profile) error

// ValidID reports whether id is usable as a profile id (and file name).
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Validate checks identity, grid dimensions, control placement and control
// fields. It returns every problem found, joined; each is an
// *ErrInvalidProfile.
func Validate(p *Profile) error {
	if p == nil {
		return &ErrInvalidProfile{Field: "profile", Reason: "missing"}
	}
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ErrInvalidProfile{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if !ValidID(p.ID) {
		bad("id", "must match %s", idPattern)
	}
	if p.Name == "" {
		bad("name", "must not be empty")
	}
	if p.Rows < 1 || p.Rows > MaxGrid {
		bad("rows", "must be between 1 and %d, got %d", MaxGrid, p.Rows)
	}
	if p.Cols < 1 || p.Cols > MaxGrid {
		bad("cols", "must be between 1 and %d, got %d", MaxGrid, p.Cols)
	}
	if p.Version < 0 {
		bad("version", "must not be negative")
	}
	if len(errs) > 0 {
		// Placement checks need a sane grid.
		return errors.Join(errs...)
	}

	seen := make(map[string]bool, len(p.Controls))
	occupied := make(map[[2]int]string)
	for _, c := range p.Controls {
		field := fmt.Sprintf("controls[%s]", c.ID)
		if c.ID == "" {
			bad("controls[].id", "must not be empty")
			continue
		}
		if seen[c.ID] {
			bad(field+".id", "duplicate control id")
			continue
		}
		seen[c.ID] = true

		if !controlTypes[c.Type] {
			bad(field+".type", "unknown control type %q", c.Type)
		}
		if c.ColorHex != "" && !colorPattern.MatchString(c.ColorHex) {
			bad(field+".colorHex", "must be #RRGGBB, got %q", c.ColorHex)
		}
		if c.RowSpan < 0 || c.RowSpan > MaxSpan {
			bad(field+".rowSpan", "must be between 1 and %d", MaxSpan)
		}
		if c.ColSpan < 0 || c.ColSpan > MaxSpan {
			bad(field+".colSpan", "must be between 1 and %d", MaxSpan)
		}
		if (c.Type == TypeFader || c.Type == TypeKnob) && c.MinValue != nil && c.MaxValue != nil && *c.MinValue >= *c.MaxValue {
			bad(field+".minValue", "must be below maxValue")
		}

		if c.Row < 0 || c.Row >= p.Rows || c.Col < 0 || c.Col >= p.Cols {
			bad(field, "outside the %dx%d grid at (%d,%d)", p.Rows, p.Cols, c.Row, c.Col)
			continue
		}
		if c.Row+c.rowSpan() > p.Rows || c.Col+c.colSpan() > p.Cols {
			bad(field, "span overflows the grid")
			continue
		}
		for r := c.Row; r < c.Row+c.rowSpan(); r++ {
			for col := c.Col; col < c.Col+c.colSpan(); col++ {
				cell := [2]int{r, col}
				if other, ok := occupied[cell]; ok {
					bad(field, "overlaps %s at (%d,%d)", other, r, col)
					continue
				}
				occupied[cell] = c.ID
			}
		}
	}
	return errors.Join(errs...)
}
