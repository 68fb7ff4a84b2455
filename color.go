package prefsync

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Color is a theme color name.
type Color string

const (
	// ColorKey is the storage key of the color envelope.
	ColorKey = "colorStore"
	// ColorVersion is the current color schema version.
	ColorVersion = 1
	// DefaultColor is used when no valid preference is stored.
	DefaultColor Color = "zinc"
)

// AllowedColors lists the theme colors a visitor may choose.
var AllowedColors = []Color{
	"zinc", "slate", "stone", "gray", "neutral", "red",
	"rose", "orange", "green", "blue", "yellow", "violet",
}

// legacyColors were offered by earlier releases. They have no mapping to a
// current color and are cleared to DefaultColor when read.
var legacyColors = map[Color]struct{}{
	"default": {},
	"purple":  {},
	"teal":    {},
	"pink":    {},
}

// ColorState is the persisted color payload.
type ColorState struct {
	Color Color `json:"color"`
}

var (
	colorValidate = validator.New()
	colorRule     = func() string {
		var names = make([]string, len(AllowedColors))
		for i, c := range AllowedColors {
			names[i] = string(c)
		}
		return "required,oneof=" + strings.Join(names, " ")
	}()
)

// ValidateColor returns an error wrapping ErrInvalidValue if c is not one of
// AllowedColors.
func ValidateColor(c Color) error {
	if err := colorValidate.Var(string(c), colorRule); err != nil {
		return errors.Wrapf(ErrInvalidValue, "color %q: %s", c, err)
	}
	return nil
}

var colorMigrations = map[int]MigrationFunc{
	0: func(raw json.RawMessage) (json.RawMessage, error) {
		var old ColorState
		if err := json.Unmarshal(raw, &old); err != nil {
			return nil, err
		}
		if _, ok := legacyColors[old.Color]; ok {
			return ResetMigration(ColorState{Color: DefaultColor})(raw)
		}
		return raw, nil
	},
}

// NewColorVersionedStore returns the VersionedStore backing a ColorStore.
func NewColorVersionedStore(storage Storage) *VersionedStore[ColorState] {
	return NewVersionedStore(storage, VersionedConfig[ColorState]{
		Key:        ColorKey,
		Version:    ColorVersion,
		Default:    func() ColorState { return ColorState{Color: DefaultColor} },
		Migrations: colorMigrations,
		Validate:   func(s ColorState) error { return ValidateColor(s.Color) },
	})
}

// ColorStore is the visitor's theme color preference.
type ColorStore struct {
	persist *VersionedStore[ColorState]
}

// NewColorStore returns a ColorStore over storage.
func NewColorStore(storage Storage) *ColorStore {
	return &ColorStore{persist: NewColorVersionedStore(storage)}
}

// Get returns the current color.
func (c *ColorStore) Get() Color {
	return c.persist.Load().Color
}

// Set changes the color. An invalid color is rejected and leaves the
// preference unchanged.
func (c *ColorStore) Set(color Color) error {
	if err := ValidateColor(color); err != nil {
		return err
	}
	c.persist.Save(ColorState{Color: color})
	return nil
}

// Flush blocks until pending writes to storage have settled.
func (c *ColorStore) Flush() {
	c.persist.Flush()
}
