package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TimeOfDay is a recurring daily trigger in an account's local time
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses "HH:MM". Minutes must fall on a quarter hour.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid slot %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid slot hour %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid slot minute %q: %w", s, err)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if err := t.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

// Validate checks hour and quarter-hour bounds
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("invalid slot %s: hour must be 0..23", t)
	}
	switch t.Minute {
	case 0, 15, 30, 45:
	default:
		return fmt.Errorf("invalid slot %s: minute must be one of 0, 15, 30, 45", t)
	}
	return nil
}

// String returns the slot as HH:MM
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Before orders slots within a day
func (t TimeOfDay) Before(o TimeOfDay) bool {
	if t.Hour != o.Hour {
		return t.Hour < o.Hour
	}
	return t.Minute < o.Minute
}

// Slots is a set of daily triggers stored as a JSON column
type Slots []TimeOfDay

// ParseSlots parses a list of "HH:MM" strings into a sorted, de-duplicated-checked set
func ParseSlots(values []string) (Slots, error) {
	slots := make(Slots, 0, len(values))
	for _, v := range values {
		t, err := ParseTimeOfDay(v)
		if err != nil {
			return nil, err
		}
		slots = append(slots, t)
	}
	if err := slots.Validate(); err != nil {
		return nil, err
	}
	slots.Sort()
	return slots, nil
}

// Validate checks every slot and rejects duplicates
func (s Slots) Validate() error {
	seen := make(map[TimeOfDay]bool, len(s))
	for _, t := range s {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t] {
			return fmt.Errorf("duplicate slot %s", t)
		}
		seen[t] = true
	}
	return nil
}

// Sort orders slots by time of day
func (s Slots) Sort() {
	sort.Slice(s, func(i, j int) bool { return s[i].Before(s[j]) })
}

// Strings returns the slots as HH:MM strings
func (s Slots) Strings() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.String()
	}
	return out
}

func (s Slots) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *Slots) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil || data == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(data, s)
}

// Category selects the content strategy for a post
type Category string

const (
	CategoryPortrait          Category = "portrait"
	CategoryMotivationalQuote Category = "motivational-quote"
	CategoryCharacterScene    Category = "character-scene"
)

// KnownCategories lists the categories in a stable order
var KnownCategories = []Category{
	CategoryPortrait,
	CategoryMotivationalQuote,
	CategoryCharacterScene,
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, k := range KnownCategories {
		if c == k {
			return true
		}
	}
	return false
}

// Weights maps categories to relative selection weights. Zero disables a category.
type Weights map[Category]int

// ParseWeights parses "category=weight" pairs
func ParseWeights(values []string) (Weights, error) {
	w := make(Weights, len(values))
	for _, v := range values {
		name, num, ok := strings.Cut(v, "=")
		if !ok {
			return nil, fmt.Errorf("invalid weight %q: expected category=weight", v)
		}
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", v, err)
		}
		w[Category(strings.TrimSpace(name))] = n
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Validate rejects unknown categories and negative weights
func (w Weights) Validate() error {
	for c, n := range w {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", c)
		}
		if n < 0 {
			return fmt.Errorf("category %s: weight must be >= 0", c)
		}
	}
	return nil
}

// Active returns categories with a positive weight, in KnownCategories order
func (w Weights) Active() []Category {
	var out []Category
	for _, c := range KnownCategories {
		if w[c] > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (w Weights) Value() (driver.Value, error) {
	if w == nil {
		return "{}", nil
	}
	b, err := json.Marshal(w)
	return string(b), err
}

func (w *Weights) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil || data == nil {
		*w = nil
		return err
	}
	return json.Unmarshal(data, w)
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
