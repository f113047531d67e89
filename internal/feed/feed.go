// Package feed defines the normalized data model shared by the
// ingestion, aggregation and serving layers: feed identifiers, price
// updates, aggregated results and the error kinds that cross
// component boundaries.
package feed

import (
	"fmt"
	"strings"
)

// Category classifies a feed by asset class.
type Category int

const (
	Crypto Category = iota
	Forex
	Commodity
	Stock
)

var categoryNames = map[Category]string{
	Crypto:    "crypto",
	Forex:     "forex",
	Commodity: "commodity",
	Stock:     "stock",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory converts a config string into a Category.
func ParseCategory(s string) (Category, error) {
	for cat, name := range categoryNames {
		if strings.EqualFold(s, name) {
			return cat, nil
		}
	}
	return 0, fmt.Errorf("unknown feed category %q", s)
}

// ID identifies a price feed. Name is "BASE/QUOTE", uppercase, with
// exactly one slash and non-empty sides. Two IDs are equal iff both
// fields match, so ID is usable as a map key.
type ID struct {
	Category Category
	Name     string
}

// NewID validates and normalizes a feed name into an ID.
func NewID(category Category, name string) (ID, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	base, quote, found := strings.Cut(name, "/")
	if !found || base == "" || quote == "" || strings.Contains(quote, "/") {
		return ID{}, fmt.Errorf("invalid feed name %q: want BASE/QUOTE", name)
	}
	return ID{Category: category, Name: name}, nil
}

// MustID is NewID for static tables; panics on malformed names.
func MustID(category Category, name string) ID {
	id, err := NewID(category, name)
	if err != nil {
		panic(err)
	}
	return id
}

// Base returns the left side of the pair.
func (id ID) Base() string {
	base, _, _ := strings.Cut(id.Name, "/")
	return base
}

// Quote returns the right side of the pair.
func (id ID) Quote() string {
	_, quote, _ := strings.Cut(id.Name, "/")
	return quote
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%s", id.Category, id.Name)
}
