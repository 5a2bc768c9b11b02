package pricing

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Overrides holds user-defined factors that replace stored pricing.
//
// File format:
//
//	[[override]]
//	division = "FP"
//	year = 2025            # 0 applies to every year
//	product_group = "Shrink Film"
//	price = 4.20
//	secondary_factor = 1.15
type Overrides struct {
	Entries []OverrideEntry `toml:"override"`
}

// OverrideEntry replaces one or both factors of a product group.
type OverrideEntry struct {
	Division        string   `toml:"division"`
	Year            int      `toml:"year,omitempty"`
	ProductGroup    string   `toml:"product_group"`
	Price           *float64 `toml:"price,omitempty"`
	SecondaryFactor *float64 `toml:"secondary_factor,omitempty"`
}

// LoadOverrides reads an override file. A missing file yields no overrides.
func LoadOverrides(path string) (*Overrides, error) {
	o := &Overrides{}
	if path == "" {
		return o, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return nil, fmt.Errorf("reading pricing overrides: %w", err)
	}
	if err := toml.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("parsing pricing overrides: %w", err)
	}
	for i, e := range o.Entries {
		if strings.TrimSpace(e.Division) == "" || strings.TrimSpace(e.ProductGroup) == "" {
			return nil, fmt.Errorf("pricing override %d: division and product_group are required", i+1)
		}
	}
	return o, nil
}

func (o *Overrides) apply(division string, year int, t Table) {
	for _, e := range o.Entries {
		if !strings.EqualFold(e.Division, division) {
			continue
		}
		if e.Year != 0 && e.Year != year {
			continue
		}
		k := Key(e.ProductGroup)
		entry := t[k]
		if e.Price != nil {
			entry.Price = decimal.NewFromFloat(*e.Price)
		}
		if e.SecondaryFactor != nil {
			entry.SecondaryFactor = decimal.NewFromFloat(*e.SecondaryFactor)
		}
		t[k] = entry
	}
}
