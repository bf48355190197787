/*
Package factory converts tier chart definitions from JSON or YAML into a
validated tier.Chart.

PURPOSE:
  Tier thresholds and rates change a few times a year and are owned by the
  marketing team, not by engineers. Keeping them in a config document means a
  new chart ships without a code change.

SCHEMA (YAML shown, JSON uses the same keys):
  tiers:
    - id: member
      name: Member
      order: 1
      limit_spending: 0
      personal_rate: "0.01"
      initial_rate: "0.02"
      referral_rate: "0.005"
      birthday_ratio: "2"
    - id: gold
      order: 2
      limit_spending: 1000000
      ...

  Rates are decimal strings so they survive the round trip exactly.

USAGE:
  f := factory.NewChartFactory()
  chart, err := f.ParseYAML(data)

SEE ALSO:
  - tier/chart.go: validation rules
  - config/config.go: where the definitions come from at startup
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/tier"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// TierJSON is the document form of one tier definition.
type TierJSON struct {
	ID            string `json:"id" yaml:"id" mapstructure:"id"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Order         int    `json:"order" yaml:"order" mapstructure:"order"`
	LimitSpending int64  `json:"limit_spending" yaml:"limit_spending" mapstructure:"limit_spending"`
	PersonalRate  string `json:"personal_rate" yaml:"personal_rate" mapstructure:"personal_rate"`
	InitialRate   string `json:"initial_rate,omitempty" yaml:"initial_rate,omitempty" mapstructure:"initial_rate"`
	ReferralRate  string `json:"referral_rate,omitempty" yaml:"referral_rate,omitempty" mapstructure:"referral_rate"`
	BirthdayRatio string `json:"birthday_ratio,omitempty" yaml:"birthday_ratio,omitempty" mapstructure:"birthday_ratio"`
}

// ChartJSON is the document root.
type ChartJSON struct {
	Tiers []TierJSON `json:"tiers" yaml:"tiers"`
}

// =============================================================================
// CHART FACTORY
// =============================================================================

// ChartFactory converts chart documents to tier charts.
type ChartFactory struct{}

func NewChartFactory() *ChartFactory {
	return &ChartFactory{}
}

// ParseJSON parses a JSON chart document.
func (f *ChartFactory) ParseJSON(data []byte) (*tier.Chart, error) {
	var doc ChartJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse chart JSON: %w", err)
	}
	return f.FromJSON(doc.Tiers)
}

// ParseYAML parses a YAML chart document.
func (f *ChartFactory) ParseYAML(data []byte) (*tier.Chart, error) {
	var doc ChartJSON
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse chart YAML: %w", err)
	}
	return f.FromJSON(doc.Tiers)
}

// LoadFile picks the parser from the file extension.
func (f *ChartFactory) LoadFile(path string) (*tier.Chart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return f.ParseJSON(data)
	default:
		return f.ParseYAML(data)
	}
}

// FromJSON converts document tiers to a validated chart.
func (f *ChartFactory) FromJSON(tiers []TierJSON) (*tier.Chart, error) {
	defs := make([]tier.Definition, 0, len(tiers))
	for _, tj := range tiers {
		def, err := parseTier(tj)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return tier.Load(defs)
}

// ToJSON converts a chart back to its document form.
func (f *ChartFactory) ToJSON(chart *tier.Chart) ChartJSON {
	var doc ChartJSON
	for _, d := range chart.Tiers() {
		doc.Tiers = append(doc.Tiers, TierJSON{
			ID:            string(d.ID),
			Name:          d.Name,
			Order:         d.Order,
			LimitSpending: d.LimitSpending,
			PersonalRate:  d.PersonalRate.String(),
			InitialRate:   d.InitialRate.String(),
			ReferralRate:  d.ReferralRate.String(),
			BirthdayRatio: d.BirthdayRatio.String(),
		})
	}
	return doc
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTier(tj TierJSON) (tier.Definition, error) {
	personal, err := parseRate(tj.ID, "personal_rate", tj.PersonalRate, decimal.Zero)
	if err != nil {
		return tier.Definition{}, err
	}
	// A tier without an explicit initial rate rewards first purchases like repeats.
	initial, err := parseRate(tj.ID, "initial_rate", tj.InitialRate, personal)
	if err != nil {
		return tier.Definition{}, err
	}
	referral, err := parseRate(tj.ID, "referral_rate", tj.ReferralRate, decimal.Zero)
	if err != nil {
		return tier.Definition{}, err
	}
	birthday, err := parseRate(tj.ID, "birthday_ratio", tj.BirthdayRatio, decimal.NewFromInt(1))
	if err != nil {
		return tier.Definition{}, err
	}

	name := tj.Name
	if name == "" {
		name = tj.ID
	}
	return tier.Definition{
		ID:            ledger.TierID(tj.ID),
		Name:          name,
		Order:         tj.Order,
		LimitSpending: tj.LimitSpending,
		PersonalRate:  personal,
		InitialRate:   initial,
		ReferralRate:  referral,
		BirthdayRatio: birthday,
	}, nil
}

func parseRate(tierID, field, s string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &ledger.InvalidChartError{Reason: fmt.Sprintf("tier %q: bad %s %q", tierID, field, s)}
	}
	if d.IsNegative() {
		return decimal.Zero, &ledger.InvalidChartError{Reason: fmt.Sprintf("tier %q: negative %s", tierID, field)}
	}
	return d, nil
}

// =============================================================================
// DEFAULT CHART
// =============================================================================

// DefaultChartYAML is the chart used when no configuration supplies one.
// Amounts are minor currency units.
const DefaultChartYAML = `
tiers:
  - id: member
    name: Member
    order: 1
    limit_spending: 0
    personal_rate: "0.01"
    initial_rate: "0.02"
    referral_rate: "0"
    birthday_ratio: "2"
  - id: silver
    name: Silver
    order: 2
    limit_spending: 500000
    personal_rate: "0.015"
    initial_rate: "0.02"
    referral_rate: "0.005"
    birthday_ratio: "2"
  - id: gold
    name: Gold
    order: 3
    limit_spending: 2000000
    personal_rate: "0.02"
    initial_rate: "0.025"
    referral_rate: "0.0075"
    birthday_ratio: "2"
  - id: diamond
    name: Diamond
    order: 4
    limit_spending: 5000000
    personal_rate: "0.03"
    initial_rate: "0.03"
    referral_rate: "0.01"
    birthday_ratio: "3"
`
