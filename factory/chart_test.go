package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-engine/ledger"
)

func TestParseYAML_DefaultChart(t *testing.T) {
	chart, err := NewChartFactory().ParseYAML([]byte(DefaultChartYAML))
	require.NoError(t, err)

	tiers := chart.Tiers()
	require.Len(t, tiers, 4)
	assert.Equal(t, ledger.TierID("member"), chart.NormalTier().ID)
	assert.Equal(t, ledger.TierID("diamond"), chart.TopTier().ID)
	assert.Equal(t, int64(500000), tiers[1].LimitSpending)
	assert.True(t, tiers[3].BirthdayRatio.Equal(decimal.NewFromInt(3)))
}

func TestParseJSON(t *testing.T) {
	doc := `{"tiers": [
		{"id": "basic", "order": 1, "limit_spending": 0, "personal_rate": "0.01"},
		{"id": "plus", "name": "Plus", "order": 2, "limit_spending": 100, "personal_rate": "0.02", "referral_rate": "0.01"}
	]}`

	chart, err := NewChartFactory().ParseJSON([]byte(doc))
	require.NoError(t, err)

	basic, err := chart.Info("basic")
	require.NoError(t, err)
	// Name falls back to id, initial rate to the personal rate
	assert.Equal(t, "basic", basic.Name)
	assert.True(t, basic.InitialRate.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, basic.BirthdayRatio.Equal(decimal.NewFromInt(1)))

	plus, err := chart.Info("plus")
	require.NoError(t, err)
	assert.Equal(t, "Plus", plus.Name)
	assert.True(t, plus.ReferralRate.Equal(decimal.RequireFromString("0.01")))
}

func TestFromJSON_RejectsBadRates(t *testing.T) {
	tests := []struct {
		name  string
		tiers []TierJSON
	}{
		{"not a number", []TierJSON{
			{ID: "a", Order: 1, PersonalRate: "abc"},
			{ID: "b", Order: 2, LimitSpending: 10},
		}},
		{"negative", []TierJSON{
			{ID: "a", Order: 1, PersonalRate: "-0.1"},
			{ID: "b", Order: 2, LimitSpending: 10},
		}},
		{"chart validation", []TierJSON{
			{ID: "a", Order: 1, LimitSpending: 10},
			{ID: "b", Order: 2, LimitSpending: 5},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChartFactory().FromJSON(tt.tiers)
			assert.ErrorIs(t, err, ledger.ErrInvalidChart)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewChartFactory()
	chart, err := f.ParseYAML([]byte(DefaultChartYAML))
	require.NoError(t, err)

	again, err := f.FromJSON(f.ToJSON(chart).Tiers)
	require.NoError(t, err)
	assert.Equal(t, chart.Tiers(), again.Tiers())
}

func TestLoadFile_ByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tiers":[
		{"id":"a","order":1,"limit_spending":0,"personal_rate":"0.01"},
		{"id":"b","order":2,"limit_spending":10,"personal_rate":"0.02"}]}`), 0o644))

	chart, err := NewChartFactory().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ledger.TierID("b"), chart.TopTier().ID)

	_, err = NewChartFactory().LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
