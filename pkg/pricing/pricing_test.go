package pricing_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pricing"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

func TestParseUSD(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"3.50", 3_500_000},
		{"0.35", 350_000},
		{"0.000125", 125},
		{"7", 7_000_000},
		{"0", 0},
		{"10.50", 10_500_000},
		{"-1.25", -1_250_000},
		{"+0.05", 50_000},
		{".5", 500_000},
	}
	for _, tc := range cases {
		got, err := pricing.ParseUSD(tc.in)
		require.NoError(t, err, "ParseUSD(%q)", tc.in)
		assert.Equal(t, tc.want, got.Micro, "ParseUSD(%q)", tc.in)
	}

	for _, bad := range []string{"", "abc", "1.2345678", "1.2.3", "$3", "1e6", "."} {
		_, err := pricing.ParseUSD(bad)
		assert.Error(t, err, "ParseUSD(%q) should fail", bad)
	}
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "$0.000350", pricing.FromMicro(350).String())
	assert.Equal(t, "$3.500000", pricing.FromMicro(3_500_000).String())
	assert.Equal(t, "-$1.250000", pricing.FromMicro(-1_250_000).String())
	assert.Equal(t, "$0.000000", pricing.Money{}.String())
	assert.True(t, pricing.Money{}.IsZero())
}

func TestMoneyAddExact(t *testing.T) {
	a := pricing.FromMicro(1)
	sum := pricing.Money{}
	for i := 0; i < 1_000; i++ {
		sum = sum.Add(a)
	}
	assert.Equal(t, int64(1_000), sum.Micro)
}

func TestAccountant_Cost(t *testing.T) {
	acct := pricing.NewAccountant(pricing.DefaultTable())

	// 1000 in + 500 out on gpt-4: $0.03 + $0.03 = $0.06.
	cost, err := acct.Cost("gpt-4", 1000, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), cost.Micro)
	assert.Equal(t, "$0.060000", cost.String())

	// Flat-rate gemini flash: 1500 tokens at $0.35/M.
	cost, err = acct.Cost("gemini-2.5-flash", 1000, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(525), cost.Micro)

	// Zero usage prices to zero.
	cost, err = acct.Cost("gemini-2.5-pro", 0, 0)
	require.NoError(t, err)
	assert.True(t, cost.IsZero())
}

func TestAccountant_RoundHalfUp(t *testing.T) {
	acct := pricing.NewAccountant(pricing.DefaultTable())

	// 9 tokens at $0.05/M is 0.45 micro-USD: rounds down to 0.
	cost, err := acct.Cost("gemini-2.5-flash-lite", 9, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost.Micro)

	// 10 tokens is exactly 0.5 micro-USD: half rounds up to 1.
	cost, err = acct.Cost("gemini-2.5-flash-lite", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost.Micro)

	// 11 tokens is 0.55 micro-USD: rounds up to 1.
	cost, err = acct.Cost("gemini-2.5-flash-lite", 11, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost.Micro)
}

func TestAccountant_UnknownModel(t *testing.T) {
	acct := pricing.NewAccountant(pricing.DefaultTable())

	_, err := acct.Cost("mystery-model", 100, 100)
	require.Error(t, err)

	var unknown *pricing.UnknownModelError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "mystery-model", unknown.Model)

	assert.False(t, acct.Knows("mystery-model"))
	assert.True(t, acct.Knows("gemini-2.5-pro"))
}

func TestAccountant_NegativeTokens(t *testing.T) {
	acct := pricing.NewAccountant(pricing.DefaultTable())
	_, err := acct.Cost("gpt-4", -1, 0)
	assert.Error(t, err)
}

func TestAccountant_CostOfUsage(t *testing.T) {
	acct := pricing.NewAccountant(pricing.DefaultTable())
	cost, err := acct.CostOfUsage("gpt-4", soc.TokenUsage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500})
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), cost.Micro)
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	content := `
models:
  gemini-2.5-pro:
    input_usd_per_million: "1.25"
    output_usd_per_million: "10.00"
  in-house-model:
    input_usd_per_million: "0.01"
    output_usd_per_million: "0.02"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := pricing.LoadTable(path)
	require.NoError(t, err)

	// Override replaced the default entry.
	assert.Equal(t, pricing.Entry{InputPerMTok: 1_250_000, OutputPerMTok: 10_000_000}, table["gemini-2.5-pro"])
	// New model added alongside the defaults.
	assert.Equal(t, pricing.Entry{InputPerMTok: 10_000, OutputPerMTok: 20_000}, table["in-house-model"])
	// Untouched default survives.
	assert.Equal(t, pricing.Entry{InputPerMTok: 350_000, OutputPerMTok: 350_000}, table["gemini-2.5-flash"])
}

func TestLoadTable_Errors(t *testing.T) {
	_, err := pricing.LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("models:\n  m:\n    input_usd_per_million: \"oops\"\n    output_usd_per_million: \"1\"\n"), 0o644))
	_, err = pricing.LoadTable(bad)
	assert.Error(t, err)

	neg := filepath.Join(dir, "neg.yaml")
	require.NoError(t, os.WriteFile(neg, []byte("models:\n  m:\n    input_usd_per_million: \"-1\"\n    output_usd_per_million: \"1\"\n"), 0o644))
	_, err = pricing.LoadTable(neg)
	assert.Error(t, err)
}
