package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry prices one model: micro-USD per one million input tokens and
// per one million output tokens.
type Entry struct {
	InputPerMTok  int64 `json:"input_micro_usd_per_mtok"`
	OutputPerMTok int64 `json:"output_micro_usd_per_mtok"`
}

// Table maps model identifiers to pricing entries. It is built once at
// startup and treated as read-only for the process lifetime; nothing
// in this package mutates a table after construction.
type Table map[string]Entry

// UnknownModelError reports a cost lookup for a model the table does
// not price. Costing never silently defaults to zero or to another
// model's price.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("no pricing entry for model %q", e.Model)
}

// DefaultTable prices the models the pipeline routes to out of the
// box. Values are USD per million tokens, expressed in micro-USD.
func DefaultTable() Table {
	return Table{
		"gemini-2.5-pro":        {InputPerMTok: 3_500_000, OutputPerMTok: 3_500_000},
		"gemini-2.5-flash":      {InputPerMTok: 350_000, OutputPerMTok: 350_000},
		"gemini-2.5-flash-lite": {InputPerMTok: 50_000, OutputPerMTok: 50_000},
		"gpt-4":                 {InputPerMTok: 30_000_000, OutputPerMTok: 60_000_000},
		"gpt-3.5-turbo":         {InputPerMTok: 1_000_000, OutputPerMTok: 2_000_000},
		"claude-3-opus":         {InputPerMTok: 15_000_000, OutputPerMTok: 75_000_000},
		"claude-3-sonnet":       {InputPerMTok: 3_000_000, OutputPerMTok: 15_000_000},
	}
}

// tableFile is the YAML shape of a pricing override file:
//
//	models:
//	  gemini-2.5-pro:
//	    input_usd_per_million: "3.50"
//	    output_usd_per_million: "10.50"
type tableFile struct {
	Models map[string]struct {
		Input  string `yaml:"input_usd_per_million"`
		Output string `yaml:"output_usd_per_million"`
	} `yaml:"models"`
}

// LoadTable reads a pricing YAML file. Entries replace or extend the
// defaults; models absent from both remain unpriced and fail lookups.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}

	table := DefaultTable()
	for model, raw := range f.Models {
		in, err := ParseUSD(raw.Input)
		if err != nil {
			return nil, fmt.Errorf("pricing for %s: input: %w", model, err)
		}
		out, err := ParseUSD(raw.Output)
		if err != nil {
			return nil, fmt.Errorf("pricing for %s: output: %w", model, err)
		}
		if in.Micro < 0 || out.Micro < 0 {
			return nil, fmt.Errorf("pricing for %s: negative price", model)
		}
		table[model] = Entry{InputPerMTok: in.Micro, OutputPerMTok: out.Micro}
	}
	return table, nil
}
