package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// ParseHCL decodes an HCL configuration. Expressions may reference env.NAME
// and call the functions returned by Functions. The returned error is
// hcl.Diagnostics when parsing or decoding fails.
func ParseHCL(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()

	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diags
	}

	var cfg File
	diags = diags.Extend(gohcl.DecodeBody(file.Body, EvalContext(), &cfg))
	if diags.HasErrors() {
		return nil, diags
	}

	return &cfg, nil
}

// EvalContext returns the evaluation context used for configuration files.
func EvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": EnvObject(),
		},
		Functions: Functions(),
	}
}

// Functions returns the functions available in configuration expressions.
func Functions() map[string]function.Function {
	return map[string]function.Function{
		"upper":     stdlib.UpperFunc,
		"lower":     stdlib.LowerFunc,
		"trimspace": stdlib.TrimSpaceFunc,
		"replace":   stdlib.ReplaceFunc,
		"format":    stdlib.FormatFunc,
		"join":      stdlib.JoinFunc,
		"coalesce":  stdlib.CoalesceFunc,
		"min":       stdlib.MinFunc,
		"max":       stdlib.MaxFunc,

		"tostring": stdlib.MakeToFunc(cty.String),
		"tonumber": stdlib.MakeToFunc(cty.Number),
		"tobool":   stdlib.MakeToFunc(cty.Bool),
	}
}
