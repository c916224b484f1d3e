package config

import (
	"fmt"

	"github.com/tsarna/go-structdiff"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// DiffFunc returns the merge patch that turns its first argument into its
// second. Useful for deriving one action payload from another.
var DiffFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "from", Type: cty.DynamicPseudoType},
		{Name: "to", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		from, err := go2cty2go.CtyToAny(args[0])
		if err != nil {
			return cty.NilVal, fmt.Errorf("from: %w", err)
		}
		to, err := go2cty2go.CtyToAny(args[1])
		if err != nil {
			return cty.NilVal, fmt.Errorf("to: %w", err)
		}

		diff, err := structdiff.Diff(from, to)
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to diff values: %w", err)
		}
		return go2cty2go.AnyToCty(diff)
	},
})

// PatchFunc applies a merge patch to an object.
//
//	data = patch(jsondecode(file("presence.json")), { status = "idle" })
var PatchFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "target", Type: cty.DynamicPseudoType},
		{Name: "patch", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		target, err := toMap(args[0], "target")
		if err != nil {
			return cty.NilVal, err
		}
		patch, err := toMap(args[1], "patch")
		if err != nil {
			return cty.NilVal, err
		}

		if err := structdiff.Apply(&target, patch); err != nil {
			return cty.NilVal, fmt.Errorf("unable to apply patch: %w", err)
		}
		return go2cty2go.AnyToCty(target)
	},
})

func toMap(v cty.Value, name string) (map[string]any, error) {
	converted, err := go2cty2go.CtyToAny(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	m, ok := converted.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	return m, nil
}
