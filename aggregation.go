package kdbpush

import (
	"fmt"
	"strings"
)

// AggregateKind enumerates the aggregates that can be pushed to the store.
type AggregateKind string

const (
	AggCountAll   AggregateKind = "count_all"
	AggCount      AggregateKind = "count"
	AggSum        AggregateKind = "sum"
	AggAvg        AggregateKind = "avg"
	AggMin        AggregateKind = "min"
	AggMax        AggregateKind = "max"
	AggStddevSamp AggregateKind = "stddev_samp"
	AggStddevPop  AggregateKind = "stddev_pop"
	AggVarSamp    AggregateKind = "var_samp"
	AggVarPop     AggregateKind = "var_pop"
	AggBoolAnd    AggregateKind = "bool_and"
	AggBoolOr     AggregateKind = "bool_or"
	AggCountIf    AggregateKind = "count_if"
)

var aggregateAliases = map[string]AggregateKind{
	"count":       AggCount,
	"sum":         AggSum,
	"avg":         AggAvg,
	"min":         AggMin,
	"max":         AggMax,
	"stddev":      AggStddevSamp,
	"stddev_samp": AggStddevSamp,
	"stddev_pop":  AggStddevPop,
	"variance":    AggVarSamp,
	"var_samp":    AggVarSamp,
	"var_pop":     AggVarPop,
	"every":       AggBoolAnd,
	"bool_and":    AggBoolAnd,
	"bool_or":     AggBoolOr,
	"count_if":    AggCountIf,
}

// ParseAggregateKind maps a SQL aggregate function name to its kind.
// count with no argument is AggCountAll.
func ParseAggregateKind(function string, hasArgument bool) (AggregateKind, error) {
	kind, ok := aggregateAliases[strings.ToLower(strings.TrimSpace(function))]
	if !ok {
		return "", fmt.Errorf("unsupported aggregate function %q", function)
	}
	if kind == AggCount && !hasArgument {
		return AggCountAll, nil
	}
	return kind, nil
}

// AggregateCall is one aggregate the caller asks to push. Arg is nil for count(*).
type AggregateCall struct {
	Function string  `json:"function"`
	Arg      Operand `json:"-"`
	Distinct bool    `json:"distinct,omitempty"`
}

// AggregateRequest is an aggregation offered for pushdown.
type AggregateRequest struct {
	Calls   []AggregateCall
	GroupBy []ColumnHandle
}

// AggregateOutput is one rendered aggregate; Name is the synthetic output column.
type AggregateOutput struct {
	Name     string        `json:"name"`
	Kind     AggregateKind `json:"kind"`
	Column   *ColumnHandle `json:"column,omitempty"`
	Distinct bool          `json:"distinct,omitempty"`
	Type     RelType       `json:"type"`
}

// PushedAggregation is the aggregation carried by a TableHandle.
type PushedAggregation struct {
	Outputs []AggregateOutput `json:"outputs"`
	GroupBy []ColumnHandle    `json:"groupBy,omitempty"`
}

func (p PushedAggregation) clone() PushedAggregation {
	out := PushedAggregation{
		Outputs: make([]AggregateOutput, len(p.Outputs)),
		GroupBy: append([]ColumnHandle(nil), p.GroupBy...),
	}
	for i, o := range p.Outputs {
		if o.Column != nil {
			c := *o.Column
			o.Column = &c
		}
		out.Outputs[i] = o
	}
	return out
}

// HasDistinct reports whether any output is a count(DISTINCT).
func (p PushedAggregation) HasDistinct() bool {
	for _, o := range p.Outputs {
		if o.Distinct {
			return true
		}
	}
	return false
}

// VisibleColumns are the columns of an aggregated table: group keys, then outputs.
func (p PushedAggregation) VisibleColumns() []string {
	out := make([]string, 0, len(p.GroupBy)+len(p.Outputs))
	for _, g := range p.GroupBy {
		out = append(out, g.Name)
	}
	for _, o := range p.Outputs {
		out = append(out, o.Name)
	}
	return out
}
