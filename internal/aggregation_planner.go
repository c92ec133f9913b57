package internal

import (
	"fmt"

	"github.com/lychee-technology/kdbpush"
)

// nativeAggregates maps each kind to its native function. Sample and
// population variants are distinct functions in the store.
var nativeAggregates = map[kdbpush.AggregateKind]string{
	kdbpush.AggSum:        "sum",
	kdbpush.AggAvg:        "avg",
	kdbpush.AggMin:        "min",
	kdbpush.AggMax:        "max",
	kdbpush.AggStddevSamp: "sdev",
	kdbpush.AggStddevPop:  "dev",
	kdbpush.AggVarSamp:    "svar",
	kdbpush.AggVarPop:     "var",
	kdbpush.AggBoolAnd:    "all",
	kdbpush.AggBoolOr:     "any",
}

func isNumeric(ct kdbpush.ColumnType) bool {
	if ct.Array || ct.IsUnknown() {
		return false
	}
	switch ct.Kind {
	case kdbpush.TypeShort, kdbpush.TypeInt, kdbpush.TypeLong, kdbpush.TypeReal, kdbpush.TypeFloat:
		return true
	}
	return false
}

func isTemporal(ct kdbpush.ColumnType) bool {
	if ct.Array || ct.IsUnknown() {
		return false
	}
	switch ct.Kind {
	case kdbpush.TypeTimestamp, kdbpush.TypeDate, kdbpush.TypeDatetime, kdbpush.TypeTimespan,
		kdbpush.TypeMinute, kdbpush.TypeSecond, kdbpush.TypeTime:
		return true
	}
	return false
}

func isBoolean(ct kdbpush.ColumnType) bool { return ct == kdbpush.Column(kdbpush.TypeBoolean) }

func isFloating(ct kdbpush.ColumnType) bool {
	return ct.Kind == kdbpush.TypeReal || ct.Kind == kdbpush.TypeFloat
}

// aggregateType checks that kind accepts col and returns the output type.
func aggregateType(kind kdbpush.AggregateKind, col kdbpush.ColumnHandle) (kdbpush.RelType, error) {
	ct := col.Type
	switch kind {
	case kdbpush.AggCount:
		if ct.IsString() || (!ct.Array && !ct.IsUnknown()) {
			return kdbpush.Rel(kdbpush.RelBigInt), nil
		}
	case kdbpush.AggSum:
		if isNumeric(ct) {
			if isFloating(ct) {
				return kdbpush.Rel(kdbpush.RelDouble), nil
			}
			return kdbpush.Rel(kdbpush.RelBigInt), nil
		}
	case kdbpush.AggAvg, kdbpush.AggStddevSamp, kdbpush.AggStddevPop, kdbpush.AggVarSamp, kdbpush.AggVarPop:
		if isNumeric(ct) {
			return kdbpush.Rel(kdbpush.RelDouble), nil
		}
	case kdbpush.AggMin, kdbpush.AggMax:
		if isNumeric(ct) || isTemporal(ct) {
			return MapNativeType(ct), nil
		}
	case kdbpush.AggBoolAnd, kdbpush.AggBoolOr:
		if isBoolean(ct) {
			return kdbpush.Rel(kdbpush.RelBoolean), nil
		}
	case kdbpush.AggCountIf:
		if isBoolean(ct) {
			return kdbpush.Rel(kdbpush.RelBigInt), nil
		}
	}
	return kdbpush.RelType{}, fmt.Errorf("%s does not accept %s column %s", kind, ct, col.Name)
}

// PlanAggregation maps an aggregate request onto native aggregates. The whole
// request is rejected with a reason when any part cannot be pushed.
func PlanAggregation(table *kdbpush.TableHandle, req kdbpush.AggregateRequest, enabled bool) (*kdbpush.PushedAggregation, error) {
	if !enabled {
		return nil, fmt.Errorf("aggregation pushdown is disabled")
	}
	if table.HasAggregation() {
		return nil, fmt.Errorf("table already aggregated")
	}
	if len(req.Calls) == 0 {
		return nil, fmt.Errorf("no aggregates requested")
	}

	for _, g := range req.GroupBy {
		if g.Type.IsArray() || g.Type.IsUnknown() {
			return nil, fmt.Errorf("cannot group by %s column %s", g.Type, g.Name)
		}
	}

	agg := &kdbpush.PushedAggregation{GroupBy: append([]kdbpush.ColumnHandle(nil), req.GroupBy...)}
	for i, call := range req.Calls {
		kind, err := kdbpush.ParseAggregateKind(call.Function, call.Arg != nil)
		if err != nil {
			return nil, err
		}
		out := kdbpush.AggregateOutput{
			Name:     fmt.Sprintf("col%d", i),
			Kind:     kind,
			Distinct: call.Distinct,
		}
		if kind == kdbpush.AggCountAll {
			if call.Distinct {
				return nil, fmt.Errorf("count(DISTINCT *) is not supported")
			}
			out.Type = kdbpush.Rel(kdbpush.RelBigInt)
			agg.Outputs = append(agg.Outputs, out)
			continue
		}

		ref, ok := call.Arg.(kdbpush.ColumnRef)
		if !ok {
			return nil, fmt.Errorf("%s over an expression is not supported", call.Function)
		}
		col := ref.Column
		if out.Type, err = aggregateType(kind, col); err != nil {
			return nil, err
		}
		if call.Distinct {
			if kind != kdbpush.AggCount {
				return nil, fmt.Errorf("DISTINCT is only supported for count")
			}
			if len(req.Calls) > 1 {
				return nil, fmt.Errorf("count(DISTINCT) must be the only aggregate")
			}
			for _, g := range req.GroupBy {
				if g.Name == col.Name {
					return nil, fmt.Errorf("count(DISTINCT %s) grouped by itself", col.Name)
				}
			}
		}
		out.Column = &col
		agg.Outputs = append(agg.Outputs, out)
	}
	return agg, nil
}

// RenderAggregate renders one output as a native aggregate expression.
func RenderAggregate(out kdbpush.AggregateOutput) (string, error) {
	switch out.Kind {
	case kdbpush.AggCountAll:
		return "count i", nil
	case kdbpush.AggCount:
		if out.Column == nil {
			return "", kdbpush.NewCompilationError("count without column")
		}
		if IsNullable(out.Column.Type) {
			return "sum `long$ not null " + out.Column.NativeName, nil
		}
		return "count " + out.Column.NativeName, nil
	case kdbpush.AggCountIf:
		if out.Column == nil {
			return "", kdbpush.NewCompilationError("count_if without column")
		}
		return "sum `long$ " + out.Column.NativeName, nil
	}
	fn, ok := nativeAggregates[out.Kind]
	if !ok || out.Column == nil {
		return "", kdbpush.NewCompilationError("cannot render aggregate %s", out.Kind)
	}
	col := out.Column.NativeName
	switch out.Kind {
	case kdbpush.AggSum, kdbpush.AggMin, kdbpush.AggMax:
		// null when no value remains, not 0 or an infinity
		return fmt.Sprintf("{$[count x:x where not null x;%s x;first 0#x]} %s", fn, col), nil
	case kdbpush.AggBoolAnd, kdbpush.AggBoolOr:
		return fmt.Sprintf("{$[count x;%s x;0N]} %s", fn, col), nil
	}
	return fn + " " + col, nil
}
