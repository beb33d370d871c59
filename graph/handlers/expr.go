package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dshills/blockflow/graph"
)

// DefaultExprCacheSize is the number of compiled programs kept in memory.
const DefaultExprCacheSize = 256

// evaluator compiles and runs the CEL expressions of condition and function
// blocks.
//
// Expressions see these variables:
//
//	input   the run input
//	env     the run environment variables
//	inputs  the block's resolved inputs
//	item    the current construct item (null outside of iterations)
//	index   the current iteration index (-1 outside of iterations)
//	refs    the values of the <block.path> references in the expression
//
// References are rewritten to refs[n] before compilation, so the compiled
// program depends only on the expression text and is cached by it.
type evaluator struct {
	env   *cel.Env
	cache *lru.Cache[string, cel.Program]
}

func newEvaluator(size int) (*evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("env", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("inputs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("item", cel.DynType),
		cel.Variable("index", cel.IntType),
		cel.Variable("refs", cel.ListType(cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
		ext.Encoders(),
		ext.Lists(),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	cache, err := lru.New[string, cel.Program](size)
	if err != nil {
		return nil, fmt.Errorf("create expression cache: %w", err)
	}
	return &evaluator{env: env, cache: cache}, nil
}

func (e *evaluator) program(expr string) (cel.Program, error) {
	if prg, ok := e.cache.Get(expr); ok {
		return prg, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, err)
	}
	e.cache.Add(expr, prg)
	return prg, nil
}

// eval binds the references of expr and evaluates it.
func (e *evaluator) eval(ctx context.Context, expr string, inputs map[string]any, ectx *graph.ExecutionContext) (ref.Val, error) {
	var refs []any
	bound, err := ectx.Resolver().BindReferences(ctx, expr, ectx, func(n int, v any) string {
		refs = append(refs, v)
		return fmt.Sprintf("refs[%d]", n)
	})
	if err != nil {
		return nil, err
	}

	prg, err := e.program(bound)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{
		"input":  ectx.Input(),
		"env":    ectx.EnvMap(),
		"inputs": nonNilMap(inputs),
		"item":   nil,
		"index":  -1,
		"refs":   nonNilSlice(refs),
	}
	if scope, ok := graph.ScopeFromContext(ctx); ok {
		vars["item"] = scope.Item
		vars["index"] = scope.Index
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return out, nil
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// nativeValue converts a CEL result into plain Go values: bool, int64,
// uint64, float64, string, []any, map[string]any or nil.
func nativeValue(v ref.Val) (any, error) {
	switch v.(type) {
	case types.Null:
		return nil, nil
	case types.Bool, types.Int, types.Uint, types.Double, types.String:
		return v.Value(), nil
	}
	pb, err := v.ConvertToNative(structValueType)
	if err != nil {
		return nil, fmt.Errorf("unsupported result type %s: %w", v.Type().TypeName(), err)
	}
	return pb.(*structpb.Value).AsInterface(), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}
