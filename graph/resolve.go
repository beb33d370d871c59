package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	referencePattern = regexp.MustCompile(`<([A-Za-z0-9_][^<>\s]*)>`)
	envPattern       = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)
)

// Iteration fields that can be read through a construct reference.
const (
	fieldCurrentItem = "currentItem"
	fieldIndex       = "index"
	fieldItems       = "items"
)

// ResolveError reports a reference that cannot be resolved unambiguously.
type ResolveError struct {
	Reference string
	Reason    string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s: <%s>: %s", CodeResolveFailed, e.Reference, e.Reason)
}

// Resolver substitutes block references and environment variables in block
// inputs.
//
// A reference has the form <head.path>. The head is resolved in this order:
//
//  1. Inside a construct iteration, the construct's own id or name followed
//     by currentItem, index or items reads the iteration scope.
//  2. Inside a construct iteration, the legacy keywords "parallel" and
//     "loop" followed by currentItem, index or items read the scope of the
//     enclosing construct of that kind.
//  3. An exact block id.
//  4. A block name, compared without case or spaces. A name shared by more
//     than one block is an error.
//
// Block types never take part in resolution, so two constructs of the same
// type never shadow each other: <parallelA.results> always reads the
// aggregate stored for the block named parallelA.
//
// A reference to a known block that has not produced output resolves to nil,
// since blocks may have several alternative upstream sources. Unknown heads
// are left untouched. Distributions are stricter: an expression that
// resolves to nothing is an error, never an implicit single iteration.
type Resolver struct {
	wf     *Workflow
	byName map[string][]string
}

// NewResolver creates a resolver for wf.
func NewResolver(wf *Workflow) *Resolver {
	r := &Resolver{wf: wf, byName: make(map[string][]string)}
	for _, b := range wf.Blocks {
		if b.Name == "" {
			continue
		}
		key := normalizeName(b.Name)
		r.byName[key] = append(r.byName[key], b.ID)
	}
	return r
}

func normalizeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}

// ResolveInputs returns a copy of the block's inputs with every reference
// substituted.
func (r *Resolver) ResolveInputs(ctx context.Context, block Block, ectx *ExecutionContext) (map[string]any, error) {
	out := make(map[string]any, len(block.Inputs))
	for k, v := range block.Inputs {
		resolved, err := r.ResolveValue(ctx, v, ectx)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveValue walks maps and slices and substitutes references in every
// string. A string that consists of exactly one reference is replaced by the
// referenced value itself, keeping its type; references embedded in longer
// text are formatted as text.
func (r *Resolver) ResolveValue(ctx context.Context, v any, ectx *ExecutionContext) (any, error) {
	switch t := v.(type) {
	case string:
		return r.resolveString(ctx, t, ectx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			resolved, err := r.ResolveValue(ctx, val, ectx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			resolved, err := r.ResolveValue(ctx, val, ectx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveDistribution evaluates an expression distribution into a concrete
// one. Other kinds are returned unchanged.
func (r *Resolver) ResolveDistribution(ctx context.Context, d Distribution, ectx *ExecutionContext) (Distribution, error) {
	if d.Kind != DistributionExpression {
		return d, nil
	}
	v, err := r.ResolveValue(ctx, d.Expr, ectx)
	if err != nil {
		return Distribution{}, err
	}
	resolved, err := NewDistribution(v)
	if err != nil {
		return Distribution{}, err
	}
	switch resolved.Kind {
	case DistributionExpression:
		return Distribution{}, &ResolveError{Reference: d.Expr, Reason: "does not evaluate to a sequence, mapping or count"}
	case DistributionNone:
		reason := "evaluates to nothing"
		if pending := r.PendingReferences(d.Expr, ectx); len(pending) > 0 {
			reason = fmt.Sprintf("evaluates to nothing: %s produced no output", strings.Join(pending, ", "))
		}
		return Distribution{}, &ResolveError{Reference: d.Expr, Reason: reason}
	}
	return resolved, nil
}

// PendingReferences returns the ids of the blocks named in expr that have
// not produced their final output yet: blocks without a block state and
// constructs that have not completed. Unknown heads and ambiguous names are
// ignored.
func (r *Resolver) PendingReferences(expr string, ectx *ExecutionContext) []string {
	var pending []string
	seen := make(map[string]bool)
	for _, m := range referencePattern.FindAllStringSubmatch(expr, -1) {
		head, _, _ := strings.Cut(m[1], ".")
		id, found, err := r.blockID(head)
		if err != nil || !found || seen[id] {
			continue
		}
		seen[id] = true
		if !r.produced(id, ectx) {
			pending = append(pending, id)
		}
	}
	return pending
}

func (r *Resolver) produced(id string, ectx *ExecutionContext) bool {
	if _, isConstruct := r.wf.constructKind(id); isConstruct {
		return ectx.IsLoopCompleted(id)
	}
	_, ok := ectx.BlockState(id)
	return ok
}

func substituteEnv(s string, ectx *ExecutionContext) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		if v, ok := ectx.Env(name); ok {
			return v
		}
		return m
	})
}

// BindReferences prepares an expression for evaluation by an expression
// language. Environment variables are substituted as text; every reference
// to a known block or iteration field is replaced by whatever bind returns
// for it, typically a variable name that the caller binds to v. Unknown
// heads are left untouched.
func (r *Resolver) BindReferences(ctx context.Context, expr string, ectx *ExecutionContext, bind func(n int, v any) string) (string, error) {
	expr = substituteEnv(expr, ectx)
	matches := referencePattern.FindAllStringSubmatchIndex(expr, -1)
	if len(matches) == 0 {
		return expr, nil
	}

	var b strings.Builder
	last, n := 0, 0
	for _, m := range matches {
		b.WriteString(expr[last:m[0]])
		ref := expr[m[2]:m[3]]
		v, known, err := r.lookup(ctx, ref, ectx)
		if err != nil {
			return "", err
		}
		if known {
			b.WriteString(bind(n, v))
			n++
		} else {
			b.WriteString(expr[m[0]:m[1]])
		}
		last = m[1]
	}
	b.WriteString(expr[last:])
	return b.String(), nil
}

func (r *Resolver) resolveString(ctx context.Context, s string, ectx *ExecutionContext) (any, error) {
	s = substituteEnv(s, ectx)

	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one reference keeps the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		v, known, err := r.lookup(ctx, ref, ectx)
		if err != nil {
			return nil, err
		}
		if !known {
			return s, nil
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		ref := s[m[2]:m[3]]
		v, known, err := r.lookup(ctx, ref, ectx)
		if err != nil {
			return nil, err
		}
		if known {
			b.WriteString(formatValue(v))
		} else {
			b.WriteString(s[m[0]:m[1]])
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup resolves one reference. known is false when the head does not name
// anything the resolver recognizes.
func (r *Resolver) lookup(ctx context.Context, ref string, ectx *ExecutionContext) (value any, known bool, err error) {
	head, path, _ := strings.Cut(ref, ".")
	scope, inScope := ScopeFromContext(ctx)

	if inScope && isIterationField(path) {
		if head == scope.ConstructID || normalizeName(head) == normalizeName(scope.ConstructName) {
			return scopeField(scope, path), true, nil
		}
		if head == string(scope.Kind) {
			return scopeField(scope, path), true, nil
		}
	}

	id, found, err := r.blockID(head)
	if err != nil {
		return nil, true, err
	}
	if !found {
		if head == string(ConstructParallel) || head == string(ConstructLoop) {
			if isIterationField(path) {
				return nil, true, &ResolveError{Reference: ref, Reason: "used outside of a " + head + " iteration"}
			}
		}
		return nil, false, nil
	}

	out, ok := r.outputFor(ctx, id, ectx)
	if !ok {
		return nil, true, nil
	}
	v, _ := out.Lookup(path)
	return v, true, nil
}

// blockID maps a reference head to a block id.
func (r *Resolver) blockID(head string) (string, bool, error) {
	if _, ok := r.wf.Block(head); ok {
		return head, true, nil
	}
	ids := r.byName[normalizeName(head)]
	switch len(ids) {
	case 0:
		return "", false, nil
	case 1:
		return ids[0], true, nil
	default:
		return "", false, &ResolveError{Reference: head, Reason: fmt.Sprintf("name is shared by blocks %v", ids)}
	}
}

// outputFor returns the output a reference to block id sees: the result of
// the same iteration for members of the current construct, else the block
// state.
func (r *Resolver) outputFor(ctx context.Context, id string, ectx *ExecutionContext) (Output, bool) {
	if scope, ok := ScopeFromContext(ctx); ok {
		if cid, kind, member := r.wf.ConstructOf(id); member && cid == scope.ConstructID {
			return ectx.iterationOutput(VirtualKey{BlockID: id, ConstructID: cid, Kind: kind, Iteration: scope.Index})
		}
	}
	return ectx.BlockState(id)
}

func isIterationField(path string) bool {
	return path == fieldCurrentItem || path == fieldIndex || path == fieldItems ||
		strings.HasPrefix(path, fieldCurrentItem+".")
}

func scopeField(s IterationScope, path string) any {
	switch {
	case path == fieldIndex:
		return s.Index
	case path == fieldItems:
		return s.Items
	case path == fieldCurrentItem:
		return s.Item
	default:
		sub := strings.TrimPrefix(path, fieldCurrentItem+".")
		v, _ := DynamicOutput(s.Item).Lookup(sub)
		return v
	}
}

// formatValue renders a resolved value inside surrounding text.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
