package filter

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"venator/internal/index"
	"venator/internal/model"
	"venator/internal/value"
)

// Window bounds a query in time. The compiler does not use it; the query
// engine clamps candidates to it. End 0 means unbounded.
type Window struct {
	Start uint64
	End   uint64
}

// EvalCtx supplies the compiled evaluator with lookups it cannot get from
// the record alone.
type EvalCtx struct {
	// ResourceOf resolves a record's resource, used by #connected.
	ResourceOf func(model.ResourceID) (*model.Resource, bool)
}

// DrivingIndexKind names which index the query engine should scan to drive
// candidate production, per §4.3's priority order.
type DrivingIndexKind int

const (
	DriveTimestamp DrivingIndexKind = iota
	DriveLevel
	DriveParent
	DriveAttribute
)

// DrivingIndex is the compiler's hint: scan this index and evaluate Residual against every candidate it yields.
type DrivingIndex struct {
	Kind DrivingIndexKind

	MinLevel model.Level // set when Kind == DriveLevel

	Parent model.SpanID // set when Kind == DriveParent

	AttrName     string // set when Kind == DriveAttribute
	AttrValueKey string
}

// Evaluator reports whether a record matches the compiled filter.
type Evaluator func(ctx EvalCtx, rec model.Record) (bool, error)

// Compiled is a filter lowered to an evaluator plus an index hint.
type Compiled struct {
	Driving  DrivingIndex
	Residual Evaluator
}

// Compile lowers a parsed Filter into an evaluator closure and selects the
// driving index the query engine should scan (§4.3). window does not
// affect the returned Compiled.
func Compile(ast Filter, indices *index.Set, window Window) (*Compiled, error) {
	eval, err := compileFilter(ast)
	if err != nil {
		return nil, err
	}
	driving := selectDrivingIndex(ast, indices, window)
	return &Compiled{Driving: driving, Residual: eval}, nil
}

// selectDrivingIndex walks only the top-level, non-negated predicates - a
// predicate nested in a group or under negation cannot be assumed true for
// every matching record, so it can never narrow the candidate scan.
func selectDrivingIndex(ast Filter, indices *index.Set, window Window) DrivingIndex {
	var levelHint *model.Level
	var parentHint *model.SpanID
	var attrHint *Predicate

	for _, term := range ast {
		if term.Negated || term.Predicate == nil {
			continue
		}
		p := term.Predicate
		switch {
		case p.Kind == PropertyInherent && p.Property == "level" && (p.Op == OpGe || p.Op == OpEq):
			if lvl, ok := p.RHS.Value.AsInt64(); ok {
				l := model.Level(lvl)
				if levelHint == nil || l > *levelHint {
					levelHint = &l
				}
			}
		case p.Kind == PropertyInherent && p.Property == "parent" && p.Op == OpEq:
			if s, ok := p.RHS.Value.AsString(); ok {
				if id, err := parseSpanIDText(s); err == nil {
					parentHint = &id
				}
			}
		case p.Kind == PropertyAttribute && p.Op == OpEq && indices.Attrs.IsIndexed(p.Property):
			if attrHint == nil {
				attrHint = p
			}
		}
	}

	if levelHint != nil {
		return DrivingIndex{Kind: DriveLevel, MinLevel: *levelHint}
	}
	if parentHint != nil {
		return DrivingIndex{Kind: DriveParent, Parent: *parentHint}
	}
	if attrHint != nil {
		return DrivingIndex{
			Kind:         DriveAttribute,
			AttrName:     attrHint.Property,
			AttrValueKey: value.SortKey(attrHint.RHS.Value),
		}
	}
	_ = window
	return DrivingIndex{Kind: DriveTimestamp}
}

// parseSpanIDText parses the textual form model.SpanID.String() produces:
// "<resource-hex>-<local>".
func parseSpanIDText(s string) (model.SpanID, error) {
	sep := strings.LastIndexByte(s, '-')
	if sep < 0 {
		return model.SpanID{}, fmt.Errorf("malformed span id %q", s)
	}
	resourceHex, localText := s[:sep], s[sep+1:]
	raw, err := hex.DecodeString(resourceHex)
	if err != nil || len(raw) != len(model.ResourceID{}) {
		return model.SpanID{}, fmt.Errorf("malformed span id %q: bad resource", s)
	}
	local, err := strconv.ParseUint(localText, 10, 64)
	if err != nil {
		return model.SpanID{}, fmt.Errorf("malformed span id %q: bad local id", s)
	}
	var resource model.ResourceID
	copy(resource[:], raw)
	return model.SpanID{Resource: resource, Local: local}, nil
}

func compileFilter(f Filter) (Evaluator, error) {
	evals := make([]Evaluator, 0, len(f))
	for _, term := range f {
		e, err := compileTerm(term)
		if err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return func(ctx EvalCtx, rec model.Record) (bool, error) {
		for _, e := range evals {
			ok, err := e(ctx, rec)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}, nil
}

func compileTerm(t Term) (Evaluator, error) {
	var base Evaluator
	if t.Predicate != nil {
		e, err := compilePredicate(*t.Predicate)
		if err != nil {
			return nil, err
		}
		base = e
	} else {
		e, err := compileFilter(t.Group)
		if err != nil {
			return nil, err
		}
		base = e
	}
	if !t.Negated {
		return base, nil
	}
	return func(ctx EvalCtx, rec model.Record) (bool, error) {
		ok, err := base(ctx, rec)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}, nil
}

func compilePredicate(p Predicate) (Evaluator, error) {
	return func(ctx EvalCtx, rec model.Record) (bool, error) {
		v, ok := resolveProperty(ctx, rec, p)
		if !ok {
			// A missing attribute path or inapplicable inherent property
			// (e.g. #duration on an event) never matches, even under !=
			// or !~ - negation is handled one level up by the Term.
			return false, nil
		}
		return evalOp(p, v)
	}, nil
}

func resolveProperty(ctx EvalCtx, rec model.Record, p Predicate) (value.Value, bool) {
	if p.Kind == PropertyAttribute {
		if v, ok := rec.RecAttributes()[p.Property]; ok {
			return v, true
		}
		if v, ok := rec.RecInherited()[p.Property]; ok {
			return v, true
		}
		return value.Value{}, false
	}
	switch p.Property {
	case "level":
		return value.Int64(int64(rec.RecLevel())), true
	case "target":
		return value.String(rec.RecTarget()), true
	case "name":
		return value.String(rec.RecName()), true
	case "file":
		f, ok := rec.RecFile()
		if !ok {
			return value.Value{}, false
		}
		return value.String(f), true
	case "stack":
		s, ok := rec.RecStack()
		if !ok {
			return value.Value{}, false
		}
		return value.String(s), true
	case "parent":
		id, ok := rec.RecParentID()
		if !ok {
			return value.Value{}, false
		}
		return value.String(id.String()), true
	case "duration":
		d, ok := rec.RecDuration()
		if !ok {
			return value.Value{}, false
		}
		return value.Int64(int64(d)), true
	case "connected":
		if ctx.ResourceOf == nil {
			return value.Value{}, false
		}
		r, ok := ctx.ResourceOf(rec.RecResourceID())
		if !ok {
			return value.Value{}, false
		}
		return value.Bool(r.Connected()), true
	default:
		return value.Value{}, false
	}
}

func evalOp(p Predicate, v value.Value) (bool, error) {
	switch p.Op {
	case OpMatch, OpNotMatch:
		var matched bool
		var err error
		if p.RHS.Kind == ValueRegex {
			matched, err = value.MatchesRegex(v, p.RHS.Pattern)
			if err != nil {
				return false, fmt.Errorf("bad regex in %q: %w", p.Text, err)
			}
		} else {
			pattern, ok := value.StringForm(p.RHS.Value)
			if !ok {
				return false, nil
			}
			matched = value.MatchesWildcard(v, pattern)
		}
		if p.Op == OpNotMatch {
			return !matched, nil
		}
		return matched, nil
	case OpEq:
		return value.Eq(v, p.RHS.Value), nil
	case OpNe:
		return !value.Eq(v, p.RHS.Value), nil
	case OpLt, OpLe, OpGt, OpGe:
		ord := value.Cmp(v, p.RHS.Value)
		if ord == value.Incomparable {
			return false, nil
		}
		switch p.Op {
		case OpLt:
			return ord == value.Less, nil
		case OpLe:
			return ord == value.Less || ord == value.Equal, nil
		case OpGt:
			return ord == value.Greater, nil
		case OpGe:
			return ord == value.Greater || ord == value.Equal, nil
		}
	}
	return false, fmt.Errorf("unhandled operator %q", p.Op)
}
