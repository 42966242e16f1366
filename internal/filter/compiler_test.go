package filter

import (
	"fmt"
	"testing"

	"venator/internal/index"
	"venator/internal/model"
	"venator/internal/value"
)

func mkEvent(level model.Level, target, name string, attrs map[string]value.Value) *model.Event {
	return &model.Event{
		ID:         model.EventID{Timestamp: 1},
		Timestamp:  1,
		Level:      level,
		Target:     target,
		Name:       name,
		Attributes: attrs,
		Inherited:  map[string]value.Value{},
	}
}

func TestCompileLevelPredicate(t *testing.T) {
	ast, err := Parse(`#level >= WARN`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx := index.NewSet(nil)
	c, err := Compile(ast, idx, Window{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if c.Driving.Kind != DriveLevel || c.Driving.MinLevel != model.LevelWarn {
		t.Fatalf("expected level-driven index at WARN, got %+v", c.Driving)
	}

	warnEvt := mkEvent(model.LevelWarn, "app", "boot", nil)
	infoEvt := mkEvent(model.LevelInfo, "app", "boot", nil)

	ok, err := c.Residual(EvalCtx{}, warnEvt)
	if err != nil || !ok {
		t.Fatalf("expected WARN event to match, ok=%v err=%v", ok, err)
	}
	ok, err = c.Residual(EvalCtx{}, infoEvt)
	if err != nil || ok {
		t.Fatalf("expected INFO event to not match, ok=%v err=%v", ok, err)
	}
}

func TestCompileAttributeEquality(t *testing.T) {
	ast, err := Parse(`@http.status_code = 500`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx := index.NewSet([]string{"http.status_code"})
	c, err := Compile(ast, idx, Window{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if c.Driving.Kind != DriveAttribute || c.Driving.AttrName != "http.status_code" {
		t.Fatalf("expected attribute-driven index, got %+v", c.Driving)
	}

	match := mkEvent(model.LevelError, "app", "req", map[string]value.Value{
		"http.status_code": value.Int64(500),
	})
	miss := mkEvent(model.LevelError, "app", "req", map[string]value.Value{
		"http.status_code": value.Int64(200),
	})

	ok, _ := c.Residual(EvalCtx{}, match)
	if !ok {
		t.Fatal("expected match on status_code=500")
	}
	ok, _ = c.Residual(EvalCtx{}, miss)
	if ok {
		t.Fatal("expected no match on status_code=200")
	}
}

func TestCompileFallsBackToTimestamp(t *testing.T) {
	ast, err := Parse(`@msg ~ boot*`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx := index.NewSet(nil)
	c, err := Compile(ast, idx, Window{Start: 0, End: 100})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if c.Driving.Kind != DriveTimestamp {
		t.Fatalf("expected timestamp fallback, got %+v", c.Driving)
	}
}

func TestCompileMissingAttributeNeverMatches(t *testing.T) {
	ast, err := Parse(`@absent != "x"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx := index.NewSet(nil)
	c, err := Compile(ast, idx, Window{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	evt := mkEvent(model.LevelInfo, "app", "req", map[string]value.Value{})
	ok, err := c.Residual(EvalCtx{}, evt)
	if err != nil || ok {
		t.Fatalf("expected missing attribute predicate to never match, ok=%v err=%v", ok, err)
	}
}

func TestCompileNegatedGroup(t *testing.T) {
	ast, err := Parse(`!(#level = ERROR)`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx := index.NewSet(nil)
	c, err := Compile(ast, idx, Window{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	errEvt := mkEvent(model.LevelError, "app", "req", nil)
	infoEvt := mkEvent(model.LevelInfo, "app", "req", nil)

	ok, _ := c.Residual(EvalCtx{}, errEvt)
	if ok {
		t.Fatal("expected ERROR event excluded by negated group")
	}
	ok, _ = c.Residual(EvalCtx{}, infoEvt)
	if !ok {
		t.Fatal("expected INFO event included by negated group")
	}
}

func TestCompileParentEqualityDrivesParentIndex(t *testing.T) {
	parent := model.SpanID{Resource: model.ResourceID{0xab, 0xcd}, Local: 7}
	ast, err := Parse(fmt.Sprintf(`#parent = %q`, parent.String()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx := index.NewSet(nil)
	c, err := Compile(ast, idx, Window{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if c.Driving.Kind != DriveParent || c.Driving.Parent != parent {
		t.Fatalf("expected parent-driven index at %v, got %+v", parent, c.Driving)
	}

	child := &model.Span{ID: model.SpanID{Resource: parent.Resource, Local: 8}, ParentID: &parent, CreatedAt: 1, Target: "app", Name: "child", Attributes: map[string]value.Value{}, Inherited: map[string]value.Value{}}
	other := &model.Span{ID: model.SpanID{Resource: parent.Resource, Local: 9}, CreatedAt: 1, Target: "app", Name: "unrelated", Attributes: map[string]value.Value{}, Inherited: map[string]value.Value{}}

	ok, err := c.Residual(EvalCtx{}, child)
	if err != nil || !ok {
		t.Fatalf("expected child of parent to match, ok=%v err=%v", ok, err)
	}
	ok, err = c.Residual(EvalCtx{}, other)
	if err != nil || ok {
		t.Fatalf("expected unrelated span to not match, ok=%v err=%v", ok, err)
	}
}

func TestParseSpanIDTextRejectsMalformed(t *testing.T) {
	if _, err := parseSpanIDText("no-separator-but-bad-hex"); err == nil {
		t.Fatal("expected error for non-hex resource")
	}
	if _, err := parseSpanIDText("deadbeef"); err == nil {
		t.Fatal("expected error for missing separator")
	}
}

func TestCompileConnectedProperty(t *testing.T) {
	ast, err := Parse(`#connected = true`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	idx := index.NewSet(nil)
	c, err := Compile(ast, idx, Window{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	res := model.NewResource(model.ResourceID{}, 0, nil)
	evt := mkEvent(model.LevelInfo, "app", "req", nil)
	ctx := EvalCtx{ResourceOf: func(model.ResourceID) (*model.Resource, bool) { return res, true }}

	ok, err := c.Residual(ctx, evt)
	if err != nil || !ok {
		t.Fatalf("expected connected resource to match, ok=%v err=%v", ok, err)
	}
	res.Disconnect(5)
	ok, err = c.Residual(ctx, evt)
	if err != nil || ok {
		t.Fatalf("expected disconnected resource to not match, ok=%v err=%v", ok, err)
	}
}
