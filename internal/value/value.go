// Package value implements the engine's typed attribute value: a tagged
// sum with same-tag equality/ordering and string-form matching.
package value

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindUInt64
	KindDouble
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindUInt64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the tagged sum {Null, Bool, Int64, UInt64, Double, String,
// Bytes, Array<Value>, Object<String,Value>}.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	u      uint64
	f      float64
	s      string
	bytes  []byte
	array  []Value
	object map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(v bool) Value            { return Value{kind: KindBool, b: v} }
func Int64(v int64) Value          { return Value{kind: KindInt64, i: v} }
func UInt64(v uint64) Value        { return Value{kind: KindUInt64, u: v} }
func Double(v float64) Value       { return Value{kind: KindDouble, f: v} }
func String(v string) Value        { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value         { return Value{kind: KindBytes, bytes: append([]byte(nil), v...)} }
func Array(v []Value) Value        { return Value{kind: KindArray, array: v} }
func Object(v map[string]Value) Value {
	return Value{kind: KindObject, object: v}
}

func (v Value) Kind() Kind             { return v.kind }
func (v Value) AsBool() (bool, bool)   { return v.b, v.kind == KindBool }
func (v Value) AsInt64() (int64, bool) { return v.i, v.kind == KindInt64 }
func (v Value) AsUInt64() (uint64, bool) {
	return v.u, v.kind == KindUInt64
}
func (v Value) AsDouble() (float64, bool) { return v.f, v.kind == KindDouble }
func (v Value) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)   { return v.bytes, v.kind == KindBytes }
func (v Value) AsArray() ([]Value, bool)  { return v.array, v.kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) {
	return v.object, v.kind == KindObject
}

// Eq is true iff both values share a tag and equal content. Numeric tags
// never cross-compare: Int64(1) != UInt64(1).
func Eq(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt64:
		return a.i == b.i
	case KindUInt64:
		return a.u == b.u
	case KindDouble:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBytes:
		return string(a.bytes) == string(b.bytes)
	case KindArray:
		if len(a.array) != len(b.array) {
			return false
		}
		for i := range a.array {
			if !Eq(a.array[i], b.array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.object) != len(b.object) {
			return false
		}
		for k, av := range a.object {
			bv, ok := b.object[k]
			if !ok || !Eq(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Ordering is the result of Cmp.
type Ordering int

const (
	Less Ordering = iota
	Equal
	Greater
	Incomparable
)

// Cmp defines a partial order within {Int64, UInt64, Double} (unified via
// lossless upcast to double, NaN incomparable), within String (lexicographic
// by code point, which for valid UTF-8 is byte order), and within Bool
// (false < true). Everything else, including cross-tag pairs, is
// Incomparable.
func Cmp(a, b Value) Ordering {
	if isNumeric(a.kind) && isNumeric(b.kind) {
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if !aok || !bok || math.IsNaN(af) || math.IsNaN(bf) {
			return Incomparable
		}
		switch {
		case af < bf:
			return Less
		case af > bf:
			return Greater
		default:
			return Equal
		}
	}
	if a.kind != b.kind {
		return Incomparable
	}
	switch a.kind {
	case KindString:
		return cmpOrdered(a.s, b.s)
	case KindBool:
		return cmpOrdered(boolRank(a.b), boolRank(b.b))
	default:
		return Incomparable
	}
}

func isNumeric(k Kind) bool {
	return k == KindInt64 || k == KindUInt64 || k == KindDouble
}

func toFloat(v Value) (float64, bool) {
	switch v.kind {
	case KindInt64:
		return float64(v.i), true
	case KindUInt64:
		return float64(v.u), true
	case KindDouble:
		return v.f, true
	default:
		return 0, false
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cmpOrdered[T interface{ ~string | ~int }](a, b T) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}

// StringForm renders the natural textual representation of a scalar value,
// used by wildcard and regex matching. Null, Bytes, Array, and Object have
// no string form.
func StringForm(v Value) (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindBool:
		if v.b {
			return "true", true
		}
		return "false", true
	case KindInt64:
		return fmt.Sprintf("%d", v.i), true
	case KindUInt64:
		return fmt.Sprintf("%d", v.u), true
	case KindDouble:
		return fmt.Sprintf("%g", v.f), true
	default:
		return "", false
	}
}

// MatchesWildcard applies a case-sensitive glob to v's string form. '*'
// matches any run (including empty), '?' matches exactly one rune, and '\'
// escapes the following rune.
func MatchesWildcard(v Value, pattern string) bool {
	s, ok := StringForm(v)
	if !ok {
		return false
	}
	return wildcardMatch([]rune(s), compileWildcard(pattern))
}

type wildcardTok struct {
	star    bool
	any     bool
	literal rune
}

func compileWildcard(pattern string) []wildcardTok {
	runes := []rune(pattern)
	toks := make([]wildcardTok, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				i++
				toks = append(toks, wildcardTok{literal: runes[i]})
			}
		case '*':
			toks = append(toks, wildcardTok{star: true})
		case '?':
			toks = append(toks, wildcardTok{any: true})
		default:
			toks = append(toks, wildcardTok{literal: runes[i]})
		}
	}
	return toks
}

// wildcardMatch is the classic two-pointer glob matcher with backtracking
// on the last seen '*'.
func wildcardMatch(s []rune, pat []wildcardTok) bool {
	si, pi := 0, 0
	starIdx, matchIdx := -1, 0
	for si < len(s) {
		if pi < len(pat) && (pat[pi].star) {
			starIdx = pi
			matchIdx = si
			pi++
			continue
		}
		if pi < len(pat) && (pat[pi].any || pat[pi].literal == s[si]) {
			si++
			pi++
			continue
		}
		if starIdx != -1 {
			pi = starIdx + 1
			matchIdx++
			si = matchIdx
			continue
		}
		return false
	}
	for pi < len(pat) && pat[pi].star {
		pi++
	}
	return pi == len(pat)
}

var regexCache = struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}{cache: map[string]*regexp.Regexp{}}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	regexCache.mu.RLock()
	if re, ok := regexCache.cache[pattern]; ok {
		regexCache.mu.RUnlock()
		return re, nil
	}
	regexCache.mu.RUnlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.mu.Lock()
	regexCache.cache[pattern] = re
	regexCache.mu.Unlock()
	return re, nil
}

// MatchesRegex applies pattern (already compiled once and cached) to v's
// string form. It fails closed - returns false, nil - if v has no string
// form.
func MatchesRegex(v Value, pattern string) (bool, error) {
	s, ok := StringForm(v)
	if !ok {
		return false, nil
	}
	re, err := compileRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// SortKey renders a value into a byte-comparable key used by attribute
// indices, where distinct kinds must never collide even if their string
// forms coincide (e.g. Int64(1) vs String("1")).
func SortKey(v Value) string {
	switch v.kind {
	case KindNull:
		return "0:"
	case KindBool:
		if v.b {
			return "1:true"
		}
		return "1:false"
	case KindInt64:
		return fmt.Sprintf("2:%020d", v.i)
	case KindUInt64:
		return fmt.Sprintf("3:%020d", v.u)
	case KindDouble:
		return fmt.Sprintf("4:%g", v.f)
	case KindString:
		return "5:" + v.s
	case KindBytes:
		return "6:" + string(v.bytes)
	case KindArray:
		parts := make([]string, len(v.array))
		for i, e := range v.array {
			parts[i] = SortKey(e)
		}
		return "7:[" + strings.Join(parts, ",") + "]"
	case KindObject:
		keys := make([]string, 0, len(v.object))
		for k := range v.object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + SortKey(v.object[k])
		}
		return "8:{" + strings.Join(parts, ",") + "}"
	default:
		return "9:"
	}
}
