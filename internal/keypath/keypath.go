// Package keypath implements key-path validation, evaluation against stored
// values, and generated-key injection.
//
// A key path is either the empty string (the value itself is the key), a
// dotted identifier chain ("address.zip"), or a non-empty sequence of such
// strings whose extracted key is the array of component keys.
package keypath

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/mereville/idb/internal/key"
)

// ErrSyntax reports a malformed key path. Callers surface it as SyntaxError.
var ErrSyntax = errors.New("invalid key path")

// ErrInject reports a failed key injection. Callers surface it as DataError.
var ErrInject = errors.New("cannot inject key")

// Outcome classifies a key-path evaluation.
type Outcome int

const (
	// Resolved means the path yielded a valid key.
	Resolved Outcome = iota + 1
	// Unresolved means an intermediate property was missing, a non-object
	// was traversed into, or the terminal value was absent.
	Unresolved
	// Invalid means the terminal value exists but is not a valid key.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Unresolved:
		return "unresolved"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Path is a parsed key path. The zero Path is "no key path" (out-of-line
// keys); IsZero distinguishes it from the empty path, which is valid and
// means "the whole value".
type Path struct {
	set   bool
	multi bool
	parts []part
}

type part struct {
	raw  string
	segs []string // empty for the empty path
}

// Parse validates a single (possibly empty, possibly dotted) key path.
func Parse(p string) (Path, error) {
	pt, err := parsePart(p)
	if err != nil {
		return Path{}, err
	}
	return Path{set: true, parts: []part{pt}}, nil
}

// ParseSlice validates a sequence key path. The sequence must be non-empty.
func ParseSlice(ps []string) (Path, error) {
	if len(ps) == 0 {
		return Path{}, fmt.Errorf("%w: empty key path sequence", ErrSyntax)
	}
	parts := make([]part, len(ps))
	for i, p := range ps {
		pt, err := parsePart(p)
		if err != nil {
			return Path{}, err
		}
		parts[i] = pt
	}
	return Path{set: true, multi: true, parts: parts}, nil
}

// ParseAny accepts a string or a []string, mirroring the two forms the API
// takes. nil yields the zero Path (no key path).
func ParseAny(v any) (Path, error) {
	switch x := v.(type) {
	case nil:
		return Path{}, nil
	case string:
		return Parse(x)
	case []string:
		return ParseSlice(x)
	case []any:
		ss := make([]string, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				return Path{}, fmt.Errorf("%w: sequence element %d is %T, not string", ErrSyntax, i, e)
			}
			ss[i] = s
		}
		return ParseSlice(ss)
	default:
		return Path{}, fmt.Errorf("%w: %T is not a key path", ErrSyntax, v)
	}
}

func parsePart(p string) (part, error) {
	if p == "" {
		return part{raw: ""}, nil
	}
	segs := strings.Split(p, ".")
	for _, seg := range segs {
		if !validIdentifier(seg) {
			return part{}, fmt.Errorf("%w: bad identifier %q in %q", ErrSyntax, seg, p)
		}
	}
	return part{raw: p, segs: segs}, nil
}

// validIdentifier checks an ECMAScript IdentifierName: ID_Start (or $ or _)
// followed by ID_Continue (or $, _, ZWNJ, ZWJ).
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !isIDStart(r) {
				return false
			}
			continue
		}
		if !isIDContinue(r) {
			return false
		}
	}
	return true
}

func isIDStart(r rune) bool {
	return r == '$' || r == '_' ||
		unicode.In(r, unicode.L, unicode.Nl, unicode.Other_ID_Start)
}

func isIDContinue(r rune) bool {
	return isIDStart(r) || r == '\u200c' || r == '\u200d' ||
		unicode.In(r, unicode.Mn, unicode.Mc, unicode.Nd, unicode.Pc, unicode.Other_ID_Continue)
}

// IsZero reports whether p is "no key path" (out-of-line keys).
func (p Path) IsZero() bool { return !p.set }

// IsSequence reports whether p is a sequence key path.
func (p Path) IsSequence() bool { return p.multi }

// Single returns the raw string of a non-sequence path.
func (p Path) Single() string {
	if p.IsZero() || p.multi {
		return ""
	}
	return p.parts[0].raw
}

// Raw returns the path in its original form: nil, string, or []string.
// Used for API echo-back and catalog storage.
func (p Path) Raw() any {
	if !p.set {
		return nil
	}
	if p.multi {
		ss := make([]string, len(p.parts))
		for i, pt := range p.parts {
			ss[i] = pt.raw
		}
		return ss
	}
	return p.parts[0].raw
}

// Evaluate extracts a key from v. For sequence paths every component must
// resolve; an Invalid component dominates an Unresolved one.
func (p Path) Evaluate(v any) (key.Key, Outcome) {
	if p.IsZero() {
		return keyOutcome(v)
	}
	if !p.multi {
		return p.parts[0].evaluate(v)
	}
	elems := make([]key.Key, len(p.parts))
	worst := Resolved
	for i, pt := range p.parts {
		k, o := pt.evaluate(v)
		switch o {
		case Invalid:
			return key.Key{}, Invalid
		case Unresolved:
			worst = Unresolved
		default:
			elems[i] = k
		}
	}
	if worst != Resolved {
		return key.Key{}, worst
	}
	return key.Array(elems...), Resolved
}

func (pt part) evaluate(v any) (key.Key, Outcome) {
	cur, ok := pt.traverse(v)
	if !ok {
		return key.Key{}, Unresolved
	}
	return keyOutcome(cur)
}

// EvaluateRaw traverses without key validation, for multi-entry extraction.
// Defined only for single paths. The boolean is false when the traversal
// failed to resolve.
func (p Path) EvaluateRaw(v any) (any, bool) {
	if p.IsZero() {
		return v, true
	}
	return p.parts[0].traverse(v)
}

func (pt part) traverse(v any) (any, bool) {
	cur := v
	for _, seg := range pt.segs {
		switch c := cur.(type) {
		case string:
			// "length" resolves on strings to their UTF-16 code unit count.
			if seg == "length" {
				cur = float64(len(utf16.Encode([]rune(c))))
				continue
			}
			return nil, false
		case []any:
			// Arrays also carry length, like their JS counterparts.
			if seg == "length" {
				cur = float64(len(c))
				continue
			}
			return nil, false
		case map[string]any:
			next, exists := c[seg]
			if !exists {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

func keyOutcome(v any) (key.Key, Outcome) {
	k, err := key.FromValue(v)
	if err != nil {
		return key.Key{}, Invalid
	}
	return k, Resolved
}

// CanInject reports whether Inject would succeed on v: the path is a single
// non-empty path, v is an object, and every existing intermediate is an
// object. Used to fail fast before a key is even generated.
func (p Path) CanInject(v any) bool {
	if p.IsZero() || p.multi || len(p.parts[0].segs) == 0 {
		return false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	segs := p.parts[0].segs
	for _, seg := range segs[:len(segs)-1] {
		next, exists := obj[seg]
		if !exists {
			return true // remaining intermediates get created
		}
		child, ok := next.(map[string]any)
		if !ok {
			return false
		}
		obj = child
	}
	return true
}

// Inject mutates v so the last segment of the path holds k, creating
// intermediate objects where missing. Only meaningful for single non-empty
// paths (the auto-increment case). Fails when an existing intermediate is
// not an object.
func (p Path) Inject(v any, k key.Key) error {
	if p.IsZero() || p.multi || len(p.parts[0].segs) == 0 {
		return fmt.Errorf("%w: path %v is not injectable", ErrInject, p.Raw())
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: value is %T, not an object", ErrInject, v)
	}
	segs := p.parts[0].segs
	for _, seg := range segs[:len(segs)-1] {
		next, exists := obj[seg]
		if !exists {
			created := map[string]any{}
			obj[seg] = created
			obj = created
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q is %T, not an object", ErrInject, seg, next)
		}
		obj = child
	}
	obj[segs[len(segs)-1]] = k.Value()
	return nil
}
