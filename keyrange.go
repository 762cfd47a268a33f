package idb

import (
	"github.com/mereville/idb/internal/key"
	"github.com/mereville/idb/internal/storage"
)

// KeyRange is a contiguous interval of keys, bounded or half-bounded, with
// independently open or closed ends. Every query parameter in the API takes
// either a single key or a KeyRange.
type KeyRange struct {
	lower, upper       key.Key
	hasLower, hasUpper bool
	lowerOpen          bool
	upperOpen          bool
}

// Only returns a range containing exactly one key.
func Only(v any) (*KeyRange, error) {
	k, err := key.FromValue(v)
	if err != nil {
		return nil, asError(err)
	}
	return &KeyRange{lower: k, upper: k, hasLower: true, hasUpper: true}, nil
}

// LowerBound returns a range of every key at (or, when open, strictly above)
// the bound.
func LowerBound(v any, open bool) (*KeyRange, error) {
	k, err := key.FromValue(v)
	if err != nil {
		return nil, asError(err)
	}
	return &KeyRange{lower: k, hasLower: true, lowerOpen: open}, nil
}

// UpperBound returns a range of every key at (or, when open, strictly below)
// the bound.
func UpperBound(v any, open bool) (*KeyRange, error) {
	k, err := key.FromValue(v)
	if err != nil {
		return nil, asError(err)
	}
	return &KeyRange{upper: k, hasUpper: true, upperOpen: open}, nil
}

// Bound returns a range between two keys. A lower bound above the upper
// bound, or equal bounds with either end open, is a DataError.
func Bound(lower, upper any, lowerOpen, upperOpen bool) (*KeyRange, error) {
	lo, err := key.FromValue(lower)
	if err != nil {
		return nil, asError(err)
	}
	up, err := key.FromValue(upper)
	if err != nil {
		return nil, asError(err)
	}
	switch c := key.Compare(lo, up); {
	case c > 0:
		return nil, newError(ErrNameData, "lower bound is above upper bound")
	case c == 0 && (lowerOpen || upperOpen):
		return nil, newError(ErrNameData, "equal bounds cannot be open")
	}
	return &KeyRange{
		lower: lo, upper: up,
		hasLower: true, hasUpper: true,
		lowerOpen: lowerOpen, upperOpen: upperOpen,
	}, nil
}

// Lower returns the lower bound value, or nil when unbounded below.
func (r *KeyRange) Lower() any {
	if !r.hasLower {
		return nil
	}
	return r.lower.Value()
}

// Upper returns the upper bound value, or nil when unbounded above.
func (r *KeyRange) Upper() any {
	if !r.hasUpper {
		return nil
	}
	return r.upper.Value()
}

// LowerOpen reports whether the lower bound itself is excluded.
func (r *KeyRange) LowerOpen() bool { return r.lowerOpen }

// UpperOpen reports whether the upper bound itself is excluded.
func (r *KeyRange) UpperOpen() bool { return r.upperOpen }

// Includes reports whether a key falls inside the range.
func (r *KeyRange) Includes(v any) (bool, error) {
	k, err := key.FromValue(v)
	if err != nil {
		return false, asError(err)
	}
	return r.contains(k), nil
}

func (r *KeyRange) contains(k key.Key) bool {
	if r.hasLower {
		c := key.Compare(k, r.lower)
		if c < 0 || (c == 0 && r.lowerOpen) {
			return false
		}
	}
	if r.hasUpper {
		c := key.Compare(k, r.upper)
		if c > 0 || (c == 0 && r.upperOpen) {
			return false
		}
	}
	return true
}

// bounds converts the range to encoded storage bounds.
func (r *KeyRange) bounds() storage.Bounds {
	var b storage.Bounds
	if r.hasLower {
		b.Lower = key.Encode(r.lower)
		b.LowerOpen = r.lowerOpen
	}
	if r.hasUpper {
		b.Upper = key.Encode(r.upper)
		b.UpperOpen = r.upperOpen
	}
	return b
}

// queryBounds interprets an optional query argument: nil (everything), a
// *KeyRange, or a single key value. Invalid keys are a DataError.
func queryBounds(query any) (storage.Bounds, *Error) {
	switch q := query.(type) {
	case nil:
		return storage.Bounds{}, nil
	case *KeyRange:
		return q.bounds(), nil
	default:
		k, err := key.FromValue(q)
		if err != nil {
			return storage.Bounds{}, asError(err)
		}
		return storage.Exact(key.Encode(k)), nil
	}
}
