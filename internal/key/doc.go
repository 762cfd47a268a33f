// Package key implements the IndexedDB key model: validation of arbitrary
// values into keys, the cross-type total order, and a binary encoding whose
// unsigned byte comparison reproduces that order exactly.
//
// The encoding is what makes a plain SQL BLOB column usable as an IndexedDB
// key column: `ORDER BY key` on encoded bytes yields IndexedDB key order, and
// range scans translate directly to BETWEEN clauses on the encoded bounds.
//
// Layout: a one-byte type tag (number 0x10, date 0x20, string 0x30, binary
// 0x40, array 0x50) followed by type-specific bytes. Doubles are stored
// big-endian with a sign-dependent bit flip so lexical comparison matches
// numeric order. Strings are big-endian UTF-16 with 0x00 bytes stuffed to
// 00 01 and a 00 00 terminator; binary uses the same stuffing over raw bytes.
// Arrays concatenate encoded elements and end with a single 0x00, which is
// below every type tag, so a prefix array sorts before its extensions.
package key
