package dunecache

import (
	"bytes"
	"crypto/md5" //nolint:gosec // digest strength is not a security property here, see package doc
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Size is the byte width of a canonical digest. The historical choice is
// MD5 (128 bits); callers must not depend on cryptographic strength, only on
// collision unlikelihood across the build inputs a workspace actually
// produces.
const Size = md5.Size

// HexSize is the width of a digest's canonical lowercase hex encoding.
const HexSize = Size * 2

// Digest is a fixed-width content digest. The zero Digest is not a valid
// digest of anything; it is only a useful sentinel for "absent".
//
// FileDigest and RuleDigest share this representation but are distinct
// logical types: a FileDigest names the content (and executable bit) of one
// stored file, a RuleDigest names one rule execution's complete input set as
// computed by the build system. Mixing them up is a caller bug the type
// system can't catch, since both are plain [Digest] values — callers should
// avoid interleaving the two in the same variable.
type Digest [Size]byte

// ErrInvalidDigest is returned by ParseDigest for any non-canonical string.
var ErrInvalidDigest = errors.New("dunecache: invalid digest")

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Less reports whether d sorts before other in the digest's total order
// (byte-lexicographic, which matches hex-lexicographic since hex encoding
// is monotonic in the source bytes).
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// ParseDigest parses a canonical-width lowercase hex string into a Digest.
// Any other input, including uppercase hex or the wrong width, returns
// ErrInvalidDigest.
func ParseDigest(s string) (Digest, error) {
	if len(s) != HexSize || !isLowerHex(s) {
		return Digest{}, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	return d, nil
}

// isLowerHex reports whether s consists solely of lowercase hex digits.
func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// BytesDigest computes the digest of a byte slice. It is a pure function:
// equal inputs always produce equal output.
func BytesDigest(b []byte) Digest {
	return Digest(md5.Sum(b)) //nolint:gosec // see package doc
}

// ReaderDigest computes the digest of everything read from r.
func ReaderDigest(r io.Reader) (Digest, error) {
	h := md5.New() //nolint:gosec // see package doc
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// FileDigest computes the content digest of the regular file at path,
// without regard to its executable bit. Use [ExecutableAwareDigest] to bind
// the executable bit into the identity, as promote/restore require.
func FileDigest(path string) (Digest, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled, not attacker input
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()
	return ReaderDigest(f)
}

// ExecutableAwareDigest combines a file's content digest with its executable
// bit, so that two byte-identical files differing only in executable bit
// are distinct store entries (invariant: see spec.md §4.2).
//
// The composition is MD5(contentDigest ++ suffixByte), over the digest's raw
// 16 bytes (not its hex string), with suffixByte 0x01 for non-executable and
// 0x00 for executable. This exact byte-level form — not a plausible-looking
// alternative over the hex string — is required to reproduce the historical
// on-disk hashes; see DESIGN.md's Open Question 3 for the derivation.
func ExecutableAwareDigest(contentDigest Digest, executable bool) Digest {
	var suffix byte = 0x01
	if executable {
		suffix = 0x00
	}
	buf := make([]byte, 0, Size+1)
	buf = append(buf, contentDigest[:]...)
	buf = append(buf, suffix)
	return BytesDigest(buf)
}

// ExecutableAwareFileDigest is ExecutableAwareDigest applied to the content
// digest of the file at path.
func ExecutableAwareFileDigest(path string, executable bool) (Digest, error) {
	contentDigest, err := FileDigest(path)
	if err != nil {
		return Digest{}, err
	}
	return ExecutableAwareDigest(contentDigest, executable), nil
}

// StatTuple is the canonical byte encoding of a directory's stat tuple, used
// only by [DirPlaceholderDigest] when a path that was expected to be a
// regular file unexpectedly resolves to a directory.
//
// The encoding is platform-independent (fixed-width little-endian
// integers) but, as documented on DirPlaceholderDigest, is NOT reproducible
// across machines: mtime and ctime vary with clock and filesystem. This is
// a known, preserved limitation (spec.md §9 Open Question), not a bug.
type StatTuple struct {
	Size  int64
	Mode  uint32
	Mtime int64 // UnixNano
	Ctime int64 // UnixNano
}

// DirPlaceholderDigest computes a digest over the canonical encoding of a
// directory's stat tuple. Callers should avoid passing directories to
// ExecutableAwareDigest in the first place; this function gives a caller
// *some* digest to record when that happens. Nothing in this package calls
// it: Promote digests every output with ExecutableAwareFileDigest.
//
// The result varies with mtime/ctime and is therefore not reproducible
// across machines or even across repeated stats of the same directory after
// it's touched. Spec.md §9 flags this explicitly and preserves it rather
// than redesigning it.
func DirPlaceholderDigest(t StatTuple) Digest {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, t.Size)
	_ = binary.Write(&buf, binary.LittleEndian, t.Mode)
	_ = binary.Write(&buf, binary.LittleEndian, t.Mtime)
	_ = binary.Write(&buf, binary.LittleEndian, t.Ctime)
	return BytesDigest(buf.Bytes())
}

// Generic computes a digest of a canonical serialization of v, a structured
// value built from the encoding/gob-like set of Go kinds the build system
// uses for rule-digest inputs (strings, byte slices, ints, bools, and
// slices/maps of the same, recursively). The result depends solely on the
// value tree: two values that are deeply equal produce the same digest
// regardless of whether a caller happened to share storage between equal
// subvalues, since encodeGeneric walks the value by its Go representation,
// never by pointer identity.
//
// The cache does not interpret the contents of v; it merely exposes a
// collision-resistant-enough digest of it for the build system, which owns
// the actual rule-digest scheme.
func Generic(v any) Digest {
	var buf bytes.Buffer
	encodeGeneric(&buf, v)
	return BytesDigest(buf.Bytes())
}

// encodeGeneric writes a self-delimiting, type-tagged encoding of v to buf.
// Every branch writes a one-byte tag before its payload so that distinct
// types never collide in the output even when their payloads would
// otherwise coincide (e.g. the empty string vs. the empty byte slice).
func encodeGeneric(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		buf.WriteByte(tagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		encodeGenericInt(buf, int64(x))
	case int64:
		encodeGenericInt(buf, x)
	case string:
		buf.WriteByte(tagString)
		encodeGenericLen(buf, len(x))
		buf.WriteString(x)
	case []byte:
		buf.WriteByte(tagBytes)
		encodeGenericLen(buf, len(x))
		buf.Write(x)
	case []any:
		buf.WriteByte(tagSlice)
		encodeGenericLen(buf, len(x))
		for _, e := range x {
			encodeGeneric(buf, e)
		}
	case map[string]any:
		buf.WriteByte(tagMap)
		encodeGenericLen(buf, len(x))
		keys := sortedKeys(x)
		for _, k := range keys {
			encodeGeneric(buf, k)
			encodeGeneric(buf, x[k])
		}
	default:
		// Fall back to a stable textual form for anything else the build
		// system might hand us (e.g. a Stringer). This keeps Generic total
		// without silently truncating unrecognized inputs.
		buf.WriteByte(tagOther)
		s := fmt.Sprintf("%#v", x)
		encodeGenericLen(buf, len(s))
		buf.WriteString(s)
	}
}

const (
	tagNil byte = iota
	tagBool
	tagInt
	tagString
	tagBytes
	tagSlice
	tagMap
	tagOther
)

func encodeGenericInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte(tagInt)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	buf.Write(b[:])
}

func encodeGenericLen(buf *bytes.Buffer, n int) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	buf.Write(b[:])
}

// sortedKeys returns m's keys in byte-lexicographic order, so Generic never
// depends on Go's randomized map iteration order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort is fine here: rule-digest inputs have few keys.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
