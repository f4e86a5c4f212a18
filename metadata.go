package dunecache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// OutputFile is one of a rule instance's produced outputs, as recorded in a
// metadata entry: a target-relative name bound to the digest of the stored
// file entry that holds its content.
//
// Executable is not part of the on-disk encoding: the executable bit is
// already folded into Digest by [ExecutableAwareDigest], and the stored
// file entry itself carries the matching permission bits, so a hard-linked
// restore needs no separate flag to reproduce it. Executable is populated
// when a caller constructs an OutputFile directly (e.g. from Promote's
// inputs) but always comes back false from [ParseMetadata]; callers that
// need the bit after a restore should stat the linked-in file instead of
// trusting this field.
type OutputFile struct {
	Name       string
	Digest     Digest
	Executable bool
}

// Metadata binds a rule digest to the complete, ordered list of outputs one
// rule instance produced. It is the in-memory form of an on-disk metadata
// entry (spec.md §4.3); see [EncodeMetadata] and [ParseMetadata] for the
// canonical textual form.
type Metadata struct {
	Outputs []OutputFile
}

// ValueRecord is the second, reserved record kind a metadata entry may hold.
// Readers must tolerate it and must never treat its payload as referenced by
// the file-entry liveness invariants (spec.md §4.3, §4.5 step 2): a
// ValueRecord is kept by the trimmer unconditionally, never resolved against
// file_dir.
type ValueRecord struct {
	Payload []byte
}

// ErrInvalidMetadata is returned by ParseMetadata when the input does not
// parse as a well-formed metadata or value record.
var ErrInvalidMetadata = errors.New("dunecache: invalid metadata record")

const (
	tokMetadata = "metadata"
	tokFiles    = "files"
	tokValue    = "value"
	tokData     = "data"
)

// EncodeMetadata serializes m to the canonical textual form:
//
//	((metadata)(files(<name1><digest1>)(<name2><digest2>)…))
//
// Every token is length-prefixed (<len>:<bytes>), so the format is
// self-delimiting and admits names or digests containing any byte — though
// [Metadata] itself additionally forbids path separators in names (see
// ValidateOutputName).
func EncodeMetadata(m Metadata) ([]byte, error) {
	for _, o := range m.Outputs {
		if err := ValidateOutputName(o.Name); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	buf.WriteByte('(')
	writeGroup(&buf, tokMetadata)
	buf.WriteByte('(')
	writeAtom(&buf, tokFiles)
	for _, o := range m.Outputs {
		buf.WriteByte('(')
		writeAtom(&buf, o.Name)
		writeAtom(&buf, o.Digest.String())
		buf.WriteByte(')')
	}
	buf.WriteByte(')')
	buf.WriteByte(')')
	return buf.Bytes(), nil
}

// EncodeValueRecord serializes a reserved value record as ((value)(data<payload>)).
func EncodeValueRecord(v ValueRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte('(')
	writeGroup(&buf, tokValue)
	buf.WriteByte('(')
	writeAtom(&buf, tokData)
	writeAtomBytes(&buf, v.Payload)
	buf.WriteByte(')')
	buf.WriteByte(')')
	return buf.Bytes()
}

func writeGroup(buf *bytes.Buffer, tag string) {
	buf.WriteByte('(')
	writeAtom(buf, tag)
	buf.WriteByte(')')
}

func writeAtom(buf *bytes.Buffer, s string) {
	writeAtomBytes(buf, []byte(s))
}

func writeAtomBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

// Record is the result of parsing a metadata-entry file: exactly one of
// Metadata or Value is non-nil.
type Record struct {
	Metadata *Metadata
	Value    *ValueRecord
}

// ParseMetadata parses the canonical textual form produced by
// [EncodeMetadata] or [EncodeValueRecord]. Any malformed input — truncated
// length prefix, unbalanced parens, wrong tag, non-canonical digest — is
// reported as ErrInvalidMetadata, which the trimmer's Phase A treats as
// "corrupt, safe to drop" (spec.md §4.5 step 1).
func ParseMetadata(data []byte) (Record, error) {
	p := &parser{r: bufio.NewReader(bytes.NewReader(data))}
	rec, err := p.parseRecord()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if _, err := p.r.ReadByte(); err != io.EOF {
		return Record{}, fmt.Errorf("%w: trailing data after record", ErrInvalidMetadata)
	}
	return rec, nil
}

type parser struct {
	r *bufio.Reader
}

func (p *parser) expect(b byte) error {
	c, err := p.r.ReadByte()
	if err != nil {
		return fmt.Errorf("expected %q: %w", b, err)
	}
	if c != b {
		return fmt.Errorf("expected %q, got %q", b, c)
	}
	return nil
}

// readAtom reads one length-prefixed token: <len>:<bytes>.
func (p *parser) readAtom() (string, error) {
	lenStr, err := p.r.ReadString(':')
	if err != nil {
		return "", fmt.Errorf("read token length: %w", err)
	}
	lenStr = strings.TrimSuffix(lenStr, ":")
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return "", fmt.Errorf("invalid token length %q", lenStr)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return "", fmt.Errorf("read token body: %w", err)
	}
	return string(buf), nil
}

func (p *parser) parseRecord() (Record, error) {
	if err := p.expect('('); err != nil {
		return Record{}, err
	}
	if err := p.expect('('); err != nil {
		return Record{}, err
	}
	tag, err := p.readAtom()
	if err != nil {
		return Record{}, err
	}
	if err := p.expect(')'); err != nil {
		return Record{}, err
	}

	switch tag {
	case tokMetadata:
		outputs, err := p.parseFilesGroup()
		if err != nil {
			return Record{}, err
		}
		if err := p.expect(')'); err != nil {
			return Record{}, err
		}
		return Record{Metadata: &Metadata{Outputs: outputs}}, nil
	case tokValue:
		payload, err := p.parseDataGroup()
		if err != nil {
			return Record{}, err
		}
		if err := p.expect(')'); err != nil {
			return Record{}, err
		}
		return Record{Value: &ValueRecord{Payload: payload}}, nil
	default:
		return Record{}, fmt.Errorf("unknown record tag %q", tag)
	}
}

func (p *parser) parseFilesGroup() ([]OutputFile, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	tag, err := p.readAtom()
	if err != nil {
		return nil, err
	}
	if tag != tokFiles {
		return nil, fmt.Errorf("expected %q group, got %q", tokFiles, tag)
	}

	var outputs []OutputFile
	for {
		c, err := p.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read files group: %w", err)
		}
		if c == ')' {
			return outputs, nil
		}
		if c != '(' {
			return nil, fmt.Errorf("expected '(' or ')' in files group, got %q", c)
		}
		name, err := p.readAtom()
		if err != nil {
			return nil, err
		}
		if err := ValidateOutputName(name); err != nil {
			return nil, err
		}
		digestHex, err := p.readAtom()
		if err != nil {
			return nil, err
		}
		digest, err := ParseDigest(digestHex)
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		outputs = append(outputs, OutputFile{Name: name, Digest: digest})
	}
}

func (p *parser) parseDataGroup() ([]byte, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	tag, err := p.readAtom()
	if err != nil {
		return nil, err
	}
	if tag != tokData {
		return nil, fmt.Errorf("expected %q group, got %q", tokData, tag)
	}
	payload, err := p.readAtomBytes()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *parser) readAtomBytes() ([]byte, error) {
	s, err := p.readAtom()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// ValidateOutputName rejects output names containing a path separator,
// since a name is meant to be a single target-relative basename, not a
// nested path (spec.md §4.3: "names do not contain path separators").
func ValidateOutputName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty output name", ErrInvalidMetadata)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: output name %q contains a path separator", ErrInvalidMetadata, name)
	}
	return nil
}
