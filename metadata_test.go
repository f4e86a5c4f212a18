package dunecache

import (
	"bytes"
	"testing"
)

func TestMetadataEncodeParseRoundTrip(t *testing.T) {
	t.Parallel()

	m := Metadata{Outputs: []OutputFile{
		{Name: "a.out", Digest: BytesDigest([]byte("a"))},
		{Name: "b.out", Digest: BytesDigest([]byte("b"))},
	}}

	encoded, err := EncodeMetadata(m)
	if err != nil {
		t.Fatalf("EncodeMetadata() error = %v", err)
	}

	rec, err := ParseMetadata(encoded)
	if err != nil {
		t.Fatalf("ParseMetadata() error = %v", err)
	}
	if rec.Value != nil {
		t.Fatal("ParseMetadata() returned a Value for a Metadata record")
	}
	if rec.Metadata == nil || len(rec.Metadata.Outputs) != 2 {
		t.Fatalf("ParseMetadata() = %+v, want 2 outputs", rec.Metadata)
	}
	for i, out := range rec.Metadata.Outputs {
		if out.Name != m.Outputs[i].Name {
			t.Errorf("output %d name = %q, want %q", i, out.Name, m.Outputs[i].Name)
		}
		if out.Digest != m.Outputs[i].Digest {
			t.Errorf("output %d digest = %v, want %v", i, out.Digest, m.Outputs[i].Digest)
		}
	}
}

func TestMetadataEmptyOutputs(t *testing.T) {
	t.Parallel()

	encoded, err := EncodeMetadata(Metadata{})
	if err != nil {
		t.Fatalf("EncodeMetadata() error = %v", err)
	}
	rec, err := ParseMetadata(encoded)
	if err != nil {
		t.Fatalf("ParseMetadata() error = %v", err)
	}
	if rec.Metadata == nil || len(rec.Metadata.Outputs) != 0 {
		t.Fatalf("ParseMetadata() = %+v, want zero outputs", rec.Metadata)
	}
}

func TestEncodeMetadataRejectsPathSeparator(t *testing.T) {
	t.Parallel()

	_, err := EncodeMetadata(Metadata{Outputs: []OutputFile{{Name: "a/b", Digest: BytesDigest([]byte("x"))}}})
	if err == nil {
		t.Fatal("EncodeMetadata() error = nil, want error for a name containing '/'")
	}
}

func TestValueRecordEncodeParseRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("opaque payload bytes")
	encoded := EncodeValueRecord(ValueRecord{Payload: payload})

	rec, err := ParseMetadata(encoded)
	if err != nil {
		t.Fatalf("ParseMetadata() error = %v", err)
	}
	if rec.Metadata != nil {
		t.Fatal("ParseMetadata() returned Metadata for a Value record")
	}
	if rec.Value == nil || !bytes.Equal(rec.Value.Payload, payload) {
		t.Fatalf("ParseMetadata() value = %+v, want payload %q", rec.Value, payload)
	}
}

func TestParseMetadataRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		nil,
		[]byte("not even parens"),
		[]byte("((6:badtag)(5:files))"),              // unknown record tag
		[]byte("((8:metadata)(5:files)"),              // truncated, unbalanced
		[]byte("((8:metadata)(5:files(1:a4:bad!)))"),  // non-canonical digest
		append(mustEncodeValid(t), 'x'),                // trailing garbage
	}
	for i, c := range cases {
		if _, err := ParseMetadata(c); err == nil {
			t.Errorf("case %d: ParseMetadata(%q) error = nil, want error", i, c)
		}
	}
}

func mustEncodeValid(t *testing.T) []byte {
	t.Helper()
	encoded, err := EncodeMetadata(Metadata{})
	if err != nil {
		t.Fatalf("EncodeMetadata() error = %v", err)
	}
	return encoded
}

func TestValidateOutputName(t *testing.T) {
	t.Parallel()

	valid := []string{"a.out", "libfoo.a", "README"}
	for _, name := range valid {
		if err := ValidateOutputName(name); err != nil {
			t.Errorf("ValidateOutputName(%q) error = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "a/b", "a\\b", "/etc/passwd"}
	for _, name := range invalid {
		if err := ValidateOutputName(name); err == nil {
			t.Errorf("ValidateOutputName(%q) error = nil, want error", name)
		}
	}
}
