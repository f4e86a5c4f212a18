package dunecache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ErrValueNotFound is returned by GetValue when no value record exists for
// the requested digest.
var ErrValueNotFound = errors.New("dunecache: value not found")

// PutValue stores an opaque payload under the reserved "values" artifact
// kind (spec.md §4.3: a ValueRecord's payload is never resolved against
// file_dir and is kept by the trimmer unconditionally). The payload is
// digested as its own content, compressed with zstd before being written —
// unlike file and metadata entries, value payloads are expected to be
// compressible structured data (build-system side values, not arbitrary
// build outputs), so compression is worth the CPU (SPEC_FULL §4).
//
// PutValue is first-writer-wins, like metadata entries: if an entry already
// exists at the payload's digest, the call is a no-op.
func (s *Store) PutValue(payload []byte) (Digest, error) {
	digest := BytesDigest(payload)
	finalPath, err := s.layout.EntryPath(KindValues, CurrentValueVersion, digest)
	if err != nil {
		return Digest{}, err
	}
	if _, err := os.Stat(finalPath); err == nil {
		return digest, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Digest{}, fmt.Errorf("stat value entry: %w", err)
	}

	compressed, err := compressValue(payload)
	if err != nil {
		return Digest{}, fmt.Errorf("compress value: %w", err)
	}
	encoded := EncodeValueRecord(ValueRecord{Payload: compressed})
	if err := s.writeTempThenRename(finalPath, false, func(w io.Writer) error {
		_, err := w.Write(encoded)
		return err
	}); err != nil {
		return Digest{}, err
	}
	return digest, nil
}

// GetValue reads back a payload previously stored by PutValue.
func (s *Store) GetValue(digest Digest) ([]byte, error) {
	path, err := s.layout.EntryPath(KindValues, CurrentValueVersion, digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest, not user input
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrValueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read value entry: %w", err)
	}
	rec, err := ParseMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Value == nil {
		return nil, fmt.Errorf("%w: digest resolves to a metadata record, not a value", ErrCorrupt)
	}
	return decompressValue(rec.Value.Payload)
}

func compressValue(payload []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}

func decompressValue(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}
