package persist

import (
	"fmt"
	"reflect"

	"github.com/buger/jsonparser"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/golang/snappy"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Codec turns snapshots into bytes and back.
type Codec struct {
	Format Format

	// Compress wraps the encoded snapshot in snappy block compression.
	Compress bool
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("persist: cbor encoder: %v", err))
	}
	cborDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("persist: cbor decoder: %v", err))
	}
}

func (c Codec) Encode(s *Snapshot) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch c.format() {
	case FormatJSON:
		data, err = json.Marshal(s)
	case FormatCBOR:
		data, err = cborEnc.Marshal(s)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, c.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("persist: encode snapshot: %w", err)
	}

	if c.Compress {
		data = snappy.Encode(nil, data)
	}
	return data, nil
}

func (c Codec) Decode(data []byte) (*Snapshot, error) {
	if c.Compress {
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("persist: decompress snapshot: %w", err)
		}
		data = raw
	}

	s := new(Snapshot)
	switch c.format() {
	case FormatJSON:
		// Check the version before decoding the whole document.
		version, err := jsonparser.GetInt(data, "version")
		if err != nil {
			return nil, fmt.Errorf("persist: read snapshot version: %w", err)
		}
		if version != SnapshotVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
		}
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("persist: decode snapshot: %w", err)
		}
	case FormatCBOR:
		if err := cborDec.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("persist: decode snapshot: %w", err)
		}
		if s.Version != SnapshotVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, c.Format)
	}
	return s, nil
}

func (c Codec) format() Format {
	if c.Format == "" {
		return FormatJSON
	}
	return c.Format
}
