package persist

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdTransformer compresses records with zstd and stores them as base64
// JSON strings. It is safe for concurrent use.
type ZstdTransformer struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ Transformer = (*ZstdTransformer)(nil)

// NewZstdTransformer creates a transformer at the default compression level.
func NewZstdTransformer() (*ZstdTransformer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &ZstdTransformer{encoder: enc, decoder: dec}, nil
}

func (z *ZstdTransformer) Compress(data json.RawMessage) (json.RawMessage, error) {
	packed := z.encoder.EncodeAll(data, nil)
	return json.Marshal(base64.StdEncoding.EncodeToString(packed))
}

func (z *ZstdTransformer) Decompress(data json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("compressed record is not a string: %w", err)
	}
	packed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("compressed record is not base64: %w", err)
	}
	out, err := z.decoder.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record: %w", err)
	}
	return out, nil
}

// Close releases the decoder's resources.
func (z *ZstdTransformer) Close() {
	z.decoder.Close()
	_ = z.encoder.Close()
}
