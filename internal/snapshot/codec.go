package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

var payloadMagic = []byte("TVSNAP")

const envelopeVersion byte = 1

var compressionCodes = map[CompressionType]byte{
	CompressionTypeNone: 0,
	CompressionTypeGzip: 1,
	CompressionTypeLZ4:  2,
	CompressionTypeZstd: 3,
}

// CodecConfig selects how payloads are written. Reading always follows the
// payload's own header.
type CodecConfig struct {
	Compression      CompressionType  `mapstructure:"compression" yaml:"compression"`
	CompressionLevel int              `mapstructure:"compression_level" yaml:"compression_level"`
	Encryption       EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
}

// SetDefaults sets default values for the configuration
func (c *CodecConfig) SetDefaults() {
	if c.Compression == "" {
		c.Compression = CompressionTypeZstd
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = 3
	}
	c.Encryption.SetDefaults()
}

// Validate validates the configuration
func (c *CodecConfig) Validate() error {
	if _, ok := compressionCodes[c.Compression]; !ok {
		return fmt.Errorf("invalid compression %q, must be none, gzip, lz4 or zstd", c.Compression)
	}
	return c.Encryption.Validate()
}

// EncodeStats describes one encoded payload
type EncodeStats struct {
	RawSize     int64
	StoredSize  int64
	Compression *CompressionStats
	Encrypted   bool
	Checksum    string
	Duration    time.Duration
}

// Codec turns snapshots into stored payloads and back
type Codec struct {
	config      CodecConfig
	compression *CompressionManager
	encryption  *EncryptionManager
}

// NewCodec creates a codec
func NewCodec(config CodecConfig) *Codec {
	config.SetDefaults()
	return &Codec{
		config:      config,
		compression: NewCompressionManager(),
		encryption:  NewEncryptionManager(&config.Encryption),
	}
}

// Encode serializes, compresses and optionally encrypts a snapshot. The
// returned checksum covers the exact stored bytes.
func (c *Codec) Encode(s *Snapshot) ([]byte, *EncodeStats, error) {
	start := time.Now()

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	body, compStats, err := c.compression.Compress(raw, c.config.Compression, c.config.CompressionLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	encrypted := c.encryption.IsEnabled()
	if encrypted {
		body, err = c.encryption.Encrypt(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt snapshot: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(payloadMagic) + 3 + len(body))
	buf.Write(payloadMagic)
	buf.WriteByte(envelopeVersion)
	buf.WriteByte(compressionCodes[compStats.Algorithm])
	if encrypted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(body)

	payload := buf.Bytes()
	return payload, &EncodeStats{
		RawSize:     int64(len(raw)),
		StoredSize:  int64(len(payload)),
		Compression: compStats,
		Encrypted:   encrypted,
		Checksum:    Checksum(payload),
		Duration:    time.Since(start),
	}, nil
}

// Decode reverses Encode
func (c *Codec) Decode(payload []byte) (*Snapshot, error) {
	headerSize := len(payloadMagic) + 3
	if len(payload) < headerSize || !bytes.Equal(payload[:len(payloadMagic)], payloadMagic) {
		return nil, fmt.Errorf("payload is not a tenant snapshot")
	}

	header := payload[len(payloadMagic):headerSize]
	if header[0] != envelopeVersion {
		return nil, fmt.Errorf("unsupported snapshot envelope version %d", header[0])
	}

	algorithm, ok := compressionFor(header[1])
	if !ok {
		return nil, fmt.Errorf("unknown compression code %d", header[1])
	}

	body := payload[headerSize:]
	if header[2] == 1 {
		if !c.encryption.IsEnabled() {
			return nil, fmt.Errorf("snapshot is encrypted but encryption is not configured")
		}
		var err error
		body, err = c.encryption.Decrypt(body)
		if err != nil {
			return nil, err
		}
	}

	raw, err := c.compression.Decompress(body, algorithm)
	if err != nil {
		return nil, err
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if s.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format version %d", s.FormatVersion)
	}
	return &s, nil
}

func compressionFor(code byte) (CompressionType, bool) {
	for algorithm, c := range compressionCodes {
		if c == code {
			return algorithm, true
		}
	}
	return "", false
}

// Checksum returns the hex sha256 of a stored payload
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares a payload against its recorded checksum
func VerifyChecksum(payload []byte, expected string) error {
	if actual := Checksum(payload); actual != expected {
		return fmt.Errorf("payload checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
