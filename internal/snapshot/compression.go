package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents the payload compression algorithm
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeLZ4  CompressionType = "lz4"
	CompressionTypeZstd CompressionType = "zstd"
)

// CompressionStats contains statistics about one compression run
type CompressionStats struct {
	OriginalSize     int64           `json:"original_size"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Algorithm        CompressionType `json:"algorithm"`
	Level            int             `json:"level"`
	Duration         time.Duration   `json:"duration"`
}

// Compressor compresses and decompresses payload bytes
type Compressor interface {
	Compress(data []byte, level int) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	DefaultLevel() int
	MinLevel() int
	MaxLevel() int
}

// CompressionManager dispatches to the registered compressors
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a compression manager with gzip, lz4 and zstd registered
func NewCompressionManager() *CompressionManager {
	return &CompressionManager{
		compressors: map[CompressionType]Compressor{
			CompressionTypeGzip: gzipCompressor{},
			CompressionTypeLZ4:  lz4Compressor{},
			CompressionTypeZstd: zstdCompressor{},
		},
	}
}

// Supports reports whether the algorithm can be used
func (cm *CompressionManager) Supports(algorithm CompressionType) bool {
	if algorithm == CompressionTypeNone {
		return true
	}
	_, ok := cm.compressors[algorithm]
	return ok
}

// Compress compresses data using the specified algorithm. Out-of-range
// levels fall back to the algorithm's default.
func (cm *CompressionManager) Compress(data []byte, algorithm CompressionType, level int) ([]byte, *CompressionStats, error) {
	start := time.Now()

	if algorithm == CompressionTypeNone || algorithm == "" {
		return data, &CompressionStats{
			OriginalSize:     int64(len(data)),
			CompressedSize:   int64(len(data)),
			CompressionRatio: 1.0,
			Algorithm:        CompressionTypeNone,
		}, nil
	}

	compressor, ok := cm.compressors[algorithm]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}

	if level < compressor.MinLevel() || level > compressor.MaxLevel() {
		level = compressor.DefaultLevel()
	}

	compressed, err := compressor.Compress(data, level)
	if err != nil {
		return nil, nil, err
	}

	return compressed, &CompressionStats{
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(compressed)),
		CompressionRatio: CalculateCompressionRatio(int64(len(data)), int64(len(compressed))),
		Algorithm:        algorithm,
		Level:            level,
		Duration:         time.Since(start),
	}, nil
}

// Decompress decompresses data using the specified algorithm
func (cm *CompressionManager) Decompress(data []byte, algorithm CompressionType) ([]byte, error) {
	if algorithm == CompressionTypeNone || algorithm == "" {
		return data, nil
	}

	compressor, ok := cm.compressors[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
	return compressor.Decompress(data)
}

// CalculateCompressionRatio calculates the compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip data: %w", err)
	}
	return out, nil
}

func (gzipCompressor) DefaultLevel() int { return gzip.DefaultCompression }
func (gzipCompressor) MinLevel() int     { return gzip.HuffmanOnly }
func (gzipCompressor) MaxLevel() int     { return gzip.BestCompression }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)

	// lz4 only distinguishes fast and high compression
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("failed to set lz4 compression level: %w", err)
		}
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write lz4 data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close lz4 writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress lz4 data: %w", err)
	}
	return out, nil
}

func (lz4Compressor) DefaultLevel() int { return 1 }
func (lz4Compressor) MinLevel() int     { return 1 }
func (lz4Compressor) MaxLevel() int     { return 12 }

type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte, level int) ([]byte, error) {
	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zstdCompressor) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
	}
	return out, nil
}

func (zstdCompressor) DefaultLevel() int { return 3 }
func (zstdCompressor) MinLevel() int     { return 1 }
func (zstdCompressor) MaxLevel() int     { return 22 }
