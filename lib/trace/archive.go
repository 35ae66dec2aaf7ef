// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Compression selects the archive codec. Stored in the archive
// header, so the values are format constants.
type Compression string

const (
	// None stores the trace uncompressed. Used when the stream is
	// already compressed or tiny.
	None Compression = "none"

	// LZ4 favors speed over ratio. Block-mode LZ4.
	LZ4 Compression = "lz4"

	// Zstd is the default: log text compresses 3-5x at default
	// level with cheap decode.
	Zstd Compression = "zstd"
)

// keySize is the size of the archive encryption key and of every
// derived per-job key.
const keySize = 32

// archiveVersion is the first byte of every archive blob. Included
// as AEAD additional data when encryption is on, so tampering with
// it fails authentication.
const archiveVersion byte = 0x01

// Archive header layout after the version byte:
//
//	[version: 1][codec: 1][encrypted: 1][rawLen: 8 big-endian][body]
//
// body is the (possibly encrypted) compressed stream. rawLen is the
// uncompressed trace length, verified on decode.
const headerSize = 1 + 1 + 1 + 8

// hkdfInfoTrace is the domain-separation info string for per-job key
// derivation. Changing it invalidates every existing archive.
var hkdfInfoTrace = []byte("conveyor.trace.v1")

var codecByte = map[Compression]byte{None: 0, LZ4: 1, Zstd: 2}
var codecByTag = map[byte]Compression{0: None, 1: LZ4, 2: Zstd}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("trace: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("trace: zstd decoder initialization failed: " + err.Error())
	}
}

// ArchiveInfo describes a finalized trace.
type ArchiveInfo struct {
	// Key is the blob store key of the archive.
	Key string

	// Hash is the BLAKE3 hex digest of the raw (uncompressed,
	// unencrypted) trace content, the archive's identity for
	// dedup and integrity checks.
	Hash string

	// RawSize and StoredSize are the trace length and the stored
	// blob length.
	RawSize    int64
	StoredSize int64
}

// Finalize seals a job's trace: compresses, optionally encrypts,
// hashes, stores the immutable archive, deletes the incremental
// chunks, and releases the live buffer. Further appends and live
// reads fail with ErrForbidden. Finalizing an already-finalized
// trace is a no-op returning the stored archive's info.
func (m *Manager) Finalize(ctx context.Context, jobID int64) (ArchiveInfo, error) {
	jt := m.job(jobID)

	// Take the append lock unconditionally: finalization must wait
	// out an in-flight append rather than conflict with it.
	jt.lock.mu.Lock()
	defer jt.lock.unlock()

	jt.mu.Lock()
	defer jt.mu.Unlock()

	if jt.finalized {
		return ArchiveInfo{Key: archiveKey(jobID)}, nil
	}

	raw := jt.buf
	digest := blake3.Sum256(raw)

	body, codec, err := compress(raw, m.compression)
	if err != nil {
		return ArchiveInfo{}, fmt.Errorf("trace: finalizing job %d: %w", jobID, err)
	}

	encrypted := byte(0)
	if len(m.key) == keySize {
		sealed, err := m.encrypt(jobID, body)
		if err != nil {
			return ArchiveInfo{}, fmt.Errorf("trace: finalizing job %d: %w", jobID, err)
		}
		body = sealed
		encrypted = 1
	}

	blob := make([]byte, headerSize, headerSize+len(body))
	blob[0] = archiveVersion
	blob[1] = codecByte[codec]
	blob[2] = encrypted
	binary.BigEndian.PutUint64(blob[3:11], uint64(len(raw)))
	blob = append(blob, body...)

	key := archiveKey(jobID)
	if err := m.blobs.Put(ctx, key, blob); err != nil {
		return ArchiveInfo{}, fmt.Errorf("trace: storing archive for job %d: %w", jobID, err)
	}

	// Incremental chunks are now redundant. Best effort: a leaked
	// chunk wastes space but never corrupts reads, which go to the
	// archive from here on.
	for _, offset := range jt.chunkOffsets {
		if err := m.blobs.Delete(ctx, chunkKey(jobID, offset)); err != nil {
			m.logger.Warn("trace chunk cleanup failed", "job_id", jobID, "offset", offset, "error", err)
		}
	}

	info := ArchiveInfo{
		Key:        key,
		Hash:       hex.EncodeToString(digest[:]),
		RawSize:    int64(len(raw)),
		StoredSize: int64(len(blob)),
	}

	jt.finalized = true
	jt.buf = nil
	jt.chunkOffsets = nil

	m.logger.Info("trace finalized",
		"job_id", jobID,
		"raw_size", info.RawSize,
		"stored_size", info.StoredSize,
		"compression", string(codec),
		"encrypted", encrypted == 1,
	)
	return info, nil
}

// Erase removes every stored trace byte for a job — live buffer,
// incremental chunks, and the archive if one exists — and closes the
// trace permanently. Used when a job is erased for privacy or
// retention reasons.
func (m *Manager) Erase(ctx context.Context, jobID int64) error {
	jt := m.job(jobID)

	jt.lock.mu.Lock()
	defer jt.lock.unlock()

	jt.mu.Lock()
	defer jt.mu.Unlock()

	for _, offset := range jt.chunkOffsets {
		if err := m.blobs.Delete(ctx, chunkKey(jobID, offset)); err != nil {
			return fmt.Errorf("trace: erasing job %d: %w", jobID, err)
		}
	}
	if err := m.blobs.Delete(ctx, archiveKey(jobID)); err != nil {
		return fmt.Errorf("trace: erasing job %d: %w", jobID, err)
	}

	jt.finalized = true
	jt.buf = nil
	jt.chunkOffsets = nil
	m.logger.Info("trace erased", "job_id", jobID)
	return nil
}

// ReadArchive loads and decodes a finalized trace.
func (m *Manager) ReadArchive(ctx context.Context, jobID int64) ([]byte, error) {
	blob, err := m.blobs.Get(ctx, archiveKey(jobID))
	if err != nil {
		return nil, err
	}
	if len(blob) < headerSize || blob[0] != archiveVersion {
		return nil, fmt.Errorf("trace: malformed archive for job %d", jobID)
	}

	codec, ok := codecByTag[blob[1]]
	if !ok {
		return nil, fmt.Errorf("trace: archive for job %d: unknown codec %d", jobID, blob[1])
	}
	rawLen := int(binary.BigEndian.Uint64(blob[3:11]))
	body := blob[headerSize:]

	if blob[2] == 1 {
		if len(m.key) != keySize {
			return nil, fmt.Errorf("trace: archive for job %d is encrypted and no key is configured", jobID)
		}
		body, err = m.decrypt(jobID, body)
		if err != nil {
			return nil, fmt.Errorf("trace: archive for job %d: %w", jobID, err)
		}
	}

	return decompress(body, codec, rawLen)
}

// deriveJobKey derives the per-job archive key with HKDF-SHA256 from
// the configured master key, bound to the job ID.
func (m *Manager) deriveJobKey(jobID int64) ([]byte, error) {
	info := make([]byte, len(hkdfInfoTrace)+8)
	copy(info, hkdfInfoTrace)
	binary.BigEndian.PutUint64(info[len(hkdfInfoTrace):], uint64(jobID))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, m.key, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving job key: %w", err)
	}
	return key, nil
}

func (m *Manager) encrypt(jobID int64, plaintext []byte) ([]byte, error) {
	key, err := m.deriveJobKey(jobID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte{archiveVersion})
	return append(nonce, sealed...), nil
}

func (m *Manager) decrypt(jobID int64, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	key, err := m.deriveJobKey(jobID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce, sealed := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, sealed, []byte{archiveVersion})
}

// compress applies the requested codec, falling back to None when
// the data does not shrink.
func compress(data []byte, requested Compression) ([]byte, Compression, error) {
	switch requested {
	case None:
		return data, None, nil

	case LZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return data, None, nil
		}
		return destination[:written], LZ4, nil

	case Zstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, None, nil
		}
		return compressed, Zstd, nil

	default:
		return nil, "", fmt.Errorf("unknown compression %q", requested)
	}
}

func decompress(body []byte, codec Compression, rawLen int) ([]byte, error) {
	switch codec {
	case None:
		if len(body) != rawLen {
			return nil, fmt.Errorf("trace: stored length %d does not match expected %d", len(body), rawLen)
		}
		return body, nil

	case LZ4:
		destination := make([]byte, rawLen)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("trace: lz4 decompress: %w", err)
		}
		if read != rawLen {
			return nil, fmt.Errorf("trace: lz4 decompress: got %d bytes, expected %d", read, rawLen)
		}
		return destination, nil

	case Zstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("trace: zstd decompress: %w", err)
		}
		if len(result) != rawLen {
			return nil, fmt.Errorf("trace: zstd decompress: got %d bytes, expected %d", len(result), rawLen)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("trace: unknown codec %q", codec)
	}
}
