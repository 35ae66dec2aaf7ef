// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact implements the artifact intake policy: size-limit
// resolution across the plan/application/namespace/project hierarchy,
// the file-type/format validation matrix, and duplicate detection by
// content hash.
//
// The package decides whether an upload is acceptable and records the
// accepted slot; the HTTP layer owns transfer mechanics and maps the
// exported error types onto response codes.
package artifact

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"

	"github.com/conveyor-ci/conveyor/lib/blobstore"
	"github.com/conveyor-ci/conveyor/lib/store"
)

// File types a runner may upload. FileTypeArchive is the job's
// user-facing artifact bundle; the rest are machine-read reports.
const (
	FileTypeArchive        = "archive"
	FileTypeJUnit          = "junit"
	FileTypeDotenv         = "dotenv"
	FileTypeMetrics        = "metrics"
	FileTypeNetworkReferee = "network_referee"
	FileTypeTerraform      = "terraform"
)

// Formats accepted by the validation matrix.
const (
	FormatZip  = "zip"
	FormatGzip = "gzip"
	FormatRaw  = "raw"
)

// requiredFormat is the validation matrix: which format each file
// type must arrive in. Types absent from the map accept any format.
var requiredFormat = map[string]string{
	FileTypeArchive:        FormatZip,
	FileTypeJUnit:          FormatGzip,
	FileTypeDotenv:         FormatGzip,
	FileTypeMetrics:        FormatGzip,
	FileTypeNetworkReferee: FormatGzip,
	FileTypeTerraform:      FormatGzip,
}

// zipMagic covers both regular and empty zip archives.
var zipMagic = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
}

// SizeError reports an upload larger than the resolved limit.
type SizeError struct {
	Size  int64
	Limit int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("artifact: size %d exceeds limit %d", e.Size, e.Limit)
}

// FormatError reports a file type arriving in the wrong format, or
// content whose bytes do not match the declared format.
type FormatError struct {
	FileType string
	Format   string
	Reason   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("artifact: %s as %s: %s", e.FileType, e.Format, e.Reason)
}

// ErrSlotConflict reports an upload into an occupied slot with
// different content. Identical re-uploads are accepted silently;
// differing content is a policy violation.
var ErrSlotConflict = errors.New("artifact: slot occupied by different content")

// ErrUnknownFileType reports a file type outside the accepted set.
var ErrUnknownFileType = errors.New("artifact: unknown file type")

// Limits is the size-limit hierarchy. Resolution goes from most to
// least specific: project override, namespace override, plan limit,
// application default. Zero at every level means unlimited.
type Limits struct {
	// Application is the instance-wide default limit in bytes.
	Application int64

	// Plan maps plan names to their limit. A project's plan limit
	// replaces the application default when the plan is present.
	Plan map[string]int64

	// Namespace maps namespace names to an override limit.
	Namespace map[string]int64
}

// Resolve returns the effective size limit for a project. Zero means
// no limit applies.
func (l Limits) Resolve(project *store.Project) int64 {
	if project.ArtifactSizeLimit > 0 {
		return project.ArtifactSizeLimit
	}
	if limit, ok := l.Namespace[project.Namespace]; ok {
		return limit
	}
	if limit, ok := l.Plan[project.Plan]; ok {
		return limit
	}
	return l.Application
}

// Config holds the parameters for an intake.
type Config struct {
	// Blobs stores accepted artifact content. Required.
	Blobs blobstore.Store

	// Limits is the size-limit hierarchy.
	Limits Limits

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Intake applies the acceptance policy to artifact uploads.
type Intake struct {
	blobs  blobstore.Store
	limits Limits
	logger *slog.Logger
}

// NewIntake validates the config and returns an intake.
func NewIntake(cfg Config) (*Intake, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("artifact: Blobs is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("artifact: Logger is required")
	}
	return &Intake{blobs: cfg.Blobs, limits: cfg.Limits, logger: cfg.Logger}, nil
}

// Authorize checks a declared upload size against the project's
// resolved limit before any bytes move. The HTTP layer calls this for
// the pre-upload authorize request.
func (in *Intake) Authorize(project *store.Project, fileType string, size int64) error {
	if _, ok := requiredFormat[fileType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFileType, fileType)
	}
	if limit := in.limits.Resolve(project); limit > 0 && size > limit {
		return &SizeError{Size: size, Limit: limit}
	}
	return nil
}

// Accept validates and stores one uploaded artifact inside the
// caller's transaction.
//
// Acceptance order: file type known, size within the resolved limit,
// format matches the matrix, content bytes match the declared format.
// If the job already has an artifact of this type, an identical
// content hash is acknowledged silently without re-storing; a
// differing hash is rejected with ErrSlotConflict and logged.
func (in *Intake) Accept(ctx context.Context, tx *store.Tx, project *store.Project, job *store.Job, fileType, format string, content []byte) (*store.Artifact, error) {
	if err := in.Authorize(project, fileType, int64(len(content))); err != nil {
		return nil, err
	}
	if err := validateFormat(fileType, format, content); err != nil {
		return nil, err
	}

	digest := blake3.Sum256(content)
	hash := hex.EncodeToString(digest[:])

	existing, err := tx.GetArtifact(job.ID, fileType)
	switch {
	case err == nil:
		if existing.Hash == hash {
			return existing, nil
		}
		in.logger.Warn("artifact slot conflict",
			"job_id", job.ID,
			"file_type", fileType,
			"existing_hash", existing.Hash,
			"uploaded_hash", hash,
		)
		return nil, ErrSlotConflict
	case errors.Is(err, store.ErrNotFound):
		// Empty slot, proceed.
	default:
		return nil, err
	}

	key := blobKey(job.ID, fileType)
	if err := in.blobs.Put(ctx, key, content); err != nil {
		return nil, fmt.Errorf("artifact: storing content: %w", err)
	}

	artifact := &store.Artifact{
		JobID:    job.ID,
		FileType: fileType,
		Format:   format,
		Hash:     hash,
		Size:     int64(len(content)),
		BlobKey:  key,
		Locked:   true,
	}
	if err := tx.InsertArtifact(artifact); err != nil {
		return nil, err
	}

	in.logger.Info("artifact accepted",
		"job_id", job.ID,
		"file_type", fileType,
		"format", format,
		"size", artifact.Size,
	)
	return artifact, nil
}

// Fetch loads an artifact's content for download.
func (in *Intake) Fetch(ctx context.Context, tx *store.Tx, jobID int64, fileType string) (*store.Artifact, []byte, error) {
	artifact, err := tx.GetArtifact(jobID, fileType)
	if err != nil {
		return nil, nil, err
	}
	content, err := in.blobs.Get(ctx, artifact.BlobKey)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact: loading content: %w", err)
	}
	return artifact, content, nil
}

// validateFormat enforces the matrix and checks that the bytes really
// are what the format claims.
func validateFormat(fileType, format string, content []byte) error {
	if required := requiredFormat[fileType]; required != format {
		return &FormatError{FileType: fileType, Format: format,
			Reason: fmt.Sprintf("must be %s", required)}
	}

	switch format {
	case FormatZip:
		for _, magic := range zipMagic {
			if bytes.HasPrefix(content, magic) {
				return nil
			}
		}
		return &FormatError{FileType: fileType, Format: format,
			Reason: "content is not a zip archive"}

	case FormatGzip:
		reader, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			return &FormatError{FileType: fileType, Format: format,
				Reason: "content is not gzip"}
		}
		reader.Close()
		return nil

	default:
		return nil
	}
}

func blobKey(jobID int64, fileType string) string {
	return fmt.Sprintf("artifacts/%d/%s", jobID, fileType)
}
