// Package workspace keeps the authored file tree coherent across the
// cluster: Postgres rows as source of truth, S3 as durable mirror,
// local disk as working copy, Redis pub/sub for propagation.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/repository"
	"github.com/bifrost-hq/bifrost/common/s3"
)

// RepoPrefix is the object-storage prefix holding the canonical
// workspace tree.
const RepoPrefix = "_repo/"

// Store is the file-index store. Postgres owns the canonical bytes;
// the object store is a mirror for out-of-process consumers.
type Store struct {
	files *repository.FileIndexRepository
	s3    *s3.Client
	log   *logger.Logger
}

// NewStore creates a file-index store. s3Client may be nil (mirror
// disabled).
func NewStore(files *repository.FileIndexRepository, s3Client *s3.Client, log *logger.Logger) *Store {
	return &Store{files: files, s3: s3Client, log: log}
}

// HashBytes returns the hex SHA-256 digest used for file identity
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Read returns the canonical bytes for a path
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	entry, err := s.files.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, apperr.NotFound(fmt.Sprintf("workspace file %q", path))
	}
	return entry.Content, nil
}

// Write upserts the canonical row and mirrors the bytes to object
// storage. The row reflects the new bytes and hash once Write returns;
// the mirror write is best-effort.
func (s *Store) Write(ctx context.Context, path string, content []byte) (string, error) {
	hash := HashBytes(content)

	if err := s.files.Upsert(ctx, path, content, hash); err != nil {
		return "", err
	}

	if s.s3 != nil {
		if err := s.s3.PutObject(ctx, RepoPrefix+path, content); err != nil {
			s.log.Warn("workspace mirror write failed", "path", path, "error", err)
		}
	}

	return hash, nil
}

// Delete hard-deletes the row and best-effort removes the mirror
// object.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.files.Delete(ctx, path); err != nil {
		return err
	}

	if s.s3 != nil {
		if err := s.s3.DeleteObject(ctx, RepoPrefix+path); err != nil {
			s.log.Warn("workspace mirror delete failed", "path", path, "error", err)
		}
	}

	return nil
}

// List returns path -> hash for every active path under the prefix
func (s *Store) List(ctx context.Context, prefix string) (map[string]string, error) {
	return s.files.ListPaths(ctx, prefix)
}

// DeleteMissing removes rows whose path is not in the live set and
// returns the removed paths. Used by full reindex.
func (s *Store) DeleteMissing(ctx context.Context, livePaths []string) ([]string, error) {
	return s.files.DeleteMissing(ctx, livePaths)
}

// PullAll streams every mirrored object under _repo/ to the visitor.
// Used by processes bootstrapping a local working copy.
func (s *Store) PullAll(ctx context.Context, visit func(path string, content []byte) error) error {
	if s.s3 == nil {
		return nil
	}
	return s.s3.WalkPrefix(ctx, RepoPrefix, func(relKey string, content []byte) error {
		return visit(relKey, content)
	})
}

// NormalizeDirPath gives directories their canonical trailing-slash
// cache key.
func NormalizeDirPath(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}
