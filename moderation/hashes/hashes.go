// Package hashes computes content hashes of uploads and checks them against a
// registry of known-bad content.
package hashes

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/sha256-simd"

	"github.com/unicon-campus/unimod/moderation"
)

var ErrHashUnavailable = errors.New("content hash unavailable")

// Registry is the known-bad hash collaborator. Hashes are lowercase hex SHA-256.
type Registry interface {
	IsKnownBad(ctx context.Context, hash string) (bool, error)
	Add(ctx context.Context, hash, note string) error
}

// NormalizeHash lower-cases and validates a hex SHA-256 digest.
func NormalizeHash(h string) (string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if len(h) != sha256.Size*2 {
		return "", fmt.Errorf("hash must be %d hex characters, got %d", sha256.Size*2, len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("invalid hex hash: %w", err)
	}
	return h, nil
}

func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type Checker struct {
	Registry Registry
	Logger   *slog.Logger
}

func NewChecker(reg Registry, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		Registry: reg,
		Logger:   logger.With("system", "hashes"),
	}
}

// Check hashes the content and looks it up in the registry. Errors wrap
// ErrHashUnavailable; when only the lookup failed the returned check still
// carries the hash.
func (c *Checker) Check(ctx context.Context, r io.Reader) (*moderation.HashCheck, error) {
	sum, err := HashReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading content: %v", ErrHashUnavailable, err)
	}
	res := &moderation.HashCheck{Hash: sum}
	if c.Registry == nil {
		return res, nil
	}
	bad, err := c.Registry.IsKnownBad(ctx, sum)
	if err != nil {
		return res, fmt.Errorf("%w: registry lookup: %v", ErrHashUnavailable, err)
	}
	if bad {
		c.Logger.Info("known-bad content hash matched", "hash", sum)
		res.KnownBad = true
		res.Confidence = 1.0
	}
	return res, nil
}
