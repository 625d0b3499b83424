package hashes

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("hello world")
const helloHash = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

type brokenRegistry struct{}

func (brokenRegistry) IsKnownBad(ctx context.Context, hash string) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenRegistry) Add(ctx context.Context, hash, note string) error {
	return errors.New("connection refused")
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("io failure") }

func TestNormalizeHash(t *testing.T) {
	assert := assert.New(t)

	h, err := NormalizeHash("  " + "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9")
	assert.NoError(err)
	assert.Equal(helloHash, h)

	_, err = NormalizeHash("abc")
	assert.Error(err)
	_, err = NormalizeHash(helloHash[:62] + "zz")
	assert.Error(err)
}

func TestChecker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	reg := NewMemRegistry()
	c := NewChecker(reg, nil)

	res, err := c.Check(ctx, bytes.NewReader([]byte("hello world")))
	assert.NoError(err)
	assert.Equal(helloHash, res.Hash)
	assert.False(res.KnownBad)
	assert.Equal(0.0, res.Confidence)

	assert.NoError(reg.Add(ctx, helloHash, "test fixture"))
	res, err = c.Check(ctx, bytes.NewReader([]byte("hello world")))
	assert.NoError(err)
	assert.True(res.KnownBad)
	assert.Equal(1.0, res.Confidence)
}

func TestCheckerFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c := NewChecker(NewMemRegistry(), nil)
	res, err := c.Check(ctx, brokenReader{})
	assert.Nil(res)
	assert.ErrorIs(err, ErrHashUnavailable)

	c = NewChecker(brokenRegistry{}, nil)
	res, err = c.Check(ctx, bytes.NewReader([]byte("hello world")))
	assert.ErrorIs(err, ErrHashUnavailable)
	assert.NotNil(res)
	assert.Equal(helloHash, res.Hash)
	assert.False(res.KnownBad)
}

func TestMemRegistryFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	p := filepath.Join(t.TempDir(), "known-bad.json")
	reg := NewMemRegistry()
	require.NoError(reg.Add(ctx, helloHash, "seed"))
	require.NoError(reg.SaveToFileJSON(p))

	loaded := NewMemRegistry()
	require.NoError(loaded.LoadFromFileJSON(p))
	ok, err := loaded.IsKnownBad(ctx, helloHash)
	assert.NoError(err)
	assert.True(ok)

	assert.Error(loaded.Add(ctx, "not-a-hash", ""))
}

func TestRedisRegistry(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	reg, err := NewRedisRegistry("redis://localhost:6379/0")
	if err != nil {
		t.Fail()
	}

	assert.NoError(reg.Add(ctx, helloHash, "live test"))
	ok, err := reg.IsKnownBad(ctx, helloHash)
	assert.NoError(err)
	assert.True(ok)
}
