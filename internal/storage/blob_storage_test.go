package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

func newStorage(t *testing.T) *BlobStorage {
	t.Helper()
	s, err := NewBlobStorage(t.TempDir(), 1, nil)
	require.NoError(t, err)
	return s
}

func TestPutIsContentAddressed(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	a, err := s.Put(ctx, "report.md", []byte("# Итог\nготово"))
	require.NoError(t, err)
	assert.Contains(t, a.Hash, "sha256:")
	assert.Equal(t, "text/markdown", a.Type)

	b, err := s.Put(ctx, "copy.md", []byte("# Итог\nготово"))
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Locator, b.Locator)

	data, err := s.Open(ctx, a.Locator)
	require.NoError(t, err)
	assert.Equal(t, "# Итог\nготово", string(data))
}

func TestPutRejectsDisallowedExtension(t *testing.T) {
	s := newStorage(t)
	_, err := s.Put(context.Background(), "tool.exe", []byte("MZ"))
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
}

func TestPutRejectsDisguisedBinary(t *testing.T) {
	s := newStorage(t)
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}
	_, err := s.Put(context.Background(), "data.csv", png)
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
}

func TestPutRejectsOversized(t *testing.T) {
	s := newStorage(t)
	big := make([]byte, 1024*1024+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := s.Put(context.Background(), "big.txt", big)
	require.Error(t, err)
}

func TestOpenRejectsTraversal(t *testing.T) {
	s := newStorage(t)
	_, err := s.Open(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "notes.txt", sanitizeFilename("../../notes.txt"))
	assert.Equal(t, "a.json", sanitizeFilename(`C:\tmp\a.json`))
	assert.Equal(t, "artifact", sanitizeFilename(""))
}
