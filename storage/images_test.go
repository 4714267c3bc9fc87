package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteImages(t *testing.T) {
	imageDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "fig1.png"), []byte("png"), 0o644))

	md := "Intro\n\n![figure one](images/fig1.png)\n\n![missing](images/nope.png)\n"

	out := rewriteImages(md, imageDir, func(localPath string) (string, error) {
		assert.Equal(t, filepath.Join(imageDir, "fig1.png"), localPath)
		return "https://bucket.example/images/abc.png", nil
	})

	assert.Contains(t, out, `<img src="https://bucket.example/images/abc.png" alt="figure one">`)
	// Unresolvable references stay untouched.
	assert.Contains(t, out, "![missing](images/nope.png)")
	assert.NotContains(t, out, "![figure one]")
}

func TestRewriteImagesKeepsOriginalOnUploadFailure(t *testing.T) {
	imageDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "fig.png"), []byte("png"), 0o644))

	md := "![f](fig.png)"
	out := rewriteImages(md, imageDir, func(string) (string, error) {
		return "", errors.New("bucket down")
	})
	assert.Equal(t, md, out)
}

func TestNewImageUploaderDisabledWithoutEndpoint(t *testing.T) {
	u, err := NewImageUploader(MinioConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, u)
}
