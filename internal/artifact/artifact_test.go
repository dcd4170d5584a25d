package artifact

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/taskbot/internal/taskapi"
)

type fakeStore struct {
	artifacts map[string]*taskapi.Artifact
	uploads   []taskapi.NewArtifact
}

func (f *fakeStore) GetArtifact(_ context.Context, _, id string) (*taskapi.Artifact, error) {
	a, ok := f.artifacts[id]
	if !ok {
		return nil, &taskapi.APIError{StatusCode: 404}
	}
	return a, nil
}

func (f *fakeStore) UploadArtifact(_ context.Context, taskID string, na taskapi.NewArtifact) (*taskapi.ArtifactMeta, error) {
	f.uploads = append(f.uploads, na)
	return &taskapi.ArtifactMeta{ID: "new", TaskID: taskID, FileName: na.FileName, MimeType: na.MimeType}, nil
}

func TestDownload(t *testing.T) {
	store := &fakeStore{artifacts: map[string]*taskapi.Artifact{
		"a1": {ArtifactMeta: taskapi.ArtifactMeta{ID: "a1", FileName: "../../etc/data.csv"}, Content: base64.StdEncoding.EncodeToString([]byte("x,y\n1,2\n"))},
		"a2": {ArtifactMeta: taskapi.ArtifactMeta{ID: "a2", FileName: "bad.bin"}, Content: "!!!"},
	}}
	h := NewHandler(store)
	dir := t.TempDir()

	path, name, err := h.Download(context.Background(), "t", "a1", dir)
	require.NoError(t, err)
	assert.Equal(t, "data.csv", name)
	assert.Equal(t, filepath.Join(dir, "data.csv"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x,y\n1,2\n", string(data))

	_, _, err = h.Download(context.Background(), "t", "a2", dir)
	assert.Error(t, err)
	_, _, err = h.Download(context.Background(), "t", "missing", dir)
	assert.True(t, taskapi.IsNotFound(err))
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(small, []byte(`{"ok":true}`), 0o644))
	// 800 KiB raw encodes past 1 MiB.
	large := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(large, []byte(strings.Repeat("a", 800*1024)), 0o644))

	store := &fakeStore{}
	h := NewHandler(store)

	meta, err := h.Upload(context.Background(), "t", small, "", "")
	require.NoError(t, err)
	assert.Equal(t, "report.json", meta.FileName)
	assert.Equal(t, "application/json", meta.MimeType)

	_, err = h.Upload(context.Background(), "t", large, "big.bin", "")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Len(t, store.uploads, 1, "oversized upload must not reach the store")
}

func TestGuessMIMEType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "a.json", want: "application/json"},
		{name: "a.PNG", want: "image/png"},
		{name: "noext", want: "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GuessMIMEType(tt.name))
		})
	}
}
