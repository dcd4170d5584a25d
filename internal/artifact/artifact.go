// Package artifact moves task attachments between the Task Service and a
// local working directory.
package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/kazz187/taskbot/internal/taskapi"
)

// MaxEncodedSize is the ceiling on the base64 encoded upload size.
const MaxEncodedSize = 1 << 20

var ErrTooLarge = errors.New("artifact exceeds the upload size limit")

type Store interface {
	GetArtifact(ctx context.Context, taskID, artifactID string) (*taskapi.Artifact, error)
	UploadArtifact(ctx context.Context, taskID string, na taskapi.NewArtifact) (*taskapi.ArtifactMeta, error)
}

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Download writes the artifact into workDir and returns its local path and name.
func (h *Handler) Download(ctx context.Context, taskID, artifactID, workDir string) (string, string, error) {
	a, err := h.store.GetArtifact(ctx, taskID, artifactID)
	if err != nil {
		return "", "", err
	}
	data, err := base64.StdEncoding.DecodeString(a.Content)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode artifact %s: %w", artifactID, err)
	}
	name := SanitizeName(a.FileName)
	if name == "" {
		name = artifactID
	}
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	slog.InfoContext(ctx, "downloaded artifact", "artifact_id", artifactID, "file", name, "bytes", len(data))
	return path, name, nil
}

// Upload reads path and attaches it to the task. Oversized files are rejected
// without calling the Task Service.
func (h *Handler) Upload(ctx context.Context, taskID, path, name, mimeType string) (*taskapi.ArtifactMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if EncodedLen(int(info.Size())) > MaxEncodedSize {
		return nil, fmt.Errorf("%w: %s encodes to %d bytes (limit %d)", ErrTooLarge, filepath.Base(path), EncodedLen(int(info.Size())), MaxEncodedSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return h.UploadBytes(ctx, taskID, name, mimeType, data)
}

func (h *Handler) UploadBytes(ctx context.Context, taskID, name, mimeType string, data []byte) (*taskapi.ArtifactMeta, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	if len(encoded) > MaxEncodedSize {
		return nil, fmt.Errorf("%w: %s encodes to %d bytes (limit %d)", ErrTooLarge, name, len(encoded), MaxEncodedSize)
	}
	name = SanitizeName(name)
	if mimeType == "" {
		mimeType = GuessMIMEType(name)
	}
	meta, err := h.store.UploadArtifact(ctx, taskID, taskapi.NewArtifact{
		FileName: name,
		MimeType: mimeType,
		Content:  encoded,
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "uploaded artifact", "file", name, "bytes", len(data))
	return meta, nil
}

func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}

func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func GuessMIMEType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}
