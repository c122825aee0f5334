package loopline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ============================================================================
// Media Upload
// ============================================================================
//
// The engine treats media hosting as a black box: it only ever consumes the
// hosted URL list. Uploader implements the presign → upload → confirm
// lifecycle against that black box so callers can turn local files into
// URLs to pass to Engine.Send.

// Uploader uploads media files and returns hosted URLs.
type Uploader struct {
	client *Client
}

// Uploads returns the media upload sub-client.
func (c *Client) Uploads() *Uploader {
	return &Uploader{client: c}
}

type presignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type confirmResult struct {
	URL string `json:"url"`
}

const maxUploadSize = 50 * 1024 * 1024

// Upload uploads raw bytes and returns the hosted URL.
func (u *Uploader) Upload(ctx context.Context, data []byte, fileName string) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("fileName is required")
	}
	if int64(len(data)) > maxUploadSize {
		return "", fmt.Errorf("file exceeds maximum size of 50 MB")
	}
	mimeType := guessMimeType(fileName)

	// Presign
	res, err := u.client.do(ctx, "POST", "/api/media/presign", map[string]interface{}{
		"fileName": fileName,
		"fileSize": len(data),
		"mimeType": mimeType,
	}, nil)
	if err != nil {
		return "", err
	}
	presign, err := decodeResult[presignResult](res, "presign")
	if err != nil {
		return "", err
	}

	// Upload via multipart form, either to external storage or back to the
	// API host for relative presign URLs.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	external := strings.HasPrefix(presign.URL, "http")
	if external {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !external {
		uploadURL = u.client.baseURL + presign.URL
	}

	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external && u.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.client.token)
	}

	resp, err := u.client.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	// Confirm
	res, err = u.client.do(ctx, "POST", "/api/media/confirm", map[string]string{
		"uploadId": presign.UploadID,
	}, nil)
	if err != nil {
		return "", err
	}
	confirmed, err := decodeResult[confirmResult](res, "confirm")
	if err != nil {
		return "", err
	}
	return confirmed.URL, nil
}

// UploadFile uploads a file from a local path and returns the hosted URL.
func (u *Uploader) UploadFile(ctx context.Context, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return u.Upload(ctx, data, filepath.Base(filePath))
}

// guessMimeType returns the MIME type for a file name.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
