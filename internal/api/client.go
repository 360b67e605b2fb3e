// Package api talks to the concierge file store over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ert-concierge/concierge/pkg/protocol"
)

// SystemFile is the name the viewer stores uploaded system descriptions under.
const SystemFile = "system.json"

// Client handles communication with the concierge file store.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the concierge is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// FileURL is the address of path inside the directory of client name.
func (c *Client) FileURL(name, path string) string {
	return c.baseURL + "/fs/" + url.PathEscape(name) + "/" + path
}

// SystemURL is where UploadSystem puts the system description of name.
func (c *Client) SystemURL(name string) string {
	return c.FileURL(name, SystemFile)
}

// UploadSystem posts r as a multipart file to the system.json of client name,
// authorised by key. The response status is returned as-is; err is only set
// when no response was received.
func (c *Client) UploadSystem(ctx context.Context, name, key, fileName string, r io.Reader) (int, string, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		part, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			errCh <- fmt.Errorf("failed to create form file: %w", err)
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			errCh <- fmt.Errorf("failed to copy file: %w", err)
			pw.CloseWithError(err)
			return
		}
		errCh <- writer.Close()
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SystemURL(name), pr)
	if err != nil {
		pr.CloseWithError(err)
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(protocol.FsKeyHeader, key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return 0, "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// A server that answers early may not drain the body, so only a
	// completed write is checked.
	select {
	case writeErr := <-errCh:
		if writeErr != nil && resp.StatusCode < 300 {
			return resp.StatusCode, statusText(resp), writeErr
		}
	default:
		pr.Close()
	}
	return resp.StatusCode, statusText(resp), nil
}

// statusText returns the reason phrase the server sent, falling back to the
// standard text for the code.
func statusText(resp *http.Response) string {
	_, text, _ := strings.Cut(resp.Status, " ")
	if text = strings.TrimSpace(text); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// Succeeded reports whether an upload status means the file was stored.
func Succeeded(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated
}
