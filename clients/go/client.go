package rasfw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/rasfw/rasfw/internal/backoff"
)

// Client talks to a rasfw HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      backoff.Policy
}

// NewClient creates a new rasfw client. Rate limited requests are retried
// with backoff.DefaultPolicy.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: backoff.DefaultPolicy(),
	}
}

// SetRetryPolicy replaces the policy used when the server rate limits a request
func (c *Client) SetRetryPolicy(p backoff.Policy) {
	c.retry = p
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Check      string `json:"check,omitempty"` // failed integrity check, if any
}

func (e *APIError) Error() string {
	if e.Check != "" {
		return fmt.Sprintf("server error (%d, %s): %s", e.StatusCode, e.Check, e.Message)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// IsIntegrityFailure reports whether err is an image the server rejected as corrupt
func IsIntegrityFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity
}

// Trailer is the server's view of an image trailer
type Trailer struct {
	Magic     string   `json:"magic"`
	MagicOK   bool     `json:"magic_ok"`
	ImageType uint8    `json:"image_type"`
	FSType    string   `json:"fs_type"`
	FSTypeRaw uint8    `json:"fs_type_raw"`
	FSLen     uint32   `json:"fs_len"`
	CRC32     string   `json:"crc32"`
	FSCRC32   string   `json:"fs_crc32"`
	SHA256    string   `json:"sha256"`
	Reserved  []string `json:"reserved"`
}

// Field is one printable trailer field
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is a catalog entry for a validated image
type Record struct {
	ID          string `json:"id"`
	CID         string `json:"cid"`
	Source      string `json:"source,omitempty"`
	Size        int    `json:"size"`
	KernelLen   int    `json:"kernel_len"`
	FSLen       int    `json:"fs_len"`
	FSType      string `json:"fs_type"`
	ImageType   uint8  `json:"image_type"`
	CRC32       uint32 `json:"crc32"`
	FSCRC32     uint32 `json:"fs_crc32"`
	SHA256      string `json:"sha256"`
	MagicOK     bool   `json:"magic_ok"`
	FirstSeen   int64  `json:"first_seen"`
	ValidatedAt int64  `json:"validated_at"`
	Validations uint32 `json:"validations"`
}

// Report describes a validated image
type Report struct {
	Source    string  `json:"source"`
	Size      int     `json:"size"`
	KernelLen int     `json:"kernel_len"`
	FSLen     int     `json:"fs_len"`
	Trailer   Trailer `json:"trailer"`
	Record    *Record `json:"record,omitempty"`
}

// Validate uploads an image and runs every integrity check on it.
// A corrupt image yields an *APIError for which IsIntegrityFailure is true.
func (c *Client) Validate(ctx context.Context, image []byte) (*Report, error) {
	var resp struct {
		Valid  bool    `json:"valid"`
		Report *Report `json:"report"`
	}

	if err := c.doRequest(ctx, "POST", "/v1/images/validate", "application/octet-stream", image, &resp); err != nil {
		return nil, err
	}

	return resp.Report, nil
}

// Inspect uploads an image and decodes its trailer without checking it
func (c *Client) Inspect(ctx context.Context, image []byte) (*Trailer, []Field, error) {
	var resp struct {
		Trailer Trailer `json:"trailer"`
		Fields  []Field `json:"fields"`
	}

	if err := c.doRequest(ctx, "POST", "/v1/images/inspect", "application/octet-stream", image, &resp); err != nil {
		return nil, nil, err
	}

	return &resp.Trailer, resp.Fields, nil
}

// Build asks the server to assemble an image; fsType may be empty for the default
func (c *Client) Build(ctx context.Context, kernel, rootfs []byte, fsType string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for _, part := range []struct {
		field string
		data  []byte
	}{
		{"kernel", kernel},
		{"rootfs", rootfs},
	} {
		fw, err := mw.CreateFormFile(part.field, part.field+".bin")
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := fw.Write(part.data); err != nil {
			return nil, fmt.Errorf("failed to write form file: %w", err)
		}
	}
	if fsType != "" {
		if err := mw.WriteField("fs_type", fsType); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	var image []byte
	if err := c.doRequest(ctx, "POST", "/v1/images/build", mw.FormDataContentType(), body.Bytes(), &image); err != nil {
		return nil, err
	}

	return image, nil
}

// Catalog lists every image the server has validated
func (c *Client) Catalog(ctx context.Context) ([]*Record, error) {
	var resp struct {
		Images []*Record `json:"images"`
	}

	if err := c.doRequest(ctx, "GET", "/v1/catalog", "", nil, &resp); err != nil {
		return nil, err
	}

	return resp.Images, nil
}

// CatalogImage returns the catalog record for an image CID
func (c *Client) CatalogImage(ctx context.Context, cid string) (*Record, error) {
	var rec Record

	if err := c.doRequest(ctx, "GET", "/v1/catalog/"+url.PathEscape(cid), "", nil, &rec); err != nil {
		return nil, err
	}

	return &rec, nil
}

// doRequest performs an HTTP request, retrying while the server rate limits it.
// A *[]byte result receives the raw body, anything else is decoded as JSON.
func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body []byte, result interface{}) error {
	return backoff.Retry(ctx, c.retry, func() (bool, error) {
		err := c.do(ctx, method, path, contentType, body, result)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return true, err
		}
		return false, err
	})
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(respBody))
		}
		return apiErr
	}

	switch r := result.(type) {
	case nil:
	case *[]byte:
		*r = respBody
	default:
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("failed to unmarshal response: %w", err)
			}
		}
	}

	return nil
}
