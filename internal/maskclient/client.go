package maskclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/pii-masker/internal/logging"
	"github.com/example/pii-masker/internal/masker"
)

const (
	// UploadPath and FileField are the backend's multipart contract.
	UploadPath = "/upload"
	FileField  = "file"
	HealthPath = "/health"

	// MaxResultSize caps how much of a response body is materialized.
	MaxResultSize = 32 << 20
)

var (
	// ErrEmptyResponse is returned when the backend answers 2xx with no body.
	ErrEmptyResponse = errors.New("masking backend returned an empty body")
	// ErrNotImage is returned when the response body is not an image.
	ErrNotImage = errors.New("masking backend returned a non-image body")
	// ErrResultTooLarge is returned when the response exceeds MaxResultSize.
	ErrResultTooLarge = errors.New("masking backend result exceeds size limit")
)

// StatusError reports a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("masking backend responded %d", e.StatusCode)
	}
	return fmt.Sprintf("masking backend responded %d: %s", e.StatusCode, e.Body)
}

// HTTPClient talks to the masking backend over plain HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New returns a masker.Client for the backend at baseURL. A zero timeout
// leaves deadlines to the caller's context.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout}, logger)
}

// NewWithHTTPClient is New with a caller supplied *http.Client.
func NewWithHTTPClient(baseURL string, client *http.Client, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		logger:  logger.Named("maskclient"),
	}
}

var _ masker.Client = (*HTTPClient)(nil)

// Mask uploads image as multipart field "file" and returns the masked payload.
func (c *HTTPClient) Mask(ctx context.Context, image *masker.Image, progress masker.ProgressFunc) (*masker.Result, error) {
	if image.Empty() {
		return nil, errors.New("maskclient: empty image")
	}

	body, contentType, err := encodeForm(image)
	if err != nil {
		return nil, logging.NewOperationError("maskclient.encode_form", image.Name, err)
	}

	total := int64(len(body))
	reader := &progressReader{r: bytes.NewReader(body), total: total, fn: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+UploadPath, reader)
	if err != nil {
		return nil, logging.NewOperationError("maskclient.build_request", image.Name, err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/*")

	resp, err := c.http.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("maskclient.upload", image.Name, err)
		c.logger.Error("masking request failed", zap.Error(wrapped), zap.String("backend", c.baseURL))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		c.logger.Warn("masking backend rejected upload",
			zap.Int("status", resp.StatusCode),
			zap.String("file", image.Name),
		)
		return nil, logging.NewOperationError("maskclient.upload", image.Name, statusErr)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResultSize+1))
	if err != nil {
		return nil, logging.NewOperationError("maskclient.read_result", image.Name, err)
	}
	if len(data) == 0 {
		return nil, logging.NewOperationError("maskclient.read_result", image.Name, ErrEmptyResponse)
	}
	if len(data) > MaxResultSize {
		return nil, logging.NewOperationError("maskclient.read_result", image.Name, ErrResultTooLarge)
	}

	resultType, err := resultContentType(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, logging.NewOperationError("maskclient.read_result", image.Name, err)
	}

	return &masker.Result{ContentType: resultType, Data: data}, nil
}

// Health probes the backend's health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return logging.NewOperationError("maskclient.health", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return logging.NewOperationError("maskclient.health", "", &StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}

func encodeForm(image *masker.Image) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	name := image.Name
	if name == "" {
		name = "upload"
	}
	partType := image.ContentType
	if partType == "" {
		partType = mimetype.Detect(image.Data).String()
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(FileField), escapeQuotes(name)))
	header.Set("Content-Type", partType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// escapeQuotes matches the escaping mime/multipart applies to form names.
func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func resultContentType(header string, data []byte) (string, error) {
	if mediaType, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mediaType, "image/") {
		return mediaType, nil
	}
	detected := mimetype.Detect(data)
	if strings.HasPrefix(detected.String(), "image/") {
		return detected.String(), nil
	}
	if header == "" || strings.HasPrefix(header, "application/octet-stream") {
		return masker.DefaultContentType, nil
	}
	return "", ErrNotImage
}
