// Package coordinator implements the HTTP/JSON client for the backend
// coordinator: initiate, presign-batch, complete and abort. The client does
// not retry; initiate/complete failures fail the job and presign failures
// fall through to the prefetcher's own retry loop.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lanlift/lanlift/internal/constants"
	"github.com/lanlift/lanlift/internal/logging"
)

// ErrUnavailable indicates a network failure or a non-2xx coordinator
// response.
var ErrUnavailable = errors.New("coordinator unavailable")

// InitiateRequest asks the coordinator to open a multipart upload.
type InitiateRequest struct {
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	FileFingerprint string `json:"file_fingerprint"`
	ContentType     string `json:"content_type"`
}

// InitiateResponse carries the coordinator's upload assignment. ChunkSize is
// the part size the coordinator chose; the agent validates it against its
// own bounds.
type InitiateResponse struct {
	UploadID   string `json:"upload_id"`
	Bucket     string `json:"bucket"`
	ObjectKey  string `json:"object_key"`
	ChunkSize  int64  `json:"chunk_size"`
	TotalParts int    `json:"total_parts"`
}

// PresignedURL authorizes a single part PUT until ExpiresAt.
type PresignedURL struct {
	PartNumber int       `json:"part_number"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type presignResponse struct {
	URLs []PresignedURL `json:"urls"`
}

// CompletedPart pairs a part number with its storage receipt.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

type completeRequest struct {
	UploadID  string          `json:"upload_id"`
	Bucket    string          `json:"bucket"`
	ObjectKey string          `json:"object_key"`
	Parts     []CompletedPart `json:"parts"`
}

// CompleteResponse reports whether the storage engine accepted the assembled
// object.
type CompleteResponse struct {
	Status    string `json:"status"`
	FinalETag string `json:"final_etag,omitempty"`
	Verified  bool   `json:"verified"`
}

// Accepted reports whether the coordinator acknowledged the upload.
func (r *CompleteResponse) Accepted() bool {
	return r.Status == "completed"
}

type abortRequest struct {
	UploadID  string `json:"upload_id"`
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
}

// Client talks to one coordinator. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient creates a coordinator client for the given base URL.
func NewClient(baseURL string, log *logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: constants.CoordinatorTimeout,
		},
		log: log,
	}
}

// Initiate opens a multipart upload for the given file.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	var resp InitiateResponse
	if err := c.postJSON(ctx, "/api/upload/initiate", req, &resp); err != nil {
		return nil, err
	}
	if resp.UploadID == "" {
		return nil, fmt.Errorf("%w: initiate returned empty upload_id", ErrUnavailable)
	}
	return &resp, nil
}

// PresignBatch requests presigned URLs for the given part numbers.
func (c *Client) PresignBatch(ctx context.Context, uploadID, bucket, objectKey string, partNumbers []int) ([]PresignedURL, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}

	csv := make([]string, len(partNumbers))
	for i, n := range partNumbers {
		csv[i] = strconv.Itoa(n)
	}

	query := url.Values{}
	query.Set("upload_id", uploadID)
	query.Set("bucket", bucket)
	query.Set("object_key", objectKey)
	query.Set("part_numbers", strings.Join(csv, ","))

	endpoint := c.baseURL + "/api/upload/presign?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build presign request: %w", err)
	}

	var resp presignResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return resp.URLs, nil
}

// Complete submits the ordered receipt list and asks the coordinator to
// assemble the final object.
func (c *Client) Complete(ctx context.Context, uploadID, bucket, objectKey string, parts []CompletedPart) (*CompleteResponse, error) {
	req := completeRequest{
		UploadID:  uploadID,
		Bucket:    bucket,
		ObjectKey: objectKey,
		Parts:     parts,
	}
	var resp CompleteResponse
	if err := c.postJSON(ctx, "/api/upload/complete", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort cancels a multipart upload, releasing any parts the storage engine
// already holds.
func (c *Client) Abort(ctx context.Context, uploadID, bucket, objectKey string) error {
	req := abortRequest{
		UploadID:  uploadID,
		Bucket:    bucket,
		ObjectKey: objectKey,
	}
	return c.postJSON(ctx, "/api/upload/abort", req, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s returned %d: %s",
			ErrUnavailable, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, req.URL.Path, err)
	}
	return nil
}
