package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// IPFSStore talks to the HTTP RPC API of an IPFS node (kubo). Reads retry
// on transport errors. Adds never do: resty consumes the multipart reader on
// the first attempt and a retry would upload an empty file.
type IPFSStore struct {
	http   *resty.Client
	upload *resty.Client
}

type ipfsAddResult struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type ipfsError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// NewIPFSStore creates a client for the node API at apiURL, for example
// http://127.0.0.1:5001.
func NewIPFSStore(apiURL string, timeout time.Duration) *IPFSStore {
	client := newIPFSClient(apiURL, timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	return &IPFSStore{http: client, upload: newIPFSClient(apiURL, timeout)}
}

func newIPFSClient(apiURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

func (s *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := CheckSize(data); err != nil {
		return "", err
	}
	resp, err := s.upload.R().
		SetContext(ctx).
		SetQueryParam("pin", "true").
		SetQueryParam("cid-version", "1").
		SetFileReader("file", "record", bytes.NewReader(data)).
		Post("/api/v0/add")
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ipfs add: %s", apiError(resp))
	}
	var out ipfsAddResult
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("ipfs add: decode response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("ipfs add: response carried no hash")
	}
	// Size counts DAG overhead too, so it is never below the payload length
	// for a complete upload.
	size, err := strconv.ParseInt(out.Size, 10, 64)
	if err != nil {
		return "", fmt.Errorf("ipfs add: bad size %q in response", out.Size)
	}
	if size < int64(len(data)) {
		return "", fmt.Errorf("ipfs add: node stored %d of %d bytes", size, len(data))
	}
	return out.Hash, nil
}

func (s *IPFSStore) Get(ctx context.Context, cid string) ([]byte, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("arg", cid).
		Post("/api/v0/cat")
	if err != nil {
		return nil, fmt.Errorf("ipfs cat %s: %w", cid, err)
	}
	if resp.IsError() {
		msg := apiError(resp)
		if resp.StatusCode() == http.StatusNotFound || strings.Contains(msg, "not found") ||
			strings.Contains(msg, "invalid") {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, cid)
		}
		return nil, fmt.Errorf("ipfs cat %s: %s", cid, msg)
	}
	return resp.Body(), nil
}

func apiError(resp *resty.Response) string {
	var e ipfsError
	if err := json.Unmarshal(resp.Body(), &e); err == nil && e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("status %d", resp.StatusCode())
}

// Ping asks the node for its version.
func (s *IPFSStore) Ping(ctx context.Context) error {
	resp, err := s.http.R().SetContext(ctx).Post("/api/v0/version")
	if err != nil {
		return fmt.Errorf("ipfs version: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("ipfs version: %s", apiError(resp))
	}
	return nil
}
