package ipfs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client pins blobs and JSON documents to an IPFS node and derives gateway
// URLs from the resulting content addresses.
type Client struct {
	http       *resty.Client
	gatewayURL string
}

// NewClient builds a client for the given node API URL and public gateway.
func NewClient(apiURL, gatewayURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(apiURL, "/")).
			SetTimeout(timeout),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
	}
}

// AddBytes pins a blob and returns its content address.
func (c *Client) AddBytes(ctx context.Context, name string, data []byte) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", name, bytes.NewReader(data)).
		SetQueryParams(map[string]string{
			"pin":         "true",
			"cid-version": "1",
		}).
		Post("/api/v0/add")
	if err != nil {
		return "", fmt.Errorf("ipfs add failed: %w", err)
	}
	if resp.IsError() {
		body := strings.TrimSpace(string(resp.Body()))
		if body == "" {
			return "", fmt.Errorf("ipfs add failed: %s", resp.Status())
		}
		return "", fmt.Errorf("ipfs add failed: %s: %s", resp.Status(), body)
	}

	// The add endpoint streams one JSON object per line; the last hash is
	// the root of the added content.
	var lastHash string
	scanner := bufio.NewScanner(bytes.NewReader(resp.Body()))
	for scanner.Scan() {
		var entry struct {
			Hash string `json:"Hash"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err == nil && entry.Hash != "" {
			lastHash = entry.Hash
		}
	}
	if lastHash == "" {
		return "", fmt.Errorf("ipfs add returned empty hash")
	}
	return lastHash, nil
}

// AddJSON pins a JSON document and returns its content address.
func (c *Client) AddJSON(ctx context.Context, name string, doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("ipfs add json encode failed: %w", err)
	}
	return c.AddBytes(ctx, name, data)
}

// Cat fetches pinned content by its address.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	if strings.TrimSpace(cid) == "" {
		return nil, fmt.Errorf("ipfs cat missing cid")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("arg", cid).
		Post("/api/v0/cat")
	if err != nil {
		return nil, fmt.Errorf("ipfs cat failed: %w", err)
	}
	if resp.IsError() {
		body := strings.TrimSpace(string(resp.Body()))
		if body == "" {
			return nil, fmt.Errorf("ipfs cat failed: %s", resp.Status())
		}
		return nil, fmt.Errorf("ipfs cat failed: %s: %s", resp.Status(), body)
	}
	return resp.Body(), nil
}

// GatewayURL derives the consumer-facing retrieval URL for a content
// address.
func (c *Client) GatewayURL(cid string) string {
	if cid == "" {
		return ""
	}
	return c.gatewayURL + "/" + cid
}

// URIFor returns the canonical ipfs:// URI for a content address, the form
// recorded on the ledger.
func URIFor(cid string) string {
	if cid == "" {
		return ""
	}
	return "ipfs://" + cid
}
