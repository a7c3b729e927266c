package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/storagecredits/internal/objectstore"
)

var ErrNoIdentifier = errors.New("remote: response carried no object identifier")

// Client talks to an HTTP object gateway:
// POST {base}/mcp/v0/objects stores a body and GET {base}/mcp/v0/objects/{id} reads it back.
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

var _ objectstore.Store = (*Client)(nil)

func New(baseURL, serviceKey string, client *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), serviceKey: serviceKey, http: client}, nil
}

// putResponse covers the identifier spellings gateways use.
type putResponse struct {
	ID       string `json:"id"`
	CID      string `json:"cid"`
	CarCID   string `json:"carCid"`
	ObjectID string `json:"objectId"`
}

func (r putResponse) identifier() string {
	for _, v := range []string{r.ID, r.CID, r.CarCID, r.ObjectID} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Client) Put(ctx context.Context, data []byte, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp/v0/objects", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filename)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("remote put: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var body putResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("remote put: decode: %w", err)
	}
	id := body.identifier()
	if id == "" {
		return "", ErrNoIdentifier
	}
	return id, nil
}

func (c *Client) Get(ctx context.Context, id string) ([]byte, string, error) {
	if id == "" {
		return nil, "", objectstore.ErrInvalidID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/mcp/v0/objects/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, "", err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("remote get: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", objectstore.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("remote get: status %d", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("remote get: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return b, contentType, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}
}
