package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/needlestack/needlestack/pkg/proto"
)

// Client talks to one cache shard.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// FanoutError reports the replicas whose store delete failed. Replicas not
// listed were deleted and stay deleted.
type FanoutError struct {
	Failed []proto.TargetError
}

func (e *FanoutError) Error() string {
	targets := make([]string, len(e.Failed))
	for i, te := range e.Failed {
		targets[i] = te.Target + ": " + te.Error
	}
	return "delete failed on " + strconv.Itoa(len(e.Failed)) + " replica(s): " + strings.Join(targets, "; ")
}

// Read returns the photo payload, filling the shard from the named store
// machine on a miss.
func (c *Client) Read(ctx context.Context, photoID uint64, physicalID uint32, machineURL string) ([]byte, error) {
	q := url.Values{}
	q.Set("key", strconv.FormatUint(photoID, 10))
	q.Set("physical_id", strconv.FormatUint(uint64(physicalID), 10))
	q.Set("machine_url", machineURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/read?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var photo proto.PhotoResponse
	if err := json.NewDecoder(resp.Body).Decode(&photo); err != nil {
		return nil, fmt.Errorf("cache read: decode response: %w", err)
	}
	return photo.Data, nil
}

// Remove drops the photo from this shard and tombstones it on every named
// store machine. A *FanoutError is returned when some replicas failed.
func (c *Client) Remove(ctx context.Context, photoID uint64, physicalIDs []uint32, machineURLs []string) error {
	phys := make([]string, len(physicalIDs))
	for i, id := range physicalIDs {
		phys[i] = strconv.FormatUint(uint64(id), 10)
	}
	q := url.Values{}
	q.Set("key", strconv.FormatUint(photoID, 10))
	q.Set("physical_ids", strings.Join(phys, ","))
	q.Set("machine_urls", strings.Join(machineURLs, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/remove?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cache remove: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var fanout proto.FanoutErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&fanout); err == nil && len(fanout.Errors) > 0 {
		return &FanoutError{Failed: fanout.Errors}
	}
	return &proto.StatusError{Tier: "cache", Code: resp.StatusCode}
}

func decodeError(resp *http.Response) error {
	var errResp proto.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	return &proto.StatusError{Tier: "cache", Code: resp.StatusCode, Message: errResp.Error}
}
