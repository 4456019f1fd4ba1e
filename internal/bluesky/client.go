package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://public.api.bsky.app"
	defaultTimeout = 30 * time.Second

	// MaxProfilesPerCall is the app.bsky.actor.getProfiles actor limit
	MaxProfilesPerCall = 25
)

// Client is a client for the public Bluesky AppView API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Bluesky API client. An empty baseURL selects the
// public AppView.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// SetTimeout sets the HTTP client timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// doRequest performs a GET against an XRPC endpoint and decodes the
// response into out
func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + "/xrpc/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("bluesky API error %s: %s (%s)", resp.Status, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("bluesky API error %s calling %s", resp.Status, endpoint)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w (body: %s)", endpoint, err, string(body))
	}
	return nil
}

// GetProfiles fetches up to MaxProfilesPerCall profiles in a single call and
// returns them keyed by DID. Actors the API did not resolve are simply
// absent from the map; the caller decides how to treat the gap.
func (c *Client) GetProfiles(ctx context.Context, dids []string) (map[string]Profile, error) {
	if len(dids) == 0 {
		return map[string]Profile{}, nil
	}
	if len(dids) > MaxProfilesPerCall {
		return nil, fmt.Errorf("getProfiles accepts at most %d actors, got %d", MaxProfilesPerCall, len(dids))
	}

	params := url.Values{}
	for _, did := range dids {
		params.Add("actors", did)
	}

	var resp profilesResponse
	if err := c.doRequest(ctx, "app.bsky.actor.getProfiles", params, &resp); err != nil {
		return nil, err
	}

	profiles := make(map[string]Profile, len(resp.Profiles))
	for _, p := range resp.Profiles {
		profiles[p.DID] = p
	}
	return profiles, nil
}

// GetProfile fetches a single profile
func (c *Client) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	profiles, err := c.GetProfiles(ctx, []string{actor})
	if err != nil {
		return nil, err
	}
	p, ok := profiles[actor]
	if !ok {
		// The public API resolves handles to DIDs, so a handle lookup
		// comes back keyed by DID rather than the requested actor.
		for _, candidate := range profiles {
			if candidate.Handle == actor {
				p = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("no profile found for %s", actor)
	}
	return &p, nil
}

// GetAuthorFeed fetches one page of an author's feed, newest first. An
// empty cursor starts from the top.
func (c *Client) GetAuthorFeed(ctx context.Context, actor, cursor string, limit int) (*AuthorFeed, error) {
	params := url.Values{}
	params.Set("actor", actor)
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var feed AuthorFeed
	if err := c.doRequest(ctx, "app.bsky.feed.getAuthorFeed", params, &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}
