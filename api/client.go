// Package api holds the request and response types of the HTTP API and a
// client for it.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/ollama/enforcer/envconfig"
)

type Client struct {
	base *url.URL
	http *http.Client
	key  string
}

// NewClient returns a client for the server at host, or ENFORCER_HOST when
// host is empty. key is sent as a bearer token when set.
func NewClient(host, key string) *Client {
	if host == "" {
		host = envconfig.Host
	}

	base, err := url.Parse(host)
	if err != nil || base.Scheme == "" || base.Host == "" {
		base = &url.URL{Scheme: "http", Host: host}
	}

	return &Client{base: base, http: http.DefaultClient, key: key}
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.key != "" {
		request.Header.Set("Authorization", "Bearer "+c.key)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	bts, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode >= http.StatusBadRequest {
		statusErr := StatusError{StatusCode: response.StatusCode, Status: response.Status}
		// a body that isn't JSON still leaves the status
		_ = json.Unmarshal(bts, &statusErr)
		return statusErr
	}

	if respData != nil && len(bts) > 0 {
		return json.Unmarshal(bts, respData)
	}
	return nil
}

func (c *Client) Constrain(ctx context.Context, req *ConstrainRequest) (*ConstrainResponse, error) {
	var resp ConstrainResponse
	if err := c.do(ctx, http.MethodPost, "/api/constrain", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Vocab(ctx context.Context) (*VocabResponse, error) {
	var resp VocabResponse
	if err := c.do(ctx, http.MethodGet, "/api/vocab", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unload drops the server's vocabulary and compiled grammars. It needs an
// admin key.
func (c *Client) Unload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/unload", nil, nil)
}
