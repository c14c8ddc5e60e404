package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignatzorin/escrow-flow/internal/http/response"
)

// apiClient ходит в HTTP API сервера и разворачивает конверт ответа.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type envelope struct {
	Success    bool                 `json:"success"`
	Data       json.RawMessage      `json:"data"`
	Error      *response.ErrorInfo  `json:"error"`
	Pagination *response.Pagination `json:"pagination"`
}

type apiError struct {
	Status int
	Info   response.ErrorInfo
}

func (e *apiError) Error() string {
	if e.Info.Reason != "" {
		return fmt.Sprintf("%d %s (%s): %s", e.Status, e.Info.Code, e.Info.Reason, e.Info.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Info.Code, e.Info.Message)
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) (*response.Pagination, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	_, err := c.do(ctx, http.MethodPost, path, body, out)
	return err
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (*response.Pagination, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("кодирование запроса: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s %s: некорректный ответ (%d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		info := response.ErrorInfo{Code: "UNKNOWN", Message: resp.Status}
		if env.Error != nil {
			info = *env.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Info: info}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("%s %s: разбор данных: %w", method, path, err)
		}
	}
	return env.Pagination, nil
}
