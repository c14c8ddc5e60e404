package ledger

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
)

// HTTPClient обращается к шлюзу контракта эскроу по JSON.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient создаёт клиент шлюза. Таймаут отдельной попытки задаёт Bridge через контекст.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type rpcRequest struct {
	Method         Method `json:"method"`
	Params         []any  `json:"params"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (c *HTTPClient) Submit(ctx context.Context, call Call) (Receipt, error) {
	params, err := call.Params()
	if err != nil {
		return Receipt{}, err
	}

	body, err := json.Marshal(rpcRequest{Method: call.Method, Params: params, IdempotencyKey: call.Key})
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", call.Key)

	r, err := c.do(req)
	if err != nil {
		return Receipt{}, err
	}
	if r.Key == "" {
		r.Key = call.Key
	}
	return r, nil
}

func (c *HTTPClient) Lookup(ctx context.Context, key string) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/operations/"+url.PathEscape(key), nil)
	if err != nil {
		return Receipt{}, err
	}
	r, err := c.do(req)
	if err != nil {
		return Receipt{}, err
	}
	if r.Key == "" {
		r.Key = key
	}
	return r, nil
}

func (c *HTTPClient) do(req *http.Request) (Receipt, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Receipt{}, ErrUnknownOperation
	}
	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Receipt{}, fmt.Errorf("ledger: код ответа %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var r Receipt
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Receipt{}, fmt.Errorf("ledger: не удалось разобрать ответ: %w", err)
	}
	if resp.StatusCode >= 400 && r.Status == "" {
		r.Status = StatusFailed
	}
	switch r.Status {
	case StatusConfirmed, StatusPending, StatusFailed:
	default:
		return Receipt{}, fmt.Errorf("ledger: неизвестный статус операции %q", r.Status)
	}
	return r, nil
}
