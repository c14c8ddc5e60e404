package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_SubmitEncodesRelease(t *testing.T) {
	var got rpcRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tx_ref":"0xfeed","status":"confirmed"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret")
	r, err := c.Submit(context.Background(), Call{
		Key: "k-1", Method: MethodRelease, TaskRef: "t-1", SubunitIndex: 2, Recipient: "w-1", Amount: 12345,
	})

	require.NoError(t, err)
	assert.Equal(t, "0xfeed", r.TxRef)
	assert.Equal(t, "k-1", r.Key)
	assert.Equal(t, MethodRelease, got.Method)
	assert.Equal(t, "k-1", got.IdempotencyKey)
	assert.Equal(t, []any{"t-1", float64(2), "w-1", "12345"}, got.Params)

	decoded, err := DecodeCall(got.IdempotencyKey, got.Method, got.Params)
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.SubunitIndex)
	assert.Equal(t, int64(12345), decoded.Amount.Int64())
}

func TestHTTPClient_LookupUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/operations/"))
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Lookup(context.Background(), "a:b:1:release:0")

	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestHTTPClient_ServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node syncing", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Submit(context.Background(), Call{Key: "k", Method: MethodComplete, TaskRef: "t"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDecodeCall_RejectsWrongArity(t *testing.T) {
	_, err := DecodeCall("k", MethodFund, []any{"t"})
	assert.Error(t, err)

	_, err = DecodeCall("k", Method("transfer"), []any{"t"})
	assert.Error(t, err)
}
