package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func decodeRequest(t *testing.T, r *http.Request) (wireRequest, map[string]json.RawMessage) {
	t.Helper()

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))

	var req wireRequest
	data, _ := json.Marshal(raw)
	require.NoError(t, json.Unmarshal(data, &req))
	return req, raw
}

func writeResult(w http.ResponseWriter, id uint64, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func TestClient_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/json_rpc", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		req, _ := decodeRequest(t, r)
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "get_info", req.Method)
		writeResult(w, req.ID, map[string]interface{}{"height": 1200, "status": "OK"})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/json_rpc", logger.NewTestLogger())
	defer client.Close()

	resp := client.GetRPC(context.Background(), "info", nil)
	require.Nil(t, resp.Error)
	assert.True(t, resp.OK())
	assert.Equal(t, "get_info", resp.Method)

	var info struct {
		Height int64 `json:"height"`
	}
	require.NoError(t, resp.Decode(&info))
	assert.Equal(t, int64(1200), info.Height)
}

func TestClient_ParamsOmission(t *testing.T) {
	tests := []struct {
		name    string
		params  interface{}
		present bool
	}{
		{"nil", nil, false},
		{"empty map", map[string]interface{}{}, false},
		{"empty struct", struct{}{}, false},
		{"nil slice", []string(nil), false},
		{"empty slice", []string{}, true},
		{"populated slice", []string{"a"}, true},
		{"populated map", map[string]interface{}{"height": 10}, true},
		{"populated struct", struct {
			Height int `json:"height"`
		}{10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var present atomic.Bool
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				req, raw := decodeRequest(t, r)
				_, ok := raw["params"]
				present.Store(ok)
				writeResult(w, req.ID, "ok")
			}))
			defer server.Close()

			client := NewClient(server.URL, logger.NewTestLogger())
			defer client.Close()

			resp := client.Call(context.Background(), "get_block_header_by_height", tt.params)
			require.Nil(t, resp.Error)
			assert.Equal(t, tt.present, present.Load())
		})
	}
}

func TestClient_ProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, _ := decodeRequest(t, r)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -2, "message": "Requested block height too big"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, logger.NewTestLogger())
	defer client.Close()

	params := map[string]interface{}{"height": 999999999}
	resp := client.Call(context.Background(), "get_block_header_by_height", params)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -2, resp.Error.Code)
	assert.Equal(t, "Requested block height too big", resp.Error.Message)
	assert.Equal(t, params, resp.Params)
	assert.False(t, resp.OK())
	assert.False(t, resp.Error.ConnectionRefused())
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, logger.NewTestLogger())
	defer client.Close()

	resp := client.Call(context.Background(), "get_info", nil)

	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTransport, resp.Error.Code)
	assert.Equal(t, "Cannot connect to daemon-rpc", resp.Error.Message)
	assert.NotEmpty(t, resp.Error.Cause)
	assert.True(t, resp.Error.ConnectionRefused())
}

func TestClient_NonJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>busy</html>"))
	}))
	defer server.Close()

	client := NewClient(server.URL, logger.NewTestLogger())
	defer client.Close()

	resp := client.Call(context.Background(), "get_info", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTransport, resp.Error.Code)
	assert.Equal(t, "Invalid response from daemon-rpc", resp.Error.Message)
}

func TestClient_HTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, logger.NewTestLogger())
	defer client.Close()

	resp := client.Call(context.Background(), "get_info", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTransport, resp.Error.Code)
	assert.Contains(t, resp.Error.Cause, "503")
}

func TestClient_SerializesInSubmissionOrder(t *testing.T) {
	var (
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		mu          sync.Mutex
		methods     []string
		ids         []uint64
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			current := maxInFlight.Load()
			if n <= current || maxInFlight.CompareAndSwap(current, n) {
				break
			}
		}

		req, _ := decodeRequest(t, r)
		mu.Lock()
		methods = append(methods, req.Method)
		ids = append(ids, req.ID)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)
		writeResult(w, req.ID, req.Method)
	}))
	defer server.Close()

	client := NewClient(server.URL, logger.NewTestLogger())
	defer client.Close()

	const n = 12
	var (
		submitted []string
		chans     []<-chan Response
	)
	for i := 0; i < n; i++ {
		method := "method_" + string(rune('a'+i))
		submitted = append(submitted, method)
		chans = append(chans, client.Go(context.Background(), method, nil))
	}

	var completed []string
	var completedMu sync.Mutex
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan Response) {
			defer wg.Done()
			resp := <-ch
			completedMu.Lock()
			completed = append(completed, resp.Method)
			completedMu.Unlock()
		}(ch)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, submitted, methods)
	assert.Len(t, completed, n)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestClient_Clear(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var served atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, _ := decodeRequest(t, r)
		if served.Add(1) == 1 {
			close(started)
			<-release
		}
		writeResult(w, req.ID, "ok")
	}))
	defer server.Close()

	client := NewClient(server.URL, logger.NewTestLogger())
	defer client.Close()

	first := client.Go(context.Background(), "get_info", nil)
	<-started
	second := client.Go(context.Background(), "get_connections", nil)
	third := client.Go(context.Background(), "get_bans", nil)

	assert.Equal(t, 2, client.Clear())
	close(release)

	resp := <-first
	assert.Nil(t, resp.Error)

	for _, ch := range []<-chan Response{second, third} {
		resp := <-ch
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeTransport, resp.Error.Code)
		assert.Equal(t, "request cancelled", resp.Error.Message)
	}
	assert.Equal(t, int32(1), served.Load())
	assert.Equal(t, 0, client.Pending())
}

func TestClient_CancelledContext(t *testing.T) {
	var served atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		req, _ := decodeRequest(t, r)
		writeResult(w, req.ID, "ok")
	}))
	defer server.Close()

	client := NewClient(server.URL, logger.NewTestLogger())
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := client.Call(ctx, "get_info", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "request cancelled", resp.Error.Message)

	// the worker skips the cancelled job and keeps serving
	resp = client.Call(context.Background(), "get_info", nil)
	assert.Nil(t, resp.Error)
	assert.Equal(t, int32(1), served.Load())
}

func TestClient_Close(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, _ := decodeRequest(t, r)
		writeResult(w, req.ID, "ok")
	}))
	defer server.Close()

	client := NewClient(server.URL, logger.NewTestLogger())
	client.Close()
	client.Close()

	resp := client.Call(context.Background(), "get_info", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "rpc client closed", resp.Error.Message)
}

func TestClient_CallURL(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("default endpoint should not be used")
	}))
	defer local.Close()

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, _ := decodeRequest(t, r)
		writeResult(w, req.ID, map[string]interface{}{"height": 5})
	}))
	defer remote.Close()

	client := NewClient(local.URL, logger.NewTestLogger())
	defer client.Close()

	resp := client.CallURL(context.Background(), remote.URL, "get_info", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"height":5}`, string(resp.Result))
	assert.Equal(t, local.URL, client.Endpoint())
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	codes []int
}

func (o *recordingObserver) ObserveCall(method string, _ time.Duration, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, method)
	o.codes = append(o.codes, code)
}

func TestClient_Observer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, _ := decodeRequest(t, r)
		if req.Method == "set_bans" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id":    req.ID,
				"error": map[string]interface{}{"code": -9, "message": "bad host"},
			})
			return
		}
		writeResult(w, req.ID, "ok")
	}))
	defer server.Close()

	obs := &recordingObserver{}
	client := NewClient(server.URL, logger.NewTestLogger(), WithObserver(obs))
	defer client.Close()

	client.Call(context.Background(), "get_info", nil)
	client.Call(context.Background(), "set_bans", map[string]interface{}{"bans": []string{"x"}})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"get_info", "set_bans"}, obs.calls)
	assert.Equal(t, []int{0, -9}, obs.codes)
}

func TestResponse_OK(t *testing.T) {
	assert.False(t, Response{}.OK())
	assert.False(t, Response{Result: json.RawMessage("null")}.OK())
	assert.False(t, Response{Result: json.RawMessage(`{}`), Error: &Error{Code: 1}}.OK())
	assert.True(t, Response{Result: json.RawMessage(`{}`)}.OK())
}
