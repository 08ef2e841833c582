package chain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type callArgs struct {
	To    common.Address `json:"to"`
	Input hexutil.Bytes  `json:"input"`
	Data  hexutil.Bytes  `json:"data"`
}

// rpcFailure is returned by a call handler to answer with a JSON-RPC error
type rpcFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcFailure) Error() string { return e.Message }

// fakeNode is a minimal JSON-RPC server answering eth_blockNumber, eth_call
// and eth_getTransactionReceipt.
type fakeNode struct {
	*httptest.Server

	mu      sync.Mutex
	calls   map[string]int
	onCall  func(to common.Address, data []byte) ([]byte, error)
	healthy bool
}

func newFakeNode(t *testing.T, onCall func(to common.Address, data []byte) ([]byte, error)) *fakeNode {
	t.Helper()
	n := &fakeNode{calls: make(map[string]int), onCall: onCall, healthy: true}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.Close)
	return n
}

func (n *fakeNode) setHealthy(ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = ok
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	healthy := n.healthy
	n.mu.Unlock()

	if !healthy {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	var (
		result interface{}
		fail   *rpcFailure
	)
	switch req.Method {
	case "eth_blockNumber":
		result = "0x10"
	case "eth_getTransactionReceipt":
		result = nil
	case "eth_call":
		var args callArgs
		_ = json.Unmarshal(req.Params[0], &args)
		data := args.Input
		if len(data) == 0 {
			data = args.Data
		}
		out, err := n.onCall(args.To, data)
		if err != nil {
			if rf, ok := err.(*rpcFailure); ok {
				fail = rf
			} else {
				fail = &rpcFailure{Code: -32000, Message: err.Error()}
			}
		} else {
			result = hexutil.Encode(out)
		}
	default:
		fail = &rpcFailure{Code: -32601, Message: fmt.Sprintf("method %s not supported", req.Method)}
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if fail != nil {
		resp["error"] = fail
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func noCalls(common.Address, []byte) ([]byte, error) {
	return nil, &rpcFailure{Code: 3, Message: "execution reverted"}
}

func hostOf(url string) string {
	return strings.TrimPrefix(url, "http://")
}
