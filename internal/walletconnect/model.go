package walletconnect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/atomic"

	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
	"edgevideo.ai/edge-wallet/pkg/wcutil"
)

// Session is what the wallet answered to wc_sessionRequest.
type Session struct {
	Approved bool       `json:"approved"`
	Meta     clientMeta `json:"peerMeta"`
	ChainID  uint64     `json:"chainId"`
	Accounts []string   `json:"accounts"`
	PeerID   string     `json:"peerId"`
}

// sessionUpdate is the wc_sessionUpdate parameter, sent by either side.
type sessionUpdate struct {
	Approved bool     `json:"approved"`
	ChainID  *uint64  `json:"chainId"`
	Accounts []string `json:"accounts"`
}

type peer struct {
	PeerID   string      `json:"peerId"`
	PeerMeta clientMeta  `json:"peerMeta"`
	ChainID  interface{} `json:"chainId"`
}

type clientMeta struct {
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
	Name        string   `json:"name"`
}

type wcMessage struct {
	Topic string `json:"topic"`
	// pub sub ack
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

func newWCMessageFromBytes(data []byte) (*wcMessage, error) {
	var msg wcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet connect message")
	}
	return &msg, nil
}

func (msg *wcMessage) Marshal() []byte {
	bytes, _ := json.Marshal(msg)
	return bytes
}

func newWCMessagePayload(raw string) (*wcutil.EncryptedPayload, error) {
	var payload wcutil.EncryptedPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet connect message payload")
	}
	return &payload, nil
}

type jsonRpcRequest struct {
	Id      int64         `json:"id"`
	JSONRpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func newJSONRpcRequest(method string, params ...interface{}) *jsonRpcRequest {
	r := &jsonRpcRequest{
		Id:      payloadID(),
		JSONRpc: "2.0",
		Method:  method,
		Params:  []interface{}{},
	}
	if len(params) > 0 {
		r.Params = params
	}
	return r
}

func (e *jsonRpcRequest) Marshal() []byte {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return s
}

// IsSilentPayload is true for protocol messages the bridge should not push to the wallet user.
func (e *jsonRpcRequest) IsSilentPayload() bool {
	return strings.HasPrefix(e.Method, "wc_")
}

type jsonRpcResponse struct {
	Id     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	// err is set locally when the connection dropped before an answer arrived
	err error
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

// rejected reports whether the wallet user declined.
func (e *rpcError) rejected() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "reject") || strings.Contains(msg, "denied") ||
		strings.Contains(msg, "cancel") || e.Code == 4001
}

var lastPayloadID = atomic.NewInt64(time.Now().UnixNano() / int64(time.Millisecond) * 1000)

// payloadID follows the v1 convention of a millisecond timestamp with three
// extra digits, incremented so ids never repeat within the process.
func payloadID() int64 {
	return lastPayloadID.Inc()
}
