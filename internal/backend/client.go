// Package backend is the HTTP client of the wallet verification API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"edgevideo.ai/edge-wallet/internal/wallet"
	"edgevideo.ai/edge-wallet/pkg/errors"
)

const (
	defaultTimeout = time.Second * 15
	maxBodySize    = 1 << 20

	noncePath  = "/wallet/nonce"
	verifyPath = "/wallet/verify"
)

var _ wallet.Verifier = (*Client)(nil)

type Client struct {
	apiBaseURL string
	httpClient *http.Client
}

// NewClient talks to baseURL, e.g. https://api.edgevideo.ai/api. A zero timeout uses 15s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiBaseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Nonce asks for a single-use nonce scoped to the bearer's identity.
func (in *Client) Nonce(ctx context.Context, bearer string) (string, error) {
	status, body, err := in.post(ctx, noncePath, bearer, nil)
	if err != nil {
		return "", err
	}
	if status >= http.StatusInternalServerError {
		return "", errors.Wrapf(wallet.ErrNetworkFailure, "nonce: status %d: %s", status, message(body))
	}
	if status < 200 || status > 299 {
		return "", errors.Wrapf(wallet.ErrNonceFetchFailed, "status %d: %s", status, message(body))
	}
	nonce := gjson.GetBytes(body, "nonce").String()
	if nonce == "" {
		return "", errors.Wrapf(wallet.ErrNonceFetchFailed, "nonce not found in response %s", body)
	}
	return nonce, nil
}

// Verify submits the signed message and returns the verification token.
func (in *Client) Verify(ctx context.Context, bearer string, req wallet.VerifyRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "encode verify request")
	}
	status, body, err := in.post(ctx, verifyPath, bearer, payload)
	if err != nil {
		return "", err
	}
	if status >= http.StatusInternalServerError {
		return "", errors.Wrapf(wallet.ErrNetworkFailure, "verify: status %d: %s", status, message(body))
	}
	if status < 200 || status > 299 {
		return "", errors.Wrapf(wallet.ErrVerificationRejected, "status %d: %s", status, message(body))
	}
	result := gjson.ParseBytes(body)
	if !result.Get("success").Bool() {
		return "", errors.Wrap(wallet.ErrVerificationRejected, message(body))
	}
	token := result.Get("token").String()
	if token == "" {
		return "", errors.Wrap(wallet.ErrVerificationRejected, "token not found in response")
	}
	return token, nil
}

func (in *Client) post(ctx context.Context, path, bearer string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.apiBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, errors.Wrapf(err, "create %s request", path)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", bearer))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := in.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Mark(err, wallet.ErrNetworkFailure)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(http.MaxBytesReader(nil, resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, errors.Mark(err, wallet.ErrNetworkFailure)
	}
	return resp.StatusCode, body, nil
}

// message extracts the error text of a response, falling back to the raw body.
func message(body []byte) string {
	for _, field := range []string{"message", "msg", "error"} {
		if m := gjson.GetBytes(body, field).String(); m != "" {
			return m
		}
	}
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
