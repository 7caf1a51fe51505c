package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sealchat/internal/protoerr"
)

// Requester sends a JSON body to path and decodes the JSON response into
// out. A nil out discards the response body.
type Requester interface {
	Do(ctx context.Context, path string, in, out any) error
}

// HTTPRequester is a Requester over net/http.
type HTTPRequester struct {
	BaseURL string
	Client  *http.Client
	// Header is added to every request.
	Header http.Header
}

// NewHTTPRequester creates a requester for the relay at baseURL.
func NewHTTPRequester(baseURL string, timeout time.Duration) *HTTPRequester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRequester{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

const maxResponseSize = 8 << 20

// Do implements Requester. Transport failures and non-2xx statuses are
// NetworkErrors.
func (r *HTTPRequester) Do(ctx context.Context, path string, in, out any) error {
	const op = "relay.request"

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return protoerr.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return protoerr.Network(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protoerr.Network(op, fmt.Errorf("%s %s: %s: %s", req.Method, path, resp.Status, strings.TrimSpace(string(data))))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return protoerr.Validation(op, protoerr.ReasonMalformed, err)
	}
	return nil
}

// CopiesPath is the relay endpoint serving stored RoomKey copies.
const CopiesPath = "/v1/copies"

// CopiesRequest selects the copies of one RoomKey addressed to a user.
type CopiesRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	RoomKeyHash    string `json:"roomKeyHash"`
}

// CopiesResponse lists matching copies.
type CopiesResponse struct {
	Copies []RoomKeyCopy `json:"copies"`
}

// FetchCopies asks the relay for the copies of a RoomKey addressed to
// userID. Each returned copy is checked against its schema.
func FetchCopies(ctx context.Context, r Requester, userID, conversationID, roomKeyHash string) ([]RoomKeyCopy, error) {
	var resp struct {
		Copies []json.RawMessage `json:"copies"`
	}
	if err := r.Do(ctx, CopiesPath, CopiesRequest{
		UserID:         userID,
		ConversationID: conversationID,
		RoomKeyHash:    roomKeyHash,
	}, &resp); err != nil {
		return nil, err
	}

	out := make([]RoomKeyCopy, 0, len(resp.Copies))
	for _, raw := range resp.Copies {
		m, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		c, ok := m.(RoomKeyCopy)
		if !ok {
			return nil, protoerr.Validation("relay.fetch_copies", protoerr.ReasonMalformed,
				fmt.Errorf("%w: got %s", ErrUnknownType, m.Type()))
		}
		out = append(out, c)
	}
	return out, nil
}
