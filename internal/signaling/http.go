package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody caps how much of a failed response body is kept for logs.
const maxErrorBody = 512

// doJSON performs one HTTP exchange with the signaling service. body, when
// non-nil, is sent as JSON; out, when non-nil, receives the decoded
// response. Any status outside accept is a *TransportError.
func doJSON(ctx context.Context, client *http.Client, op, method, url, token string, body, out any, accept ...int) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &TransportError{Op: op, URL: url, Err: err}
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := client.Do(request)
	if err != nil {
		return &TransportError{Op: op, URL: url, Err: err}
	}
	defer response.Body.Close()

	if !statusAccepted(response.StatusCode, accept) {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return &TransportError{
			Op:         op,
			URL:        url,
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("%s", bytes.TrimSpace(detail)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &TransportError{Op: op, URL: url, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func statusAccepted(status int, accept []int) bool {
	if len(accept) == 0 {
		return status >= 200 && status < 300
	}
	for _, code := range accept {
		if status == code {
			return true
		}
	}
	return false
}
