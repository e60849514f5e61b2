package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// maxSSELineSize caps a single SSE line at 1 MB. The default bufio.Scanner
// limit of 64 KiB is too small for large deltas from some providers.
const maxSSELineSize = 1 * 1024 * 1024

// maxErrorBodySize caps how much of an upstream error body is read back.
const maxErrorBodySize int64 = 1 * 1024 * 1024

type headerOption struct {
	Key   string
	Value string
}

// doPostStream performs an HTTP POST and returns the response with its body
// left open for streaming reads. The caller owns closing the body. On non-2xx
// the body is read (bounded) and closed, and its content returned as the error.
func doPostStream(ctx context.Context, client *http.Client, url, apiKey string, body any, headers ...headerOption) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer closeWithLog(resp.Body)
		errorBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if readErr != nil {
			return nil, fmt.Errorf("API error %d (failed to read body: %v)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(errorBody)))
	}

	return resp, nil
}

// closeWithLog closes a body, logging close failures instead of returning them.
func closeWithLog(body io.Closer) {
	if err := body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// sseScanner reads Server-Sent Events from a stream. It joins multi-line
// data fields, skips comments and blank lines, and treats the OpenAI-style
// [DONE] sentinel as end of stream.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &sseScanner{scanner: scanner}
}

// Next returns the next data payload. io.EOF means the stream is finished,
// either by connection close or the [DONE] sentinel.
func (s *sseScanner) Next() (string, error) {
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Blank line ends an event; flush accumulated data lines.
		if line == "" {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return "", io.EOF
			}
			dataLines = append(dataLines, data)
			continue
		}

		// Other SSE fields (event:, id:, retry:) are ignored.
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("sse scanner: %w", err)
	}

	if len(dataLines) > 0 {
		return strings.Join(dataLines, "\n"), nil
	}
	return "", io.EOF
}

// apiKeyFor resolves a provider API key: explicit config value first, then
// the provider's conventional environment variable.
func apiKeyFor(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}

// envKeyForProvider derives the conventional API-key environment variable
// from a provider name: "openrouter" becomes OPENROUTER_API_KEY.
func envKeyForProvider(name string) string {
	key := strings.ToUpper(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "-", "_")
	return key + "_API_KEY"
}
