package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// OpenAI implements the Scanner interface against any
// chat-completions-compatible vision endpoint.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	sleep      func(time.Duration)
}

// NewOpenAI creates a new OpenAI Scanner instance. baseURL defaults
// to the public API; maxRetries and retryDelay govern the
// timeout-only retry policy.
func NewOpenAI(apiKey, baseURL, model string, timeout time.Duration, maxRetries int, retryDelay time.Duration) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4.1"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAI{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sleep:      time.Sleep,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// isTimeout reports whether an error is a timeout worth retrying.
// Non-timeout failures (bad status, parse errors) are terminal.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// backoffDelay computes the wait before retry attempt n (1-based):
// exponential growth plus up to 10% jitter.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base)/10 + 1))
	return delay + jitter
}

// ScanReceipt analyzes one or more receipt page images and extracts
// the structured fields.
func (o *OpenAI) ScanReceipt(ctx context.Context, pages [][]byte) (*ReceiptData, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no images provided for analysis")
	}

	userPrompt := receiptUserPrompt
	if len(pages) > 1 {
		userPrompt += multiPageSuffix
	}

	content := []contentPart{{Type: "text", Text: userPrompt}}
	for _, page := range pages {
		content = append(content, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(page),
			},
		})
	}

	reqBody := chatRequest{
		Model:       o.model,
		Temperature: 0.3,
		Messages: []chatMessage{
			{Role: "system", Content: receiptSystemPrompt},
			{Role: "user", Content: content},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	text, err := o.completeWithRetry(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	data, err := parseReceiptJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}

	return data, nil
}

// completeWithRetry posts the chat request, retrying timeouts with
// exponential backoff plus jitter up to the attempt cap.
func (o *OpenAI) completeWithRetry(ctx context.Context, body []byte) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		text, err := o.complete(ctx, body)
		if err == nil {
			return text, nil
		}
		if !isTimeout(err) {
			return "", err
		}

		lastErr = err
		if attempt >= o.maxRetries {
			return "", fmt.Errorf("extraction timed out after %d retries: %w", o.maxRetries, lastErr)
		}
		o.sleep(backoffDelay(attempt+1, o.retryDelay))
	}
}

func (o *OpenAI) complete(ctx context.Context, body []byte) (string, error) {
	url := o.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling extraction API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("extraction API error (status %d): %s", resp.StatusCode, string(raw))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in extraction response")
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

// Close closes the OpenAI client (no-op for HTTP client)
func (o *OpenAI) Close() error {
	return nil
}
