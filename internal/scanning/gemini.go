package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Scanner interface using Google Gemini.
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini Scanner instance.
func NewGemini(apiKey, modelName string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: timeout,
	}, nil
}

// ScanReceipt analyzes one or more receipt page images and extracts
// the structured fields.
func (g *Gemini) ScanReceipt(ctx context.Context, pages [][]byte) (*ReceiptData, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no images provided for analysis")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	userPrompt := receiptUserPrompt
	if len(pages) > 1 {
		userPrompt += multiPageSuffix
	}

	parts := make([]genai.Part, 0, len(pages)+2)
	parts = append(parts, genai.Text(receiptSystemPrompt))
	for _, page := range pages {
		// Pages are always PNG after PreparePages.
		parts = append(parts, genai.ImageData("png", page))
	}
	parts = append(parts, genai.Text(userPrompt))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	data, err := parseReceiptJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}

	return data, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
