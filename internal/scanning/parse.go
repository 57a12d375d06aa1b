package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// parseReceiptJSON parses the model's free-text answer, which should
// be a JSON object but is often wrapped in markdown fences or
// surrounded by prose.
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var data ReceiptData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	normalizeDate(&data)

	if data.Currency != nil {
		cur := strings.ToUpper(strings.TrimSpace(*data.Currency))
		if cur == "" {
			data.Currency = nil
		} else {
			data.Currency = &cur
		}
	}

	if data.Items != nil {
		items := strings.TrimSpace(*data.Items)
		if items == "" {
			data.Items = nil
		} else {
			data.Items = &items
		}
	}

	return &data, nil
}

// normalizeDate rewrites the extracted date to YYYY-MM-DD when the
// model used another common format. An unparseable date stays nil
// rather than being replaced with today: the spreadsheet row should
// not invent a transaction date.
func normalizeDate(data *ReceiptData) {
	if data.Date == nil {
		return
	}

	raw := strings.TrimSpace(*data.Date)
	if raw == "" {
		data.Date = nil
		return
	}

	if _, err := time.Parse("2006-01-02", raw); err == nil {
		data.Date = &raw
		return
	}

	formats := []string{
		"2006/01/02",
		"01/02/2006",
		"02-01-2006",
		"02.01.2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, raw); err == nil {
			normalized := d.Format("2006-01-02")
			data.Date = &normalized
			return
		}
	}

	data.Date = nil
}
