package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// receiptSystemPrompt is the shared system instruction for all
// extraction backends.
const receiptSystemPrompt = `You are a professional expert in receipt recognition and analysis.
Your task is to extract the following information from a receipt:
1. Total amount including taxes
2. Currency in Iso format
3. Date and time of the receipt
4. Simple list of purchased items (just names, no details)

Return the information strictly in the following JSON format:
{
  "total_amount": number,
  "currency": "string",
  "date": "YYYY-MM-DD",
  "time": "HH:MM",
  "items": "comma separated list of item names"
}

If any information is missing, set the value to null.
Return only the raw JSON without any additional explanations, markdown formatting, or code block markers (like ` + "```json or ```" + `).
Be precise and accurate in extracting the information.`

// receiptUserPrompt accompanies the image payloads.
const receiptUserPrompt = `Analyze this receipt and extract all required information in the structured format.`

// multiPageSuffix is appended to the user prompt when several pages
// are analyzed as one receipt.
const multiPageSuffix = ` This is a multi-page receipt (like an airline ticket).`

// pdfToImages renders up to maxPages pages of a PDF as PNGs.
func pdfToImages(pdfData []byte, maxPages int) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	if maxPages > 0 && pageCount > maxPages {
		pageCount = maxPages
	}

	pages := make([][]byte, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		img, err := doc.Image(i)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i+1, err)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding PNG: %w", err)
		}
		pages = append(pages, buf.Bytes())
	}

	return pages, nil
}

// PDFPageCount reports how many pages a PDF has without rendering
// any of them.
func PDFPageCount(pdfData []byte) (int, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return 0, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	return doc.NumPage(), nil
}

// imageToPNG converts any supported image format to PNG.
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// HEIC/HEIF (common on iPhones) is not covered by the standard
	// image package.
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brands HEIC containers start with.
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "image/heic" || mimeType == "image/heif" ||
		strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// IsAnalyzable reports whether a MIME type is something the
// extraction backends can work with: PDFs and images.
func IsAnalyzable(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "application/pdf" || strings.HasPrefix(mimeType, "image/")
}

// PreparePages normalizes an incoming file into PNG pages for the
// extraction backend: PDFs become up to maxPDFPages page images,
// everything else becomes a single PNG.
func PreparePages(data []byte, contentType string, maxPDFPages int) ([][]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if mimeType == "application/pdf" {
		pages, err := pdfToImages(data, maxPDFPages)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to images: %w", err)
		}
		return pages, nil
	}

	if mimeType == "image/png" && !isHEICFormat(data) {
		return [][]byte{data}, nil
	}

	pngData, err := imageToPNG(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("converting image to PNG: %w", err)
	}
	return [][]byte{pngData}, nil
}
