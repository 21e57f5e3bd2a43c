package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

// DoclingClient calls a docling-serve instance to convert PDFs, Office
// documents, and AsciiDoc into markdown.
type DoclingClient struct {
	baseURL string
	client  *http.Client
}

func NewDoclingClient(baseURL string) *DoclingClient {
	return &DoclingClient{
		baseURL: baseURL,
		// Large PDFs with OCR can take minutes.
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

type doclingResponse struct {
	Status   string `json:"status"`
	Document struct {
		MDContent   string           `json:"md_content"`
		JSONContent *doclingDocument `json:"json_content"`
	} `json:"document"`
	Errors []struct {
		Message string `json:"error_message"`
	} `json:"errors"`
}

// doclingDocument is the slice of the DoclingDocument schema the pipeline
// consumes: document origin plus the ordered text items with their layout
// labels and page provenance.
type doclingDocument struct {
	Origin struct {
		Mimetype string `json:"mimetype"`
		Filename string `json:"filename"`
	} `json:"origin"`
	Texts []doclingItem `json:"texts"`
}

type doclingItem struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Prov  []struct {
		PageNo int `json:"page_no"`
	} `json:"prov"`
}

// doclingConversion holds both renditions of a converted file. Document is
// nil when the service returned no structured content.
type doclingConversion struct {
	Markdown string
	Document *doclingDocument
}

// Convert uploads the file and returns its structured and markdown
// renditions.
func (d *DoclingClient) Convert(ctx context.Context, path, filename string) (*doclingConversion, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copying file into form: %w", err)
	}
	for _, format := range []string{"json", "md"} {
		if err := writer.WriteField("to_formats", format); err != nil {
			return nil, fmt.Errorf("building multipart form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1alpha/convert/file", &buf)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling docling: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("docling returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out doclingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding docling response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		msg := out.Status
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Message
		}
		return nil, fmt.Errorf("docling conversion failed: %s", msg)
	}
	return &doclingConversion{
		Markdown: out.Document.MDContent,
		Document: out.Document.JSONContent,
	}, nil
}
