package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	systemInstruction = "You are an AI auditor for a blockchain civic reporting DApp. Your goal is to analyze citizen reports for authenticity, detect potential deepfakes or spam, and categorize the issue correctly. Be strict but fair."
)

// analysisSchema constrains the model output to the analysis result shape.
var analysisSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"score": map[string]any{
			"type":        "NUMBER",
			"description": "A score from 0.0 to 1.0 indicating the likelihood the report is authentic and serious. 1.0 is highly authentic.",
		},
		"category": map[string]any{
			"type":        "STRING",
			"description": "The category of the report (e.g., Accident, Illegal Activity, Abuse, Infrastructure, Other).",
		},
		"summary": map[string]any{
			"type":        "STRING",
			"description": "A short, one-sentence summary of the incident based on the text and image.",
		},
		"isAuthentic": map[string]any{
			"type":        "BOOLEAN",
			"description": "True if the evidence seems consistent and not obviously AI-generated or fake.",
		},
	},
	"required": []string{"score", "category", "summary", "isAuthentic"},
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *content         `json:"system_instruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Image is an optional inline attachment.
type Image struct {
	MimeType string
	Data     []byte
}

// Client calls the generateContent endpoint of one model.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewClient creates a client whose requests time out after timeout.
func NewClient(apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// WithBaseURL points the client at another endpoint, used by tests.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

func (c *Client) Model() string {
	return c.model
}

// AnalyzeReport asks the model for a JSON analysis of a civic report and
// returns the raw text of the first candidate.
func (c *Client) AnalyzeReport(ctx context.Context, description string, img *Image) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("gemini api key not configured")
	}

	parts := []part{{Text: fmt.Sprintf("Analyze this civic report. Description: %q", description)}}
	if img != nil && len(img.Data) > 0 {
		mimeType := img.MimeType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		parts = append(parts, part{
			InlineData: &inlineData{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}

	reqBody := geminiRequest{
		SystemInstruction: &content{Parts: []part{{Text: systemInstruction}}},
		Contents: []content{
			{
				Role:  "user",
				Parts: parts,
			},
		},
		GenerationConfig: generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   analysisSchema,
		},
	}

	return c.generateContent(ctx, reqBody)
}

func (c *Client) generateContent(ctx context.Context, body geminiRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Header rather than query string so the key never shows up in error messages.
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var gr geminiResponse
	parseErr := json.Unmarshal(bodyBytes, &gr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parseErr == nil && gr.Error != nil && gr.Error.Message != "" {
			return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, gr.Error.Message)
		}
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(bodyBytes), 512))
	}
	if parseErr != nil {
		return "", fmt.Errorf("failed to parse response: %w", parseErr)
	}
	if len(gr.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	for _, p := range gr.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text, nil
		}
	}
	return "", fmt.Errorf("no text part in response")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
