// Package docintel is the client for the hosted document intelligence
// service that performs OCR text extraction and structured annotation.
package docintel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Page is one page of extracted text.
type Page struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Region is a detected visual region (table, chart, signature).
type Region struct {
	Page  int    `json:"page"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
}

// Annotation is the structured result of the annotation pass.
type Annotation struct {
	DocumentType         string   `json:"document_type,omitempty"`
	Category             string   `json:"category,omitempty"`
	SectionTitles        []string `json:"section_titles,omitempty"`
	ComplianceIndicators []string `json:"compliance_indicators,omitempty"`
	PaymentTerms         string   `json:"payment_terms,omitempty"`
	EffectiveDates       []string `json:"effective_dates,omitempty"`
	Parties              []string `json:"parties,omitempty"`
	Regions              []Region `json:"regions,omitempty"`
}

// Client posts documents to the service's analyze endpoints.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for the given endpoint.
func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{endpoint: endpoint, apiKey: apiKey, httpClient: &http.Client{Timeout: timeout}}
}

// ExtractText runs the full-document text pass. A response with zero
// pages is reported as an error so the caller's retry loop engages.
func (c *Client) ExtractText(ctx context.Context, data []byte, mimeType string) ([]Page, error) {
	var parsed struct {
		Pages []Page `json:"pages"`
	}
	if err := c.post(ctx, "/v1/extract", map[string]interface{}{
		"content":   base64.StdEncoding.EncodeToString(data),
		"mime_type": mimeType,
	}, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Pages) == 0 {
		return nil, fmt.Errorf("extraction returned zero pages")
	}
	return parsed.Pages, nil
}

// ExtractAnnotations runs the structured annotation pass over at most
// maxPages leading pages.
func (c *Client) ExtractAnnotations(ctx context.Context, data []byte, mimeType string, maxPages int) (Annotation, error) {
	var parsed Annotation
	if err := c.post(ctx, "/v1/annotate", map[string]interface{}{
		"content":   base64.StdEncoding.EncodeToString(data),
		"mime_type": mimeType,
		"max_pages": maxPages,
	}, &parsed); err != nil {
		return Annotation{}, err
	}
	return parsed, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("document intelligence API returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
