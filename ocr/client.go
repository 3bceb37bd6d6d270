// Package ocr is the HTTP client for the OCR microservice, the
// black-box endpoint that reads patient identity out of images, PDFs,
// and DICOM headers. A circuit breaker keeps a down service from
// stalling every file through the 30s request timeout.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds one OCR request end to end.
const DefaultTimeout = 30 * time.Second

// DICOMDeviceType asks the service for structured DICOM metadata
// extraction instead of pixel OCR.
const DICOMDeviceType = "dicom"

// Request is the process-endpoint payload.
type Request struct {
	FilePath         string `json:"file_path"`
	DeviceType       string `json:"device_type,omitempty"`
	ExtractThumbnail bool   `json:"extract_thumbnail,omitempty"`
}

// ExtractedInfo is the identity block the service returns.
type ExtractedInfo struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Laterality  string `json:"laterality,omitempty"`
}

// Response is the process-endpoint result.
type Response struct {
	ExtractedInfo *ExtractedInfo `json:"extracted_info,omitempty"`
	OCRText       string         `json:"ocr_text,omitempty"`
	OCRConfidence float64        `json:"ocr_confidence,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Client talks to one OCR service instance.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient returns a Client for |baseURL| (e.g. http://ocr:8100).
// A zero timeout takes the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ocr-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("OCR circuit breaker state change")
			},
		}),
	}
}

// Process submits |req| and returns the service's extraction. A service
// that responds with an error body returns that error; an open breaker
// fails fast without a request.
func (c *Client) Process(ctx context.Context, req Request) (*Response, error) {
	var out, err = c.breaker.Execute(func() (any, error) {
		return c.process(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

func (c *Client) process(ctx context.Context, req Request) (*Response, error) {
	var body, err = json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding OCR request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/ocr/process", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building OCR request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling OCR service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading OCR response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCR service returned %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var decoded Response
	if err = json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decoding OCR response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("OCR service error: %s", decoded.Error)
	}
	return &decoded, nil
}

// ExtractDICOM asks the service to read structured metadata out of a
// DICOM file.
func (c *Client) ExtractDICOM(ctx context.Context, filePath string) (*Response, error) {
	return c.Process(ctx, Request{FilePath: filePath, DeviceType: DICOMDeviceType})
}

// Healthy probes the service's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probing OCR service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCR service health returned %d", resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
