package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/invopipe/invopipe/internal/orders"
)

// Config for the inference client.
type Config struct {
	APIKey          string        // falls back to env OPENAI_API_KEY when empty
	BaseURL         string        // default https://api.openai.com/v1
	Model           string        // model used for STANDARD extraction
	EscalationModel string        // model used for SELF_CHECKED; defaults to Model
	Temperature     float32       // 0..2
	Timeout         time.Duration // per-call HTTP timeout
	LenientOptional bool          // sanitize optional fields before failing validation
}

// Request is one extraction call. Instructions and DefaultVat come from the
// resolved supplier profile and may be empty for unknown suppliers.
type Request struct {
	Document     orders.RawDocument
	Instructions string
	DefaultVat   orders.VatTreatment
	Mode         Mode
}

// Client talks to an OpenAI-compatible chat/completions endpoint. It makes
// exactly one attempt per Extract call and reports failures through the
// classified sentinels.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient constructs the inference client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EscalationModel == "" {
		cfg.EscalationModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Extract performs a single extraction attempt for the document.
func (c *Client) Extract(ctx context.Context, req Request) (orders.ExtractedOrder, error) {
	rid := uuid.New().String()
	start := time.Now()
	model := c.cfg.Model
	if req.Mode == ModeSelfChecked {
		model = c.cfg.EscalationModel
	}

	c.logger.Info("extract.start",
		"req_id", rid,
		"order_key", req.Document.Key,
		"model", model,
		"mode", string(req.Mode),
		"kind", string(req.Document.Kind),
		"content_bytes", len(req.Document.Content),
	)

	schema := BuildOrderJSONSchema(req.Mode)
	body := map[string]any{
		"model":           model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": BuildSystemPrompt(req.Mode, req.Instructions, req.DefaultVat)},
			{"role": "user", "content": userContent(req.Document)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.logger.Error("extract.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return orders.ExtractedOrder{}, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Error("extract.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return orders.ExtractedOrder{}, fmt.Errorf("%w: decode response: %v", ErrMalformedResponse, err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("extract.no_choices", "req_id", rid, "raw_bytes", len(raw))
		return orders.ExtractedOrder{}, fmt.Errorf("%w: no choices in response", ErrMalformedResponse)
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	if err := ValidateJSONAgainstSchema(schema, content); err != nil {
		if !c.cfg.LenientOptional {
			c.logger.Error("extract.schema_validation_failed", "req_id", rid, "error", err)
			return orders.ExtractedOrder{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		cleaned, dropped, sErr := SanitizeOptionalFields(content)
		if sErr != nil {
			c.logger.Error("extract.sanitize_failed", "req_id", rid, "error", sErr)
			return orders.ExtractedOrder{}, fmt.Errorf("%w: %v", ErrMalformedResponse, sErr)
		}
		if vErr := ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			c.logger.Error("extract.schema_validation_failed", "req_id", rid, "error", vErr)
			return orders.ExtractedOrder{}, fmt.Errorf("%w: %v", ErrMalformedResponse, vErr)
		}
		c.logger.Warn("extract.lenient_sanitize_applied", "req_id", rid, "dropped", dropped)
		content = cleaned
	}

	var out orders.ExtractedOrder
	if err := json.Unmarshal(content, &out); err != nil {
		c.logger.Error("extract.unmarshal_failed", "req_id", rid, "error", err)
		return orders.ExtractedOrder{}, fmt.Errorf("%w: unmarshal order: %v", ErrMalformedResponse, err)
	}

	c.logger.Info("extract.ok",
		"req_id", rid,
		"order_key", req.Document.Key,
		"invoice_number", out.InvoiceNumber,
		"lines", len(out.LineItems),
		"document_total", out.DocumentTotal,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer func() {
		if cErr := resp.Body.Close(); cErr != nil {
			c.logger.Warn("extract.body_close_error", "error", cErr)
		}
	}()

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return buf.Bytes(), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d: %s", ErrQuota, resp.StatusCode, truncate(buf.String(), 512))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: status %d", ErrTimeout, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrMalformedResponse, resp.StatusCode, truncate(buf.String(), 512))
	}
}

// userContent builds the multi-part user message: a text part plus the
// document itself as a base64 data URL. Images ride as image_url parts;
// PDFs and spreadsheets as file parts.
func userContent(doc orders.RawDocument) []map[string]any {
	parts := []map[string]any{
		{"type": "text", "text": BuildUserPrompt(doc)},
	}
	dataURL := "data:" + doc.ContentType + ";base64," + base64.StdEncoding.EncodeToString(doc.Content)
	if doc.Kind == orders.KindImage {
		parts = append(parts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": dataURL},
		})
	} else {
		parts = append(parts, map[string]any{
			"type": "file",
			"file": map[string]any{
				"filename":  doc.Filename,
				"file_data": dataURL,
			},
		})
	}
	return parts
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
