package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const schemaRegistryContentType = "application/vnd.schemaregistry.v1+json"

// RegistryError is a non-2xx answer from Schema Registry. Code is the registry's error_code
// when the body carried one (40401 subject not found, 40403 schema not found, 409xx incompatible).
type RegistryError struct {
	Op         string
	Subject    string
	StatusCode int
	Code       int
	Message    string
}

func (e *RegistryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("schema registry %s %s: %d (%d) %s", e.Op, e.Subject, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("schema registry %s %s: %d %s", e.Op, e.Subject, e.StatusCode, e.Message)
}

// NotFound reports whether the subject or the schema under it is unknown.
func (e *RegistryError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// RegistryOption configures a SchemaRegistryClient.
type RegistryOption func(*SchemaRegistryClient)

// WithCompatibility sets the compatibility level (BACKWARD, FULL, NONE, ...) applied to a
// subject the first time this client registers a schema under it.
func WithCompatibility(level string) RegistryOption {
	return func(c *SchemaRegistryClient) { c.compatibility = strings.ToUpper(strings.TrimSpace(level)) }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) RegistryOption {
	return func(c *SchemaRegistryClient) { c.httpClient = hc }
}

// SchemaRegistryClient registers the JSON schemas of record events.
type SchemaRegistryClient struct {
	baseURL       string
	httpClient    *http.Client
	compatibility string
}

// NewSchemaRegistryClient constructs a client.
func NewSchemaRegistryClient(baseURL string, opts ...RegistryOption) *SchemaRegistryClient {
	c := &SchemaRegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureSchema returns the id of schema under subject, registering it when the registry does
// not know this exact schema yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	id, err := c.lookup(ctx, subject, schema)
	if err == nil {
		return id, nil
	}
	var regErr *RegistryError
	if !errors.As(err, &regErr) || !regErr.NotFound() {
		return 0, err
	}

	if c.compatibility != "" {
		if err := c.setCompatibility(ctx, subject); err != nil {
			return 0, err
		}
	}
	return c.register(ctx, subject, schema)
}

func (c *SchemaRegistryClient) lookup(ctx context.Context, subject, schema string) (int, error) {
	var out struct {
		ID int `json:"id"`
	}
	err := c.do(ctx, "lookup", subject, http.MethodPost, "/subjects/"+url.PathEscape(subject), schemaBody(schema), &out)
	return out.ID, err
}

func (c *SchemaRegistryClient) register(ctx context.Context, subject, schema string) (int, error) {
	var out struct {
		ID int `json:"id"`
	}
	err := c.do(ctx, "register", subject, http.MethodPost, "/subjects/"+url.PathEscape(subject)+"/versions", schemaBody(schema), &out)
	return out.ID, err
}

func (c *SchemaRegistryClient) setCompatibility(ctx context.Context, subject string) error {
	body := map[string]string{"compatibility": c.compatibility}
	return c.do(ctx, "set compatibility", subject, http.MethodPut, "/config/"+url.PathEscape(subject), body, nil)
}

func schemaBody(schema string) map[string]string {
	return map[string]string{"schemaType": "JSON", "schema": schema}
}

func (c *SchemaRegistryClient) do(ctx context.Context, op, subject, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", schemaRegistryContentType)
	req.Header.Set("Accept", schemaRegistryContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("schema registry %s %s: %w", op, subject, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		regErr := &RegistryError{Op: op, Subject: subject, StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var body struct {
			Code    int    `json:"error_code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			regErr.Code = body.Code
			regErr.Message = body.Message
		} else {
			regErr.Message = strings.TrimSpace(string(data))
		}
		return regErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
