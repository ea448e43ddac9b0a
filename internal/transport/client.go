package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CityPulseResearchLab/citypulse/client/internal/entity"
)

// ErrorKind classifies request failures for the reconciliation engine.
type ErrorKind string

const (
	// KindTransport covers network failures and unexpected server errors.
	KindTransport ErrorKind = "transport"
	// KindConflict covers ownership and validation rejections. Conflicts are
	// surfaced, never retried.
	KindConflict ErrorKind = "conflict"
)

// Error is a classified request failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.err
}

// IsConflict reports whether err carries a conflict classification.
func IsConflict(err error) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Kind == KindConflict
}

// TokenSource supplies the bearer credential for outbound requests. An empty
// token omits the Authorization header.
type TokenSource interface {
	Token() string
}

var (
	errMissingBaseURL = errors.New("transport: base url is required")

	noOpLogger = zap.NewNop()
)

// ClientConfig describes the REST client dependencies.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues JSON REST calls against the event-discovery API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a REST client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Request issues a JSON request and decodes the response into out when out is
// non-nil. Failures are classified: 403/409/422 map to conflicts, everything
// else to transport errors.
func (c *Client) Request(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindTransport, Message: "encode request body", err: err}
		}
		payload = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return &Error{Kind: KindTransport, Message: "build request", err: err}
	}
	request.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return &Error{Kind: KindTransport, Message: "request failed", err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := readErrorMessage(response.Body)
		kind := KindTransport
		switch response.StatusCode {
		case http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity:
			kind = KindConflict
		}
		c.logger.Warn("request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return &Error{Kind: kind, Status: response.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransport, Message: "decode response", err: err}
	}
	return nil
}

// ListEntities fetches every entity of the given type.
func (c *Client) ListEntities(ctx context.Context, entityType entity.Type) ([]entity.Entity, error) {
	var rows []map[string]any
	if err := c.Request(ctx, http.MethodGet, collectionPath(entityType), nil, &rows); err != nil {
		return nil, err
	}
	entities := make([]entity.Entity, 0, len(rows))
	for _, row := range rows {
		decoded, err := DecodeEntity(entityType, row)
		if err != nil {
			return nil, &Error{Kind: KindTransport, Message: "decode entity", err: err}
		}
		entities = append(entities, decoded)
	}
	return entities, nil
}

// CreateEntity persists a new entity and returns the canonical server value.
func (c *Client) CreateEntity(ctx context.Context, entityType entity.Type, fields map[string]any) (entity.Entity, error) {
	var row map[string]any
	if err := c.Request(ctx, http.MethodPost, collectionPath(entityType), fields, &row); err != nil {
		return entity.Entity{}, err
	}
	decoded, err := DecodeEntity(entityType, row)
	if err != nil {
		return entity.Entity{}, &Error{Kind: KindTransport, Message: "decode entity", err: err}
	}
	return decoded, nil
}

// UpdateEntity updates an existing entity and returns the canonical server
// value, which may carry normalized fields.
func (c *Client) UpdateEntity(ctx context.Context, entityType entity.Type, id entity.ID, fields map[string]any) (entity.Entity, error) {
	var row map[string]any
	if err := c.Request(ctx, http.MethodPut, memberPath(entityType, id), fields, &row); err != nil {
		return entity.Entity{}, err
	}
	decoded, err := DecodeEntity(entityType, row)
	if err != nil {
		return entity.Entity{}, &Error{Kind: KindTransport, Message: "decode entity", err: err}
	}
	return decoded, nil
}

// DeleteEntity removes an entity.
func (c *Client) DeleteEntity(ctx context.Context, entityType entity.Type, id entity.ID) error {
	return c.Request(ctx, http.MethodDelete, memberPath(entityType, id), nil, nil)
}

func collectionPath(entityType entity.Type) string {
	return "/api/" + string(entityType) + "s"
}

func memberPath(entityType entity.Type, id entity.ID) string {
	return collectionPath(entityType) + "/" + id.String()
}

// DecodeEntity converts a wire row into an Entity. The id field accepts both
// string and integer encodings; the version is read from the updated_at
// timestamp when present.
func DecodeEntity(entityType entity.Type, row map[string]any) (entity.Entity, error) {
	rawID, ok := row["id"]
	if !ok {
		return entity.Entity{}, fmt.Errorf("row has no id")
	}
	id, err := entity.NewID(stringifyID(rawID))
	if err != nil {
		return entity.Entity{}, err
	}

	fields := make(map[string]any, len(row))
	for key, value := range row {
		if key == "id" {
			continue
		}
		fields[key] = value
	}
	return entity.Entity{
		ID:      id,
		Type:    entityType,
		Version: versionOf(row),
		Fields:  fields,
	}, nil
}

func stringifyID(raw any) string {
	switch value := raw.(type) {
	case string:
		return value
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return fmt.Sprintf("%v", raw)
	}
}

func versionOf(row map[string]any) int64 {
	raw, ok := row["updated_at"]
	if !ok {
		return 0
	}
	switch value := raw.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, value); err == nil {
			return parsed.Unix()
		}
	case float64:
		return int64(value)
	}
	return 0
}

func readErrorMessage(body io.Reader) string {
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&decoded); err == nil {
		if decoded.Error != "" {
			return decoded.Error
		}
		if decoded.Message != "" {
			return decoded.Message
		}
	}
	return "request rejected"
}
