// Package asterisk provides the concrete collaborators the engine consumes
// as black boxes: the websocket event stream and the REST invoke client
// for an ARI endpoint.
package asterisk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/koscakluka/ari-core/core/events"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

type Client struct {
	config     Config
	httpClient *http.Client
	operations operationTable
}

type ClientOption func(*Client)

// WithHTTPClient overrides the default instrumented HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = httpClient }
}

func NewClient(config Config, opts ...ClientOption) (*Client, error) {
	table, err := buildOperationTable()
	if err != nil {
		return nil, fmt.Errorf("failed to build operation table: %w", err)
	}

	client := &Client{
		config:     config,
		operations: table,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Invoke issues the named operation against the resource id and returns the
// response's attributes. Arguments are validated against the operation's
// schema before any request is sent and travel as query parameters, per the
// endpoint's convention.
func (c *Client) Invoke(ctx context.Context, kind events.ResourceKind, id string, operationName string, args map[string]any) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "ari invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.resource_kind", string(kind)),
		attribute.String("request.resource_id", id),
		attribute.String("request.operation", operationName),
	)

	op, ok := c.operations.lookup(kind, operationName)
	if !ok {
		err := fmt.Errorf("unknown operation %q for resource kind %s", operationName, kind)
		span.RecordError(err)
		return nil, err
	}
	if err := op.validate(args); err != nil {
		err = fmt.Errorf("operation %q: %w", operationName, err)
		span.RecordError(err)
		return nil, err
	}

	endpoint := strings.TrimSuffix(c.config.URL, "/") + op.expandPath(id)
	req, err := http.NewRequestWithContext(ctx, op.method, endpoint, nil)
	if err != nil {
		err = fmt.Errorf("error creating HTTP request: %w", err)
		span.RecordError(err)
		return nil, err
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	query := req.URL.Query()
	for key, value := range args {
		query.Set(key, fmt.Sprint(value))
	}
	req.URL.RawQuery = query.Encode()

	span.SetAttributes(attribute.String("request.url", req.URL.String()))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if errorBody, readErr := io.ReadAll(resp.Body); readErr == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}
		err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
		span.RecordError(err)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("error reading response body: %w", err)
		span.RecordError(err)
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		err = fmt.Errorf("error unmarshalling response: %w", err)
		span.RecordError(err)
		return nil, err
	}
	if attrs, ok := decoded.(map[string]any); ok {
		return attrs, nil
	}
	return map[string]any{"value": decoded}, nil
}
