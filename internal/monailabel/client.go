// Package monailabel is the HTTP client for a MONAI Label annotation
// inference server.
package monailabel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/labelpanel/internal/log"
)

const tracerName = "github.com/zjrosen/labelpanel/internal/monailabel"

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 1024

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: server returned status %d: %s", e.Op, e.Status, e.Body)
}

// Response is the raw result of a capability query.
type Response struct {
	Status int
	Data   map[string]any
}

// OK reports whether the server signalled success.
func (r Response) OK() bool {
	return r.Status == http.StatusOK
}

// InferResult is the outcome of an inference request.
type InferResult struct {
	Model  string
	Label  []byte
	Params map[string]any
}

// Sample is an image chosen by an active learning strategy.
type Sample struct {
	ID     string
	Fields map[string]any
}

// Client talks to one MONAI Label server.
type Client struct {
	BaseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("monailabel.server", c.BaseURL))
	return c.tracer.Start(ctx, "monailabel."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Info queries the server capabilities. A non-200 status is reported in the
// Response, not as an error; only transport and decode faults return errors.
func (c *Client) Info(ctx context.Context) (resp Response, err error) {
	ctx, span := c.startSpan(ctx, "info")
	defer func() { endSpan(span, err) }()

	targetURL := c.BaseURL + "/info/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("creating info request: %w", err)
	}

	r, err := c.httpClient.Do(req)
	if err != nil {
		log.ErrorErr(log.CatClient, "info request failed", err, "url", targetURL)
		return Response{}, fmt.Errorf("querying %s: %w", targetURL, err)
	}
	defer func() { _ = r.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", r.StatusCode))
	resp = Response{Status: r.StatusCode}
	if r.StatusCode != http.StatusOK {
		log.Warn(log.CatClient, "info returned non-OK status", "url", targetURL, "status", r.StatusCode)
		return resp, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&resp.Data); err != nil {
		return Response{Status: r.StatusCode}, fmt.Errorf("decoding info response: %w", err)
	}
	return resp, nil
}

// Infer runs a model against an image. params is sent as the JSON body.
func (c *Client) Infer(ctx context.Context, model, image string, params map[string]any) (res InferResult, err error) {
	ctx, span := c.startSpan(ctx, "infer",
		attribute.String("monailabel.model", model),
		attribute.String("monailabel.image", image))
	defer func() { endSpan(span, err) }()

	q := url.Values{}
	q.Set("image", image)
	q.Set("output", "all")
	targetURL := fmt.Sprintf("%s/infer/%s?%s", c.BaseURL, url.PathEscape(model), q.Encode())

	body, err := encodeParams(params)
	if err != nil {
		return InferResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, body)
	if err != nil {
		return InferResult{}, fmt.Errorf("creating infer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	r, err := c.do(req, "infer")
	if err != nil {
		return InferResult{}, err
	}
	defer func() { _ = r.Body.Close() }()

	res = InferResult{Model: model}
	mediaType, mparams, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		res.Label, res.Params, err = readMultipart(r.Body, mparams["boundary"])
		if err != nil {
			return InferResult{}, fmt.Errorf("reading infer response: %w", err)
		}
	case mediaType == "application/json":
		if err := json.NewDecoder(r.Body).Decode(&res.Params); err != nil {
			return InferResult{}, fmt.Errorf("decoding infer response: %w", err)
		}
	default:
		res.Label, err = io.ReadAll(r.Body)
		if err != nil {
			return InferResult{}, fmt.Errorf("reading infer response: %w", err)
		}
	}
	log.Debug(log.CatClient, "infer complete", "model", model, "image", image, "bytes", len(res.Label))
	return res, nil
}

// NextSample asks an active learning strategy for the next image to label.
func (c *Client) NextSample(ctx context.Context, strategy string, params map[string]any) (s Sample, err error) {
	ctx, span := c.startSpan(ctx, "activelearning", attribute.String("monailabel.strategy", strategy))
	defer func() { endSpan(span, err) }()

	body, err := encodeParams(params)
	if err != nil {
		return Sample{}, err
	}
	targetURL := fmt.Sprintf("%s/activelearning/%s", c.BaseURL, url.PathEscape(strategy))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, body)
	if err != nil {
		return Sample{}, fmt.Errorf("creating activelearning request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	r, err := c.do(req, "activelearning")
	if err != nil {
		return Sample{}, err
	}
	defer func() { _ = r.Body.Close() }()

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		return Sample{}, fmt.Errorf("decoding activelearning response: %w", err)
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return Sample{}, fmt.Errorf("activelearning response has no sample id")
	}
	return Sample{ID: id, Fields: fields}, nil
}

// SaveLabel uploads a label for an image to the server datastore.
func (c *Client) SaveLabel(ctx context.Context, image string, label []byte, params map[string]any) (err error) {
	ctx, span := c.startSpan(ctx, "save_label", attribute.String("monailabel.image", image))
	defer func() { endSpan(span, err) }()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding label params: %w", err)
		}
		if err := mw.WriteField("params", string(p)); err != nil {
			return fmt.Errorf("writing label params: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("label", "label.bin")
	if err != nil {
		return fmt.Errorf("creating label part: %w", err)
	}
	if _, err := fw.Write(label); err != nil {
		return fmt.Errorf("writing label part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing label form: %w", err)
	}

	q := url.Values{}
	q.Set("image", image)
	q.Set("tag", "final")
	targetURL := fmt.Sprintf("%s/datastore/label?%s", c.BaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, targetURL, &buf)
	if err != nil {
		return fmt.Errorf("creating save label request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	r, err := c.do(req, "save label")
	if err != nil {
		return err
	}
	_ = r.Body.Close()
	return nil
}

// Train starts a training run.
func (c *Client) Train(ctx context.Context, params map[string]any) (out map[string]any, err error) {
	ctx, span := c.startSpan(ctx, "train")
	defer func() { endSpan(span, err) }()

	body, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/train/", body)
	if err != nil {
		return nil, fmt.Errorf("creating train request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	r, err := c.do(req, "train")
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Body.Close() }()

	if err := json.NewDecoder(r.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding train response: %w", err)
	}
	return out, nil
}

// StopTrain stops the running training job.
func (c *Client) StopTrain(ctx context.Context) (err error) {
	ctx, span := c.startSpan(ctx, "stop_train")
	defer func() { endSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/train/", nil)
	if err != nil {
		return fmt.Errorf("creating stop train request: %w", err)
	}
	r, err := c.do(req, "stop train")
	if err != nil {
		return err
	}
	_ = r.Body.Close()
	return nil
}

// do executes req and converts non-2xx replies into a StatusError.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	r, err := c.httpClient.Do(req)
	if err != nil {
		log.ErrorErr(log.CatClient, op+" request failed", err, "url", req.URL.String())
		return nil, fmt.Errorf("%s %s: %w", op, req.URL.Path, err)
	}
	trace.SpanFromContext(req.Context()).SetAttributes(attribute.Int("http.status_code", r.StatusCode))
	if r.StatusCode < 200 || r.StatusCode > 299 {
		defer func() { _ = r.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
		serr := &StatusError{Op: op, Status: r.StatusCode, Body: strings.TrimSpace(string(b))}
		log.Warn(log.CatClient, "non-OK response", "op", op, "status", r.StatusCode)
		return nil, serr
	}
	return r, nil
}

func encodeParams(params map[string]any) (io.Reader, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return bytes.NewReader(b), nil
}

// readMultipart splits an "output=all" reply into the label file and the
// JSON params part.
func readMultipart(body io.Reader, boundary string) ([]byte, map[string]any, error) {
	if boundary == "" {
		return nil, nil, fmt.Errorf("multipart response without boundary")
	}
	mr := multipart.NewReader(body, boundary)
	var label []byte
	var params map[string]any
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, nil, err
		}
		if part.FormName() == "params" {
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, nil, fmt.Errorf("decoding params part: %w", err)
			}
			continue
		}
		label = data
	}
	return label, params, nil
}
