// Package remotenode implements domain.RemoteNodeClient: one HTTP(S)
// submission attempt against one node's advertised location, grounded on
// the teacher's Tika HTTP client (multipart file upload, per-extension
// content typing) and its circuit breaker adapter (SPEC_FULL.md §4.4, §6).
package remotenode

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// manifest is the JSON metadata part of a submission, sent alongside the
// submission's attached files as one multipart/form-data request.
type manifest struct {
	CorrelationID string            `json:"correlation_id"`
	Description   string            `json:"description"`
	AnalysisMode  string            `json:"analysis_mode"`
	Tool          string            `json:"tool"`
	ToolInstance  string            `json:"tool_instance"`
	Type          string            `json:"type"`
	EventTime     time.Time         `json:"event_time"`
	Details       map[string]any    `json:"details,omitempty"`
	Observables   []domain.Observable `json:"observables,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// Client submits Submissions to remote node locations over HTTPS,
// implementing domain.RemoteNodeClient.
type Client struct {
	httpClient  *http.Client
	maxFailures int
	openTimeout time.Duration
}

// New constructs a Client. caChainPath, when non-empty, is a PEM bundle used
// in place of the system root pool to verify remote node certificates —
// the collector's nodes are typically self-signed internal hosts.
func New(caChainPath string, timeout time.Duration, maxFailures int, openTimeout time.Duration) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if caChainPath != "" {
		pem, err := os.ReadFile(caChainPath)
		if err != nil {
			return nil, fmt.Errorf("remotenode: read ca chain: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("remotenode: no certificates parsed from %s", caChainPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	tracedTransport := otelhttp.NewTransport(transport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "remotenode.submit"
		}),
	)

	return newWithHTTPClient(&http.Client{Timeout: timeout, Transport: tracedTransport}, maxFailures, openTimeout), nil
}

// newWithHTTPClient builds a Client around a caller-supplied *http.Client,
// used by tests to point at an httptest server without a real CA chain.
func newWithHTTPClient(hc *http.Client, maxFailures int, openTimeout time.Duration) *Client {
	return &Client{httpClient: hc, maxFailures: maxFailures, openTimeout: openTimeout}
}

// Submit performs one submission attempt against node, wrapped in a
// per-node circuit breaker so a failing node stops absorbing dispatch
// attempts from every group that targets it.
func (c *Client) Submit(ctx context.Context, node domain.RemoteNode, submission *domain.Submission) (domain.SubmitResult, error) {
	breaker := observability.GetCircuitBreaker("remotenode:"+node.Name, c.maxFailures, c.openTimeout)

	var result domain.SubmitResult
	err := breaker.Call(func() error {
		r, err := c.submitOnce(ctx, node, submission)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	observability.RecordCircuitBreakerStatus("remotenode", node.Name, int(breaker.GetState()))
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("%w: node=%s: %v", domain.ErrSubmission, node.Name, err)
	}
	return result, nil
}

func (c *Client) submitOnce(ctx context.Context, node domain.RemoteNode, submission *domain.Submission) (domain.SubmitResult, error) {
	correlationID := ulid.Make().String()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	manifestPart, err := writer.CreateFormField("manifest")
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("create manifest field: %w", err)
	}
	manifestJSON, err := json.Marshal(manifest{
		CorrelationID: correlationID,
		Description:   submission.Description,
		AnalysisMode:  submission.AnalysisMode,
		Tool:          submission.Tool,
		ToolInstance:  submission.ToolInstance,
		Type:          submission.Type,
		EventTime:     submission.EventTime,
		Details:       submission.Details,
		Observables:   submission.Observables,
		Tags:          submission.Tags,
	})
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := manifestPart.Write(manifestJSON); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("write manifest: %w", err)
	}

	for _, path := range submission.Files {
		if err := attachFile(writer, path); err != nil {
			return domain.SubmitResult{}, err
		}
	}

	if err := writer.Close(); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("close multipart writer: %w", err)
	}

	url := "https://" + node.Location + "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.SubmitResult{}, fmt.Errorf("node %s status %d: %s", node.Name, resp.StatusCode, respBody)
	}

	var decoded struct {
		RemoteID string `json:"remote_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded.RemoteID = correlationID
	}
	return domain.SubmitResult{RemoteID: decoded.RemoteID}, nil
}

func attachFile(writer *multipart.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	mtype, err := mimetype.DetectFile(path)
	contentType := "application/octet-stream"
	if err == nil {
		contentType = mtype.String()
	}

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path))}
	header["Content-Type"] = []string{contentType}

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create file part for %s: %w", path, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy file %s: %w", path, err)
	}
	return nil
}
