package zenodo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// ProductionURL is the Zenodo REST API base URL.
	ProductionURL = "https://zenodo.org/api"

	// SandboxURL is the base URL of the Zenodo sandbox instance.
	SandboxURL = "https://sandbox.zenodo.org/api"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 60 * time.Second

	// RateLimit is requests per second. Zenodo allows 100 requests per
	// minute for authenticated users.
	RateLimit = 1.5

	// RateBurst is the limiter burst size.
	RateBurst = 5

	// DefaultSearchPageSize is the page size used when walking search results.
	DefaultSearchPageSize = 25

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 1 << 20
)

// Client is a rate-limited HTTP client for the Zenodo API.
// It holds no state besides its token and base URL.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	token      string
	baseURL    string
	pageSize   int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer access token.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithSandbox routes all calls to the sandbox instance when enabled.
func WithSandbox(sandbox bool) ClientOption {
	return func(c *Client) {
		if sandbox {
			c.baseURL = SandboxURL
		} else {
			c.baseURL = ProductionURL
		}
	}
}

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit overrides the request rate. rate.Inf disables limiting.
func WithRateLimit(limit rate.Limit) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, RateBurst)
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPageSize sets the search page size.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a new Zenodo API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(RateLimit), RateBurst),
		logger:     slog.New(slog.DiscardHandler),
		baseURL:    ProductionURL,
		pageSize:   DefaultSearchPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one API call.
type request struct {
	op          string
	method      string
	path        string // relative to baseURL, or an absolute URL
	query       url.Values
	body        io.Reader
	contentType string
	want        []int
}

// do performs a single API call and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, r request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	target := r.path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, r.body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bosh-cli")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", r.op, ctxErr)
		}
		return fmt.Errorf("%s: %w: %v", r.op, ErrNetworkError, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "zenodo request",
		"op", r.op,
		"method", r.method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if !statusWanted(resp.StatusCode, r.want) {
		return decodeAPIError(r.op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decoding response: %v", r.op, ErrInvalidResponse, err)
	}
	return nil
}

func statusWanted(code int, want []int) bool {
	if len(want) == 0 {
		return code >= 200 && code < 300
	}
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}

// decodeAPIError builds an APIError from a failed response.
func decodeAPIError(op string, resp *http.Response) error {
	apiErr := &APIError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	if er.Message != "" {
		apiErr.Message = er.Message
	}
	for _, e := range er.Errors {
		msg := e.Message
		if msg == "" {
			msg = strings.Join(e.Msgs, ", ")
		}
		if e.Field != "" {
			msg = e.Field + ": " + msg
		}
		apiErr.Details = append(apiErr.Details, msg)
	}
	return apiErr
}

func depositionPath(id int64, parts ...string) string {
	p := "/deposit/depositions/" + strconv.FormatInt(id, 10)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Authenticate checks the token with a lightweight authenticated call.
// Any non-2xx response is reported as ErrAuthError.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.token == "" {
		return fmt.Errorf("%w: no access token", ErrAuthError)
	}
	err := c.do(ctx, request{
		op:     "authenticate",
		method: http.MethodGet,
		path:   "/deposit/depositions",
		query:  url.Values{"size": {"1"}},
	}, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", ErrAuthError, apiErr)
	}
	return err
}

// Search returns a lazy sequence of records matching a Zenodo query string.
// Pages are fetched as the sequence is consumed. The sequence can be ranged
// over only once; a second pass yields ErrSearchConsumed.
func (c *Client) Search(ctx context.Context, query string) iter.Seq2[Record, error] {
	used := false
	return func(yield func(Record, error) bool) {
		if used {
			yield(Record{}, ErrSearchConsumed)
			return
		}
		used = true

		next := "/records"
		params := url.Values{
			"q":    {query},
			"size": {strconv.Itoa(c.pageSize)},
			"page": {"1"},
		}
		for next != "" {
			var page searchResponse
			err := c.do(ctx, request{
				op:     "search",
				method: http.MethodGet,
				path:   next,
				query:  params,
			}, &page)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, hit := range page.Hits.Hits {
				if !yield(hit, nil) {
					return
				}
			}
			if page.Links.Next == "" || len(page.Hits.Hits) == 0 {
				return
			}
			// The next link carries its own query string.
			next, params = page.Links.Next, nil
		}
	}
}

// SearchByTitle searches published records by title.
// An empty sequence is a valid result.
func (c *Client) SearchByTitle(ctx context.Context, title string) iter.Seq2[Record, error] {
	return c.Search(ctx, TitleQuery(title))
}

// TitleQuery builds a phrase query on the title field.
func TitleQuery(title string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(title)
	return `title:"` + escaped + `"`
}

// CreateDeposition allocates a new empty deposition.
func (c *Client) CreateDeposition(ctx context.Context) (*Deposition, error) {
	var dep Deposition
	err := c.do(ctx, request{
		op:          "create deposition",
		method:      http.MethodPost,
		path:        "/deposit/depositions",
		body:        strings.NewReader("{}"),
		contentType: "application/json",
		want:        []int{http.StatusCreated},
	}, &dep)
	if err != nil {
		return nil, err
	}
	if dep.ID == 0 {
		return nil, fmt.Errorf("create deposition: %w: missing id", ErrInvalidResponse)
	}
	return &dep, nil
}

// NewVersion creates a new draft version of the published deposition baseID
// and returns the id of the new draft. Fails with ErrNotFound if baseID does
// not exist.
func (c *Client) NewVersion(ctx context.Context, baseID int64) (int64, error) {
	var dep Deposition
	err := c.do(ctx, request{
		op:     "new version",
		method: http.MethodPost,
		path:   depositionPath(baseID, "actions", "newversion"),
		want:   []int{http.StatusCreated},
	}, &dep)
	if err != nil {
		return 0, err
	}
	if dep.Links.LatestDraft == "" {
		return 0, fmt.Errorf("new version: %w: missing latest_draft link", ErrInvalidResponse)
	}
	u, err := url.Parse(dep.Links.LatestDraft)
	if err != nil {
		return 0, fmt.Errorf("new version: %w: %v", ErrInvalidResponse, err)
	}
	id, err := strconv.ParseInt(path.Base(u.Path), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("new version: %w: bad latest_draft link %q", ErrInvalidResponse, dep.Links.LatestDraft)
	}
	return id, nil
}

// GetDeposition fetches a deposition.
func (c *Client) GetDeposition(ctx context.Context, id int64) (*Deposition, error) {
	var dep Deposition
	err := c.do(ctx, request{
		op:     "get deposition",
		method: http.MethodGet,
		path:   depositionPath(id),
	}, &dep)
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// ListFiles lists the files attached to a deposition.
func (c *Client) ListFiles(ctx context.Context, id int64) ([]File, error) {
	var files []File
	err := c.do(ctx, request{
		op:     "list files",
		method: http.MethodGet,
		path:   depositionPath(id, "files"),
	}, &files)
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DeleteFile removes a file from a draft deposition.
func (c *Client) DeleteFile(ctx context.Context, id int64, fileID string) error {
	return c.do(ctx, request{
		op:     "delete file",
		method: http.MethodDelete,
		path:   depositionPath(id, "files", url.PathEscape(fileID)),
		want:   []int{http.StatusNoContent},
	}, nil)
}

// UploadFile attaches content to a deposition under filename.
func (c *Client) UploadFile(ctx context.Context, id int64, filename string, content []byte) (*File, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", filename); err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	var f File
	err = c.do(ctx, request{
		op:          "upload file",
		method:      http.MethodPost,
		path:        depositionPath(id, "files"),
		body:        &body,
		contentType: mw.FormDataContentType(),
		want:        []int{http.StatusCreated},
	}, &f)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpdateMetadata replaces the deposition metadata.
func (c *Client) UpdateMetadata(ctx context.Context, id int64, md Metadata) error {
	payload, err := json.Marshal(struct {
		Metadata Metadata `json:"metadata"`
	}{md})
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return c.do(ctx, request{
		op:          "update metadata",
		method:      http.MethodPut,
		path:        depositionPath(id),
		body:        bytes.NewReader(payload),
		contentType: "application/json",
		want:        []int{http.StatusOK},
	}, nil)
}

// Publish finalizes a deposition. Published files can no longer change.
func (c *Client) Publish(ctx context.Context, id int64) (*Deposition, error) {
	var dep Deposition
	err := c.do(ctx, request{
		op:     "publish",
		method: http.MethodPost,
		path:   depositionPath(id, "actions", "publish"),
		want:   []int{http.StatusAccepted},
	}, &dep)
	if err != nil {
		return nil, err
	}
	if dep.DOI == "" {
		return nil, fmt.Errorf("publish: %w: missing doi", ErrInvalidResponse)
	}
	return &dep, nil
}
