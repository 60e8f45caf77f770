package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const DefaultBaseURL = "http://localhost:8081/kettle"

// Client talks to a carte server.
type Client struct {
	baseURL  string
	user     string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	// BaseURL includes the server base path, e.g. http://host:8081/kettle.
	BaseURL  string
	Timeout  time.Duration
	User     string
	Password string
	// RetryMax bounds retries of failed connections and 5xx answers.
	RetryMax int
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 10 * time.Second, RetryMax: 2}
}

func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: config.Timeout, Transport: transport}
	rc.RetryMax = config.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = config.Logger
	// answers other than connection failures and 5xx are returned as they are
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		user:     config.User,
		password: config.Password,
		client:   rc.StandardClient(),
		logger:   config.Logger,
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	t := config.TLS
	tlsConfig.InsecureSkipVerify = t.SkipVerify
	tlsConfig.ServerName = t.ServerName
	if t.CACert != "" {
		pem, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate %s", t.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// do sends a request with json=Y and returns the body of a 200 answer.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("json", "Y")
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("request failed", "path", path, "status", resp.StatusCode)
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// decode unmarshals data into v unless it is an ERROR result.
func decode(data []byte, v any) error {
	var probe Result
	if err := json.Unmarshal(data, &probe); err == nil && probe.Result == "ERROR" {
		return &ResultError{Message: probe.Message}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) result(ctx context.Context, method, path string, q url.Values, body []byte) (Result, error) {
	data, err := c.do(ctx, method, path, q, body)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := decode(data, &res); err != nil {
		return res, err
	}
	return res, nil
}

func targetQuery(key string, t Target) url.Values {
	q := url.Values{}
	if t.Name != "" {
		q.Set(key, t.Name)
	}
	if t.ID != "" {
		q.Set("id", t.ID)
	}
	return q
}

func pairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (o ExecOptions) query() url.Values {
	q := url.Values{}
	if o.LogLevel != "" {
		q.Set("level", o.LogLevel)
	}
	if len(o.Parameters) > 0 {
		q["param"] = pairs(o.Parameters)
	}
	if len(o.Variables) > 0 {
		q["var"] = pairs(o.Variables)
	}
	return q
}

// Status returns the server status with every registered execution.
func (c *Client) Status(ctx context.Context) (ServerStatus, error) {
	var st ServerStatus
	data, err := c.do(ctx, http.MethodGet, "/status", nil, nil)
	if err != nil {
		return st, err
	}
	return st, decode(data, &st)
}

// IsReachable reports whether the server answers its status page.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/status", nil, nil)
	return err == nil
}

// AddTrans registers a transformation definition (JSON or YAML).
func (c *Client) AddTrans(ctx context.Context, def []byte, opts ExecOptions) (Result, error) {
	return c.result(ctx, http.MethodPost, "/addTrans", opts.query(), def)
}

// RunTrans registers and starts a transformation.
func (c *Client) RunTrans(ctx context.Context, def []byte, opts ExecOptions) (Result, error) {
	return c.result(ctx, http.MethodPost, "/runTrans", opts.query(), def)
}

func (c *Client) AddJob(ctx context.Context, def []byte, opts ExecOptions) (Result, error) {
	return c.result(ctx, http.MethodPost, "/addJob", opts.query(), def)
}

func (c *Client) StartTrans(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/startTrans", targetQuery("trans", t), nil)
}

func (c *Client) StopTrans(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/stopTrans", targetQuery("trans", t), nil)
}

// PauseTrans toggles between paused and running.
func (c *Client) PauseTrans(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/pauseTrans", targetQuery("trans", t), nil)
}

func (c *Client) RemoveTrans(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/removeTrans", targetQuery("trans", t), nil)
}

func (c *Client) CleanupTrans(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/cleanupTrans", targetQuery("trans", t), nil)
}

func (c *Client) StartJob(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/startJob", targetQuery("job", t), nil)
}

func (c *Client) StopJob(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/stopJob", targetQuery("job", t), nil)
}

func (c *Client) RemoveJob(ctx context.Context, t Target) (Result, error) {
	return c.result(ctx, http.MethodPost, "/removeJob", targetQuery("job", t), nil)
}

// TransStatus returns one transformation with its log lines from position from.
func (c *Client) TransStatus(ctx context.Context, t Target, from uint64) (Detail, error) {
	return c.detail(ctx, "/transStatus", targetQuery("trans", t), from)
}

func (c *Client) JobStatus(ctx context.Context, t Target, from uint64) (Detail, error) {
	return c.detail(ctx, "/jobStatus", targetQuery("job", t), from)
}

func (c *Client) detail(ctx context.Context, path string, q url.Values, from uint64) (Detail, error) {
	var d Detail
	if from > 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	data, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return d, err
	}
	return d, decode(data, &d)
}

func (r SniffRequest) query() url.Values {
	q := targetQuery("trans", r.Target)
	q.Set("step", r.Step)
	q.Set("copynr", strconv.Itoa(r.Copy))
	if r.Input {
		q.Set("type", "input")
	}
	if r.Buffer > 0 {
		q.Set("buffer", strconv.Itoa(r.Buffer))
	}
	if r.Lines > 0 {
		q.Set("lines", strconv.Itoa(r.Lines))
	}
	return q
}

// Sniff attaches to the step if needed and returns its buffered rows.
func (c *Client) Sniff(ctx context.Context, r SniffRequest) (SniffResult, error) {
	var res SniffResult
	data, err := c.do(ctx, http.MethodGet, "/sniffStep", r.query(), nil)
	if err != nil {
		return res, err
	}
	return res, decode(data, &res)
}

// StopSniff detaches the sniff session of r.
func (c *Client) StopSniff(ctx context.Context, r SniffRequest) (Result, error) {
	q := r.query()
	q.Set("cmd", "stop")
	return c.result(ctx, http.MethodGet, "/sniffStep", q, nil)
}

func (c *Client) SniffSessions(ctx context.Context) ([]SniffSession, error) {
	var body struct {
		Sessions []SniffSession `json:"sessions"`
	}
	data, err := c.do(ctx, http.MethodGet, "/sniffSessions", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := decode(data, &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}
