// Package controller talks to the remote controller: long-poll intake,
// status pushes, error reports, result uploads and payload downloads.
//
// Every call carries the companyKey and serverKey query parameters.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	statusesPath = "update-statuses"
	switchPath   = "switch-status"
	uploadPath   = "upload-results"

	statusOK = "ok"
)

var (
	// ErrStop is a policy rejection of uploaded results, never retried.
	ErrStop = errors.New("controller refused the results")
	// ErrRejected is a well formed answer which is not an acknowledgement.
	ErrRejected = errors.New("controller rejected the request")
)

type Options struct {
	APIURL         string
	PollURL        string
	ServerKey      string
	CompanyKey     string
	RequestTimeout time.Duration // bounds every call except the long-poll
}

type Client struct {
	apiURL     *url.URL
	pollURL    *url.URL
	serverKey  string
	companyKey string
	client     *http.Client
	poll       *http.Client
}

func New(opts Options) (*Client, error) {
	apiURL, err := parseBase(opts.APIURL)
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	pollURL, err := parseBase(opts.PollURL)
	if err != nil {
		return nil, fmt.Errorf("poll url: %w", err)
	}
	return &Client{
		apiURL:     apiURL,
		pollURL:    pollURL,
		serverKey:  opts.ServerKey,
		companyKey: opts.CompanyKey,
		client:     &http.Client{Timeout: opts.RequestTimeout},
		poll:       &http.Client{},
	}, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("please define the url with a scheme and a host, e.g. `https://some-url.com/api`")
	}
	return u, nil
}

// endpoint resolves name under the api url and adds the credentials.
func (c *Client) endpoint(name string, params url.Values) string {
	u := *c.apiURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	return c.withKeys(&u, params)
}

func (c *Client) withKeys(u *url.URL, params url.Values) string {
	q := u.Query()
	q.Set("companyKey", c.companyKey)
	q.Set("serverKey", c.serverKey)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Request-Id", uuid.NewString())
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "controller answered",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode))
	return resp, nil
}

// decodeJSON reads a successful json answer into v.
func decodeJSON(resp *http.Response, v any) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return fmt.Errorf("failed to parse response content type header: %w", err)
		}
		if mt != "application/json" && mt != "text/plain" {
			return fmt.Errorf("expected `application/json` content type, got: %s", mt)
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	return nil
}

// Status is one entry of a status push batch.
type Status struct {
	JobID      string
	Status     string
	Percentage int
	Info       string
	Cancelable bool
}

func (s Status) MarshalJSON() ([]byte, error) {
	allow := "no"
	if s.Cancelable {
		allow = "yes"
	}
	return json.Marshal(struct {
		AllowCancelation string `json:"allowCancelation"`
		JobID            string `json:"jobId"`
		Status           string `json:"status"`
		Percentage       int    `json:"percentage"`
		Info             string `json:"info"`
	}{allow, s.JobID, s.Status, s.Percentage, s.Info})
}

type ack struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
	Info   string `json:"info"`
}

// PushStatuses sends a batch of non-error task statuses.
func (c *Client) PushStatuses(ctx context.Context, batch []Status) error {
	body := struct {
		Jobs []Status `json:"jobs"`
	}{Jobs: batch}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(statusesPath, nil), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, c.client, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var a ack
	if err := decodeJSON(resp, &a); err != nil {
		return err
	}
	if a.Status != statusOK {
		return fmt.Errorf("status %q: %w", a.Status, ErrRejected)
	}
	return nil
}

// ErrorReport is the terminal status of a failed task.
type ErrorReport struct {
	JobID  string
	Status string
	Info   string
	Code   int
}

// ReportError pushes a terminal task status. The controller must
// acknowledge the very same job id.
func (c *Client) ReportError(ctx context.Context, r ErrorReport) error {
	params := url.Values{
		"jobId":  {r.JobID},
		"status": {r.Status},
		"info":   {r.Info},
	}
	params.Set("errorCode", "")
	if r.Code != 0 {
		params.Set("errorCode", strconv.Itoa(r.Code))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(switchPath, params), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, c.client, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var a ack
	if err := decodeJSON(resp, &a); err != nil {
		return err
	}
	if a.Status != statusOK || a.JobID != r.JobID {
		return fmt.Errorf("status %q for job %q: %w", a.Status, a.JobID, ErrRejected)
	}
	return nil
}

// HasFiles reports whether a payload url names a zip archive to extract.
func HasFiles(payloadURL string) bool {
	return strings.Contains(payloadURL, ".zip")
}

// Fetch downloads the payload of a job into dst. The file appears under
// its final name only once complete.
func (c *Client) Fetch(ctx context.Context, payloadURL, jobID string, deadline time.Time, dst string) (err error) {
	u, err := url.Parse(payloadURL)
	if err != nil {
		return fmt.Errorf("payload url: %w", err)
	}
	target := c.withKeys(u, url.Values{
		"jobId":             {jobID},
		"timeoutExpiration": {strconv.FormatInt(deadline.UnixMilli(), 10)},
		"noFiles":           {strconv.FormatBool(!HasFiles(payloadURL))},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, c.poll, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading payload: unexpected status: %d", resp.StatusCode)
	}

	part := dst + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(part)
		}
	}()
	if _, err = io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("downloading payload: %w", err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(part, dst)
}
