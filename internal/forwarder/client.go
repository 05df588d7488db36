package forwarder

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// ErrorLog receives local failure records.
type ErrorLog interface {
	Write(msg string) error
}

// Client submits reports to the collection API rooted at baseURL and
// applies the response policy.
type Client struct {
	sender  *Sender
	baseURL string
	errlog  ErrorLog
	logger  *slog.Logger
}

// NewClient builds a Client. baseURL is used verbatim as a prefix and is
// expected to end with a slash.
func NewClient(sender *Sender, baseURL string, errlog ErrorLog, logger *slog.Logger) *Client {
	return &Client{
		sender:  sender,
		baseURL: baseURL,
		errlog:  errlog,
		logger:  logger,
	}
}

// PackageURL is the endpoint for the listing of environment name.
func (c *Client) PackageURL(name string) string {
	return c.baseURL + "venv/" + name + "/"
}

// ErrorURL is the endpoint for error reports.
func (c *Client) ErrorURL() string {
	return c.baseURL + "error/"
}

// SubmitPackages posts a package report in strict mode.
func (c *Client) SubmitPackages(ctx context.Context, report PackageReport, name string) (*Response, error) {
	return c.Submit(ctx, c.PackageURL(name), report, true)
}

// SubmitError posts an error report. Unexpected statuses never fail the
// call.
func (c *Client) SubmitError(ctx context.Context, report ErrorReport) (*Response, error) {
	return c.Submit(ctx, c.ErrorURL(), report, false)
}

// Submit posts payload to url and passes the response through HandleResponse.
func (c *Client) Submit(ctx context.Context, url string, payload Payload, strict bool) (*Response, error) {
	resp, err := c.sender.Post(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("api response",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.String("requestId", resp.RequestID),
	)
	return c.HandleResponse(resp, strict)
}

// HandleResponse applies the status policy:
//
//	200       returned as is
//	404, 500  recorded in the error log and returned
//	other     strict: *APIError with the decoded body
//	          lenient: raw body recorded in the error log and returned
func (c *Client) HandleResponse(resp *Response, strict bool) (*Response, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		c.record("URL not found: " + resp.URL)
		return resp, nil
	case http.StatusInternalServerError:
		c.record("Server error")
		return resp, nil
	}
	if !strict {
		c.record(string(resp.Body))
		return resp, nil
	}
	var payload any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		payload = string(resp.Body)
	}
	return resp, &APIError{URL: resp.URL, StatusCode: resp.StatusCode, Payload: payload}
}

// record writes msg to the error log as a single line.
func (c *Client) record(msg string) {
	if c.errlog == nil {
		return
	}
	if err := c.errlog.Write(flatten(msg)); err != nil {
		c.logger.Warn("error log write failed", slog.String("error", err.Error()))
	}
}

func flatten(msg string) string {
	msg = strings.TrimSpace(msg)
	msg = strings.ReplaceAll(msg, "\r\n", " ")
	return strings.ReplaceAll(msg, "\n", " ")
}
