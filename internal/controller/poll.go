package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	// KindInvalid is an answer which could not be understood.
	KindInvalid Kind = iota
	KindNoWork
	KindError
	KindCancel
	KindAssignment
)

func (k Kind) String() string {
	switch k {
	case KindNoWork:
		return "no-work"
	case KindError:
		return "error"
	case KindCancel:
		return "cancel"
	case KindAssignment:
		return "assignment"
	default:
		return "invalid"
	}
}

// Assignment is a new job handed out by the controller.
type Assignment struct {
	APIClass    string
	Key         string
	JobID       string
	PayloadURL  string
	PayloadBody json.RawMessage
	Deadline    time.Time // zero when missing or malformed
}

type Cancel struct {
	JobID  string
	Author string
}

// Message is one long-poll answer, discriminated by Kind.
type Message struct {
	Kind       Kind
	Detail     string // error text or the raw invalid answer
	Cancel     Cancel
	Assignment Assignment
}

type pollResponse struct {
	TimeoutTriggered    bool            `json:"timeoutTriggered"`
	Error               json.RawMessage `json:"error"`
	CancelationRequired bool            `json:"cancelationRequired"`
	CancelJobID         flexString      `json:"cancelJobId"`
	CancelationAuthor   string          `json:"cancelationAuthor"`
	APIClass            string          `json:"apiClass"`
	Key                 string          `json:"key"`
	JobID               flexString      `json:"jobId"`
	PayloadURL          string          `json:"payloadUrl"`
	PayloadBody         json.RawMessage `json:"payloadBody"`
	AlrjTimeout         flexString      `json:"alrjTimeout"`
}

// flexString accepts both a json string and a json number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Poll issues one long-poll request reporting the ids the agent holds. A
// transport failure is returned as an error, any answer as a Message.
func (c *Client) Poll(ctx context.Context, pending, inProcessing []string) (Message, error) {
	u := *c.pollURL
	target := c.withKeys(&u, url.Values{
		"pendingJobs":      {strings.Join(pending, ",")},
		"jobsInProcessing": {strings.Join(inProcessing, ",")},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Message{}, err
	}
	resp, err := c.do(ctx, c.poll, req)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Message{}, fmt.Errorf("reading long-poll answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Message{Kind: KindInvalid, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body))}, nil
	}
	return ParseMessage(body), nil
}

// ParseMessage decodes a long-poll answer.
func ParseMessage(body []byte) Message {
	var r pollResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Message{Kind: KindInvalid, Detail: truncate(body)}
	}
	switch {
	case r.TimeoutTriggered:
		return Message{Kind: KindNoWork}
	case len(r.Error) > 0 && string(r.Error) != "null" && string(r.Error) != "false" && string(r.Error) != `""`:
		return Message{Kind: KindError, Detail: errorText(r.Error)}
	case r.CancelationRequired:
		return Message{Kind: KindCancel, Cancel: Cancel{JobID: string(r.CancelJobID), Author: r.CancelationAuthor}}
	}

	a := Assignment{
		APIClass:   r.APIClass,
		Key:        r.Key,
		JobID:      string(r.JobID),
		PayloadURL: r.PayloadURL,
	}
	if len(r.PayloadBody) > 0 && string(r.PayloadBody) != "null" {
		a.PayloadBody = r.PayloadBody
	}
	if ms, err := strconv.ParseInt(string(r.AlrjTimeout), 10, 64); err == nil && ms > 0 {
		a.Deadline = time.UnixMilli(ms)
	}
	return Message{Kind: KindAssignment, Assignment: a}
}

func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// CancelAuthor renders the author of a cancellation request for the error
// report info.
func CancelAuthor(author string) string {
	switch author {
	case "admin":
		return "Canceled by admin"
	case "user":
		return "Canceled by user"
	case "system":
		return "Canceled by system user"
	default:
		return "N/A"
	}
}
