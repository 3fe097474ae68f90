package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Upload describes the packaged results of a completed task.
type Upload struct {
	JobID        string
	JobDirectory string
	Archive      string // path of the zip file
	ReceivedAt   time.Time
	DownloadedAt time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	Info         string
}

type payloadInfo struct {
	ReceivedAt   int64  `json:"receivedAt"`
	DownloadedAt int64  `json:"downloadedAt"`
	StartedAt    int64  `json:"startedAt"`
	CompletedAt  int64  `json:"completedAt"`
	Info         string `json:"info"`
}

type uploadResponse struct {
	Status    string `json:"status"`
	Info      string `json:"info"`
	ErrorType string `json:"errorType"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// UploadResults posts the archive and its metadata. ErrStop means the
// controller will never accept these results.
func (c *Client) UploadResults(ctx context.Context, u Upload) error {
	f, err := os.Open(u.Archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	meta, err := json.Marshal(payloadInfo{
		ReceivedAt:   millis(u.ReceivedAt),
		DownloadedAt: millis(u.DownloadedAt),
		StartedAt:    millis(u.StartedAt),
		CompletedAt:  millis(u.CompletedAt),
		Info:         u.Info,
	})
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	defer func() {
		_ = pr.Close()
	}()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, meta, f))
	}()

	target := c.endpoint(uploadPath, url.Values{
		"jobDirectory": {u.JobDirectory},
		"jobId":        {u.JobID},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(ctx, c.poll, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var ur uploadResponse
	if err := decodeJSON(resp, &ur); err != nil {
		return err
	}
	switch {
	case ur.Status == statusOK:
		return nil
	case ur.ErrorType == "stop":
		return fmt.Errorf("%s: %w", ur.Info, ErrStop)
	default:
		return fmt.Errorf("status %q, info %q: %w", ur.Status, ur.Info, ErrRejected)
	}
}

func writeForm(mw *multipart.Writer, meta []byte, archive *os.File) error {
	if err := mw.WriteField("payload_info", string(meta)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("files[]", filepath.Base(archive.Name()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, archive); err != nil {
		return err
	}
	return mw.Close()
}
