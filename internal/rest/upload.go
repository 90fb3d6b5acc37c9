package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"chat-client/internal/models"
)

// UploadRequest describes one multipart upload to POST /upload.
type UploadRequest struct {
	File           io.Reader
	FileName       string
	MimeType       string
	Size           int64
	ConversationID string
	SenderID       string
	// Progress receives a percentage in 0..100 that never decreases.
	Progress func(percent int)
}

// Upload streams the file as multipart form data and returns the backend's
// attachment record.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (models.Attachment, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(form, req))
	}()

	resp, err := c.do(ctx, http.MethodPost, "/upload", c.baseURL+"/upload", pr, form.FormDataContentType(), nil)
	// Unblock the writer if the request ended before the body was consumed.
	pr.Close()
	if err != nil {
		return models.Attachment{}, err
	}
	defer resp.Body.Close()

	var att models.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		return models.Attachment{}, fmt.Errorf("decode upload response: %w", err)
	}
	if att.ConversationID == "" {
		att.ConversationID = req.ConversationID
	}
	if att.SenderID == "" {
		att.SenderID = req.SenderID
	}
	if att.MimeType == "" {
		att.MimeType = req.MimeType
	}
	if att.Size == 0 {
		att.Size = req.Size
	}
	if att.FileName == "" || att.FileURL == "" {
		return models.Attachment{}, fmt.Errorf("upload response missing fileName or fileUrl")
	}
	return att, nil
}

func writeUploadForm(form *multipart.Writer, req UploadRequest) error {
	if err := form.WriteField("conversationId", req.ConversationID); err != nil {
		return err
	}
	if err := form.WriteField("senderId", req.SenderID); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(req.FileName)))
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := form.CreatePart(h)
	if err != nil {
		return err
	}

	src := &progressReader{r: req.File, total: req.Size, report: req.Progress}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return form.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// progressReader reports whole percentages of total as bytes are read.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}

// RangeBody is an open download stream.
type RangeBody struct {
	Body io.ReadCloser
	// Offset is the byte position of the first byte in Body.
	Offset int64
	// Total is the full size of the file, or -1 when the server did not say.
	Total int64
}

// OpenRange starts a GET for fileURL resuming at offset. A server that
// ignores the Range header yields Offset 0 and the whole file.
func (c *Client) OpenRange(ctx context.Context, fileURL string, offset int64) (*RangeBody, error) {
	header := http.Header{}
	if offset > 0 {
		header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	target := fileURL
	if strings.HasPrefix(fileURL, "/") {
		target = c.baseURL + fileURL
	}

	resp, err := c.do(ctx, http.MethodGet, "/files", target, nil, "", header)
	if err != nil {
		return nil, err
	}

	rb := &RangeBody{Body: resp.Body, Total: -1}
	if resp.StatusCode == http.StatusPartialContent {
		rb.Offset = offset
		rb.Total = totalFromContentRange(resp.Header.Get("Content-Range"))
		if rb.Total < 0 && resp.ContentLength >= 0 {
			rb.Total = offset + resp.ContentLength
		}
		return rb, nil
	}
	if resp.ContentLength >= 0 {
		rb.Total = resp.ContentLength
	}
	return rb, nil
}

// totalFromContentRange parses "bytes 100-199/200".
func totalFromContentRange(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return -1
	}
	total, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return total
}
