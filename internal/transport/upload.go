package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// UploadFile is one multipart part. Size drives the percentage; when it is
// unknown (<= 0) progress is only reported at 0 and 100.
type UploadFile struct {
	Field       string
	Name        string
	ContentType string
	Body        io.Reader
	Size        int64
}

// StoredFile is the server's record of an accepted upload.
type StoredFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	URL         string `json:"url,omitempty"`
}

// Upload streams file as multipart/form-data to path and decodes the {data}
// envelope into out. onProgress receives a percentage for every chunk read
// from the file. Uploads are never retried.
func (c *HTTPClient) Upload(ctx context.Context, path string, file UploadFile, onProgress func(int), out any) error {
	if file.Body == nil {
		return errors.New("upload body is required")
	}
	field := strings.TrimSpace(file.Field)
	if field == "" {
		field = "file"
	}
	name := strings.TrimSpace(file.Name)
	if name == "" {
		name = "upload.bin"
	}
	contentType := strings.TrimSpace(file.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if onProgress == nil {
		onProgress = func(int) {}
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		header.Set("Content-Type", contentType)
		part, err := form.CreatePart(header)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		reader := &progressReader{r: file.Body, total: file.Size, report: onProgress}
		reader.emit(0)
		if _, err := io.Copy(part, reader); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		reader.emit(100)
		_ = pw.CloseWithError(form.Close())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path, nil), pr)
	if err != nil {
		_ = pr.Close()
		return err
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		_ = pr.Close()
		return err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("X-Correlation-Id", newCorrelationID())

	resp, err := c.httpClient.Do(httpReq)
	_ = pr.Close()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%w: upload %s", ErrAborted, path)
		}
		return &NetworkError{Op: "upload " + path, Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%w: upload %s", ErrAborted, path)
		}
		return &NetworkError{Op: "read " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeHTTPError(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return decodeJSON(payload, out)
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	seen   bool
	report func(int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.total > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		p.emit(pct)
	}
	return n, err
}

// emit drops repeats so a chunk that does not move the percentage is not
// reported twice.
func (p *progressReader) emit(pct int) {
	if p.seen && pct == p.last {
		return
	}
	p.seen = true
	p.last = pct
	p.report(pct)
}
