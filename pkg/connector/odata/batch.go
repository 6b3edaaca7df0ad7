package odata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/clients"
	"github.com/ajitpratap0/erpconnect/pkg/errors"
	"github.com/ajitpratap0/erpconnect/pkg/json"
)

// BatchRequest is one operation of a $batch call. GET requests are sent as
// individual parts; all other methods are grouped into one changeset, which
// the service applies atomically.
type BatchRequest struct {
	Method string
	// Path is relative to the service root, e.g. "Products(1)"
	Path    string
	Query   *QueryOptions
	Headers http.Header
	Body    interface{}
}

// BatchResponse is the outcome of one operation. Batch does not decode the
// service reply yet and always returns an empty list.
type BatchResponse struct {
	Status    int
	Headers   http.Header
	Body      []byte
	Data      interface{}
	ContentID string
	Err       error
}

// Batch sends reqs as a single multipart/mixed $batch request. Transport and
// HTTP errors are returned; a successful reply yields an empty result.
func (c *Connector) Batch(ctx context.Context, reqs []BatchRequest) ([]BatchResponse, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	body, contentType, err := c.buildBatch(reqs)
	if err != nil {
		return nil, err
	}

	resp, err := c.write(ctx, &clients.Request{
		Method:      http.MethodPost,
		Path:        "$batch",
		Body:        body,
		ContentType: contentType,
		Headers:     http.Header{"Accept": []string{"multipart/mixed"}},
	})
	if err != nil {
		return nil, err
	}

	// TODO: decode the multipart/mixed reply into per-operation responses.
	c.logger.Debug("$batch sent", zap.Int("operations", len(reqs)), zap.Int("status", resp.Status))
	return []BatchResponse{}, nil
}

// buildBatch renders the multipart body and returns it with its content
// type. Boundaries are batch_<uuid> and changeset_<uuid>.
func (c *Connector) buildBatch(reqs []BatchRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, "", errors.Wrap(err, errors.ErrorTypeInternal, "invalid batch boundary")
	}

	var changes []BatchRequest
	for _, r := range reqs {
		method := strings.ToUpper(r.Method)
		if method == "" {
			method = http.MethodGet
		}
		if method != http.MethodGet {
			r.Method = method
			changes = append(changes, r)
			continue
		}
		part, err := mw.CreatePart(httpPartHeader(""))
		if err != nil {
			return nil, "", err
		}
		if err := c.writeOperation(part, http.MethodGet, r); err != nil {
			return nil, "", err
		}
	}

	if len(changes) > 0 {
		var csBuf bytes.Buffer
		cs := multipart.NewWriter(&csBuf)
		if err := cs.SetBoundary("changeset_" + uuid.NewString()); err != nil {
			return nil, "", errors.Wrap(err, errors.ErrorTypeInternal, "invalid changeset boundary")
		}
		for i, r := range changes {
			part, err := cs.CreatePart(httpPartHeader(strconv.Itoa(i + 1)))
			if err != nil {
				return nil, "", err
			}
			if err := c.writeOperation(part, r.Method, r); err != nil {
				return nil, "", err
			}
		}
		if err := cs.Close(); err != nil {
			return nil, "", err
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"multipart/mixed; boundary=" + cs.Boundary()},
		})
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(csBuf.Bytes()); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

func httpPartHeader(contentID string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{
		"Content-Type":              {"application/http"},
		"Content-Transfer-Encoding": {"binary"},
	}
	if contentID != "" {
		h.Set("Content-ID", contentID)
	}
	return h
}

// writeOperation writes the embedded HTTP request of one part.
func (c *Connector) writeOperation(w io.Writer, method string, r BatchRequest) error {
	target := strings.TrimLeft(r.Path, "/")
	if r.Query != nil {
		raw, err := c.encode(r.Query)
		if err != nil {
			return err
		}
		if raw != "" {
			target += "?" + raw
		}
	}

	var body []byte
	if r.Body != nil {
		switch b := r.Body.(type) {
		case []byte:
			body = b
		case string:
			body = []byte(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode batch body")
			}
			body = encoded
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", method, target)
	sb.WriteString("Accept: application/json\r\n")
	if body != nil {
		sb.WriteString("Content-Type: application/json\r\n")
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	}
	for k, vs := range r.Headers {
		for _, v := range vs {
			fmt.Fprintf(&sb, "%s: %s\r\n", http.CanonicalHeaderKey(k), v)
		}
	}
	sb.WriteString("\r\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if body != nil {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
