package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Terminator ends every response exactly once.
const Terminator = "END"

// Response is one encodable reply. Exactly one of Count or Reason is used
// depending on the status.
type Response struct {
	Code   int
	Text   string
	Count  int
	Reason string
	Body   []string
	// Gzip replaces a non-empty body with a single GZIP <base64> line.
	Gzip bool
}

// OK builds a 200 response. A zero count still encodes as 200 when the
// caller chooses to (BATCH and STATS always succeed); FIND/COUNT callers use
// Result instead.
func OK(count int, body []string) Response {
	return Response{Code: 200, Text: "OK", Count: count, Body: body}
}

// NotFound builds the zero-match response.
func NotFound() Response {
	return Response{Code: 404, Text: "NOT-FOUND", Count: 0}
}

// Result builds OK or NotFound from a match count.
func Result(count int, body []string) Response {
	if count == 0 {
		return NotFound()
	}
	return OK(count, body)
}

// BadRequest builds a 400 response with a stable reason.
func BadRequest(reason string) Response {
	return Response{Code: 400, Text: "BAD-REQUEST", Reason: reason}
}

// ServerError builds a 500 response.
func ServerError(reason string) Response {
	return Response{Code: 500, Text: "SERVER-ERROR", Reason: reason}
}

// Busy builds the backpressure response sent when the connection cap is hit.
func Busy() Response {
	return Response{Code: 503, Text: "BUSY", Count: 0}
}

// Encode writes the response: status line, body lines (possibly compressed
// into one GZIP line), and the terminator. The status line and terminator are
// never compressed.
func (r Response) Encode(w io.Writer) error {
	var b strings.Builder
	if r.Code == 400 || r.Code == 500 {
		fmt.Fprintf(&b, "%d %s %s\n", r.Code, r.Text, r.Reason)
	} else {
		fmt.Fprintf(&b, "%d %s %d\n", r.Code, r.Text, r.Count)
	}
	if len(r.Body) > 0 {
		if r.Gzip {
			encoded, err := compressBody(r.Body)
			if err != nil {
				return fmt.Errorf("protocol: compress body: %w", err)
			}
			b.WriteString("GZIP ")
			b.WriteString(encoded)
			b.WriteByte('\n')
		} else {
			for _, line := range r.Body {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	}
	b.WriteString(Terminator)
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

func compressBody(lines []string) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, strings.Join(lines, "\n")); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBody reverses the GZIP framing of a single body line payload.
func DecodeBody(b64 string) ([]string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode base64 body: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("protocol: open gzip body: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("protocol: read gzip body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\n"), nil
}
