package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wordd/internal/protocol"
	"pkt.systems/wordd/internal/svcfields"
)

// Mode names accepted by the --mode flag.
const (
	ModeExact   = "exact"
	ModePartial = "partial"
)

// DefaultTimeout bounds each request round trip when none is configured.
const DefaultTimeout = 30 * time.Second

// ProtocolError is a non-success status returned by the server. Zero matches
// are not an error; they surface as empty results.
type ProtocolError struct {
	Code   int
	Text   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("wordd: %d %s: %s", e.Code, e.Text, e.Reason)
	}
	return fmt.Sprintf("wordd: %d %s", e.Code, e.Text)
}

// Option configures Dial.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	timeout time.Duration
}

// WithLogger installs a request logger. Defaults to a noop logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTimeout bounds each request round trip, including Dial itself.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Client speaks the line protocol over one connection. Methods are safe for
// concurrent use; requests are serialized on the connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	logger  pslog.Logger
	closed  bool
}

// Dial connects to a wordd server at addr ("host:port").
func Dial(addr string, opts ...Option) (*Client, error) {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	conn, err := net.DialTimeout("tcp", addr, o.timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %q: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: o.timeout,
		logger:  svcfields.WithSubsystem(o.logger, "client"),
	}, nil
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_, _, _ = c.roundTrip("QUIT")
	return c.conn.Close()
}

// QueryOption tunes a single request.
type QueryOption func(*query)

type query struct {
	mode     string
	hasRange bool
	start    int
	end      int
	gzip     bool
}

// WithMode sets the matching mode (ModeExact or ModePartial).
func WithMode(mode string) QueryOption {
	return func(q *query) {
		q.mode = mode
	}
}

// WithRange requests the [start, end) page of the match sequence. The count
// returned by Find still reports the total across all matches.
func WithRange(start, end int) QueryOption {
	return func(q *query) {
		q.hasRange = true
		q.start = start
		q.end = end
	}
}

// WithGzip asks the server to compress the result body. Decoding is
// transparent; results come back as plain words either way.
func WithGzip() QueryOption {
	return func(q *query) {
		q.gzip = true
	}
}

func buildQuery(opts []QueryOption) query {
	var q query
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

func (q query) flags() string {
	var b strings.Builder
	if q.hasRange {
		fmt.Fprintf(&b, " --range %d %d", q.start, q.end)
	}
	if q.gzip {
		b.WriteString(" --gzip")
	}
	if q.mode != "" {
		b.WriteString(" --mode ")
		b.WriteString(q.mode)
	}
	return b.String()
}

// Find returns the total match count and the (possibly paged) matches.
func (c *Client) Find(pattern string, opts ...QueryOption) (int, []string, error) {
	q := buildQuery(opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, body, err := c.roundTrip("FIND " + pattern + q.flags())
	if err != nil {
		return 0, nil, err
	}
	return st.count, body, nil
}

// FindMulti returns the merged de-duplicated matches of several patterns.
func (c *Client) FindMulti(patterns []string, opts ...QueryOption) ([]string, error) {
	if len(patterns) == 0 {
		return nil, errors.New("client: no patterns")
	}
	q := buildQuery(opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, body, err := c.roundTrip("FINDMULTI " + strings.Join(patterns, " ") + q.flags())
	return body, err
}

// Count returns the total match count for one pattern.
func (c *Client) Count(pattern string, opts ...QueryOption) (int, error) {
	q := buildQuery(opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, _, err := c.roundTrip("COUNT " + pattern + q.flags())
	if err != nil {
		return 0, err
	}
	return st.count, nil
}

// CountBatch returns per-pattern counts in input order. Patterns that fail
// validation count as zero.
func (c *Client) CountBatch(patterns []string, opts ...QueryOption) ([]int, error) {
	if len(patterns) == 0 {
		return nil, errors.New("client: no patterns")
	}
	quoted := make([]string, 0, len(patterns))
	for _, p := range patterns {
		quoted = append(quoted, strconv.Quote(p))
	}
	q := buildQuery(opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, body, err := c.roundTrip("BATCH [" + strings.Join(quoted, ",") + "]" + q.flags())
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(patterns))
	for _, line := range body {
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "COUNT" {
			return nil, fmt.Errorf("client: malformed batch line %q", line)
		}
		idx, idxErr := strconv.Atoi(fields[1])
		n, nErr := strconv.Atoi(fields[2])
		if idxErr != nil || nErr != nil || idx < 0 || idx >= len(counts) {
			return nil, fmt.Errorf("client: malformed batch line %q", line)
		}
		counts[idx] = n
	}
	return counts, nil
}

// Stats returns the server counters as a name/value map.
func (c *Client) Stats() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, body, err := c.roundTrip("STATS")
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(body))
	for _, line := range body {
		name, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("client: malformed stats line %q", line)
		}
		fields[name] = value
	}
	return fields, nil
}

type status struct {
	code  int
	text  string
	count int
}

// roundTrip sends one line and reads the response through the terminator.
// Callers hold c.mu.
func (c *Client) roundTrip(line string) (status, []string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return status{}, nil, fmt.Errorf("client: set deadline: %w", err)
	}
	started := time.Now()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return status{}, nil, fmt.Errorf("client: write: %w", err)
	}
	st, body, err := c.readResponse()
	if err != nil {
		return status{}, nil, err
	}
	c.logger.Debug("client.request",
		"status", st.code,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return st, body, nil
}

func (c *Client) readResponse() (status, []string, error) {
	header, err := c.readLine()
	if err != nil {
		return status{}, nil, fmt.Errorf("client: read status: %w", err)
	}
	st, reason, err := parseStatus(header)
	if err != nil {
		return status{}, nil, err
	}
	var body []string
	for {
		line, err := c.readLine()
		if err != nil {
			return status{}, nil, fmt.Errorf("client: read body: %w", err)
		}
		if line == protocol.Terminator {
			break
		}
		body = append(body, line)
	}
	if st.code != 200 && st.code != 404 {
		return status{}, nil, &ProtocolError{Code: st.code, Text: st.text, Reason: reason}
	}
	if len(body) == 1 {
		if payload, ok := strings.CutPrefix(body[0], "GZIP "); ok {
			body, err = protocol.DecodeBody(payload)
			if err != nil {
				return status{}, nil, fmt.Errorf("client: %w", err)
			}
		}
	}
	return st, body, nil
}

func (c *Client) readLine() (string, error) {
	raw, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, "\r\n"), nil
}

func parseStatus(header string) (status, string, error) {
	fields := strings.SplitN(header, " ", 3)
	if len(fields) < 3 {
		return status{}, "", fmt.Errorf("client: malformed status line %q", header)
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return status{}, "", fmt.Errorf("client: malformed status line %q", header)
	}
	st := status{code: code, text: fields[1]}
	switch code {
	case 400, 500:
		return st, fields[2], nil
	default:
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			return status{}, "", fmt.Errorf("client: malformed status line %q", header)
		}
		st.count = count
		return st, "", nil
	}
}
