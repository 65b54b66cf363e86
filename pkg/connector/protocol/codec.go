package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single request or response line. Resource bodies
// travel inline, so the limit is generous.
const maxFrameSize = 32 * 1024 * 1024

// Encoder writes protocol envelopes to an io.Writer, one JSON document per
// line. Encode methods are safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// EncodeRequest writes a request envelope.
func (e *Encoder) EncodeRequest(req *Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return e.encode(req)
}

// EncodeResponse writes a response envelope.
func (e *Encoder) EncodeResponse(resp *Response) error {
	return e.encode(resp)
}

func (e *Encoder) encode(v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads protocol envelopes from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxFrameSize)
	return &Decoder{r: scanner}
}

// DecodeRequest reads the next request envelope.
func (d *Decoder) DecodeRequest() (*Request, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

// DecodeResponse reads the next response envelope.
func (d *Decoder) DecodeResponse() (*Response, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

func (d *Decoder) next() ([]byte, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}
	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	return line, nil
}

// ParseParams parses request parameters into a typed payload.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
