// Package approval implements the request/response protocol a child agent
// uses to ask its parent for a tool-call verdict. The transport is a pair of
// pipes; messages are JSON objects terminated by a NUL byte. Exactly one
// request may be outstanding per channel, and any transport failure on the
// child side resolves to a denial, never a hang.
package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/gate"
)

const (
	// EnvRequestFD / EnvResponseFD carry the child-side descriptor numbers.
	EnvRequestFD  = "WARDEN_APPROVAL_REQUEST_FD"
	EnvResponseFD = "WARDEN_APPROVAL_RESPONSE_FD"

	maxMessageBytes = 64 << 10

	// childWaitTimeout bounds how long a child waits for a verdict before
	// treating the request as denied.
	childWaitTimeout = 5 * time.Minute

	// parentReadTimeout bounds the parent's read of a request that poll
	// already reported readable.
	parentReadTimeout = time.Second
)

// Request is the child's side of the protocol.
type Request struct {
	ToolName       string `json:"tool_name"`
	ArgumentsJSON  string `json:"arguments_json"`
	DisplaySummary string `json:"display_summary"`
	RequestID      string `json:"request_id"`
}

// Response is the parent's verdict. Pattern carries the allowlist pattern
// generated for allowed_always decisions so the child can cache it.
type Response struct {
	RequestID string `json:"request_id"`
	Result    string `json:"result"`
	Pattern   string `json:"pattern,omitempty"`
}

// Channel owns one request pipe and one response pipe. The parent keeps the
// request read end and the response write end; the opposite ends are passed
// to the child through ExtraFiles.
type Channel struct {
	reqR  *os.File
	reqW  *os.File
	respR *os.File
	respW *os.File
}

// NewChannel creates both pipe pairs.
func NewChannel() (*Channel, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, err
	}
	return &Channel{reqR: reqR, reqW: reqW, respR: respR, respW: respW}, nil
}

// ChildFiles returns the files to hand to the child process, in the order
// they should appear in cmd.ExtraFiles. ChildEnv returns the matching env
// entries given the descriptor numbers the child will see (fd 3 + index).
func (c *Channel) ChildFiles() []*os.File {
	return []*os.File{c.reqW, c.respR}
}

func (c *Channel) ChildEnv(firstFD int) []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvRequestFD, firstFD),
		fmt.Sprintf("%s=%d", EnvResponseFD, firstFD+1),
	}
}

// CloseChildEnds closes the descriptors the parent handed to the child.
// Must be called after the child has been started so severed-channel
// detection works: once the child also exits, reads on reqR return EOF.
func (c *Channel) CloseChildEnds() {
	if c == nil {
		return
	}
	if c.reqW != nil {
		c.reqW.Close()
		c.reqW = nil
	}
	if c.respR != nil {
		c.respR.Close()
		c.respR = nil
	}
}

// Close releases every descriptor this end still holds.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	for _, f := range []**os.File{&c.reqR, &c.reqW, &c.respR, &c.respW} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
}

// RequestFD exposes the parent's request read descriptor for readiness
// polling. Returns -1 when the channel is closed.
func (c *Channel) RequestFD() int {
	if c == nil || c.reqR == nil {
		return -1
	}
	return int(c.reqR.Fd())
}

// ReadRequest reads exactly one pending request. Callers should only invoke
// it after a readiness poll reported the request descriptor readable.
func (c *Channel) ReadRequest() (*Request, error) {
	if c == nil || c.reqR == nil {
		return nil, errors.New("approval channel closed")
	}
	raw, err := readMessage(c.reqR, parentReadTimeout)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed approval request: %w", err)
	}
	return &req, nil
}

// WriteResponse sends the verdict for the request just read.
func (c *Channel) WriteResponse(resp *Response) error {
	if c == nil || c.respW == nil {
		return errors.New("approval channel closed")
	}
	return writeMessage(c.respW, resp)
}

// ChildChannel is the requesting side, reconstructed inside the child from
// inherited descriptors.
type ChildChannel struct {
	reqW  *os.File
	respR *os.File
}

// ChildFromEnv rebuilds the channel from the environment. Returns nil when
// the process was not started with approval descriptors (the root agent).
func ChildFromEnv() *ChildChannel {
	reqStr := os.Getenv(EnvRequestFD)
	respStr := os.Getenv(EnvResponseFD)
	if reqStr == "" || respStr == "" {
		return nil
	}
	reqFD, err1 := strconv.Atoi(reqStr)
	respFD, err2 := strconv.Atoi(respStr)
	if err1 != nil || err2 != nil || reqFD < 3 || respFD < 3 {
		return nil
	}
	return &ChildChannel{
		reqW:  os.NewFile(uintptr(reqFD), "approval-request"),
		respR: os.NewFile(uintptr(respFD), "approval-response"),
	}
}

// NewChildChannel wraps explicit files; used by tests to pair with a parent
// Channel inside one process.
func NewChildChannel(reqW, respR *os.File) *ChildChannel {
	return &ChildChannel{reqW: reqW, respR: respR}
}

func (c *ChildChannel) Close() {
	if c == nil {
		return
	}
	if c.reqW != nil {
		c.reqW.Close()
		c.reqW = nil
	}
	if c.respR != nil {
		c.respR.Close()
		c.respR = nil
	}
}

// RequestApproval sends one request and blocks for the verdict. Every
// failure path — no channel, write error, timeout, EOF (parent gone),
// malformed response, request-id mismatch — resolves to a denial.
func (c *ChildChannel) RequestApproval(call gate.ToolCall) gate.Verdict {
	if c == nil || c.reqW == nil || c.respR == nil {
		return gate.VerdictDenied
	}

	req := Request{
		ToolName:       call.Name,
		ArgumentsJSON:  call.Arguments,
		DisplaySummary: gate.DisplaySummary(call),
		RequestID:      uuid.NewString(),
	}
	if err := writeMessage(c.reqW, &req); err != nil {
		return gate.VerdictDenied
	}

	raw, err := readMessage(c.respR, childWaitTimeout)
	if err != nil {
		return gate.VerdictDenied
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return gate.VerdictDenied
	}
	if resp.RequestID != req.RequestID {
		// A stale or crossed response; the invariant is one outstanding
		// request per channel, so anything else is a protocol violation.
		return gate.VerdictDenied
	}
	switch v := gate.Verdict(resp.Result); v {
	case gate.VerdictAllowed, gate.VerdictAllowedAlways, gate.VerdictDenied,
		gate.VerdictRateLimited, gate.VerdictNonInteractiveDenied, gate.VerdictAborted:
		return v
	default:
		return gate.VerdictDenied
	}
}

func writeMessage(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(b)+1 > maxMessageBytes {
		return fmt.Errorf("approval message too large: %d bytes", len(b))
	}
	b = append(b, 0)
	_, err = f.Write(b)
	return err
}

// readMessage reads bytes until the NUL terminator, bounded by deadline and
// maxMessageBytes. Pipes support read deadlines on the platforms this
// runtime targets.
func readMessage(f *os.File, timeout time.Duration) ([]byte, error) {
	if err := f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer f.SetReadDeadline(time.Time{})

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
				buf.Write(chunk[:i])
				return buf.Bytes(), nil
			}
			buf.Write(chunk[:n])
			if buf.Len() > maxMessageBytes {
				return nil, errors.New("approval message exceeds size limit")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("approval channel severed: %w", err)
			}
			return nil, err
		}
	}
}
