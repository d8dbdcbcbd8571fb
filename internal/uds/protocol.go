// Package uds is the control channel between the dronebatch CLI and a running
// spool daemon: length-prefixed JSON frames over a Unix domain socket.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the daemon root.
const DefaultSocketName = "daemon.sock"

// MaxFrameSize bounds a single frame; batches larger than this go through the
// inbox directory instead.
const MaxFrameSize = 10 * 1024 * 1024

var ErrFrameTooLarge = errors.New("frame too large")

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// DecodeParams unmarshals the request params into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("command %q: missing params", r.Command)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("command %q: decode params: %w", r.Command, err)
	}
	return nil
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// Decode unmarshals a successful response's data into v. A failed response
// is returned as its *ErrorDetail.
func (r *Response) Decode(v any) error {
	if !r.Success {
		if r.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed"}
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error:   &ErrorDetail{Code: code, Message: message},
	}
}

// WriteFrame writes [4-byte big-endian length][JSON payload].
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
