package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CmdOpen = "open"
	CmdPing = "ping"
	CmdShow = "show"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Command is a single request frame: one JSON object on one line.
type Command struct {
	Cmd  string `json:"cmd"`
	Path string `json:"path,omitempty"`
}

// Response is the single reply frame written back for every command.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (r Response) OK() bool {
	return r.Status == StatusOK
}

func OKResponse() Response {
	return Response{Status: StatusOK}
}

func ErrorResponse(format string, args ...any) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// DecodeCommand parses one newline-delimited request frame. The trailing
// newline is optional so that a peer closing the connection right after the
// payload still gets its command honored.
func DecodeCommand(line []byte) (Command, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Command{}, errors.New("empty request")
	}

	var cmd Command
	if err := json.Unmarshal(trimmed, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %v", err)
	}
	if cmd.Cmd == "" {
		return Command{}, errors.New(`request missing "cmd" field`)
	}

	return cmd, nil
}

func DecodeResponse(line []byte) (Response, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Response{}, errors.New("empty response")
	}

	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return Response{}, fmt.Errorf("invalid JSON: %v", err)
	}
	if resp.Status == "" {
		return Response{}, errors.New(`response missing "status" field`)
	}

	return resp, nil
}
