// Command request-stamp is an example subprocess plugin. On before_request it
// stamps the request with a trace header; on after_response it marks the
// response as having passed through the dispatch chain.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bulwarkhq/bulwark/internal/protocol"
)

func main() {
	resp := handle(os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(r io.Reader) protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != 1 {
		return errResp(fmt.Sprintf("unsupported protocol version %d", req.Protocol))
	}

	switch req.Hook {
	case protocol.HookInit, protocol.HookShutdown:
		return protocol.Response{Status: "ok"}

	case protocol.HookHealth:
		return protocol.Response{Status: "ok", Health: "healthy"}

	case protocol.HookBefore:
		if req.Request == nil {
			return errResp("before_request requires a request payload")
		}
		return stampRequest(req)

	case protocol.HookAfter:
		if req.Response == nil {
			return errResp("after_response requires a response payload")
		}
		return stampResponse(req)

	default:
		return errResp(fmt.Sprintf("unknown hook: %s", req.Hook))
	}
}

func stampRequest(req protocol.Request) protocol.Response {
	headerName := configString(req.Config, "header_name", "X-Trace-Id")

	out := req.Request.Clone()
	if out.Headers == nil {
		out.Headers = make(map[string]string)
	}
	if out.Headers[headerName] == "" {
		out.Headers[headerName] = uuid.NewString()
	}

	return protocol.Response{
		Status:  "ok",
		Request: out,
		Logs: []protocol.LogEntry{
			{Level: "debug", Message: fmt.Sprintf("stamped %s %s", out.Method, out.Path)},
		},
	}
}

func stampResponse(req protocol.Request) protocol.Response {
	out := req.Response.Clone()
	if out.Headers == nil {
		out.Headers = make(map[string]string)
	}
	out.Headers["X-Served-At"] = time.Now().UTC().Format(time.RFC3339)

	return protocol.Response{Status: "ok", Response: out}
}

func configString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func errResp(msg string) protocol.Response {
	return protocol.Response{Status: "error", Error: msg}
}
