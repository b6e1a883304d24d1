package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
	"github.com/loist/loist/internal/server/handlers"
)

// stdioRequest is one line of the stdio protocol: a tool name, opaque
// parameters and an optional correlation id echoed back on the response.
type stdioRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

type stdioResponse struct {
	ID     json.RawMessage        `json:"id,omitempty"`
	Result interface{}            `json:"result,omitempty"`
	Error  map[string]interface{} `json:"error,omitempty"`
}

// StdioLoop serves tool calls as line-delimited JSON: one request per line on
// in, one response per line on out. Logs go to stderr, so out stays clean
// for the protocol. Returns when in reaches EOF or ctx is canceled.
func StdioLoop(ctx context.Context, h *handlers.Handlers, in io.Reader, out io.Writer) error {
	log := logger.Named("stdio")
	encoder := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req stdioRequest
		if err := json.Unmarshal(line, &req); err != nil {
			writeStdioError(encoder, nil, errors.NewInvalidQuery("request line is not valid JSON"))
			continue
		}

		result, err := h.CallTool(ctx, req.Tool, req.Params)
		if err != nil {
			log.Warn("tool call failed", "tool", req.Tool, "error", err)
			writeStdioError(encoder, req.ID, err)
			continue
		}
		if encodeErr := encoder.Encode(stdioResponse{ID: req.ID, Result: result}); encodeErr != nil {
			return encodeErr
		}
	}
	return scanner.Err()
}

func writeStdioError(encoder *json.Encoder, id json.RawMessage, err error) {
	envelope := errors.Envelope(err)
	_ = encoder.Encode(stdioResponse{ID: id, Error: envelope})
}
