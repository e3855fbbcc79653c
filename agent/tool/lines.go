package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	contractx "github.com/tanpawarit/pharmacy-assistant/agent/contract"
)

const maxLineBytes = 1 << 20

// ServeLines reads one JSON ToolRequest per line from r and writes one JSON
// ToolResult per line to w until EOF or ctx ends. Blank lines are skipped;
// a line that is not a request object is answered with BAD_ARGS.
func ServeLines(ctx context.Context, gateway contractx.ToolGateway, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		req, err := decodeRequest(line)
		if err != nil {
			if err := enc.Encode(failure("", contractx.CodeBadArgs, err)); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			continue
		}

		results, err := gateway.Execute(ctx, []contractx.ToolRequest{req})
		for _, res := range results {
			if werr := enc.Encode(res); werr != nil {
				return fmt.Errorf("write result: %w", werr)
			}
		}
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func decodeRequest(line []byte) (contractx.ToolRequest, error) {
	var req contractx.ToolRequest
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("%w: %v", contractx.ErrBadArgs, err)
	}
	if req.Tool == "" {
		return req, fmt.Errorf("%w: tool is required", contractx.ErrBadArgs)
	}
	return req, nil
}
