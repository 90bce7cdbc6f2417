package transport

import (
	"bufio"
	"context"
	"io"
	"strings"
)

type sseEvent struct {
	Event string
	Data  string
	ID    string
}

// readSSE parses a text/event-stream body and calls fn for every complete
// event. Returning false from fn stops reading. The returned error is nil
// when the stream ended normally.
func readSSE(ctx context.Context, body io.Reader, maxLine int, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		current sseEvent
		data    []string
		pending bool
	)
	dispatch := func() bool {
		if !pending {
			return true
		}
		current.Data = strings.Join(data, "\n")
		if current.Event == "" {
			current.Event = "message"
		}
		ok := fn(current)
		current, data, pending = sseEvent{}, nil, false
		return ok
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if !dispatch() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			current.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			current.ID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	dispatch()
	return nil
}
