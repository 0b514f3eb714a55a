// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// event is one SSE frame: an optional id and a data payload. The id is
// omitted on transports with no configured EventStore (see §4.6).
type event struct {
	id   string
	data []byte
}

// writeEvent frames ev per the transport's SSE format and flushes it
// immediately. It never coalesces frames across messages.
func writeEvent(w io.Writer, flusher http.Flusher, ev event) error {
	var buf bytes.Buffer
	if ev.id != "" {
		fmt.Fprintf(&buf, "id: %s\n", ev.id)
	}
	buf.WriteString("data: ")
	buf.Write(ev.data)
	buf.WriteString("\n\n")
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// scanEvents reads SSE frames from r, one at a time, for use by the client
// transport's stream receivers. It returns io.EOF when the stream ends
// cleanly.
func scanEvents(r *bufio.Reader) (event, error) {
	var ev event
	var data []string
	sawAny := false
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil && !sawAny {
				return event{}, err
			}
			if sawAny {
				break
			}
			if err != nil {
				return event{}, err
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(trimmed, "id:"):
			ev.id = strings.TrimSpace(strings.TrimPrefix(trimmed, "id:"))
		case strings.HasPrefix(trimmed, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		}
		if err != nil {
			if len(data) == 0 {
				return event{}, err
			}
			break
		}
	}
	ev.data = []byte(strings.Join(data, "\n"))
	return ev, nil
}
