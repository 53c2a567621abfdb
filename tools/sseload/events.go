package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

type event struct {
	id        uint64
	name      string
	data      string
	heartbeat bool
}

// readEvents parses an SSE body and calls fn per dispatched event or comment line.
// It returns the read error, io.EOF included, when the stream ends.
func readEvents(r io.Reader, fn func(event)) error {
	reader := bufio.NewReader(r)
	var (
		cur     event
		pending bool
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if pending {
				fn(cur)
			}
			cur, pending = event{}, false
		case strings.HasPrefix(line, ":"):
			fn(event{heartbeat: true})
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			pending = true
			switch field {
			case "id":
				cur.id, _ = strconv.ParseUint(value, 10, 64)
			case "event":
				cur.name = value
			case "data":
				if cur.data != "" {
					cur.data += "\n"
				}
				cur.data += value
			}
		}
	}
}
