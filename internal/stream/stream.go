// Package stream decodes incremental upstream responses.
//
// Two framings are supported: Server-Sent Events, where each "data:" line
// carries one JSON object, and newline-delimited JSON. Bytes are read in
// chunks and split on '\n'; a partial trailing line is kept until the next
// read completes it. Frames that are not valid JSON are dropped and counted
// in Stats.Malformed. The "[DONE]" sentinel is ignored; a stream ends only
// when the reader is exhausted.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const readChunk = 4096

// DoneSentinel is the OpenAI end-of-stream marker.
const DoneSentinel = "[DONE]"

// Stats summarizes one decoded stream.
type Stats struct {
	Frames    int
	Malformed int
}

// Lines calls fn for every complete line in r with the trailing '\r'
// removed. An unterminated final line is delivered when r reaches EOF.
// An error returned by fn stops reading and is returned as is.
func Lines(r io.Reader, fn func(line []byte) error) error {
	buf := make([]byte, readChunk)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				if ferr := fn(bytes.TrimSuffix(pending[:i], []byte{'\r'})); ferr != nil {
					return ferr
				}
				pending = pending[i+1:]
			}
		}

		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(pending)) > 0 {
				return fn(bytes.TrimSuffix(pending, []byte{'\r'}))
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReadSSE decodes the JSON payload of every "data:" line into a fresh T and
// passes it to fn. Comments, event names and blank separators are skipped.
func ReadSSE[T any](r io.Reader, fn func(*T) error) (Stats, error) {
	var st Stats
	err := Lines(r, func(line []byte) error {
		data, ok := sseData(line)
		if !ok || len(data) == 0 || string(data) == DoneSentinel {
			return nil
		}
		return decode(data, &st, fn)
	})
	return st, err
}

// ReadNDJSON decodes every non-blank line as one JSON object.
func ReadNDJSON[T any](r io.Reader, fn func(*T) error) (Stats, error) {
	var st Stats
	err := Lines(r, func(line []byte) error {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return nil
		}
		return decode(line, &st, fn)
	})
	return st, err
}

func decode[T any](data []byte, st *Stats, fn func(*T) error) error {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		st.Malformed++
		return nil
	}
	st.Frames++
	return fn(v)
}

func sseData(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimSpace(rest), true
}
