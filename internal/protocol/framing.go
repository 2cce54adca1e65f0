package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes caps a single wire line. Oversized tool results should go
// through out-of-band storage, not the control channel.
const MaxLineBytes = 10 * 1024 * 1024

// Encode marshals m as a single JSON object with a leading "type" tag.
// The output contains no newlines and is safe to frame as one line.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}

	// Splice the tag in as the first key. Concrete messages always
	// marshal to a JSON object.
	tag := []byte(`{"type":"` + m.MessageType() + `"`)
	if len(body) == 2 { // "{}"
		return append(tag, '}'), nil
	}
	out := make([]byte, 0, len(tag)+len(body))
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses one wire line into its concrete message type. Unknown
// types and unknown fields are rejected.
func Decode(line []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var m Message
	var err error
	switch env.Type {
	case TypeRegister:
		v := new(Register)
		err = strictDecode(line, &struct {
			Type string `json:"type"`
			*Register
		}{Register: v})
		m = v
	case TypeExecute:
		v := new(Execute)
		err = strictDecode(line, &struct {
			Type string `json:"type"`
			*Execute
		}{Execute: v})
		m = v
	case TypeSuccess:
		v := new(Success)
		err = strictDecode(line, &struct {
			Type string `json:"type"`
			*Success
		}{Success: v})
		m = v
	case TypeError:
		v := new(Error)
		err = strictDecode(line, &struct {
			Type string `json:"type"`
			*Error
		}{Error: v})
		m = v
	case TypePing:
		v := new(Ping)
		err = strictDecode(line, &struct {
			Type string `json:"type"`
			*Ping
		}{Ping: v})
		m = v
	case TypePong:
		v := new(Pong)
		err = strictDecode(line, &struct {
			Type string `json:"type"`
			*Pong
		}{Pong: v})
		m = v
	case TypeShutdown:
		v := new(Shutdown)
		err = strictDecode(line, &struct {
			Type string `json:"type"`
			*Shutdown
		}{Shutdown: v})
		m = v
	case "":
		return nil, fmt.Errorf("decode message: missing type tag")
	default:
		return nil, fmt.Errorf("decode message: unknown type %q", env.Type)
	}

	if err != nil {
		return nil, err
	}
	return m, nil
}

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// Writer frames messages as newline-delimited JSON. Safe for concurrent
// use; each message is written with a single Write call so lines never
// interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", m.MessageType(), err)
	}
	return nil
}

// MalformedLineError reports a single undecodable line. The stream
// itself is intact: the caller can log the error and keep reading.
type MalformedLineError struct {
	Err error
}

func (e *MalformedLineError) Error() string { return e.Err.Error() }
func (e *MalformedLineError) Unwrap() error { return e.Err }

// Reader reads newline-delimited messages. Blank lines are skipped. A
// malformed line returns a *MalformedLineError and leaves the reader
// usable for the next line; any other error is terminal.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &Reader{sc: sc}
}

// Next returns the next message, or io.EOF when the stream ends.
func (r *Reader) Next() (Message, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		m, err := Decode(line)
		if err != nil {
			return nil, &MalformedLineError{Err: err}
		}
		return m, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
