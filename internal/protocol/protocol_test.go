package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	messages := []Message{
		&Register{
			WorkerID: "worker-1",
			Capabilities: Capabilities{
				Tools:         []string{"echo", "checksum"},
				MaxConcurrent: 4,
			},
			Resources:       Resources{CPUCores: 2, MemoryMb: 512},
			ProtocolVersion: Version,
		},
		&Execute{
			ID:        "req-1",
			Tool:      "echo",
			Params:    json.RawMessage(`{"value":"hi"}`),
			TimeoutMs: 5000,
			Priority:  "normal",
		},
		&Success{
			ID:              "req-1",
			Result:          json.RawMessage(`{"value":"hi"}`),
			CacheKey:        "abc",
			CacheTTLSeconds: 60,
		},
		&Error{
			ID:  "req-2",
			Err: ErrorDetail{Code: ErrCodeInternal, Message: "tool failed"},
		},
		&Ping{Timestamp: 1717243200000},
		&Pong{
			Timestamp: 1717243200000,
			Status:    WorkerStatus{QueueDepth: 2, UptimeSeconds: 30},
		},
		&Shutdown{Graceful: true, TimeoutMs: 2000},
	}

	for _, m := range messages {
		data, err := Encode(m)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "\n")

		got, err := Decode(data)
		require.NoError(t, err, "type %s", m.MessageType())
		assert.Equal(t, m, got)
	}
}

func TestEncode_TypeTagFirst(t *testing.T) {
	data, err := Encode(&Ping{Timestamp: 42})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"type":"ping"`), "got %s", data)
}

func TestDecode_RejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","id":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestDecode_RejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ping","timestamp":1,"extra":true}`))
	require.Error(t, err)
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ping"`))
	require.Error(t, err)
}

func TestReader_SkipsBlankLinesAndRecovers(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"ping","timestamp":1}`,
		``,
		`not json at all`,
		`{"type":"ping","timestamp":2}`,
	}, "\n") + "\n"

	r := NewReader(strings.NewReader(input))

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, &Ping{Timestamp: 1}, m)

	// Malformed line errors but does not poison the stream.
	_, err = r.Next()
	require.Error(t, err)

	m, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, &Ping{Timestamp: 2}, m)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriter_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&safeBuffer{buf: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = w.Write(&Ping{Timestamp: int64(n)})
		}(i)
	}
	wg.Wait()

	r := NewReader(&buf)
	count := 0
	for {
		m, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.IsType(t, &Ping{}, m)
		count++
	}
	assert.Equal(t, 20, count)
}

// safeBuffer serializes writes so the race detector stays quiet about the
// shared bytes.Buffer; line atomicity is what the test asserts.
type safeBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestValidateRegister(t *testing.T) {
	valid := func() *Register {
		return &Register{
			WorkerID:        "w1",
			Capabilities:    Capabilities{Tools: []string{"echo"}, MaxConcurrent: 1},
			ProtocolVersion: Version,
		}
	}

	require.NoError(t, ValidateRegister(valid()))

	r := valid()
	r.ProtocolVersion = 999
	err := ValidateRegister(r)
	require.Error(t, err)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeProtocolMismatch, detail.Code)

	r = valid()
	r.WorkerID = ""
	require.Error(t, ValidateRegister(r))

	r = valid()
	r.Capabilities.Tools = nil
	require.Error(t, ValidateRegister(r))

	r = valid()
	r.Capabilities.MaxConcurrent = 0
	require.Error(t, ValidateRegister(r))
}
