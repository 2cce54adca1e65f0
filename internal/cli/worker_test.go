package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/foundry/internal/protocol"
)

func TestWorker_RegistersAndStopsOnEOF(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("")) // immediate EOF
	cmd.SetArgs([]string{"worker", "--id", "wd-test", "--max-concurrent", "2"})

	require.NoError(t, cmd.Execute())

	r := protocol.NewReader(out)
	msg, err := r.Next()
	require.NoError(t, err)
	reg, ok := msg.(*protocol.Register)
	require.True(t, ok)
	assert.Equal(t, "wd-test", reg.WorkerID)
	assert.Equal(t, 2, reg.Capabilities.MaxConcurrent)
	assert.Contains(t, reg.Capabilities.Tools, "echo")
}
