package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal_SealsPendingEvents(t *testing.T) {
	path := seedDatabase(t)

	out, err := executeCommand(t, "seal", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Sealed 4 event(s) into 1 block(s)")
}

func TestSeal_NothingToSeal(t *testing.T) {
	path := seedDatabase(t)

	_, err := executeCommand(t, "seal", "--db", path)
	require.NoError(t, err)

	out, err := executeCommand(t, "seal", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to seal")
}

func TestSeal_RespectsMaxEvents(t *testing.T) {
	path := seedDatabase(t)

	out, err := executeCommand(t, "seal", "--db", path, "--max-events", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Sealed 4 event(s) into 2 block(s)")
}

func TestSeal_JSONOutput(t *testing.T) {
	path := seedDatabase(t)

	out, err := executeCommand(t, "seal", "--db", path, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   SealResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Events)
	require.Len(t, resp.Data.Blocks, 1)
	assert.NotEmpty(t, resp.Data.Blocks[0].MerkleRoot)
}
