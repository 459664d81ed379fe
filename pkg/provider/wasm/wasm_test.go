package wasm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
	"github.com/Mindburn-Labs/qhub/pkg/provider"
)

// echoOK writes {"ok":true} to stdout through fd_write.
const echoOK = "0061736d01000000010c0260047f7f7f7f017f60000002230116776173695f736e617073686f745f70726576696577310866645f77726974650000030201010503010001071302065f73746172740001066d656d6f727902000a10010e0041014100410141e40010001a0b0b19010041000b13080000000b0000007b226f6b223a747275657d"

// silent exports an empty _start.
const silent = "0061736d0100000001040160000003020100070a01065f737461727400000a040102000b"

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func customSpec(t *testing.T, id, solver string) *contracts.ProblemSpec {
	t.Helper()
	raw, err := json.Marshal(contracts.CustomPayload{Solver: solver, Input: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	return &contracts.ProblemSpec{ID: id, Kind: contracts.KindCustom, Payload: raw, Units: 1}
}

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(context.Background(), contracts.ProviderDescriptor{ProviderID: "wasm-1"}, Config{MemoryLimitBytes: 1 << 20},
		map[string][]byte{"echo": mustHex(t, echoOK), "silent": mustHex(t, silent)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func wait(t *testing.T, a *Adapter, h string) provider.PollResult {
	t.Helper()
	var st provider.PollResult
	require.Eventually(t, func() bool {
		var err error
		st, err = a.Poll(context.Background(), h)
		require.NoError(t, err)
		return st.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestWASM_RunsModule(t *testing.T) {
	a := newAdapter(t)
	h, err := a.Submit(context.Background(), customSpec(t, "p1", "echo"))
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSucceeded, wait(t, a, h).Status)

	res, err := a.Fetch(context.Background(), h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Output))
	assert.Equal(t, 1.0, res.Usage.Units)
}

func TestWASM_NonJSONOutputFails(t *testing.T) {
	a := newAdapter(t)
	h, err := a.Submit(context.Background(), customSpec(t, "p2", "silent"))
	require.NoError(t, err)
	st := wait(t, a, h)
	assert.Equal(t, provider.StatusFailed, st.Status)
	assert.Contains(t, st.Message, "not JSON")
}

func TestWASM_UnknownSolverIsPermanent(t *testing.T) {
	a := newAdapter(t)
	_, err := a.Submit(context.Background(), customSpec(t, "p3", "missing"))
	assert.True(t, provider.IsPermanent(err))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.wasm"), mustHex(t, echoOK), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))
	mods, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, mods, 1)
	assert.Contains(t, mods, "echo")

	_, err = LoadDir(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadDir(t.TempDir())
	assert.ErrorContains(t, err, "no .wasm modules")

	_, err = LoadDir(filepath.Join(dir, "notes.txt"))
	assert.Error(t, err)
}
