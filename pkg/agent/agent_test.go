package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/taskevent"
)

func runToCompletion(t *testing.T, h *harness, text string) {
	t.Helper()
	bus, err := h.agent.RunTask(context.Background(), text, nil)
	require.NoError(t, err)
	collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))
}

func TestClearMessages(t *testing.T) {
	h := newHarness(t, &fakeProvider{scripts: []*scriptedStream{endTurnScript("ok")}})
	runToCompletion(t, h, "hello")
	require.NotEmpty(t, h.agent.Messages())

	require.NoError(t, h.agent.ClearMessages())
	assert.Empty(t, h.agent.Messages())
}

func TestApplyCheckpointRollsBackWorkspaceAndHistory(t *testing.T) {
	provider := &fakeProvider{scripts: []*scriptedStream{
		endTurnScript("first done"),
		endTurnScript("second done"),
	}}
	h := newHarness(t, provider)

	path := filepath.Join(h.workDir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("version A"), 0o644))
	runToCompletion(t, h, "task A")

	require.NoError(t, os.WriteFile(path, []byte("version B"), 0o644))
	runToCompletion(t, h, "task B")

	msgs := h.agent.Messages()
	require.Len(t, msgs, 4)
	checkpointA := msgs[0].CheckpointID
	require.NotEmpty(t, checkpointA)

	require.NoError(t, h.agent.ApplyCheckpoint(context.Background(), checkpointA))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version A", string(data))

	// History is a strict prefix ending before task A's user message.
	assert.Empty(t, h.agent.Messages())

	// A pre-apply safety snapshot exists.
	list, err := h.agent.Checkpoints().List(context.Background())
	require.NoError(t, err)
	found := false
	for _, d := range list {
		if strings.HasPrefix(d.Name, "backup-before-applying-") {
			found = true
		}
	}
	assert.True(t, found, "expected a backup-before-applying checkpoint")
}

func TestApplyCheckpointUnknownMessage(t *testing.T) {
	h := newHarness(t, &fakeProvider{scripts: []*scriptedStream{endTurnScript("ok")}})
	runToCompletion(t, h, "hello")

	// A checkpoint that exists in the store but is attached to no message.
	id, err := h.agent.Checkpoints().Create(context.Background(), "manual")
	require.NoError(t, err)

	err = h.agent.ApplyCheckpoint(context.Background(), id)
	assert.ErrorIs(t, err, ErrUnknownCheckpoint)
}

func TestApplyCheckpointRefusedWhileRunning(t *testing.T) {
	h := newHarness(t, &fakeProvider{scripts: []*scriptedStream{{block: true}}})
	_, err := h.agent.RunTask(context.Background(), "hang", nil)
	require.NoError(t, err)

	err = h.agent.ApplyCheckpoint(context.Background(), "whatever")
	assert.ErrorIs(t, err, ErrTaskRunning)

	h.agent.Cancel()
	require.NoError(t, h.agent.Wait(context.Background()))
}

func TestDisposeRejectsFurtherWork(t *testing.T) {
	h := newHarness(t, &fakeProvider{scripts: []*scriptedStream{{block: true}}})
	bus, err := h.agent.RunTask(context.Background(), "hang", nil)
	require.NoError(t, err)

	require.NoError(t, h.agent.Dispose(context.Background()))
	events := collect(t, bus)
	assert.Equal(t, taskevent.TypeCancelled, terminal(t, events).Type)

	_, err = h.agent.RunTask(context.Background(), "more", nil)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, h.agent.ClearMessages(), ErrDisposed)
	assert.ErrorIs(t, h.agent.ApplyCheckpoint(context.Background(), "x"), ErrDisposed)

	// Idempotent.
	require.NoError(t, h.agent.Dispose(context.Background()))
}

func TestRunTaskAttachesFiles(t *testing.T) {
	h := newHarness(t, &fakeProvider{scripts: []*scriptedStream{endTurnScript("ok")}})

	bus, err := h.agent.RunTask(context.Background(), "describe this", &TaskOptions{
		Attachments: []*protocol.FileAttachmentBlock{
			{FileID: "file-1", MimeType: "image/png"},
		},
	})
	require.NoError(t, err)
	collect(t, bus)
	require.NoError(t, h.agent.Wait(context.Background()))

	msgs := h.agent.Messages()
	require.NotEmpty(t, msgs)
	require.Len(t, msgs[0].Content, 2)
	attach, ok := msgs[0].Content[1].(*protocol.FileAttachmentBlock)
	require.True(t, ok)
	assert.Equal(t, "file-1", attach.FileID)
}
