package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbcodex-ai/nbcodex/internal/document"
	"github.com/nbcodex-ai/nbcodex/internal/protocol"
	"github.com/nbcodex-ai/nbcodex/internal/session"
	"github.com/nbcodex-ai/nbcodex/internal/threadsync"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// failingProvider wraps the in-memory provider with an injectable save
// error.
type failingProvider struct {
	*document.FSProvider
	saveErr error
}

func (p *failingProvider) Save(ctx context.Context, path string) error {
	if p.saveErr != nil {
		return p.saveErr
	}
	return p.FSProvider.Save(ctx, path)
}

func TestOpenDocumentForegroundsAndHandshakes(t *testing.T) {
	f := newEngine(t)

	s, err := f.dispatcher.OpenDocument(context.Background(), "  analysis.py  ")
	require.NoError(t, err)
	assert.Equal(t, "analysis.py", s.Key)
	assert.True(t, s.Pairing.OK)
	assert.Equal(t, "analysis.py", f.registry.Foreground())

	starts := f.sender.starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "analysis.py", starts[0].NotebookPath)
	assert.Equal(t, "analysis.py", starts[0].SessionContextKey)
	assert.False(t, starts[0].ForceNewThread)
}

func TestOpenDocumentEmptyPath(t *testing.T) {
	f := newEngine(t)
	_, err := f.dispatcher.OpenDocument(context.Background(), "   ")
	assert.Error(t, err)
}

func TestSendPromptSavesRecordsAndSends(t *testing.T) {
	f := newEngine(t)
	f.provider.SetSelection("df.head()")
	f.provider.SetCellOutput("   5 rows x 3 cols   ")

	err := f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: "analysis.py", Content: "explain this"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.SaveCount("analysis.py"))

	s, _ := f.registry.Get("analysis.py")
	require.Len(t, s.Messages, 1)
	assert.Equal(t, types.RoleUser, s.Messages[0].Role)
	require.NotNil(t, s.Messages[0].Preview)
	assert.Equal(t, "df.head()", s.Messages[0].Preview.PreviewText)

	// The preview is also recorded for history replay after restarts.
	assert.Equal(t, 1, f.attachments.Len("analysis.py"))

	sends := f.sender.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "explain this", sends[0].Content)
	assert.Equal(t, "df.head()", sends[0].Selection)
	assert.Equal(t, "5 rows x 3 cols", sends[0].CellOutput)
	require.NotNil(t, sends[0].UISelectionPreview)
	assert.Equal(t, "df.head()", sends[0].UISelectionPreview.PreviewText)
}

func TestSendPromptWithoutSelectionSkipsPreview(t *testing.T) {
	f := newEngine(t)

	err := f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: "analysis.py", Content: "hello"})
	require.NoError(t, err)

	s, _ := f.registry.Get("analysis.py")
	require.Len(t, s.Messages, 1)
	assert.Nil(t, s.Messages[0].Preview)
	assert.Equal(t, 0, f.attachments.Len("analysis.py"))
}

func TestSendPromptClearsEarlierDraft(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")
	f.registry.Update("analysis.py", func(s *types.Session) bool {
		s.PendingPrompt = "stale draft"
		return true
	})

	require.NoError(t, f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: "analysis.py", Content: "fresh"}))

	s, _ := f.registry.Get("analysis.py")
	assert.Empty(t, s.PendingPrompt)
}

func TestSendPromptRejectsEmptyInput(t *testing.T) {
	f := newEngine(t)
	assert.Error(t, f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: "", Content: "hi"}))
	assert.Error(t, f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: "analysis.py", Content: "   "}))
	assert.Empty(t, f.sender.sent())
}

func TestSendPromptBlockedByPairing(t *testing.T) {
	f := newEngine(t)
	// An .ipynb without its paired .py twin cannot run.
	path := filepath.Join(t.TempDir(), "demo.ipynb")

	err := f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: path, Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paired")

	s, _ := f.registry.Get(path)
	require.NotNil(t, s)
	assert.False(t, s.Pairing.OK)
	assert.Empty(t, f.sender.sent())
	assert.Equal(t, 0, f.provider.SaveCount(path))
}

func TestSendPromptIpynbWithTwinRuns(t *testing.T) {
	f := newEngine(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.py"), []byte("# %%\nprint(1)\n"), 0o644))
	path := filepath.Join(dir, "demo.ipynb")

	require.NoError(t, f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: path, Content: "hi"}))
	assert.Len(t, f.sender.sends(), 1)
}

func TestSendPromptRejectedWhileRunning(t *testing.T) {
	f := newEngine(t)
	f.dispatcher.Apply(&protocol.Status{
		Correlation: protocol.Correlation{RunID: "r1", NotebookPath: "analysis.py"},
		State:       protocol.StateRunning,
	})

	err := f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: "analysis.py", Content: "second"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
	assert.Empty(t, f.sender.sends())
}

func TestSendPromptSaveFailureAbortsUntouched(t *testing.T) {
	f := newEngine(t)
	broken := &failingProvider{FSProvider: f.provider, saveErr: errors.New("disk full")}
	d := NewDispatcher(Config{
		Registry:    f.registry,
		Runs:        f.runs,
		Attachments: f.attachments,
		Classifier:  document.NewClassifier([]string{"**/*.ipynb", "**/*.py"}),
		Provider:    broken,
		Sender:      f.sender,
		Bus:         f.bus,
		Storage:     f.storage,
	})
	t.Cleanup(d.Close)

	err := d.SendPrompt(context.Background(), SendRequest{Path: "analysis.py", Content: "explain"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	s, _ := f.registry.Get("analysis.py")
	assert.Empty(t, s.Messages)
	assert.Empty(t, f.sender.sent())
	assert.Equal(t, 0, f.attachments.Len("analysis.py"))
}

func TestSendPromptDeliveryFailureKeepsDraft(t *testing.T) {
	f := newEngine(t)
	f.sender.fail(errors.New("socket closed"))

	err := f.dispatcher.SendPrompt(context.Background(), SendRequest{Path: "analysis.py", Content: "important question"})
	require.Error(t, err)

	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, "important question", s.PendingPrompt)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, types.RoleUser, s.Messages[0].Role)
	assert.Equal(t, types.RoleSystem, s.Messages[1].Role)
	assert.Contains(t, s.Messages[1].Text, "draft")
}

func TestSendPromptImageValidation(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	tooMany := make([]protocol.ImageAttachment, protocol.MaxImageAttachments+1)
	for i := range tooMany {
		tooMany[i] = protocol.ImageAttachment{DataURL: "data:image/png;base64,QUJD", Name: "ok.png"}
	}
	err := f.dispatcher.SendPrompt(ctx, SendRequest{Path: "analysis.py", Content: "hi", Images: tooMany})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many")

	err = f.dispatcher.SendPrompt(ctx, SendRequest{Path: "analysis.py", Content: "hi", Images: []protocol.ImageAttachment{
		{DataURL: "data:text/html;base64,QUJD", Name: "page.html"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")

	huge := "data:image/png;base64," + strings.Repeat("A", 6<<20)
	err = f.dispatcher.SendPrompt(ctx, SendRequest{Path: "analysis.py", Content: "hi", Images: []protocol.ImageAttachment{
		{DataURL: huge, Name: "plot.png"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")

	assert.Empty(t, f.sender.sent())
}

func TestSendPromptForwardsImages(t *testing.T) {
	f := newEngine(t)

	err := f.dispatcher.SendPrompt(context.Background(), SendRequest{
		Path:    "analysis.py",
		Content: "what does this chart show",
		Images:  []protocol.ImageAttachment{{DataURL: "data:image/png;base64,QUJD", Name: "chart.png"}},
	})
	require.NoError(t, err)

	sends := f.sender.sends()
	require.Len(t, sends, 1)
	require.Len(t, sends[0].Images, 1)
	assert.Equal(t, "chart.png", sends[0].Images[0].Name)
}

func TestCancelRunSendsCancelForActiveRun(t *testing.T) {
	f := newEngine(t)
	f.dispatcher.Apply(&protocol.Status{
		Correlation: protocol.Correlation{RunID: "r1", NotebookPath: "analysis.py"},
		State:       protocol.StateRunning,
	})

	require.NoError(t, f.dispatcher.CancelRun("analysis.py"))

	cancels := f.sender.cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, "r1", cancels[0].RunID)

	// Cancel is best effort: the session stays running until a terminal
	// frame arrives.
	s, _ := f.registry.Get("analysis.py")
	assert.True(t, s.Running())
}

func TestCancelRunIdleIsNoOp(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")

	require.NoError(t, f.dispatcher.CancelRun("analysis.py"))
	assert.Empty(t, f.sender.sent())
}

func TestNewThreadResetsSession(t *testing.T) {
	f := newEngine(t)
	f.dispatcher.Apply(&protocol.Status{
		Correlation: protocol.Correlation{RunID: "r1", NotebookPath: "analysis.py", SessionID: "thread-old"},
		State:       protocol.StateRunning,
	})
	f.dispatcher.Apply(&protocol.Output{
		Correlation: protocol.Correlation{RunID: "r1"},
		Text:        "partial answer",
	})
	f.attachments.Record("thread-old", "prompt", &types.SelectionPreview{LocationLabel: "analysis.py", PreviewText: "sel"})

	id, err := f.dispatcher.NewThread(context.Background(), "analysis.py")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, id, s.ThreadID)
	assert.Empty(t, s.Messages)
	assert.Equal(t, types.RunReady, s.RunState)
	assert.False(t, s.HistoryApplied)
	assert.Empty(t, s.PendingPrompt)
	assert.Equal(t, 0, f.runs.Len())
	assert.Equal(t, 0, f.attachments.Len("thread-old"))

	starts := f.sender.starts()
	require.NotEmpty(t, starts)
	last := starts[len(starts)-1]
	assert.Equal(t, id, last.SessionID)
	assert.True(t, last.ForceNewThread)
}

func TestNewThreadBroadcastsToOtherInstances(t *testing.T) {
	f := newEngine(t)
	ch, err := threadsync.NewChannel(f.storage, "window-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	d := NewDispatcher(Config{
		Registry:    f.registry,
		Runs:        f.runs,
		Attachments: f.attachments,
		Classifier:  document.NewClassifier([]string{"**/*.ipynb", "**/*.py"}),
		Provider:    f.provider,
		Sender:      f.sender,
		Bus:         f.bus,
		Storage:     f.storage,
		Sync:        ch,
	})
	t.Cleanup(d.Close)

	id, err := d.NewThread(context.Background(), "analysis.py")
	require.NoError(t, err)

	var ev threadsync.Event
	require.NoError(t, f.storage.Get(context.Background(), []string{"sync", "thread"}, &ev))
	assert.Equal(t, "analysis.py", ev.SessionKey)
	assert.Equal(t, id, ev.ThreadID)
	assert.Equal(t, "window-1", ev.Source)
}

func TestDeleteThreadDropsBackendRecordAndResets(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")
	f.registry.Update("analysis.py", func(s *types.Session) bool {
		s.ThreadID = "thread-old"
		s.Messages = append(s.Messages, session.NewTextMessage(types.RoleUser, "old question", nil, 1))
		return true
	})
	f.attachments.Record("thread-old", "old question", &types.SelectionPreview{LocationLabel: "analysis.py", PreviewText: "sel"})

	id, err := f.dispatcher.DeleteThread(context.Background(), "analysis.py")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.NotEqual(t, "thread-old", id)

	deletes := f.sender.deletes()
	require.Len(t, deletes, 1)
	assert.Equal(t, "thread-old", deletes[0].SessionID)
	assert.Equal(t, "analysis.py", deletes[0].SessionContextKey)

	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, id, s.ThreadID)
	assert.Empty(t, s.Messages)
	assert.Equal(t, 0, f.attachments.Len("thread-old"))

	starts := f.sender.starts()
	require.NotEmpty(t, starts)
	assert.True(t, starts[len(starts)-1].ForceNewThread)
}

func TestDeleteThreadUnknownSession(t *testing.T) {
	f := newEngine(t)
	_, err := f.dispatcher.DeleteThread(context.Background(), "ghost.py")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Empty(t, f.sender.sent())
}

func TestDeleteThreadWithoutThreadSkipsWire(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")

	id, err := f.dispatcher.DeleteThread(context.Background(), "analysis.py")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Empty(t, f.sender.deletes())
}

func TestDeleteThreadDeliveryFailureLeavesSession(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")
	f.registry.Update("analysis.py", func(s *types.Session) bool {
		s.ThreadID = "thread-old"
		s.Messages = append(s.Messages, session.NewTextMessage(types.RoleUser, "keep me", nil, 1))
		return true
	})
	f.sender.fail(errors.New("socket closed"))

	_, err := f.dispatcher.DeleteThread(context.Background(), "analysis.py")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotDelivered)

	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, "thread-old", s.ThreadID)
	assert.Len(t, s.Messages, 1)
}

func TestCloseDocumentDetachesForegroundAndNotifies(t *testing.T) {
	f := newEngine(t)
	_, err := f.dispatcher.OpenDocument(context.Background(), "analysis.py")
	require.NoError(t, err)
	f.registry.Update("analysis.py", func(s *types.Session) bool {
		s.ThreadID = "thread-1"
		return true
	})

	f.dispatcher.CloseDocument("analysis.py")

	assert.Empty(t, f.registry.Foreground())
	ends := f.sender.ends()
	require.Len(t, ends, 1)
	assert.Equal(t, "thread-1", ends[0].SessionID)
	assert.Equal(t, "analysis.py", ends[0].SessionContextKey)

	// The session survives for the next open.
	_, ok := f.registry.Get("analysis.py")
	assert.True(t, ok)
}

func TestCloseDocumentQuietPaths(t *testing.T) {
	f := newEngine(t)

	// Unknown document: nothing to do.
	f.dispatcher.CloseDocument("ghost.py")

	// Known but threadless: no wire frame, other foreground untouched.
	f.registry.Ensure("fresh.py", "")
	f.dispatcher.SetForeground("analysis.py")
	f.dispatcher.CloseDocument("fresh.py")

	assert.Equal(t, "analysis.py", f.registry.Foreground())
	assert.Empty(t, f.sender.ends())
}

func TestSyncEventAdoptsRemoteThread(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")
	f.registry.Update("analysis.py", func(s *types.Session) bool {
		s.ThreadID = "thread-old"
		s.Messages = append(s.Messages, session.NewTextMessage(types.RoleUser, "old question", nil, 1))
		return true
	})

	f.dispatcher.handleSyncEvent(threadsync.Event{SessionKey: "analysis.py", ThreadID: "thread-remote"})

	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, "thread-remote", s.ThreadID)
	assert.Empty(t, s.Messages)

	starts := f.sender.starts()
	require.NotEmpty(t, starts)
	last := starts[len(starts)-1]
	assert.Equal(t, "thread-remote", last.SessionID)
	// A remote reset attaches to the thread the other window started.
	assert.False(t, last.ForceNewThread)

	// Redelivery of the same thread id is a no-op.
	before := len(f.sender.sent())
	f.dispatcher.handleSyncEvent(threadsync.Event{SessionKey: "analysis.py", ThreadID: "thread-remote"})
	assert.Len(t, f.sender.sent(), before)
}

func TestSyncEventUnknownSessionIgnored(t *testing.T) {
	f := newEngine(t)
	f.dispatcher.handleSyncEvent(threadsync.Event{SessionKey: "ghost.py", ThreadID: "t-1"})
	assert.Equal(t, 0, f.registry.Len())
	assert.Empty(t, f.sender.sent())
}

func TestSetOptionsValidatesAgainstCatalog(t *testing.T) {
	f := newEngine(t)
	f.dispatcher.Apply(&protocol.CLIDefaults{
		Model: "gpt-5-codex",
		AvailableModels: []types.ModelOption{
			{Model: "gpt-5-codex"},
			{Model: "gpt-5"},
		},
	})
	f.registry.Ensure("analysis.py", "")

	err := f.dispatcher.SetOptions("analysis.py", types.Options{Model: "gpt5-codex"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "gpt-5-codex"`)

	require.NoError(t, f.dispatcher.SetOptions("analysis.py", types.Options{
		Model:           "gpt-5",
		ReasoningEffort: "HIGH",
		Sandbox:         types.SandboxReadOnly,
	}))

	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, "gpt-5", s.Options.Model)
	assert.Equal(t, "high", s.Options.ReasoningEffort)
	assert.Equal(t, types.SandboxReadOnly, s.Options.Sandbox)
}

func TestSetOptionsEmptyFieldsKeepCurrent(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")
	require.NoError(t, f.dispatcher.SetOptions("analysis.py", types.Options{Model: "gpt-5", ReasoningEffort: "low"}))

	require.NoError(t, f.dispatcher.SetOptions("analysis.py", types.Options{ReasoningEffort: "high"}))

	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, "gpt-5", s.Options.Model)
	assert.Equal(t, "high", s.Options.ReasoningEffort)
}

func TestSetOptionsRejectsInvalidValues(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")

	assert.Error(t, f.dispatcher.SetOptions("analysis.py", types.Options{Model: "bad model name!"}))
	assert.Error(t, f.dispatcher.SetOptions("analysis.py", types.Options{ReasoningEffort: "9000"}))
	assert.Error(t, f.dispatcher.SetOptions("analysis.py", types.Options{Sandbox: "yolo"}))
}

func TestSetOptionsWithoutCatalogAcceptsAnyModel(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("analysis.py", "")

	require.NoError(t, f.dispatcher.SetOptions("analysis.py", types.Options{Model: "experimental-model"}))
	s, _ := f.registry.Get("analysis.py")
	assert.Equal(t, "experimental-model", s.Options.Model)
}

func TestRefreshLimitsSendsRequest(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.dispatcher.RefreshLimits())

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	_, ok := sent[0].(protocol.RefreshRateLimits)
	assert.True(t, ok)
}

func TestOnConnectReplaysHandshakesSorted(t *testing.T) {
	f := newEngine(t)
	f.registry.Ensure("b.py", "")
	f.registry.Ensure("a.py", "")
	f.registry.Update("a.py", func(s *types.Session) bool {
		s.ThreadID = "t-a"
		return true
	})

	f.dispatcher.OnConnect()

	starts := f.sender.starts()
	require.Len(t, starts, 2)
	assert.Equal(t, "a.py", starts[0].SessionContextKey)
	assert.Equal(t, "t-a", starts[0].SessionID)
	assert.Equal(t, "b.py", starts[1].SessionContextKey)
	assert.Empty(t, starts[1].SessionID)
}

func TestOnConnectRetriesPendingDeleteAll(t *testing.T) {
	f := newEngine(t)
	require.NoError(t, f.dispatcher.DeleteAll(context.Background()))
	require.Equal(t, 1, f.sender.deleteAlls())

	f.dispatcher.OnConnect()
	assert.Equal(t, 2, f.sender.deleteAlls())

	// Once acknowledged the retry stops.
	f.dispatcher.Apply(&protocol.DeleteAllAck{OK: true})
	f.dispatcher.OnConnect()
	assert.Equal(t, 2, f.sender.deleteAlls())
}
