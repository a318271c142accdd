// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternhq/lantern/services/chatcore/channel"
	"github.com/lanternhq/lantern/services/chatcore/datatypes"
	"github.com/lanternhq/lantern/services/chatcore/observability"
	"github.com/lanternhq/lantern/services/chatcore/sessionapi"
	"github.com/lanternhq/lantern/services/chatcore/store"
	"github.com/lanternhq/lantern/services/chatcore/uploads"
)

// =============================================================================
// Fakes
// =============================================================================

// eventLog records cross-fake call ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeChannel struct {
	mu      sync.Mutex
	ready   bool
	sent    []datatypes.ChatFrame
	stops   []datatypes.StopFrame
	sendErr error
	stopErr error
	log     *eventLog

	// reenter, when set, is invoked with the outgoing frame during Send,
	// mimicking a read pump that delivers a response before the write
	// call returns.
	reenter func(datatypes.ChatFrame)
}

var _ channel.StreamChannel = (*fakeChannel)(nil)

func (f *fakeChannel) WaitReady(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return channel.ErrNotReady
	}
	return nil
}

func (f *fakeChannel) SendNew(ctx context.Context, frame datatypes.ChatFrame) error {
	frame.Action = datatypes.ActionChatNew
	return f.record(frame)
}

func (f *fakeChannel) Send(ctx context.Context, frame datatypes.ChatFrame) error {
	frame.Action = datatypes.ActionChat
	return f.record(frame)
}

func (f *fakeChannel) record(frame datatypes.ChatFrame) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	if f.log != nil {
		f.log.add("channel.send")
	}
	f.sent = append(f.sent, frame)
	reenter := f.reenter
	f.mu.Unlock()
	if reenter != nil {
		reenter(frame)
	}
	return nil
}

func (f *fakeChannel) RequestStop(ctx context.Context, frame datatypes.StopFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops = append(f.stops, frame)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) lastSent(t *testing.T) datatypes.ChatFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no frames sent")
	return f.sent[len(f.sent)-1]
}

type fakeAPI struct {
	mu         sync.Mutex
	sessions   map[string]datatypes.Conversation
	listResult []datatypes.Conversation
	getErr     error
	listErr    error
	edits      []string // "sessionID/messageID/content"
	editErr    error
	cleanups   int
}

var _ sessionapi.SessionAPI = (*fakeAPI)(nil)

func (f *fakeAPI) ListSessions(ctx context.Context, page, limit int) (datatypes.SessionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return datatypes.SessionPage{}, f.listErr
	}
	return datatypes.SessionPage{Chats: f.listResult}, nil
}

func (f *fakeAPI) GetSession(ctx context.Context, id string) (datatypes.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return datatypes.Conversation{}, f.getErr
	}
	conv, ok := f.sessions[id]
	if !ok {
		return datatypes.Conversation{}, sessionapi.ErrNotFound
	}
	return conv, nil
}

func (f *fakeAPI) UpdateSession(ctx context.Context, id string, req datatypes.UpdateSessionRequest) error {
	return nil
}

func (f *fakeAPI) DeleteSession(ctx context.Context, id string) error { return nil }

func (f *fakeAPI) EditMessage(ctx context.Context, sessionID, messageID string, req datatypes.EditMessageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, sessionID+"/"+messageID+"/"+req.Content)
	return nil
}

func (f *fakeAPI) CleanupStoppedMessages(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

type fakeUploader struct {
	mu    sync.Mutex
	batch uploads.Batch
	err   error
	calls int
	log   *eventLog
}

var _ uploads.Uploader = (*fakeUploader)(nil)

func (f *fakeUploader) UploadAll(ctx context.Context, files []uploads.File) (uploads.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return uploads.Batch{}, f.err
	}
	if f.log != nil {
		f.log.add("uploader.uploadall")
	}
	return f.batch, nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	eng      *Engine
	store    *store.SessionStore
	ch       *fakeChannel
	api      *fakeAPI
	uploader *fakeUploader
	metrics  *observability.ChatMetrics
	log      *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := &eventLog{}
	h := &harness{
		store:    store.New(),
		ch:       &fakeChannel{ready: true, log: log},
		api:      &fakeAPI{sessions: make(map[string]datatypes.Conversation)},
		uploader: &fakeUploader{log: log},
		metrics:  observability.NewChatMetrics(prometheus.NewRegistry()),
		log:      log,
	}
	eng, err := New(Config{
		Store:    h.store,
		API:      h.api,
		Uploader: h.uploader,
		Metrics:  h.metrics,
	})
	require.NoError(t, err)
	eng.Attach(h.ch)
	h.eng = eng
	return h
}

func (h *harness) send(t *testing.T, content string) <-chan Result {
	t.Helper()
	res, err := h.eng.Send(context.Background(), SendRequest{Content: content})
	require.NoError(t, err)
	return res
}

func (h *harness) active(t *testing.T) datatypes.Conversation {
	t.Helper()
	conv := h.store.Active()
	require.NotNil(t, conv, "no active conversation")
	return *conv
}

func (h *harness) frames(frames ...datatypes.ServerFrame) {
	for _, f := range frames {
		h.eng.HandleFrame(f)
	}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for send result")
		return Result{}
	}
}

func token(content string) datatypes.ServerFrame {
	return datatypes.ServerFrame{Stage: datatypes.StageTokenReceived, Content: content}
}

// canonicalFor builds the server record the reconciler should fetch: same
// contents as the optimistic conversation, real ids.
func canonicalFor(id, title string, msgs ...datatypes.Message) datatypes.Conversation {
	now := time.Now().UTC()
	return datatypes.Conversation{
		ID:        id,
		Title:     title,
		Messages:  msgs,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// =============================================================================
// Send pipeline
// =============================================================================

func TestNewConversationFullFlow(t *testing.T) {
	h := newHarness(t)
	h.api.sessions["abc123"] = canonicalFor("abc123", "Greetings",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "Hello"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "Hi there"},
	)

	res := h.send(t, "Hello")

	// Optimistic state: user message with full content, empty assistant
	// placeholder, no server id yet.
	optimistic := h.active(t)
	require.Len(t, optimistic.Messages, 2)
	assert.Equal(t, "Hello", optimistic.Messages[0].Content)
	assert.Equal(t, datatypes.RoleUser, optimistic.Messages[0].Role)
	assert.Empty(t, optimistic.Messages[1].Content)
	assert.True(t, optimistic.Messages[1].IsTemp())
	assert.False(t, optimistic.Persisted())

	userKey := optimistic.Messages[0].StableKey
	assistantKey := optimistic.Messages[1].StableKey

	frame := h.ch.lastSent(t)
	assert.Equal(t, datatypes.ActionChatNew, frame.Action)
	assert.Equal(t, optimistic.TempRef, frame.TempRef)

	h.frames(
		datatypes.ServerFrame{Stage: datatypes.StageSending},
		token("Hi"),
		token(" there"),
	)
	assert.Equal(t, "Hi there", h.eng.Accumulator().CurrentText(optimistic.Messages[1].ID))

	h.frames(datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "abc123"})
	r := waitResult(t, res)
	require.NoError(t, r.Err)
	assert.Equal(t, observability.OutcomeComplete, r.Outcome)
	assert.Equal(t, "abc123", r.SessionID)
	assert.Equal(t, "Hi there", r.Text)

	final := h.active(t)
	assert.Equal(t, "abc123", final.ID)
	assert.Empty(t, final.TempRef)
	assert.Equal(t, "Greetings", final.Title)
	require.Len(t, final.Messages, 2)
	assert.Equal(t, "real-u1", final.Messages[0].ID)
	assert.Equal(t, "Hi there", final.Messages[1].Content)

	// Stable keys survive the temp→real id swap.
	assert.Equal(t, userKey, final.Messages[0].StableKey)
	assert.Equal(t, assistantKey, final.Messages[1].StableKey)

	// Accumulator cleared in the same update that installed the
	// canonical content.
	assert.Equal(t, 0, h.eng.Accumulator().Len())

	phase, _ := h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)
}

func TestSecondSendRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)

	_ = h.send(t, "first")
	_, err := h.eng.Send(context.Background(), SendRequest{Content: "second"})
	assert.ErrorIs(t, err, ErrSendInFlight)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Send(context.Background(), SendRequest{})
	assert.Error(t, err)
}

func TestSendNotReadySurfacedWithoutOptimisticState(t *testing.T) {
	h := newHarness(t)
	h.ch.ready = false

	_, err := h.eng.Send(context.Background(), SendRequest{Content: "hello"})
	require.ErrorIs(t, err, channel.ErrNotReady)

	assert.Nil(t, h.store.Active(), "not-ready send must leave no optimistic state")
	phase, _ := h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)
}

func TestSendHonorsCallerCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.eng.Send(ctx, SendRequest{Content: "hello"})
	require.ErrorIs(t, err, context.Canceled)

	assert.Nil(t, h.store.Active(), "canceled send must leave no optimistic state")
	phase, _ := h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)
}

func TestDispatchFailureRollsBackOptimisticMessages(t *testing.T) {
	h := newHarness(t)
	h.ch.sendErr = errors.New("socket broke")

	_, err := h.eng.Send(context.Background(), SendRequest{Content: "hello"})
	require.Error(t, err)

	assert.Nil(t, h.store.Active())
	assert.Empty(t, h.store.List())
	phase, _ := h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)
}

func TestContinuationUsesSessionID(t *testing.T) {
	h := newHarness(t)
	existing := canonicalFor("sess-9", "Existing",
		datatypes.Message{ID: "real-u1", StableKey: "sk-u1", Role: datatypes.RoleUser, Content: "earlier"},
		datatypes.Message{ID: "real-a1", StableKey: "sk-a1", Role: datatypes.RoleAssistant, Content: "earlier answer"},
	)
	h.store.ReplaceActive(existing)

	_, err := h.eng.Send(context.Background(), SendRequest{
		ConversationKey: "sess-9",
		Content:         "follow-up",
	})
	require.NoError(t, err)

	frame := h.ch.lastSent(t)
	assert.Equal(t, datatypes.ActionChat, frame.Action)
	assert.Equal(t, "sess-9", frame.SessionID)

	conv := h.active(t)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "follow-up", conv.Messages[2].Content)
}

// =============================================================================
// Attachments
// =============================================================================

func TestAttachmentsUploadedBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	h.uploader.batch = uploads.Batch{
		Images:    []string{"https://files.example.com/a.png"},
		Documents: []datatypes.DocumentRef{{Name: "doc.pdf", URL: "https://files.example.com/doc.pdf"}},
	}

	_, err := h.eng.Send(context.Background(), SendRequest{
		Content: "see attached",
		Files:   []uploads.File{{Name: "a.png", MIME: "image/png"}},
	})
	require.NoError(t, err)

	// Uploads settle before the frame reaches the channel.
	assert.Equal(t, []string{"uploader.uploadall", "channel.send"}, h.log.all())

	frame := h.ch.lastSent(t)
	assert.Equal(t, []string{"https://files.example.com/a.png"}, frame.Images)
	require.Len(t, frame.Documents, 1)
	assert.Equal(t, "doc.pdf", frame.Documents[0].Name)

	conv := h.active(t)
	assert.Equal(t, frame.Images, conv.Messages[0].Images)
}

func TestUploadFailureAbortsSendCleanly(t *testing.T) {
	h := newHarness(t)
	h.uploader.err = errors.New("storage down")

	_, err := h.eng.Send(context.Background(), SendRequest{
		Content: "see attached",
		Files:   []uploads.File{{Name: "a.png", MIME: "image/png"}},
	})
	require.Error(t, err)

	assert.Nil(t, h.store.Active(), "upload failure must leave no dangling optimistic message")
	assert.Empty(t, h.ch.sent)
	phase, _ := h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestStopWithPartialContent(t *testing.T) {
	h := newHarness(t)
	res := h.send(t, "tell me things")

	h.frames(token("Par"), token("tial"))
	conv := h.active(t)
	assistantID := conv.Messages[1].ID

	require.NoError(t, h.eng.Stop(context.Background()))

	// Convergence is synchronous.
	stopped := h.active(t)
	require.Len(t, stopped.Messages, 2)
	assert.Equal(t, "Partial", stopped.Messages[1].Content)
	assert.True(t, stopped.Messages[1].IsStopped)
	assert.True(t, stopped.Messages[0].IsStopped, "preceding user message must be editable")
	assert.Equal(t, 0, h.eng.Accumulator().Len())

	r := waitResult(t, res)
	assert.Equal(t, observability.OutcomeStopped, r.Outcome)
	assert.Equal(t, "Partial", r.Text)

	// Server was notified.
	require.Len(t, h.ch.stops, 1)

	// Late tokens after the stop are dropped, not applied.
	h.frames(token(" late"))
	assert.Equal(t, "Partial", h.active(t).Messages[1].Content)
	assert.Empty(t, h.eng.Accumulator().CurrentText(assistantID))
}

func TestStopBeforeFirstTokenRemovesPlaceholder(t *testing.T) {
	h := newHarness(t)
	res := h.send(t, "hello?")

	require.NoError(t, h.eng.Stop(context.Background()))

	stopped := h.active(t)
	require.Len(t, stopped.Messages, 1, "empty placeholder must be removed")
	assert.Equal(t, datatypes.RoleUser, stopped.Messages[0].Role)
	assert.True(t, stopped.Messages[0].IsStopped)

	r := waitResult(t, res)
	assert.Equal(t, observability.OutcomeStopped, r.Outcome)
}

func TestStopConvergesLocallyWhenServerNotifyFails(t *testing.T) {
	h := newHarness(t)
	res := h.send(t, "hello?")
	h.frames(token("Par"))
	h.ch.stopErr = errors.New("socket gone")

	require.NoError(t, h.eng.Stop(context.Background()))

	stopped := h.active(t)
	assert.True(t, stopped.Messages[0].IsStopped)
	assert.Equal(t, observability.OutcomeStopped, waitResult(t, res).Outcome)
}

func TestStopAfterCompletionIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.api.sessions["abc123"] = canonicalFor("abc123", "t",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "hi"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "done"},
	)
	res := h.send(t, "hi")
	h.frames(token("done"), datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "abc123"})
	waitResult(t, res)

	require.NoError(t, h.eng.Stop(context.Background()))
	final := h.active(t)
	assert.False(t, final.Messages[1].IsStopped, "stop after completion must not mark anything")
	assert.Empty(t, h.ch.stops)
}

func TestServerInitiatedStopTreatedAsStopNotError(t *testing.T) {
	h := newHarness(t)
	res := h.send(t, "hi")
	h.frames(token("Par"), datatypes.ServerFrame{Stage: datatypes.StageStopped})

	r := waitResult(t, res)
	require.NoError(t, r.Err)
	assert.Equal(t, observability.OutcomeStopped, r.Outcome)

	stopped := h.active(t)
	assert.Equal(t, "Par", stopped.Messages[1].Content)
	assert.True(t, stopped.Messages[1].IsStopped)
	assert.True(t, stopped.Messages[0].IsStopped)
}

func TestLocalStopWinsOverLateCompletion(t *testing.T) {
	h := newHarness(t)
	h.api.sessions["abc123"] = canonicalFor("abc123", "t",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "hi"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "Partial plus more"},
	)
	res := h.send(t, "hi")
	h.frames(token("Partial"))

	require.NoError(t, h.eng.Stop(context.Background()))
	r := waitResult(t, res)
	assert.Equal(t, observability.OutcomeStopped, r.Outcome)

	// The server finished anyway; its done frame must not un-stop the
	// message the user already saw as stopped.
	h.frames(datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "abc123"})
	final := h.active(t)
	assert.True(t, final.Messages[1].IsStopped)
	assert.Equal(t, "Partial", final.Messages[1].Content)
}

func TestResidualFramesAfterStopDoNotCorruptNextSend(t *testing.T) {
	// A stopped stream may keep emitting until the server acknowledges
	// the stop. Frames echoing the old request id must never touch a
	// send that started after the stop converged.
	h := newHarness(t)

	resA := h.send(t, "first question")
	frameA := h.ch.lastSent(t)
	h.frames(datatypes.ServerFrame{Stage: datatypes.StageTokenReceived, Content: "Par", RequestID: frameA.RequestID})
	require.NoError(t, h.eng.Stop(context.Background()))
	rA := waitResult(t, resA)
	assert.Equal(t, observability.OutcomeStopped, rA.Outcome)

	resB := h.send(t, "second question")
	frameB := h.ch.lastSent(t)
	require.NotEqual(t, frameA.RequestID, frameB.RequestID)

	// Residue of the stopped stream arrives while B is in flight.
	h.frames(
		datatypes.ServerFrame{Stage: datatypes.StageTokenReceived, Content: "A-residue", RequestID: frameA.RequestID},
		datatypes.ServerFrame{Stage: datatypes.StageStopped, RequestID: frameA.RequestID},
	)

	phase, assistantID := h.eng.InFlight()
	assert.NotEqual(t, PhaseIdle, phase, "residual stopped frame must not stop the new send")
	assert.False(t, h.eng.Accumulator().HasTokens(assistantID), "residual tokens must not land in the new buffer")

	// B streams and completes normally.
	h.api.sessions["sess-b"] = canonicalFor("sess-b", "Second",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "second question"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "Real answer"},
	)
	h.frames(
		datatypes.ServerFrame{Stage: datatypes.StageTokenReceived, Content: "Real ", RequestID: frameB.RequestID},
		datatypes.ServerFrame{Stage: datatypes.StageTokenReceived, Content: "answer", RequestID: frameB.RequestID},
		datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "sess-b", RequestID: frameB.RequestID},
	)
	rB := waitResult(t, resB)
	assert.Equal(t, observability.OutcomeComplete, rB.Outcome)
	assert.Equal(t, "Real answer", rB.Text)

	final := h.active(t)
	require.Len(t, final.Messages, 2)
	assert.Equal(t, "Real answer", final.Messages[1].Content)
	assert.False(t, final.Messages[0].IsStopped)
	assert.False(t, final.Messages[1].IsStopped)
}

func TestUnechoedStoppedFrameSettlesPendingStopAck(t *testing.T) {
	// Some backends do not echo request ids. The first stopped frame
	// after a converged local stop settles that stop's acknowledgement
	// instead of reading as a server-initiated stop of the newer send.
	h := newHarness(t)

	resA := h.send(t, "first question")
	h.frames(token("Par"))
	require.NoError(t, h.eng.Stop(context.Background()))
	rA := waitResult(t, resA)
	assert.Equal(t, observability.OutcomeStopped, rA.Outcome)

	_ = h.send(t, "second question")
	h.frames(datatypes.ServerFrame{Stage: datatypes.StageStopped})

	phase, _ := h.eng.InFlight()
	assert.NotEqual(t, PhaseIdle, phase, "ack of the old stop must not stop the new send")
	assert.Equal(t, float64(1),
		testutil.ToFloat64(h.metrics.StopsTotal.WithLabelValues(string(observability.StopResultConverged))))

	// A second unechoed stopped frame has no pending ack to settle and
	// is a genuine server-initiated stop.
	h.frames(datatypes.ServerFrame{Stage: datatypes.StageStopped})
	phase, _ = h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)
}

// =============================================================================
// Stream errors
// =============================================================================

func TestSynchronousStreamErrorDuringDispatch(t *testing.T) {
	// With a real socket the read pump can deliver an error frame before
	// the write call returns. The send must still hand back a result
	// channel carrying the failure, with the stream gauge settled.
	h := newHarness(t)
	h.ch.reenter = func(frame datatypes.ChatFrame) {
		h.eng.HandleFrame(datatypes.ServerFrame{
			Stage:     datatypes.StageError,
			Error:     "pipeline rejected request",
			RequestID: frame.RequestID,
		})
	}

	res := h.send(t, "hello")
	r := waitResult(t, res)
	require.Error(t, r.Err)
	assert.Equal(t, observability.OutcomeError, r.Outcome)
	assert.Contains(t, r.Err.Error(), "pipeline rejected request")

	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.ActiveStreams))
	phase, _ := h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)
}

func TestStreamErrorDiscardsPartialAndClearsInFlight(t *testing.T) {
	h := newHarness(t)
	res := h.send(t, "hi")
	h.frames(token("Par"), datatypes.ServerFrame{Stage: datatypes.StageError, Error: "pipeline exploded"})

	r := waitResult(t, res)
	require.Error(t, r.Err)
	assert.Equal(t, observability.OutcomeError, r.Outcome)

	conv := h.active(t)
	require.Len(t, conv.Messages, 1, "failed send discards the partial assistant message")
	assert.True(t, conv.Messages[0].IsStopped, "user message stays editable for a manual resend")
	assert.Equal(t, 0, h.eng.Accumulator().Len())

	phase, _ := h.eng.InFlight()
	assert.Equal(t, PhaseIdle, phase)

	// A retry is possible immediately.
	_, err := h.eng.Send(context.Background(), SendRequest{ConversationKey: conv.Key(), Content: "hi again"})
	assert.NoError(t, err)
}

// =============================================================================
// Reconciliation
// =============================================================================

func TestReconcileFailureKeepsStreamedContent(t *testing.T) {
	h := newHarness(t)
	h.api.getErr = errors.New("canonical fetch timed out")
	h.api.listErr = errors.New("canonical fetch timed out")

	res := h.send(t, "question")
	h.frames(token("Complete"), token(" answer"), datatypes.ServerFrame{Stage: datatypes.StageDone})

	r := waitResult(t, res)
	// A failed reconciliation is not a failed send.
	require.NoError(t, r.Err)
	assert.Equal(t, observability.OutcomeComplete, r.Outcome)
	assert.Equal(t, "Complete answer", r.Text)

	conv := h.active(t)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Complete answer", conv.Messages[1].Content)
	assert.False(t, conv.Persisted(), "conversation id remains unset")
	assert.Equal(t, 0, h.eng.Accumulator().Len())
}

func TestReconcileLocatesNewSessionByListing(t *testing.T) {
	h := newHarness(t)
	h.api.listResult = []datatypes.Conversation{{ID: "fresh-1"}}
	h.api.sessions["fresh-1"] = canonicalFor("fresh-1", "Found",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "hi"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "hello"},
	)

	res := h.send(t, "hi")
	// Done frame without a session id: the engine must fall back to
	// listing the most recent session.
	h.frames(token("hello"), datatypes.ServerFrame{Stage: datatypes.StageDone})

	r := waitResult(t, res)
	require.NoError(t, r.Err)
	assert.Equal(t, "fresh-1", r.SessionID)
	assert.Equal(t, "fresh-1", h.active(t).ID)
}

func TestReconcileMergesMissingLocalUserMessage(t *testing.T) {
	h := newHarness(t)
	// Canonical record is missing the just-sent user message (the known
	// eventual-consistency gap).
	h.api.sessions["abc123"] = canonicalFor("abc123", "t",
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "answer"},
	)

	res := h.send(t, "my question")
	h.frames(token("answer"), datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "abc123"})

	r := waitResult(t, res)
	require.NoError(t, r.Err)

	final := h.active(t)
	require.Len(t, final.Messages, 2, "missing user message must be re-inserted")
	assert.Equal(t, datatypes.RoleUser, final.Messages[0].Role)
	assert.Equal(t, "my question", final.Messages[0].Content)
	assert.Equal(t, "answer", final.Messages[1].Content)
}

func TestReconcileTitleOverwrite(t *testing.T) {
	h := newHarness(t)
	h.api.sessions["abc123"] = canonicalFor("abc123", "Server Generated Title",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "hi"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "hello"},
	)

	res := h.send(t, "hi")
	h.frames(token("hello"), datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "abc123"})
	waitResult(t, res)

	assert.Equal(t, "Server Generated Title", h.active(t).Title)
}

func TestDoneFrameTitleAppliedWhenCanonicalHasNone(t *testing.T) {
	// The done frame can push a freshly generated title before the
	// canonical record carries one. That title must land in the store
	// and survive the merge.
	h := newHarness(t)
	h.api.sessions["abc123"] = canonicalFor("abc123", "",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "hi"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: "hello"},
	)

	res := h.send(t, "hi")
	h.frames(token("hello"), datatypes.ServerFrame{
		Stage:     datatypes.StageDone,
		SessionID: "abc123",
		Title:     "Streamed Title",
	})
	waitResult(t, res)

	assert.Equal(t, "Streamed Title", h.active(t).Title)
}

func TestReconcileUsesFullTextFallbackWhenBufferEmpty(t *testing.T) {
	h := newHarness(t)
	h.api.sessions["abc123"] = canonicalFor("abc123", "t",
		datatypes.Message{ID: "real-u1", Role: datatypes.RoleUser, Content: "hi"},
		datatypes.Message{ID: "real-a1", Role: datatypes.RoleAssistant, Content: ""},
	)

	res := h.send(t, "hi")
	// No token frames arrived (client reconnected mid-stream); the done
	// frame carries the full text.
	h.frames(datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "abc123", FullText: "recovered answer"})

	r := waitResult(t, res)
	require.NoError(t, r.Err)
	assert.Equal(t, "recovered answer", r.Text)
	final := h.active(t)
	assert.Equal(t, "recovered answer", final.Messages[1].Content)
}

// =============================================================================
// Edit / regenerate
// =============================================================================

func TestEditAndResendTruncatesImmediately(t *testing.T) {
	h := newHarness(t)
	existing := canonicalFor("sess-1", "t",
		datatypes.Message{ID: "u1", StableKey: "sk-1", Role: datatypes.RoleUser, Content: "What is X"},
		datatypes.Message{ID: "a1", StableKey: "sk-2", Role: datatypes.RoleAssistant, Content: "X is ...", IsStopped: true},
		datatypes.Message{ID: "u2", StableKey: "sk-3", Role: datatypes.RoleUser, Content: "and then"},
		datatypes.Message{ID: "a2", StableKey: "sk-4", Role: datatypes.RoleAssistant, Content: "more"},
	)
	existing.Messages[0].IsStopped = true
	h.store.ReplaceActive(existing)

	res, err := h.eng.EditAndResend(context.Background(), "u1", "What is Y")
	require.NoError(t, err)

	// Editing index 0 of 4 truncates to the edited message plus the new
	// assistant placeholder, before any network round-trip settles.
	conv := h.active(t)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "What is Y", conv.Messages[0].Content)
	assert.False(t, conv.Messages[0].IsStopped, "edit clears the stopped flag")
	assert.Equal(t, datatypes.RoleAssistant, conv.Messages[1].Role)

	// Server-side truncation was requested.
	require.Len(t, h.api.edits, 1)
	assert.Equal(t, "sess-1/u1/What is Y", h.api.edits[0])

	// A full send cycle began.
	frame := h.ch.lastSent(t)
	assert.Equal(t, datatypes.ActionChat, frame.Action)
	assert.Equal(t, "What is Y", frame.Content)
	assert.Equal(t, "sess-1", frame.SessionID)

	// And it completes like any other send.
	h.api.mu.Lock()
	h.api.sessions["sess-1"] = canonicalFor("sess-1", "t",
		datatypes.Message{ID: "u1b", Role: datatypes.RoleUser, Content: "What is Y"},
		datatypes.Message{ID: "a1b", Role: datatypes.RoleAssistant, Content: "Y is ..."},
	)
	h.api.mu.Unlock()
	h.frames(token("Y is ..."), datatypes.ServerFrame{Stage: datatypes.StageDone, SessionID: "sess-1"})
	r := waitResult(t, res)
	require.NoError(t, r.Err)
	assert.Equal(t, "Y is ...", h.active(t).Messages[1].Content)
}

func TestEditServerFailureStillTruncatesLocally(t *testing.T) {
	h := newHarness(t)
	h.api.editErr = errors.New("edit endpoint down")
	existing := canonicalFor("sess-1", "t",
		datatypes.Message{ID: "u1", Role: datatypes.RoleUser, Content: "What is X"},
		datatypes.Message{ID: "a1", Role: datatypes.RoleAssistant, Content: "X is ..."},
	)
	h.store.ReplaceActive(existing)

	_, err := h.eng.EditAndResend(context.Background(), "u1", "What is Y")
	require.NoError(t, err)

	conv := h.active(t)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "What is Y", conv.Messages[0].Content)
}

func TestEditRejectsAssistantMessage(t *testing.T) {
	h := newHarness(t)
	existing := canonicalFor("sess-1", "t",
		datatypes.Message{ID: "u1", Role: datatypes.RoleUser, Content: "q"},
		datatypes.Message{ID: "a1", Role: datatypes.RoleAssistant, Content: "a"},
	)
	h.store.ReplaceActive(existing)

	_, err := h.eng.EditAndResend(context.Background(), "a1", "rewrite")
	assert.ErrorIs(t, err, ErrNotUserMessage)

	_, err = h.eng.EditAndResend(context.Background(), "nope", "rewrite")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestEditRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	_ = h.send(t, "first")

	_, err := h.eng.EditAndResend(context.Background(), "any", "new")
	assert.ErrorIs(t, err, ErrSendInFlight)
}

// =============================================================================
// Merge unit tests
// =============================================================================

func TestMergeCanonicalStableKeyByFingerprint(t *testing.T) {
	local := datatypes.Conversation{
		TempRef: "temp-ref",
		Title:   "local",
		Messages: []datatypes.Message{
			{ID: "temp-1", StableKey: "sk-user", Role: datatypes.RoleUser, Content: "hello"},
			{ID: "temp-2", StableKey: "sk-assistant", Role: datatypes.RoleAssistant, Content: ""},
		},
	}
	canonical := datatypes.Conversation{
		ID:    "real-id",
		Title: "server",
		Messages: []datatypes.Message{
			{ID: "r1", Role: datatypes.RoleUser, Content: "hello"},
			{ID: "r2", Role: datatypes.RoleAssistant, Content: "streamed text"},
		},
	}

	merged := mergeCanonical(local, canonical, "temp-2", "streamed text", false)

	assert.Equal(t, "real-id", merged.ID)
	assert.Empty(t, merged.TempRef, "temp ref is used exactly once")
	assert.Equal(t, "server", merged.Title)
	assert.Equal(t, "sk-user", merged.Messages[0].StableKey)
	assert.Equal(t, "sk-assistant", merged.Messages[1].StableKey)
}

func TestMergeCanonicalPreservesStopDisplay(t *testing.T) {
	local := datatypes.Conversation{
		Messages: []datatypes.Message{
			{ID: "temp-1", StableKey: "a", Role: datatypes.RoleUser, Content: "q"},
			{ID: "temp-2", StableKey: "b", Role: datatypes.RoleAssistant, Content: ""},
		},
	}
	canonical := datatypes.Conversation{
		ID: "real-id",
		Messages: []datatypes.Message{
			{ID: "r1", Role: datatypes.RoleUser, Content: "q"},
			{ID: "r2", Role: datatypes.RoleAssistant, Content: "partial"},
		},
	}

	merged := mergeCanonical(local, canonical, "temp-2", "partial", true)
	assert.True(t, merged.Messages[1].IsStopped)
	assert.True(t, merged.Messages[0].IsStopped)
}

func TestMergeCanonicalKeepsLocalTitleWhenServerHasNone(t *testing.T) {
	local := datatypes.Conversation{Title: "local placeholder"}
	canonical := datatypes.Conversation{ID: "real-id"}

	merged := mergeCanonical(local, canonical, "none", "", false)
	assert.Equal(t, "local placeholder", merged.Title)
}
