package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/dispatch"
	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/store"
)

// recordingProvider captures outbound calls and fails per method on demand.
type recordingProvider struct {
	mu       sync.Mutex
	sent     []models.MessagePayload
	replyErr error
	textErr  error
	follows  bool
}

func (p *recordingProvider) record(msg models.MessagePayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
}

func (p *recordingProvider) messages() []models.MessagePayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.MessagePayload, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *recordingProvider) SendText(ctx context.Context, accountID, userID, text string) error {
	if p.textErr != nil {
		return p.textErr
	}
	p.record(models.MessagePayload{Kind: models.MessageText, AccountID: accountID, UserID: userID, Text: text})
	return nil
}

func (p *recordingProvider) SendQuickReplies(ctx context.Context, accountID, userID, text string, options []models.QuickReplyOption) error {
	p.record(models.MessagePayload{Kind: models.MessageQuickReplies, AccountID: accountID, UserID: userID, Text: text, QuickReplies: options})
	return nil
}

func (p *recordingProvider) SendButtons(ctx context.Context, accountID, userID, text string, buttons []models.Button) error {
	p.record(models.MessagePayload{Kind: models.MessageButtons, AccountID: accountID, UserID: userID, Text: text, Buttons: buttons})
	return nil
}

func (p *recordingProvider) ReplyToComment(ctx context.Context, accountID, commentID, text string) error {
	if p.replyErr != nil {
		return p.replyErr
	}
	p.record(models.MessagePayload{Kind: models.MessageCommentReply, AccountID: accountID, CommentID: commentID, Text: text})
	return nil
}

func (p *recordingProvider) SendPrivateReply(ctx context.Context, accountID, commentID, text string) error {
	if p.textErr != nil {
		return p.textErr
	}
	p.record(models.MessagePayload{Kind: models.MessageText, AccountID: accountID, CommentID: commentID, Text: text})
	return nil
}

func (p *recordingProvider) IsFollower(ctx context.Context, accountID, userID string) (bool, error) {
	return p.follows, nil
}

// scriptedResponder returns canned AI turns.
type scriptedResponder struct {
	replies []string
	doneAt  int
	calls   int
}

func (r *scriptedResponder) Reply(ctx context.Context, sess *models.Session, cfg models.AIConfig, userText string) (string, bool, error) {
	i := r.calls
	r.calls++
	if i >= len(r.replies) {
		return "", true, nil
	}
	return r.replies[i], r.calls > r.doneAt, nil
}

type engineFixture struct {
	engine   *Engine
	provider *recordingProvider
	store    *store.InMemoryStore
}

func newFixture(t *testing.T, ceiling int, responder Responder) *engineFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	p := &recordingProvider{}
	d := dispatch.NewDispatcher(st, dispatch.NewBudgetTracker(st, ceiling), p)
	e := New(st, d, p, responder)
	e.randIntn = func(n int) int { return 0 }
	return &engineFixture{engine: e, provider: p, store: st}
}

func newSession(flow *models.Flow) *models.Session {
	now := time.Now().UTC()
	entry := flow.EntryNode()
	return &models.Session{
		ID:               "sess-1",
		AccountID:        flow.AccountID,
		UserID:           "user-1",
		FlowID:           flow.ID,
		CurrentNodeID:    entry.ID,
		Status:           models.SessionActive,
		TriggerCommentID: "cmt-1",
		TriggerPostID:    "post-1",
		Username:         "jordan",
		LastAdvancedAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func textFlow() *models.Flow {
	return &models.Flow{
		ID:        "flow-1",
		AccountID: "acct-1",
		Trigger:   models.Trigger{Kind: models.TriggerAny},
		Active:    true,
		Nodes: []models.FlowNode{
			{ID: "n1", Type: models.NodeTextMessage, Texts: []string{"hi {username}"}, NextNodeID: "n2"},
			{ID: "n2", Type: models.NodeTextMessage, Texts: []string{"bye"}},
		},
	}
}

func TestEngine_FreshSessionStartsAtEntryNode(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := textFlow()
	sess := newSession(flow)
	// A session straight out of ingestion has no current node yet.
	sess.CurrentNodeID = ""

	if _, err := fx.engine.Process(context.Background(), flow, sess, nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	msgs := fx.provider.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected entry node to run, got %d sends: %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "hi jordan" {
		t.Errorf("Expected entry node message first, got %q", msgs[0].Text)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("Expected completed session, got %q", sess.Status)
	}
}

func TestEngine_FreshSessionOnEmptyFlowErrors(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := &models.Flow{ID: "flow-1", AccountID: "acct-1", Trigger: models.Trigger{Kind: models.TriggerAny}, Active: true}
	sess := &models.Session{ID: "sess-1", AccountID: "acct-1", UserID: "user-1", FlowID: "flow-1", Status: models.SessionActive}

	_, err := fx.engine.Process(context.Background(), flow, sess, nil)
	if !errors.Is(err, models.ErrEmptyFlow) {
		t.Fatalf("Expected ErrEmptyFlow, got %v", err)
	}
	if len(fx.provider.messages()) != 0 {
		t.Errorf("Expected no sends, got %+v", fx.provider.messages())
	}
}

func TestEngine_TextChainRunsToCompletion(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := textFlow()
	sess := newSession(flow)

	effects, err := fx.engine.Process(context.Background(), flow, sess, nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	msgs := fx.provider.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 sends, got %d: %+v", len(msgs), msgs)
	}
	// First DM goes out as a private reply to the trigger comment.
	if msgs[0].CommentID != "cmt-1" {
		t.Errorf("Expected first message as private reply to cmt-1, got %+v", msgs[0])
	}
	if msgs[0].Text != "hi jordan" {
		t.Errorf("Expected username substitution, got %q", msgs[0].Text)
	}
	// Second DM is user scoped.
	if msgs[1].CommentID != "" || msgs[1].UserID != "user-1" {
		t.Errorf("Expected second message user scoped, got %+v", msgs[1])
	}

	if sess.Status != models.SessionCompleted || sess.CurrentNodeID != "" || sess.CompletedAt == nil {
		t.Errorf("Expected completed session, got %+v", sess)
	}
	if !sess.SentDM {
		t.Error("Expected SentDM to be set")
	}
	if _, ok := effects[len(effects)-1].(*CompleteSession); !ok {
		t.Errorf("Expected final CompleteSession effect, got %T", effects[len(effects)-1])
	}

	// The session was persisted.
	saved, err := fx.store.GetSessionByID("sess-1")
	if err != nil || saved == nil {
		t.Fatalf("Session not persisted: %v", err)
	}
	if saved.Status != models.SessionCompleted {
		t.Errorf("Persisted status %q, expected completed", saved.Status)
	}
}

func TestEngine_QuickReplyWaitsAndRoutes(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "ask", Type: models.NodeQuickReply, Texts: []string{"pick one"}, QuickReplies: []models.QuickReplyOption{
				{Title: "Red", Payload: "red", TargetNodeID: "red"},
				{Title: "Blue", Payload: "blue", TargetNodeID: "blue"},
			}},
			{ID: "red", Type: models.NodeTextMessage, Texts: []string{"you picked red"}},
			{ID: "blue", Type: models.NodeTextMessage, Texts: []string{"you picked blue"}},
		},
	}
	sess := newSession(flow)
	ctx := context.Background()

	if _, err := fx.engine.Process(ctx, flow, sess, nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if sess.Status != models.SessionWaiting || sess.CurrentNodeID != "ask" {
		t.Fatalf("Expected session waiting at ask, got %+v", sess)
	}
	msgs := fx.provider.messages()
	if len(msgs) != 1 || msgs[0].Kind != models.MessageQuickReplies {
		t.Fatalf("Expected quick-reply send, got %+v", msgs)
	}
	// Option payloads go out as routable tokens.
	tok, ok := ParseToken(msgs[0].QuickReplies[1].Payload)
	if !ok || tok.SessionID != "sess-1" || tok.NodeID != "ask" || tok.Payload != "blue" {
		t.Fatalf("Option token malformed: %q -> %+v", msgs[0].QuickReplies[1].Payload, tok)
	}

	// Tapping option k routes to its target.
	if _, err := fx.engine.Process(ctx, flow, sess, &Input{Payload: "blue", NodeID: "ask"}); err != nil {
		t.Fatalf("Process with input failed: %v", err)
	}
	msgs = fx.provider.messages()
	if msgs[len(msgs)-1].Text != "you picked blue" {
		t.Errorf("Expected blue branch, got %q", msgs[len(msgs)-1].Text)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("Expected completed, got %q", sess.Status)
	}
}

func TestEngine_TypedTextWhileWaitingOnOptions(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "ask", Type: models.NodeQuickReply, Texts: []string{"pick"}, QuickReplies: []models.QuickReplyOption{{Title: "A", Payload: "a"}}},
		},
	}
	sess := newSession(flow)
	ctx := context.Background()

	fx.engine.Process(ctx, flow, sess, nil)
	if _, err := fx.engine.Process(ctx, flow, sess, &Input{Text: "hello?", NodeID: "ask"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if sess.Status != models.SessionWaiting || sess.CurrentNodeID != "ask" {
		t.Errorf("Expected session to keep waiting, got %+v", sess)
	}
}

func TestEngine_ButtonRoutingRecordsLastButton(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "menu", Type: models.NodeButtonMessage, Texts: []string{"choose"}, Buttons: []models.Button{
				{Kind: models.ButtonPostback, Title: "Pricing", Payload: "pricing", TargetNodeID: "answer"},
				{Kind: models.ButtonURL, Title: "Docs", URL: "https://example.com"},
			}},
			{ID: "answer", Type: models.NodeTextMessage, Texts: []string{"it costs 5"}},
		},
	}
	sess := newSession(flow)
	ctx := context.Background()

	fx.engine.Process(ctx, flow, sess, nil)
	msgs := fx.provider.messages()
	if len(msgs) != 1 || msgs[0].Kind != models.MessageButtons {
		t.Fatalf("Expected button send, got %+v", msgs)
	}
	tok, ok := ParseToken(msgs[0].Buttons[0].Payload)
	if !ok || !tok.Button || tok.Payload != "pricing" {
		t.Fatalf("Button token malformed: %q", msgs[0].Buttons[0].Payload)
	}
	if msgs[0].Buttons[1].URL != "https://example.com" || msgs[0].Buttons[1].Payload != "" {
		t.Errorf("URL button should pass through untouched: %+v", msgs[0].Buttons[1])
	}

	if _, err := fx.engine.Process(ctx, flow, sess, &Input{Payload: "pricing", NodeID: "menu", Button: true}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if sess.Var(models.VarLastButton) != "Pricing" {
		t.Errorf("Expected last button var, got %q", sess.Var(models.VarLastButton))
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("Expected completed, got %q", sess.Status)
	}
}

func TestEngine_CompletedSessionReactivatesOnTap(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "menu", Type: models.NodeButtonMessage, Texts: []string{"choose"}, Buttons: []models.Button{
				{Kind: models.ButtonPostback, Title: "More", Payload: "more", TargetNodeID: "more"},
			}},
			{ID: "more", Type: models.NodeTextMessage, Texts: []string{"more info"}},
		},
	}
	sess := newSession(flow)
	sess.Complete(time.Now().UTC())

	if _, err := fx.engine.Process(context.Background(), flow, sess, &Input{Payload: "more", NodeID: "menu", Button: true}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	msgs := fx.provider.messages()
	if len(msgs) != 1 || msgs[0].Text != "more info" {
		t.Errorf("Expected reactivated session to send, got %+v", msgs)
	}
}

func TestEngine_ConditionsCascadeWithoutSending(t *testing.T) {
	fx := newFixture(t, 100, nil)
	fx.provider.follows = true
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "ask", Type: models.NodeQuickReply, Texts: []string{"hi"}, QuickReplies: []models.QuickReplyOption{{Title: "Go", Payload: "go", TargetNodeID: "check"}}},
			{ID: "check", Type: models.NodeFollowerCondition, TrueNodeID: "ret", FalseNodeID: "end"},
			{ID: "ret", Type: models.NodeReturningCondition, TrueNodeID: "end", FalseNodeID: "end"},
			{ID: "end", Type: models.NodeTextMessage, Texts: []string{"done"}},
		},
	}
	sess := newSession(flow)
	ctx := context.Background()

	fx.engine.Process(ctx, flow, sess, nil)
	before := len(fx.provider.messages())

	if _, err := fx.engine.Process(ctx, flow, sess, &Input{Payload: "go", NodeID: "ask"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	msgs := fx.provider.messages()
	// Both conditions resolved inside one advance; only the terminal text
	// node sent anything.
	if len(msgs) != before+1 || msgs[len(msgs)-1].Text != "done" {
		t.Errorf("Expected exactly one send from the cascade, got %+v", msgs[before:])
	}
	if sess.Var(models.VarIsFollower) != "true" {
		t.Errorf("Expected is_follower=true, got %q", sess.Var(models.VarIsFollower))
	}
}

func TestEngine_CollectDataValidatesAndReprompts(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "collect", Type: models.NodeCollectData, Collect: &models.CollectConfig{
				FieldType:    models.FieldEmail,
				VariableName: "email",
				Prompt:       "what's your email?",
				ErrorMessage: "that is not an email",
			}, NextNodeID: "thanks"},
			{ID: "thanks", Type: models.NodeTextMessage, Texts: []string{"thanks {email}"}},
		},
	}
	sess := newSession(flow)
	ctx := context.Background()

	fx.engine.Process(ctx, flow, sess, nil)
	if sess.Status != models.SessionWaiting || sess.Var(models.VarCollectingName) != "email" {
		t.Fatalf("Expected session collecting email, got %+v", sess)
	}

	// Invalid input re-prompts and stays.
	fx.engine.Process(ctx, flow, sess, &Input{Text: "not-an-email"})
	msgs := fx.provider.messages()
	if msgs[len(msgs)-1].Text != "that is not an email" {
		t.Errorf("Expected re-prompt, got %q", msgs[len(msgs)-1].Text)
	}
	if sess.Status != models.SessionWaiting {
		t.Fatalf("Expected still waiting, got %q", sess.Status)
	}

	// Valid input stores the variable and advances.
	fx.engine.Process(ctx, flow, sess, &Input{Text: "a@b.com"})
	if sess.Var("email") != "a@b.com" {
		t.Errorf("Expected email stored, got %q", sess.Var("email"))
	}
	if sess.Var(models.VarCollectingName) != "" {
		t.Error("Expected collecting bookkeeping cleared")
	}
	msgs = fx.provider.messages()
	if msgs[len(msgs)-1].Text != "thanks a@b.com" {
		t.Errorf("Expected collected value substituted, got %q", msgs[len(msgs)-1].Text)
	}
}

func TestEngine_AIConversationLoopsUntilDone(t *testing.T) {
	responder := &scriptedResponder{replies: []string{"hi, how can I help?", "glad to help, bye"}, doneAt: 1}
	fx := newFixture(t, 100, responder)
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "ai", Type: models.NodeAIConversation, AI: &models.AIConfig{SystemPrompt: "be helpful"}, NextNodeID: "end"},
			{ID: "end", Type: models.NodeTextMessage, Texts: []string{"goodbye"}},
		},
	}
	sess := newSession(flow)
	ctx := context.Background()

	fx.engine.Process(ctx, flow, sess, nil)
	if sess.Status != models.SessionWaiting {
		t.Fatalf("Expected waiting after opening turn, got %q", sess.Status)
	}

	fx.engine.Process(ctx, flow, sess, &Input{Text: "thanks, that's all"})
	if sess.Status != models.SessionCompleted {
		t.Fatalf("Expected completed after done turn, got %q", sess.Status)
	}
	msgs := fx.provider.messages()
	if len(msgs) != 3 || msgs[2].Text != "goodbye" {
		t.Errorf("Expected opening, closing, and terminal sends, got %+v", msgs)
	}
}

func TestEngine_PlainReplyFailureDoesNotStallFlow(t *testing.T) {
	fx := newFixture(t, 100, nil)
	fx.provider.replyErr = models.NewPermanentError(errors.New("comment deleted"))
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "pub", Type: models.NodePlainReply, Texts: []string{"check your DMs"}, NextNodeID: "dm"},
			{ID: "dm", Type: models.NodeTextMessage, Texts: []string{"here it is"}},
		},
	}
	sess := newSession(flow)

	if _, err := fx.engine.Process(context.Background(), flow, sess, nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	msgs := fx.provider.messages()
	if len(msgs) != 1 || msgs[0].Text != "here it is" {
		t.Errorf("Expected DM despite failed comment reply, got %+v", msgs)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("Expected completed, got %q", sess.Status)
	}
}

func TestEngine_DefersAdvanceWhenBudgetExhausted(t *testing.T) {
	fx := newFixture(t, 1, nil)
	flow := textFlow()
	sess := newSession(flow)
	ctx := context.Background()

	effects, err := fx.engine.Process(ctx, flow, sess, nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	// First send went out, second was parked at its node.
	if len(fx.provider.messages()) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(fx.provider.messages()))
	}
	var parked *EnqueueAdvance
	for _, eff := range effects {
		if ea, ok := eff.(*EnqueueAdvance); ok {
			parked = ea
		}
	}
	if parked == nil || parked.NodeID != "n2" {
		t.Fatalf("Expected EnqueueAdvance at n2, got %+v", effects)
	}
	if sess.Status != models.SessionActive || sess.CurrentNodeID != "n2" {
		t.Errorf("Expected session parked at n2, got %+v", sess)
	}

	// Freeing a slot lets the replay complete the chain.
	if err := fx.store.ReleaseBudget("acct-1", time.Now().UTC()); err != nil {
		t.Fatalf("ReleaseBudget failed: %v", err)
	}
	if _, err := fx.engine.ProcessAdvance(ctx, flow, sess, "n2"); err != nil {
		t.Fatalf("ProcessAdvance failed: %v", err)
	}
	if len(fx.provider.messages()) != 2 {
		t.Errorf("Expected 2 sends after replay, got %d", len(fx.provider.messages()))
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("Expected completed after replay, got %q", sess.Status)
	}
}

func TestEngine_DanglingEdgeAbortsWithoutMutation(t *testing.T) {
	fx := newFixture(t, 100, nil)
	flow := &models.Flow{
		ID: "flow-1", AccountID: "acct-1",
		Nodes: []models.FlowNode{
			{ID: "n1", Type: models.NodeTextMessage, Texts: []string{"hi"}, NextNodeID: "missing"},
		},
	}
	sess := newSession(flow)

	_, err := fx.engine.Process(context.Background(), flow, sess, nil)
	if err == nil {
		t.Fatal("Expected error for dangling edge")
	}
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if sess.Status == models.SessionErrored {
		t.Error("Definition errors must not mark the session errored")
	}
}

func TestEngine_PerSessionSerialization(t *testing.T) {
	fx := newFixture(t, 1000, nil)
	flow := textFlow()
	sess := newSession(flow)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.engine.Process(ctx, flow, sess, nil)
		}()
	}
	wg.Wait()

	// The first advance completes the session; later ones see a completed
	// session and do nothing. Exactly one walk sends.
	if got := len(fx.provider.messages()); got != 2 {
		t.Errorf("Expected exactly 2 sends across concurrent advances, got %d", got)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("Expected completed, got %q", sess.Status)
	}
}

func TestParseToken(t *testing.T) {
	cases := []struct {
		raw    string
		ok     bool
		button bool
		node   string
		value  string
	}{
		{OptionToken("s-1", "ask", "red"), true, false, "ask", "red"},
		{ButtonToken("s-1", "menu_main", "pricing"), true, true, "menu_main", "pricing"},
		{"raw_external_payload", false, false, "", ""},
		{"flow_s-1_nothing", false, false, "", ""},
	}
	for _, tc := range cases {
		tok, ok := ParseToken(tc.raw)
		if ok != tc.ok {
			t.Errorf("ParseToken(%q) ok=%v, expected %v", tc.raw, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if tok.SessionID != "s-1" || tok.NodeID != tc.node || tok.Payload != tc.value || tok.Button != tc.button {
			t.Errorf("ParseToken(%q) = %+v", tc.raw, tok)
		}
	}
}
