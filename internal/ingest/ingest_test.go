package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/BTreeMap/FlowPilot/internal/dispatch"
	"github.com/BTreeMap/FlowPilot/internal/engine"
	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/BTreeMap/FlowPilot/internal/store"
)

// recordingDispatcher accepts every send so tests can inspect what the
// engine tried to deliver.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []models.MessagePayload
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, sess *models.Session, msg models.MessagePayload, resumeNodeID string) (dispatch.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return dispatch.OutcomeSent, nil
}

func (d *recordingDispatcher) Park(sess *models.Session, msg models.MessagePayload, resumeNodeID string) error {
	return nil
}

func (d *recordingDispatcher) messages() []models.MessagePayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.MessagePayload, len(d.sent))
	copy(out, d.sent)
	return out
}

type fixture struct {
	store      *store.InMemoryStore
	dispatcher *recordingDispatcher
	ingestor   *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	d := &recordingDispatcher{}
	eng := engine.New(st, d, nil, nil)
	return &fixture{store: st, dispatcher: d, ingestor: NewIngestor(st, eng)}
}

func saveGreetingFlow(t *testing.T, st store.Store, id string, keywords ...string) {
	t.Helper()
	trigger := models.Trigger{Kind: models.TriggerAny}
	if len(keywords) > 0 {
		trigger = models.Trigger{Kind: models.TriggerKeyword, Keywords: keywords}
	}
	flow := models.Flow{
		ID:        id,
		AccountID: "acct-1",
		Trigger:   trigger,
		Active:    true,
		Nodes: []models.FlowNode{
			{ID: "n1", Type: models.NodeTextMessage, Texts: []string{"welcome from " + id}},
		},
	}
	if err := st.SaveFlow(flow); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
}

func commentPayload(eventID, text string) *models.WebhookPayload {
	p := &models.WebhookPayload{Object: "instagram"}
	entry := models.WebhookEntry{ID: "acct-1", Time: 1700000000}
	change := models.WebhookChange{Field: "comments"}
	change.Value.ID = eventID
	change.Value.Text = text
	change.Value.Media.ID = "post-1"
	change.Value.From.ID = "user-1"
	change.Value.From.Username = "jordan"
	entry.Changes = append(entry.Changes, change)
	p.Entry = append(p.Entry, entry)
	return p
}

func decodePayload(t *testing.T, raw string) *models.WebhookPayload {
	t.Helper()
	var p models.WebhookPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	return &p
}

func messagePayload(t *testing.T, mid, text string) *models.WebhookPayload {
	t.Helper()
	return decodePayload(t, fmt.Sprintf(`{
		"object": "instagram",
		"entry": [{"id": "acct-1", "messaging": [{
			"sender": {"id": "user-1"},
			"recipient": {"id": "acct-1"},
			"message": {"mid": %q, "text": %q}
		}]}]
	}`, mid, text))
}

func quickReplyPayload(t *testing.T, mid, title, payload string) *models.WebhookPayload {
	t.Helper()
	return decodePayload(t, fmt.Sprintf(`{
		"object": "instagram",
		"entry": [{"id": "acct-1", "messaging": [{
			"sender": {"id": "user-1"},
			"recipient": {"id": "acct-1"},
			"message": {"mid": %q, "text": %q, "quick_reply": {"payload": %q}}
		}]}]
	}`, mid, title, payload))
}

func echoPayload(t *testing.T, mid string) *models.WebhookPayload {
	t.Helper()
	return decodePayload(t, fmt.Sprintf(`{
		"object": "instagram",
		"entry": [{"id": "acct-1", "messaging": [{
			"sender": {"id": "user-1"},
			"recipient": {"id": "acct-1"},
			"message": {"mid": %q, "text": "our own message", "is_echo": true}
		}]}]
	}`, mid))
}

func TestIngestor_CommentStartsFlow(t *testing.T) {
	fx := newFixture(t)
	saveGreetingFlow(t, fx.store, "flow-1")

	if err := fx.ingestor.Handle(context.Background(), commentPayload("cmt-1", "hi there")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	msgs := fx.dispatcher.messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(msgs))
	}
	// First DM targets the trigger comment as a private reply.
	if msgs[0].CommentID != "cmt-1" {
		t.Errorf("Expected private reply to cmt-1, got %+v", msgs[0])
	}

	sess, err := fx.store.GetSession("acct-1", "user-1", "flow-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess == nil {
		t.Fatal("Expected a session to be created")
	}
	if sess.Username != "jordan" || sess.TriggerPostID != "post-1" {
		t.Errorf("Trigger context not captured: %+v", sess)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("Expected completed single-node flow, got %q", sess.Status)
	}
}

func TestIngestor_KeywordFiltersFlows(t *testing.T) {
	fx := newFixture(t)
	saveGreetingFlow(t, fx.store, "flow-price", "price")
	saveGreetingFlow(t, fx.store, "flow-ship", "shipping")

	if err := fx.ingestor.Handle(context.Background(), commentPayload("cmt-1", "what is the PRICE?")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	msgs := fx.dispatcher.messages()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(msgs))
	}
	if msgs[0].Text != "welcome from flow-price" {
		t.Errorf("Wrong flow fired: %+v", msgs[0])
	}
}

func TestIngestor_AllMatchingFlowsFire(t *testing.T) {
	fx := newFixture(t)
	saveGreetingFlow(t, fx.store, "flow-a", "deal")
	saveGreetingFlow(t, fx.store, "flow-b", "deal")

	if err := fx.ingestor.Handle(context.Background(), commentPayload("cmt-1", "any deal today?")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if got := len(fx.dispatcher.messages()); got != 2 {
		t.Errorf("Expected both matching flows to fire, got %d sends", got)
	}
}

func TestIngestor_DuplicateEventIsDropped(t *testing.T) {
	fx := newFixture(t)
	saveGreetingFlow(t, fx.store, "flow-1")

	for i := 0; i < 3; i++ {
		if err := fx.ingestor.Handle(context.Background(), commentPayload("cmt-1", "hello")); err != nil {
			t.Fatalf("Handle %d failed: %v", i, err)
		}
	}

	if got := len(fx.dispatcher.messages()); got != 1 {
		t.Errorf("Expected 1 send after webhook retries, got %d", got)
	}
}

func TestIngestor_SelfAndEchoEventsIgnored(t *testing.T) {
	fx := newFixture(t)
	saveGreetingFlow(t, fx.store, "flow-1")

	selfComment := commentPayload("cmt-self", "pinned by us")
	selfComment.Entry[0].Changes[0].Value.From.ID = "acct-1"

	reply := commentPayload("cmt-reply", "thanks!")
	reply.Entry[0].Changes[0].Value.ParentID = "cmt-root"

	echo := echoPayload(t, "mid-echo")

	for _, p := range []*models.WebhookPayload{selfComment, reply, echo} {
		if err := fx.ingestor.Handle(context.Background(), p); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
	}

	if got := len(fx.dispatcher.messages()); got != 0 {
		t.Errorf("Expected filtered events to produce no sends, got %d", got)
	}
}

func TestIngestor_FreeTextRoutesToWaitingSession(t *testing.T) {
	fx := newFixture(t)
	flow := models.Flow{
		ID:        "flow-1",
		AccountID: "acct-1",
		Trigger:   models.Trigger{Kind: models.TriggerAny},
		Active:    true,
		Nodes: []models.FlowNode{
			{ID: "n1", Type: models.NodeCollectData, Collect: &models.CollectConfig{FieldType: models.FieldEmail, VariableName: "email", Prompt: "what is your email?"}, NextNodeID: "n2"},
			{ID: "n2", Type: models.NodeTextMessage, Texts: []string{"thanks"}},
		},
	}
	if err := fx.store.SaveFlow(flow); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	if err := fx.ingestor.Handle(context.Background(), commentPayload("cmt-1", "sign me up")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if err := fx.ingestor.Handle(context.Background(), messagePayload(t, "mid-1", "a@b.com")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	msgs := fx.dispatcher.messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected prompt then thanks, got %d sends", len(msgs))
	}
	if msgs[1].Text != "thanks" {
		t.Errorf("Expected collected value to advance the flow, got %+v", msgs[1])
	}

	sess, err := fx.store.GetSession("acct-1", "user-1", "flow-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Vars["email"] != "a@b.com" {
		t.Errorf("Expected collected email stored, got %q", sess.Vars["email"])
	}
}

func TestIngestor_FreeTextWithoutSessionIsIgnored(t *testing.T) {
	fx := newFixture(t)

	if err := fx.ingestor.Handle(context.Background(), messagePayload(t, "mid-1", "hello?")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := len(fx.dispatcher.messages()); got != 0 {
		t.Errorf("Expected no sends without a waiting session, got %d", got)
	}
}

func TestIngestor_TokenPayloadRoutesBySession(t *testing.T) {
	fx := newFixture(t)
	flow := models.Flow{
		ID:        "flow-1",
		AccountID: "acct-1",
		Trigger:   models.Trigger{Kind: models.TriggerAny},
		Active:    true,
		Nodes: []models.FlowNode{
			{ID: "n1", Type: models.NodeQuickReply, Texts: []string{"pick one"}, QuickReplies: []models.QuickReplyOption{
				{Title: "Red", Payload: "red", TargetNodeID: "n2"},
				{Title: "Blue", Payload: "blue", TargetNodeID: "n3"},
			}},
			{ID: "n2", Type: models.NodeTextMessage, Texts: []string{"red it is"}},
			{ID: "n3", Type: models.NodeTextMessage, Texts: []string{"blue it is"}},
		},
	}
	if err := fx.store.SaveFlow(flow); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	if err := fx.ingestor.Handle(context.Background(), commentPayload("cmt-1", "start")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	sess, err := fx.store.GetSession("acct-1", "user-1", "flow-1")
	if err != nil || sess == nil {
		t.Fatalf("GetSession failed: sess=%v err=%v", sess, err)
	}

	tap := quickReplyPayload(t, "mid-1", "Blue", engine.OptionToken(sess.ID, "n1", "blue"))
	if err := fx.ingestor.Handle(context.Background(), tap); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	msgs := fx.dispatcher.messages()
	last := msgs[len(msgs)-1]
	if last.Text != "blue it is" {
		t.Errorf("Expected blue branch, got %+v", last)
	}
}

func TestIngestor_ConcurrentUsersStayIsolated(t *testing.T) {
	fx := newFixture(t)
	saveGreetingFlow(t, fx.store, "flow-1")

	p := &models.WebhookPayload{Object: "instagram"}
	entry := models.WebhookEntry{ID: "acct-1"}
	for i := 0; i < 8; i++ {
		change := models.WebhookChange{Field: "comments"}
		change.Value.ID = fmt.Sprintf("cmt-%d", i)
		change.Value.Text = "hi"
		change.Value.Media.ID = "post-1"
		change.Value.From.ID = fmt.Sprintf("user-%d", i)
		change.Value.From.Username = fmt.Sprintf("u%d", i)
		entry.Changes = append(entry.Changes, change)
	}
	p.Entry = append(p.Entry, entry)

	if err := fx.ingestor.Handle(context.Background(), p); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if got := len(fx.dispatcher.messages()); got != 8 {
		t.Errorf("Expected one send per user, got %d", got)
	}
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"object":"instagram","entry":[]}`)
	secret := "shh"

	header := SignBody(secret, body)
	if !ValidSignature(secret, body, header) {
		t.Error("Expected valid signature to verify")
	}
	if ValidSignature(secret, []byte("tampered"), header) {
		t.Error("Expected tampered body to fail")
	}
	if ValidSignature(secret, body, "sha256=deadbeef") {
		t.Error("Expected wrong digest to fail")
	}
	if ValidSignature(secret, body, "md5=abc") {
		t.Error("Expected wrong scheme to fail")
	}
	if !ValidSignature("", body, "") {
		t.Error("Expected empty secret to skip validation")
	}
}
