package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go"

	"github.com/kasmartw/apptflow/internal/genai"
	"github.com/kasmartw/apptflow/internal/models"
)

// mockGenAI is a scripted genai.ClientInterface.
type mockGenAI struct {
	toolResponse *genai.ToolCallResponse
	toolErr      error
	finalReply   string
	finalErr     error

	toolCallCount  int
	finalCallCount int
}

func (m *mockGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.finalCallCount++
	return m.finalReply, m.finalErr
}

func (m *mockGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	m.toolCallCount++
	if m.toolErr != nil {
		return nil, m.toolErr
	}
	return m.toolResponse, nil
}

// mockExecutor returns scripted results per tool name and records call order.
type mockExecutor struct {
	mu      sync.Mutex
	results map[string]string
	order   []string
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args json.RawMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, name)
	if r, ok := m.results[name]; ok {
		return r
	}
	return "SUCCESS: done"
}

func advanceStateCall(target string) genai.ToolCall {
	return genai.ToolCall{
		ID: "call_advance",
		Function: genai.ToolCallFunction{
			Name:      ToolAdvanceState,
			Arguments: json.RawMessage(fmt.Sprintf(`{"target_state":%q}`, target)),
		},
	}
}

func backendCall(id, name string) genai.ToolCall {
	return genai.ToolCall{
		ID:       id,
		Function: genai.ToolCallFunction{Name: name, Arguments: json.RawMessage(`{}`)},
	}
}

func TestOrchestrator_OverrideShortCircuitsLLM(t *testing.T) {
	gen := &mockGenAI{}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateBookingSelectDateTime

	reply, err := o.Advance(context.Background(), sess, "actually, cancel my appointment")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateCancelAskConfirmation {
		t.Errorf("state = %s, want CANCEL_ASK_CONFIRMATION", sess.State)
	}
	if !strings.Contains(reply, "confirmation number") {
		t.Errorf("expected cancel entry prompt, got %q", reply)
	}
	if gen.toolCallCount != 0 {
		t.Error("override turn should not reach the LLM")
	}
	if len(sess.History) != 2 {
		t.Errorf("history length = %d, want user+assistant", len(sess.History))
	}
}

func TestOrchestrator_ExitOverrideCompletesSession(t *testing.T) {
	o := NewOrchestrator(&mockGenAI{}, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")

	if _, err := o.Advance(context.Background(), sess, "no thanks, bye"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateComplete {
		t.Errorf("state = %s, want COMPLETE", sess.State)
	}
}

func TestOrchestrator_PlainReplyKeepsState(t *testing.T) {
	gen := &mockGenAI{toolResponse: &genai.ToolCallResponse{Content: "What service would you like?"}}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")

	reply, err := o.Advance(context.Background(), sess, "hi, I'd like an appointment")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "What service would you like?" {
		t.Errorf("reply = %q", reply)
	}
	if sess.State != models.StateStart {
		t.Errorf("state = %s, want START", sess.State)
	}
}

func TestOrchestrator_AppliesValidProposal(t *testing.T) {
	gen := &mockGenAI{toolResponse: &genai.ToolCallResponse{
		Content:   "Great, let's pick a service.",
		ToolCalls: []genai.ToolCall{advanceStateCall(string(models.StateBookingCollectService))},
	}}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")

	if _, err := o.Advance(context.Background(), sess, "I'd like to book something"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateBookingCollectService {
		t.Errorf("state = %s, want BOOKING_COLLECT_SERVICE", sess.State)
	}
}

func TestOrchestrator_RejectsIllegalProposal(t *testing.T) {
	gen := &mockGenAI{toolResponse: &genai.ToolCallResponse{
		Content:   "Booked!",
		ToolCalls: []genai.ToolCall{advanceStateCall(string(models.StateBookingConfirm))},
	}}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")

	reply, err := o.Advance(context.Background(), sess, "book me in")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateStart {
		t.Errorf("illegal proposal must not move the session, state = %s", sess.State)
	}
	if reply != recoverableErrorMessage {
		t.Errorf("reply = %q, want recoverable error message", reply)
	}
}

func TestOrchestrator_MalformedProposalIsNoTransition(t *testing.T) {
	gen := &mockGenAI{toolResponse: &genai.ToolCallResponse{
		Content: "Sure.",
		ToolCalls: []genai.ToolCall{{
			ID:       "call_bad",
			Function: genai.ToolCallFunction{Name: ToolAdvanceState, Arguments: json.RawMessage(`{"target_state":`)},
		}},
	}}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")

	reply, err := o.Advance(context.Background(), sess, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateStart {
		t.Errorf("malformed proposal must not move the session, state = %s", sess.State)
	}
	if reply != "Sure." {
		t.Errorf("reply = %q", reply)
	}
}

func TestOrchestrator_LLMFailureOutsideVerifyStaysPut(t *testing.T) {
	gen := &mockGenAI{toolErr: context.DeadlineExceeded}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateBookingCollectContact

	reply, err := o.Advance(context.Background(), sess, "my name is Ana")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateBookingCollectContact {
		t.Errorf("state = %s, want unchanged", sess.State)
	}
	if !strings.Contains(reply, "technical difficulties") {
		t.Errorf("reply = %q", reply)
	}
}

func TestOrchestrator_LLMFailureInVerifyEscalates(t *testing.T) {
	gen := &mockGenAI{toolErr: context.DeadlineExceeded}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateCancelVerify

	reply, err := o.Advance(context.Background(), sess, "ABC123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StatePostAction {
		t.Errorf("state = %s, want POST_ACTION", sess.State)
	}
	if !strings.Contains(reply, "technical difficulties") {
		t.Errorf("reply = %q", reply)
	}
}

func TestOrchestrator_VerifyUserErrorReprompts(t *testing.T) {
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{backendCall("call_1", ToolCancelAppointment)},
		},
		finalReply: "I couldn't find that one. Could you double-check the number?",
	}
	exec := &mockExecutor{results: map[string]string{
		ToolCancelAppointment: "ERROR: no appointment matching confirmation number X9 was found",
	}}
	o := NewOrchestrator(gen, exec, 2)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateCancelVerify

	reply, err := o.Advance(context.Background(), sess, "X9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateCancelVerify {
		t.Errorf("first miss should stay in CANCEL_VERIFY, state = %s", sess.State)
	}
	if sess.RetryCounters[models.FlowKeyCancel] != 1 {
		t.Errorf("counter = %d, want 1", sess.RetryCounters[models.FlowKeyCancel])
	}
	if reply == "" {
		t.Error("expected a re-prompt reply")
	}

	// Second miss crosses the threshold.
	reply, err = o.Advance(context.Background(), sess, "X9 again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StatePostAction {
		t.Errorf("second miss should escalate to POST_ACTION, state = %s", sess.State)
	}
	if sess.RetryCounters[models.FlowKeyCancel] != 0 {
		t.Errorf("counter after escalation = %d, want 0", sess.RetryCounters[models.FlowKeyCancel])
	}
	if !strings.Contains(reply, "double-check") {
		t.Errorf("expected escalation message, got %q", reply)
	}
}

func TestOrchestrator_VerifySystemErrorEscalatesImmediately(t *testing.T) {
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{backendCall("call_1", ToolRescheduleAppointment)},
		},
		finalReply: "ignored",
	}
	exec := &mockExecutor{results: map[string]string{
		ToolRescheduleAppointment: "ERROR: could not connect to booking service",
	}}
	o := NewOrchestrator(gen, exec, 2)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateRescheduleVerify

	reply, err := o.Advance(context.Background(), sess, "CONF42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StatePostAction {
		t.Errorf("state = %s, want POST_ACTION", sess.State)
	}
	if !strings.Contains(reply, "technical difficulties") {
		t.Errorf("reply = %q", reply)
	}
}

func TestOrchestrator_SystemErrorOutsideVerifySkipsPolicy(t *testing.T) {
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{backendCall("call_1", ToolCheckAvailability)},
		},
		finalReply: "I couldn't reach the scheduling system just now.",
	}
	exec := &mockExecutor{results: map[string]string{
		ToolCheckAvailability: "ERROR: could not connect to booking service",
	}}
	o := NewOrchestrator(gen, exec, 2)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateBookingSelectDateTime

	if _, err := o.Advance(context.Background(), sess, "tomorrow morning"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateBookingSelectDateTime {
		t.Errorf("state = %s, want BOOKING_SELECT_DATETIME", sess.State)
	}
	if len(sess.RetryCounters) != 0 {
		t.Errorf("retry counters = %v, want untouched outside verify states", sess.RetryCounters)
	}
}

func TestOrchestrator_VerifySuccessFollowsProposal(t *testing.T) {
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{
				backendCall("call_1", ToolCancelAppointment),
				advanceStateCall(string(models.StateCancelProcess)),
			},
		},
		finalReply: "Found it, cancelling now.",
	}
	exec := &mockExecutor{results: map[string]string{
		ToolCancelAppointment: "SUCCESS: appointment CONF42 cancelled",
	}}
	o := NewOrchestrator(gen, exec, 2)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateCancelVerify
	sess.RetryCounters[models.FlowKeyCancel] = 1

	if _, err := o.Advance(context.Background(), sess, "CONF42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != models.StateCancelProcess {
		t.Errorf("state = %s, want CANCEL_PROCESS", sess.State)
	}
	if _, ok := sess.RetryCounters[models.FlowKeyCancel]; ok {
		t.Error("success should clear the retry counter")
	}
}

func TestOrchestrator_ToolDependencyOrdering(t *testing.T) {
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{
				// Deliberately listed dependent-first.
				backendCall("call_show", ToolShowAvailability),
				backendCall("call_check", ToolCheckAvailability),
			},
		},
		finalReply: "Here are the open slots.",
	}
	exec := &mockExecutor{results: map[string]string{}}
	o := NewOrchestrator(gen, exec, 0)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateBookingSelectDateTime

	if _, err := o.Advance(context.Background(), sess, "what's open Tuesday?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checkIdx, showIdx := -1, -1
	for i, name := range exec.order {
		switch name {
		case ToolCheckAvailability:
			checkIdx = i
		case ToolShowAvailability:
			showIdx = i
		}
	}
	if checkIdx == -1 || showIdx == -1 {
		t.Fatalf("both tools should run, order = %v", exec.order)
	}
	if checkIdx > showIdx {
		t.Errorf("check_availability must run before show_availability, order = %v", exec.order)
	}
}

func TestOrchestrator_RecordsCollectedDataFromToolCalls(t *testing.T) {
	bookArgs := `{"service_id":"svc-1","date":"2026-09-01","time":"10:00","client_name":"Ana","client_phone":"+34911222333"}`
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{{
				ID:       "call_book",
				Function: genai.ToolCallFunction{Name: ToolBookAppointment, Arguments: json.RawMessage(bookArgs)},
			}},
		},
		finalReply: "You're booked!",
	}
	exec := &mockExecutor{results: map[string]string{
		ToolBookAppointment: "SUCCESS: appointment booked for 2026-09-01 at 10:00, confirmation number CONF42",
	}}
	o := NewOrchestrator(gen, exec, 0)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateBookingProcess

	if _, err := o.Advance(context.Background(), sess, "yes, book it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[models.DataKey]string{
		models.DataKeyServiceID:          "svc-1",
		models.DataKeyDate:               "2026-09-01",
		models.DataKeyTime:               "10:00",
		models.DataKeyClientName:         "Ana",
		models.DataKeyClientPhone:        "+34911222333",
		models.DataKeyConfirmationNumber: "CONF42",
	}
	for key, value := range want {
		if got := sess.Data[key]; got != value {
			t.Errorf("data[%s] = %q, want %q", key, got, value)
		}
	}
}

func TestOrchestrator_FailedToolCallRecordsNothing(t *testing.T) {
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{{
				ID:       "call_cancel",
				Function: genai.ToolCallFunction{Name: ToolCancelAppointment, Arguments: json.RawMessage(`{"confirmation_number":"NOPE"}`)},
			}},
		},
		finalReply: "I couldn't find that one.",
	}
	exec := &mockExecutor{results: map[string]string{
		ToolCancelAppointment: "ERROR: no appointment matching confirmation number NOPE was found",
	}}
	o := NewOrchestrator(gen, exec, 2)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateCancelVerify

	if _, err := o.Advance(context.Background(), sess, "it's NOPE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sess.Data[models.DataKeyConfirmationNumber]; ok {
		t.Error("failed tool call must not record collected data")
	}
}

func TestOrchestrator_FinalReplyFallsBackToToolResults(t *testing.T) {
	gen := &mockGenAI{
		toolResponse: &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{backendCall("call_1", ToolCheckAvailability)},
		},
		finalErr: fmt.Errorf("model unavailable"),
	}
	exec := &mockExecutor{results: map[string]string{
		ToolCheckAvailability: "SUCCESS: open slots: 10:00, 11:00",
	}}
	o := NewOrchestrator(gen, exec, 0)
	sess := models.NewSession("s1", "t1")
	sess.State = models.StateBookingSelectDateTime

	reply, err := o.Advance(context.Background(), sess, "any time Tuesday?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(reply, "10:00") {
		t.Errorf("expected raw tool results fallback, got %q", reply)
	}
}

func TestOrchestrator_DetectsLanguageOnce(t *testing.T) {
	gen := &mockGenAI{toolResponse: &genai.ToolCallResponse{Content: "¡Claro!"}}
	o := NewOrchestrator(gen, &mockExecutor{}, 0)
	sess := models.NewSession("s1", "t1")

	if _, err := o.Advance(context.Background(), sess, "hola, necesito ayuda"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Language != "es" {
		t.Errorf("language = %q, want es", sess.Language)
	}
}
