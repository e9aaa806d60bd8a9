package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/kasmartw/apptflow/internal/genai"
	"github.com/kasmartw/apptflow/internal/models"
)

// ToolAdvanceState is the orchestrator-internal tool through which the model
// proposes the next state. It never reaches the backend executor.
const ToolAdvanceState = "advance_state"

const (
	// maxHistoryMessages bounds the history sent to the model per turn.
	maxHistoryMessages = 30
	// maxStoredMessages bounds the history kept on the session.
	maxStoredMessages = 50
)

// Recoverable user-facing messages.
const (
	recoverableErrorMessage = "Sorry, something went wrong on my end. Could you say that again?"
	fallbackReplyMessage    = "I'm here to help with your appointments. What would you like to do?"
)

// Canned prompts emitted when an intent override short-circuits the turn.
var entryPrompts = map[models.State]string{
	models.StateCancelAskConfirmation:     "Sure, I can cancel an appointment for you. Could you share the confirmation number from your booking?",
	models.StateRescheduleAskConfirmation: "Of course, let's move your appointment. Could you share the confirmation number from your booking?",
	models.StateComplete:                  "Thanks for reaching out. Have a great day!",
}

const systemPersona = "You are a friendly appointment assistant for a service business. " +
	"You help users book, cancel and reschedule appointments. Keep replies short and conversational. " +
	"Use the provided tools for anything involving real appointment data; never invent availability or confirmation numbers. " +
	"When the goal of the current state is met, call advance_state to move on."

// Orchestrator drives one conversation turn: intent routing, LLM delegation,
// tool execution, retry policy and validated state transitions. It holds no
// per-session state; the session passed to Advance is exclusively owned by
// the calling turn.
type Orchestrator struct {
	machine     *StateMachine
	intents     *IntentRouter
	policy      *RetryPolicy
	genaiClient genai.ClientInterface
	executor    ToolExecutor
}

// NewOrchestrator wires the orchestrator with its collaborators. A zero
// retryThreshold selects the default.
func NewOrchestrator(genaiClient genai.ClientInterface, executor ToolExecutor, retryThreshold int) *Orchestrator {
	slog.Debug("flow.NewOrchestrator: creating orchestrator",
		"hasGenAI", genaiClient != nil,
		"hasExecutor", executor != nil,
		"retryThreshold", retryThreshold)
	return &Orchestrator{
		machine:     NewStateMachine(),
		intents:     NewIntentRouter(),
		policy:      NewRetryPolicy(retryThreshold),
		genaiClient: genaiClient,
		executor:    executor,
	}
}

// Machine exposes the transition table for callers that need legality checks.
func (o *Orchestrator) Machine() *StateMachine {
	return o.machine
}

// Advance runs one orchestration turn for the inbound user message and
// returns the outbound reply. The session is mutated in place; the caller
// commits it only after Advance returns without error, so a cancelled turn
// never leaves a partially-applied transition behind.
func (o *Orchestrator) Advance(ctx context.Context, sess *models.Session, inbound string) (string, error) {
	if o.genaiClient == nil {
		return "", fmt.Errorf("orchestrator genai client not initialized")
	}

	if sess.Language == "" {
		sess.Language = detectLanguage(inbound)
	}
	sess.AppendMessage("user", inbound)

	reply := o.advanceTurn(ctx, sess, inbound)

	sess.AppendMessage("assistant", reply)
	if len(sess.History) > maxStoredMessages {
		sess.History = sess.History[len(sess.History)-maxStoredMessages:]
	}
	sess.UpdatedAt = time.Now()
	return reply, nil
}

func (o *Orchestrator) advanceTurn(ctx context.Context, sess *models.Session, inbound string) string {
	// Step 1: intent override pre-empts normal progression from any state.
	if override, ok := o.intents.Classify(inbound); ok {
		return o.applyOverride(sess, override)
	}

	// Step 2: delegate to the LLM with the current state's directive.
	directive := o.machine.InstructionFor(sess.State)
	legal := o.legalNextLabels(sess.State)
	messages := o.buildMessages(sess, directive)
	tools := toolsForDirective(directive, legal)

	toolResp, err := o.genaiClient.GenerateWithTools(ctx, messages, tools)
	if err != nil {
		// A collaborator timeout or failure is handled exactly like a
		// system-error tool result.
		slog.Error("Orchestrator.advanceTurn: LLM call failed, treating as system error",
			"error", err, "sessionID", sess.ID, "state", sess.State)
		return o.applySystemFailure(sess)
	}

	// Step 3: execute requested tool calls.
	reply := toolResp.Content
	var proposed models.State
	var lastToolResult string
	if len(toolResp.ToolCalls) > 0 {
		var backendCalls []genai.ToolCall
		for _, call := range toolResp.ToolCalls {
			if call.Function.Name == ToolAdvanceState {
				// A malformed proposal defaults to no transition, never to
				// an arbitrary state.
				if target, ok := parseAdvanceState(call.Function.Arguments); ok {
					proposed = target
				} else {
					slog.Warn("Orchestrator.advanceTurn: malformed state proposal ignored",
						"sessionID", sess.ID, "arguments", string(call.Function.Arguments))
				}
				continue
			}
			backendCalls = append(backendCalls, call)
		}

		if len(backendCalls) > 0 {
			results := o.executeToolCalls(ctx, sess.ID, backendCalls)
			for i, call := range backendCalls {
				recordCollectedData(sess, call, results[i])
			}
			lastToolResult = results[len(results)-1]
			reply = o.generateFinalReply(ctx, sess, messages, toolResp, backendCalls, results)
		}
	}

	// Step 4: the retry policy runs only for the two Verify states; every
	// other state skips straight to transition apply.
	policyDecided := false
	if NeedsRetryPolicy(sess.State) && lastToolResult != "" {
		outcome := ClassifyToolResult(lastToolResult)
		action := o.policy.Apply(sess, FlowKeyFor(sess.State), outcome)
		slog.Debug("Orchestrator.advanceTurn: retry policy applied",
			"sessionID", sess.ID, "state", sess.State, "outcome", outcome.String(), "escalated", action.Escalated)
		if action.Escalated {
			o.applyTransition(sess, action.Transition)
			return action.Message
		}
		if outcome == OutcomeUserError {
			// Stay in the Verify state and let the flow re-prompt; an LLM
			// proposal in the same turn is suppressed.
			policyDecided = true
			proposed = ""
		}
	}

	// Step 5: apply the LLM-proposed transition through validation.
	if proposed != "" && !policyDecided {
		if err := o.applyTransition(sess, proposed); err != nil {
			slog.Warn("Orchestrator.advanceTurn: rejected proposed transition",
				"sessionID", sess.ID, "from", sess.State, "to", proposed, "error", err)
			return recoverableErrorMessage
		}
	}

	if strings.TrimSpace(reply) == "" {
		reply = fallbackReplyMessage
	}
	return reply
}

// applyOverride short-circuits the turn into the override's flow-entry
// state. Override targets are universally legal table edges, so validation
// still runs; a rejection keeps the session in place.
func (o *Orchestrator) applyOverride(sess *models.Session, override Override) string {
	target := override.EntryState()
	if err := o.applyTransition(sess, target); err != nil {
		slog.Warn("Orchestrator.applyOverride: override transition rejected",
			"sessionID", sess.ID, "override", override, "from", sess.State, "to", target)
		return recoverableErrorMessage
	}
	slog.Info("Orchestrator.applyOverride: intent override applied",
		"sessionID", sess.ID, "override", override, "state", target)
	return entryPrompts[target]
}

// applySystemFailure resolves an LLM collaborator failure: in a Verify state
// the retry policy escalates to the hub; elsewhere the session stays put and
// the user sees the technical-difficulty message.
func (o *Orchestrator) applySystemFailure(sess *models.Session) string {
	if NeedsRetryPolicy(sess.State) {
		action := o.policy.Apply(sess, FlowKeyFor(sess.State), OutcomeSystemError)
		if err := o.applyTransition(sess, action.Transition); err != nil {
			slog.Error("Orchestrator.applySystemFailure: escalation transition rejected",
				"sessionID", sess.ID, "from", sess.State, "to", action.Transition, "error", err)
		}
		return action.Message
	}
	return systemErrorMessage
}

// applyTransition validates and applies a state change. On rejection the
// session keeps its current state and the error is returned.
func (o *Orchestrator) applyTransition(sess *models.Session, target models.State) error {
	next, err := o.machine.Validate(sess.State, target)
	if err != nil {
		return err
	}
	slog.Info("Orchestrator.applyTransition: state transition",
		"sessionID", sess.ID, "from", sess.State, "to", next)
	sess.State = next
	return nil
}

// executeToolCalls runs a batch of backend tool calls, honoring declared
// dependencies: independent calls run concurrently, dependent ones wait for
// their prerequisite. Results are returned in the batch's original order.
func (o *Orchestrator) executeToolCalls(ctx context.Context, sessionID string, calls []genai.ToolCall) []string {
	results := make([]string, len(calls))

	inBatch := make(map[string]bool, len(calls))
	for _, call := range calls {
		inBatch[call.Function.Name] = true
	}

	completed := make(map[string]bool)
	remaining := make([]int, len(calls))
	for i := range calls {
		remaining[i] = i
	}

	for len(remaining) > 0 {
		var runnable, blocked []int
		for _, i := range remaining {
			dep := toolDependencies[calls[i].Function.Name]
			if dep == "" || completed[dep] || !inBatch[dep] {
				runnable = append(runnable, i)
			} else {
				blocked = append(blocked, i)
			}
		}
		if len(runnable) == 0 {
			// A dependency cycle cannot be declared today; run the rest
			// sequentially rather than deadlock if one ever appears.
			runnable, blocked = blocked, nil
		}

		var wg sync.WaitGroup
		for _, i := range runnable {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				call := calls[i]
				slog.Debug("Orchestrator.executeToolCalls: executing tool",
					"sessionID", sessionID, "toolName", call.Function.Name, "toolCallID", call.ID)
				results[i] = o.execute(ctx, call)
			}(i)
		}
		wg.Wait()

		for _, i := range runnable {
			completed[calls[i].Function.Name] = true
		}
		remaining = blocked
	}
	return results
}

func (o *Orchestrator) execute(ctx context.Context, call genai.ToolCall) string {
	if o.executor == nil {
		return "ERROR: could not connect to booking service"
	}
	return o.executor.Execute(ctx, call.Function.Name, call.Function.Arguments)
}

// generateFinalReply feeds the tool results back to the model so it can
// phrase a user-facing answer. If that second call fails, the joined tool
// results are returned directly rather than failing the turn.
func (o *Orchestrator) generateFinalReply(ctx context.Context, sess *models.Session, messages []openai.ChatCompletionMessageParamUnion, toolResp *genai.ToolCallResponse, calls []genai.ToolCall, results []string) string {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, call := range calls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Function.Name,
				Arguments: string(call.Function.Arguments),
			},
		})
	}

	assistantWithToolCalls := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(toolResp.Content),
		},
		ToolCalls: toolCalls,
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantWithToolCalls})

	for i, call := range calls {
		content := results[i]
		if content == "" {
			content = "Tool executed successfully"
		}
		messages = append(messages, openai.ToolMessage(content, call.ID))
	}

	final, err := o.genaiClient.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Error("Orchestrator.generateFinalReply: follow-up generation failed, returning raw tool results",
			"error", err, "sessionID", sess.ID)
		var nonEmpty []string
		for _, r := range results {
			if r != "" {
				nonEmpty = append(nonEmpty, r)
			}
		}
		if len(nonEmpty) == 0 {
			return "I've completed the requested actions."
		}
		return strings.Join(nonEmpty, "\n\n")
	}
	return final
}

// buildMessages assembles the system prompt, state directive, collected data
// and trimmed history for the LLM call.
func (o *Orchestrator) buildMessages(sess *models.Session, d Directive) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPersona),
		openai.SystemMessage(fmt.Sprintf("CURRENT STATE: %s\nINSTRUCTION: %s", d.State, d.Instruction)),
	}
	if summary := collectedDataSummary(sess); summary != "" {
		messages = append(messages, openai.SystemMessage(summary))
	}
	if sess.Language != "" && sess.Language != "en" {
		messages = append(messages, openai.SystemMessage(fmt.Sprintf("Reply in the user's language (%s).", sess.Language)))
	}

	history := sess.History
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	for _, msg := range history {
		if msg.Role == "user" {
			messages = append(messages, openai.UserMessage(msg.Content))
		} else if msg.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	return messages
}

func collectedDataSummary(sess *models.Session) string {
	if len(sess.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(sess.Data))
	for k := range sess.Data {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("COLLECTED DATA:")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n%s: %s", k, sess.Data[models.DataKey(k)]))
	}
	return b.String()
}

func (o *Orchestrator) legalNextLabels(state models.State) []string {
	next := o.machine.LegalNext(state)
	out := make([]string, 0, len(next))
	for _, s := range next {
		out = append(out, string(s))
	}
	return out
}

// argDataKeys maps backend tool argument names to session data keys.
var argDataKeys = map[string]models.DataKey{
	"service_id":          models.DataKeyServiceID,
	"date":                models.DataKeyDate,
	"time":                models.DataKeyTime,
	"client_name":         models.DataKeyClientName,
	"client_phone":        models.DataKeyClientPhone,
	"confirmation_number": models.DataKeyConfirmationNumber,
	"new_date":            models.DataKeyNewDate,
	"new_time":            models.DataKeyNewTime,
}

// recordCollectedData copies the arguments of a successful backend call into
// the session's collected fields, and captures the confirmation number a
// booking result reports.
func recordCollectedData(sess *models.Session, call genai.ToolCall, result string) {
	if !strings.HasPrefix(result, SuccessMarker) {
		return
	}

	var args map[string]interface{}
	if err := json.Unmarshal(call.Function.Arguments, &args); err == nil {
		for name, key := range argDataKeys {
			if v, ok := args[name].(string); ok && v != "" {
				sess.SetData(key, v)
			}
		}
	}

	if call.Function.Name == ToolBookAppointment {
		if cn := confirmationNumberFrom(result); cn != "" {
			sess.SetData(models.DataKeyConfirmationNumber, cn)
		}
	}
}

// confirmationNumberFrom pulls the token following "confirmation number" out
// of a booking result string.
func confirmationNumberFrom(result string) string {
	const marker = "confirmation number "
	idx := strings.LastIndex(result, marker)
	if idx < 0 {
		return ""
	}
	rest := strings.Fields(result[idx+len(marker):])
	if len(rest) == 0 {
		return ""
	}
	return strings.TrimRight(rest[0], ".,")
}

// parseAdvanceState extracts the proposed target state from advance_state
// arguments. Unknown or malformed proposals return ok=false.
func parseAdvanceState(args json.RawMessage) (models.State, bool) {
	var parsed struct {
		TargetState string `json:"target_state"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.TargetState == "" {
		return "", false
	}
	target := models.State(parsed.TargetState)
	if !models.KnownState(target) {
		return "", false
	}
	return target, true
}

// detectLanguage is a coarse heuristic for the reply-language hint; it is
// not NLU and only needs to catch obvious Spanish input.
func detectLanguage(text string) string {
	lower := strings.ToLower(text)
	spanishMarkers := []string{"hola", "quiero", "cita", "necesito", "gracias", "reservar", "cancelar", "cambiar", "buenos", "buenas"}
	for _, m := range spanishMarkers {
		if strings.Contains(lower, m) {
			return "es"
		}
	}
	if strings.ContainsAny(text, "¿¡ñáéíóú") {
		return "es"
	}
	return "en"
}
