package flow

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// Tool names offered to the model. These are also the keys of the dependency
// declaration below.
const (
	ToolCheckAvailability     = "check_availability"
	ToolShowAvailability      = "show_availability"
	ToolBookAppointment       = "book_appointment"
	ToolCancelAppointment     = "cancel_appointment"
	ToolRescheduleAppointment = "reschedule_appointment"
	ToolValidateContact       = "validate_contact"
)

// toolDependencies declares ordering constraints between tools requested in
// the same turn: the value must complete before the key may run. Tools with
// no entry are independent and may execute concurrently.
var toolDependencies = map[string]string{
	ToolShowAvailability: ToolCheckAvailability,
}

// ToolExecutor executes a single named backend tool call and returns the
// tagged result string the retry policy classifies. Transport failures must
// be encoded into the string, never returned as raw errors.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) string
}

var toolDefinitions = map[string]openai.ChatCompletionToolParam{
	ToolCheckAvailability: {
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolCheckAvailability,
			Description: openai.String("Fetch available appointment slots for a service on a date and load them into the availability cache."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"service_id": map[string]interface{}{
						"type":        "string",
						"description": "Identifier of the service to check",
					},
					"date": map[string]interface{}{
						"type":        "string",
						"description": "Date to check, in YYYY-MM-DD format",
					},
				},
				"required": []string{"service_id", "date"},
			},
		},
	},
	ToolShowAvailability: {
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolShowAvailability,
			Description: openai.String("List the cached available slots for a service on a date. Requires check_availability to have run first."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"service_id": map[string]interface{}{
						"type":        "string",
						"description": "Identifier of the service",
					},
					"date": map[string]interface{}{
						"type":        "string",
						"description": "Date previously checked, in YYYY-MM-DD format",
					},
				},
				"required": []string{"service_id", "date"},
			},
		},
	},
	ToolBookAppointment: {
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolBookAppointment,
			Description: openai.String("Book an appointment for the collected service, slot and contact details."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"service_id": map[string]interface{}{
						"type": "string",
					},
					"date": map[string]interface{}{
						"type":        "string",
						"description": "YYYY-MM-DD",
					},
					"time": map[string]interface{}{
						"type":        "string",
						"description": "HH:MM",
					},
					"client_name": map[string]interface{}{
						"type": "string",
					},
					"client_phone": map[string]interface{}{
						"type": "string",
					},
				},
				"required": []string{"service_id", "date", "time", "client_name", "client_phone"},
			},
		},
	},
	ToolCancelAppointment: {
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolCancelAppointment,
			Description: openai.String("Cancel an existing appointment by confirmation number."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"confirmation_number": map[string]interface{}{
						"type":        "string",
						"description": "The confirmation number from the booking",
					},
				},
				"required": []string{"confirmation_number"},
			},
		},
	},
	ToolRescheduleAppointment: {
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolRescheduleAppointment,
			Description: openai.String("Move an existing appointment to a new date and time by confirmation number."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"confirmation_number": map[string]interface{}{
						"type": "string",
					},
					"new_date": map[string]interface{}{
						"type":        "string",
						"description": "YYYY-MM-DD",
					},
					"new_time": map[string]interface{}{
						"type":        "string",
						"description": "HH:MM",
					},
				},
				"required": []string{"confirmation_number"},
			},
		},
	},
	ToolValidateContact: {
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolValidateContact,
			Description: openai.String("Validate the user's name and phone number before confirming a booking."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"client_name": map[string]interface{}{
						"type": "string",
					},
					"client_phone": map[string]interface{}{
						"type": "string",
					},
				},
				"required": []string{"client_name", "client_phone"},
			},
		},
	},
}

// advanceStateToolDefinition lets the model propose the next state. The
// proposal is only applied after it passes state machine validation; the
// model is never authoritative over transitions.
func advanceStateToolDefinition(legal []string) openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolAdvanceState,
			Description: openai.String("Propose moving the conversation to the next state once the current state's goal is met."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"target_state": map[string]interface{}{
						"type":        "string",
						"enum":        legal,
						"description": "The state to move to",
					},
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "Optional reason for the transition",
					},
				},
				"required": []string{"target_state"},
			},
		},
	}
}

// toolsForDirective assembles the tool schemas offered for a state: the
// directive's backend tools plus the state-advance proposal tool.
func toolsForDirective(d Directive, legal []string) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(d.Tools)+1)
	for _, name := range d.Tools {
		if def, ok := toolDefinitions[name]; ok {
			tools = append(tools, def)
		}
	}
	if len(legal) > 0 {
		tools = append(tools, advanceStateToolDefinition(legal))
	}
	return tools
}
