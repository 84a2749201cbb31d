package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType enumerates node types accepted in a definition. The first six are
// executor categories; the rest are editor-facing action specializations.
type NodeType string

const (
	NodeTypeTrigger      NodeType = "trigger"
	NodeTypeAction       NodeType = "action"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeApproval     NodeType = "approval"
	NodeTypeNotification NodeType = "notification"
	NodeTypeDelay        NodeType = "delay"

	NodeTypeDiscoverMigrations NodeType = "discoverMigrations"
	NodeTypeDryRun             NodeType = "dryRun"
	NodeTypeExecuteMigrations  NodeType = "executeMigrations"
	NodeTypeRollback           NodeType = "rollback"
	NodeTypeDatabaseQuery      NodeType = "databaseQuery"
	NodeTypeHTTPRequest        NodeType = "httpRequest"
	NodeTypeShellCommand       NodeType = "shellCommand"
	NodeTypeTransformData      NodeType = "transformData"
	NodeTypeSetVariable        NodeType = "setVariable"
)

// NodeTypes lists every node type the parser accepts, in a stable order.
func NodeTypes() []NodeType {
	return []NodeType{
		NodeTypeTrigger, NodeTypeAction, NodeTypeCondition, NodeTypeApproval,
		NodeTypeNotification, NodeTypeDelay,
		NodeTypeDiscoverMigrations, NodeTypeDryRun, NodeTypeExecuteMigrations,
		NodeTypeRollback, NodeTypeDatabaseQuery, NodeTypeHTTPRequest,
		NodeTypeShellCommand, NodeTypeTransformData, NodeTypeSetVariable,
	}
}

// Action discriminators understood by the action executor.
const (
	ActionDiscoverMigrations = "discover_migrations"
	ActionDryRun             = "dry_run"
	ActionExecuteMigrations  = "execute_migrations"
	ActionRollback           = "rollback"
	ActionDatabaseQuery      = "database_query"
	ActionDatabaseMigration  = "database_migration"
	ActionHTTPRequest        = "http_request"
	ActionCustomAPICall      = "custom_api_call"
	ActionShellCommand       = "shell_command"
	ActionSetVariable        = "set_variable"
	ActionTransformData      = "transform_data"
)

// Notification providers.
const (
	ProviderEmail            = "email"
	ProviderSlack            = "slack"
	ProviderWebhook          = "webhook"
	ProviderPagerDuty        = "pagerduty"
	ProviderTeamNotification = "team_notification"
)

// Approval timeout bounds, in seconds.
const (
	MinApprovalTimeout     = 60
	MaxApprovalTimeout     = 86400
	DefaultApprovalTimeout = 3600
)

// DefaultHTTPTimeoutMs is applied to HTTP actions without an explicit timeout.
const DefaultHTTPTimeoutMs = 30000

// TriggerData is the payload of a trigger node.
type TriggerData struct {
	Schedule    string `json:"schedule,omitempty"`
	Event       string `json:"event,omitempty"`
	WebhookPath string `json:"webhookPath,omitempty"`
}

// ActionData is the payload of an action node. Which fields are required
// depends on Action and is checked by the matching action implementation.
type ActionData struct {
	Action       string `json:"action" validate:"required"`
	ConnectionID string `json:"connectionId,omitempty"`

	// database_query, database_migration
	Query  string `json:"query,omitempty"`
	Args   []any  `json:"args,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`

	// discover_migrations, dry_run, execute_migrations, rollback
	MigrationsPath string `json:"migrationsPath,omitempty"`
	Steps          int    `json:"steps,omitempty" validate:"gte=0"`
	Target         string `json:"target,omitempty"`

	// http_request, custom_api_call
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout int               `json:"timeout,omitempty" validate:"gte=0"`

	// shell_command
	Command    string   `json:"command,omitempty"`
	ShellArgs  []string `json:"shellArgs,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`

	// set_variable
	VariableName string `json:"variableName,omitempty"`
	Value        any    `json:"value,omitempty"`

	// transform_data
	Input             any    `json:"input,omitempty"`
	TransformFunction string `json:"transformFunction,omitempty"`
	OutputVariable    string `json:"outputVariable,omitempty"`
}

// ConditionData is the payload of a condition node.
type ConditionData struct {
	Expression any    `json:"expression"`
	Engine     string `json:"engine,omitempty" validate:"omitempty,oneof=cel expr"`
}

// ApprovalData is the payload of an approval node. Timeout is in seconds.
type ApprovalData struct {
	Approvers     []string `json:"approvers" validate:"required,min=1,dive,required"`
	Timeout       int      `json:"timeout,omitempty" validate:"omitempty,gte=60,lte=86400"`
	RequireAll    bool     `json:"requireAll,omitempty"`
	SkipIfCreator bool     `json:"skipIfCreator,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// TimeoutDuration returns the approval window with the default applied.
func (a ApprovalData) TimeoutDuration() time.Duration {
	if a.Timeout == 0 {
		return DefaultApprovalTimeout * time.Second
	}
	return time.Duration(a.Timeout) * time.Second
}

// NotificationData is the payload of a notification node.
type NotificationData struct {
	Provider   string   `json:"provider" validate:"required,oneof=email slack webhook pagerduty team_notification"`
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message,omitempty"`
	WebhookURL string   `json:"webhookUrl,omitempty" validate:"omitempty,url"`
	Channel    string   `json:"channel,omitempty"`
	Severity   string   `json:"severity,omitempty" validate:"omitempty,oneof=critical error warning info"`
	RoutingKey string   `json:"routingKey,omitempty"`
	TeamID     string   `json:"teamId,omitempty"`
}

// DelayData is the payload of a delay node.
type DelayData struct {
	Duration float64 `json:"duration" validate:"gte=0"`
	Unit     string  `json:"unit,omitempty" validate:"omitempty,oneof=seconds minutes hours"`
}

// Interval converts the declared duration to a time.Duration.
func (d DelayData) Interval() time.Duration {
	mult := time.Second
	switch d.Unit {
	case "minutes":
		mult = time.Minute
	case "hours":
		mult = time.Hour
	}
	return time.Duration(d.Duration * float64(mult))
}

// DecodeNodeData decodes an open data map into the typed variant of the given
// executor category.
func DecodeNodeData(category NodeType, data map[string]any) (any, error) {
	var target any
	switch category {
	case NodeTypeTrigger:
		target = &TriggerData{}
	case NodeTypeAction:
		target = &ActionData{}
	case NodeTypeCondition:
		target = &ConditionData{}
	case NodeTypeApproval:
		target = &ApprovalData{}
	case NodeTypeNotification:
		target = &NotificationData{}
	case NodeTypeDelay:
		target = &DelayData{}
	default:
		return nil, NewErrorf(ErrCodeUnknownExecutor, "no data variant for node category %q", category)
	}

	if err := DecodeInto(data, target); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s data: %v", category, err).WithCause(err)
	}
	return target, nil
}

// DecodeInto re-encodes an arbitrary JSON-like value into out.
func DecodeInto(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return json.Unmarshal(raw, out)
}
