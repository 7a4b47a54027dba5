// Package wire defines the JSON message shapes exchanged over the Battle
// Worker's two sockets, and validates inbound messages against
// compiled JSON Schemas before they are unmarshalled into the typed structs
// below — the same compile-once-validate-before-unmarshal shape kilroy's
// internal/agent/tool_registry.go uses for tool-call arguments.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AgentType is the kind of player seat in a battle request.
type AgentType string

const (
	AgentModel      AgentType = "model"
	AgentRandom     AgentType = "random"
	AgentRandomMove AgentType = "random_move"
	AgentMaxDamage  AgentType = "max_damage"
)

// Handshake is both {"type":"ready"} and {"type":"ack"}.
type Handshake struct {
	Type string `json:"type"`
}

// AgentOpts configures one side's player for a BattleRequest.
type AgentOpts struct {
	Name       string    `json:"name"`
	Type       AgentType `json:"type"`
	Model      string    `json:"model,omitempty"`
	Experience bool      `json:"experience,omitempty"`
	TeamSeed   *int64    `json:"teamSeed,omitempty"`
	RandSeed   *int64    `json:"randSeed,omitempty"`
}

// Validate enforces that model is set if and only if type is "model".
func (o AgentOpts) Validate() error {
	hasModel := o.Model != ""
	isModel := o.Type == AgentModel
	if hasModel != isModel {
		return fmt.Errorf("wire: agent %q: model must be set iff type is %q", o.Name, AgentModel)
	}
	return nil
}

// BattleRequest is sent server -> worker.
type BattleRequest struct {
	Type           string               `json:"type"`
	ID             string               `json:"id"`
	Agents         map[string]AgentOpts `json:"agents"`
	MaxTurns       *int                 `json:"maxTurns,omitempty"`
	LogPath        string               `json:"logPath,omitempty"`
	OnlyLogOnError bool                 `json:"onlyLogOnError,omitempty"`
	Seed           *int64               `json:"seed,omitempty"`
	TimeoutMs      *int                 `json:"timeoutMs,omitempty"`
}

// BattleReply is sent worker -> server. At most one of Winner, Truncated is set.
type BattleReply struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Agents    map[string]string `json:"agents"`
	Winner    string            `json:"winner,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
	LogPath   string            `json:"logPath,omitempty"`
	Err       string            `json:"err,omitempty"`
}

// AgentRequestHeader is frame 1 of the two-frame agent request
// (worker -> predictor); frame 2 is the raw state buffer.
type AgentRequestHeader struct {
	Type       string   `json:"type"`
	Battle     string   `json:"battle"`
	Name       string   `json:"name"`
	Choices    []string `json:"choices"`
	LastAction string   `json:"lastAction,omitempty"`
	Reward     *float64 `json:"reward,omitempty"`
}

// AgentReply is the single-frame reply (predictor -> worker).
type AgentReply struct {
	Type          string   `json:"type"`
	Battle        string   `json:"battle"`
	Name          string   `json:"name"`
	RankedActions []string `json:"rankedActions"`
}

// AgentFinal is sent worker -> predictor at battle end.
type AgentFinal struct {
	Type       string   `json:"type"`
	Battle     string   `json:"battle"`
	Name       string   `json:"name"`
	Action     string   `json:"action,omitempty"`
	Reward     *float64 `json:"reward,omitempty"`
	Terminated *bool    `json:"terminated,omitempty"`
}

const (
	battleRequestSchemaJSON = `{
		"type": "object",
		"properties": {
			"type": {"const": "battle"},
			"id": {"type": "string", "minLength": 1},
			"agents": {"type": "object"}
		},
		"required": ["type", "id", "agents"]
	}`

	agentReplySchemaJSON = `{
		"type": "object",
		"properties": {
			"type": {"const": "agent"},
			"battle": {"type": "string", "minLength": 1},
			"name": {"type": "string", "minLength": 1},
			"rankedActions": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["type", "battle", "name", "rankedActions"]
	}`
)

// Schemas holds the compiled validators used at the Battle Worker's socket
// boundaries.
type Schemas struct {
	battleRequest *jsonschema.Schema
	agentReply    *jsonschema.Schema
}

// CompileSchemas compiles every schema constant once at worker startup.
func CompileSchemas() (*Schemas, error) {
	battleRequest, err := compile("battle_request.json", battleRequestSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("wire: compiling battle request schema: %w", err)
	}
	agentReply, err := compile("agent_reply.json", agentReplySchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("wire: compiling agent reply schema: %w", err)
	}
	return &Schemas{battleRequest: battleRequest, agentReply: agentReply}, nil
}

func compile(resourceName, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// ValidateBattleRequest validates raw bytes against the battle request
// schema before the caller unmarshals them into a BattleRequest.
func (s *Schemas) ValidateBattleRequest(raw []byte) error {
	return validate(s.battleRequest, raw)
}

// ValidateAgentReply validates raw bytes against the agent reply schema
// before the caller unmarshals them into an AgentReply.
func (s *Schemas) ValidateAgentReply(raw []byte) error {
	return validate(s.agentReply, raw)
}

func validate(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("wire: invalid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("wire: schema validation: %w", err)
	}
	return nil
}

// SocketKind distinguishes the worker's two socket roles.
type SocketKind string

const (
	SocketBattle SocketKind = "battle"
	SocketAgent  SocketKind = "agent"
)

// SocketPath implements the psai-battle-socket-<addr> / psai-agent-socket-<addr>
// filesystem path templates.
func SocketPath(kind SocketKind, addr string) string {
	return fmt.Sprintf("psai-%s-socket-%s", kind, addr)
}
