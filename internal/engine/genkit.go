package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/warden/internal/tools"
)

// GenkitConfig selects the model behind a GenkitCollaborator.
type GenkitConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// CompatibleName is the provider name registered for openai_compatible.
	CompatibleName string
	// System overrides the default system prompt.
	System string
	Logger *slog.Logger
}

var defaultModels = map[string]string{
	"google":    "gemini-2.5-flash",
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4.1",
}

const defaultSystemPrompt = "You operate inside a sandboxed workspace through the tools provided. " +
	"Propose tool calls to make progress on the user's goal. Every call is checked against a security policy " +
	"and may be rejected; adapt when that happens. Reply without tool calls once the goal is met."

var errNotExecutable = errors.New("tools are executed by the orchestrator, not the model runtime")

// GenkitCollaborator proposes tool calls with an LLM through Genkit. Tool
// requests are returned to the orchestrator unexecuted.
type GenkitCollaborator struct {
	g         *genkit.Genkit
	modelName string
	system    string
	logger    *slog.Logger

	mu    sync.Mutex
	tools map[string]ai.ToolRef
}

func NewGenkitCollaborator(ctx context.Context, cfg GenkitConfig) (*GenkitCollaborator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModels[provider]
	}
	if model == "" {
		return nil, fmt.Errorf("provider %q requires a model", provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("provider %q: API key missing", provider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		g         *genkit.Genkit
		modelName string
	)
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
		modelName = "anthropic/" + model
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
		modelName = "openai/" + model
	case "openai_compatible":
		if cfg.BaseURL == "" {
			return nil, errors.New("openai_compatible provider requires a base URL")
		}
		name := cfg.CompatibleName
		if name == "" {
			name = "compatible"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
		modelName = model
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		modelName = "googleai/" + model
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(modelName),
		)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}

	system := cfg.System
	if system == "" {
		system = defaultSystemPrompt
	}
	logger.Info("genkit collaborator initialized", "provider", provider, "model", modelName)
	return &GenkitCollaborator{
		g:         g,
		modelName: modelName,
		system:    system,
		logger:    logger,
		tools:     make(map[string]ai.ToolRef),
	}, nil
}

func (c *GenkitCollaborator) Propose(ctx context.Context, req Request) (Proposal, error) {
	system := c.system
	if req.Tree != nil {
		system += "\n\nCurrent task tree:\n" + req.Tree.Render() +
			"\nPropose the next steps as tool calls. Each call becomes a node of the tree."
	}
	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	system = strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithSystem(system),
		ai.WithReturnToolRequests(true),
	}
	if msgs := historyToMessages(req.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if refs := c.toolRefs(req.Tools); len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		c.logger.Error("genkit generate failed", "error", err, "session_id", req.SessionID)
		return Proposal{}, fmt.Errorf("genkit generate: %w", err)
	}

	prop := Proposal{Message: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		params, err := toolInput(tr.Input)
		if err != nil {
			return Proposal{}, fmt.Errorf("tool request %s: %w", tr.Name, err)
		}
		prop.Calls = append(prop.Calls, ToolCall{ID: tr.Ref, Tool: tr.Name, Params: params})
	}
	return prop, nil
}

// toolRefs defines each schema with Genkit once and returns the refs in
// schema order.
func (c *GenkitCollaborator) toolRefs(schemas []tools.Schema) []ai.ToolRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]ai.ToolRef, 0, len(schemas))
	for _, s := range schemas {
		ref, ok := c.tools[s.Name]
		if !ok {
			// Append schema to description so the model sees required params.
			schemaJSON, _ := json.MarshalIndent(s.JSONSchema(), "", "  ")
			description := fmt.Sprintf("%s\n\nInput Schema:\n%s", s.Description, string(schemaJSON))
			ref = genkit.DefineTool(c.g, s.Name, description,
				func(_ *ai.ToolContext, _ map[string]any) (any, error) {
					return nil, errNotExecutable
				},
			)
			c.tools[s.Name] = ref
		}
		refs = append(refs, ref)
	}
	return refs
}

// toolInput normalizes a tool request's input into params.
func toolInput(in any) (map[string]any, error) {
	switch v := in.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return maps.Clone(v), nil
	case string:
		return decodeArguments(v)
	case json.RawMessage:
		return decodeArguments(string(v))
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: arguments: %v", ErrMalformedProposal, err)
	}
	return decodeArguments(string(b))
}

// historyToMessages renders the conversation as text turns. Tool calls and
// results are described in text so providers never see unmatched refs.
func historyToMessages(history []Message) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, ai.NewUserTextMessage(m.Content))
		case RoleAssistant:
			var b strings.Builder
			b.WriteString(m.Content)
			for _, call := range m.Calls {
				params, _ := json.Marshal(call.Params)
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "[call %s] %s %s", call.ID, call.Tool, params)
			}
			if b.Len() == 0 {
				continue
			}
			msgs = append(msgs, ai.NewModelTextMessage(b.String()))
		case RoleTool:
			text := m.Content
			if m.CallID != "" {
				text = fmt.Sprintf("[result %s] %s", m.CallID, m.Content)
			}
			msgs = append(msgs, ai.NewUserTextMessage(text))
		}
	}
	return msgs
}
