package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ThinkInAIXYZ/deepchat-sub009/acpsess"
	"github.com/ThinkInAIXYZ/deepchat-sub009/agentloop"
	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
	anthprov "github.com/ThinkInAIXYZ/deepchat-sub009/modelkit/anthropic"
	oaiprov "github.com/ThinkInAIXYZ/deepchat-sub009/modelkit/openai"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/router"
	"github.com/ThinkInAIXYZ/deepchat-sub009/streamsched"
	"github.com/ThinkInAIXYZ/deepchat-sub009/tooling"
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run a prompt against an agent",
	Long: `Run one prompt against the chosen backend and stream the response.

The backend is selected with --agent: "local" runs the in-process model
loop; any agent id from the config file runs that external binary.

Example:
  agentcored run "List the files in this directory"
  agentcored run --agent gemini "Summarize the README" --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runPrompt,
}

func init() {
	runCmd.Flags().StringVar(&agentID, "agent", "local", "Agent to run the prompt on")
	runCmd.Flags().BoolVar(&autoApprove, "yes", false, "Approve all tool permission requests")
	runCmd.Flags().StringVar(&approveScope, "approve", "", "Auto-approve permission requests covered by this type (read, write, command, all)")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Maximum execution time (e.g. 5m). 0 means no timeout")
	rootCmd.AddCommand(runCmd)
}

// toolSource registers one external tool catalog on the registry.
type toolSource func(*tooling.Registry)

// buildToolRegistry assembles the tool catalog. External catalogs register
// ahead of the built-ins; the registry keeps the first registration of a
// name, so an external definition shadows a same-named built-in.
func buildToolRegistry(log *slog.Logger, external ...toolSource) *tooling.Registry {
	registry := tooling.NewRegistry(log)
	for _, src := range external {
		src(registry)
	}
	tooling.RegisterBuiltins(registry, tooling.BuiltinConfig{Workdir: workDir})
	return registry
}

// buildRouter wires the whole core: tool registry, gateway, negotiator,
// scheduler, local model adapter, and external agent supervisor.
func buildRouter(cfg *Config, log *slog.Logger, external ...toolSource) *router.Router {
	r := router.New(router.WithLogger(log))

	registry := buildToolRegistry(log, external...)

	offloadDir := cfg.OffloadDir
	if offloadDir == "" {
		offloadDir = os.TempDir()
	}
	offloader := tooling.NewOffloader(offloadDir,
		tooling.DefaultOffloadThreshold,
		tooling.DefaultOffloadPreview,
		tooling.DefaultOffloadWhitelist())
	gateway := tooling.NewGateway(registry, offloader, log)

	negotiator := permission.NewNegotiator(
		permission.WithTimeoutFunc(r.PermissionTimeout),
		permission.WithLogger(log))
	scheduler := streamsched.New(streamsched.DefaultInterval, func(ev chatevent.MessageDeltaEvent) {
		r.Emit(ev)
	})

	var provider modelkit.Provider
	switch cfg.Model.Provider {
	case "openai":
		provider = oaiprov.New(func(o *oaiprov.Options) {
			o.Model = cfg.Model.Name
			o.APIKey = cfg.Model.APIKey
			o.BaseURL = cfg.Model.BaseURL
			o.LegacyToolResults = cfg.Model.legacyToolResults()
		})
	default:
		provider = anthprov.New(func(o *anthprov.Options) {
			o.Model = cfg.Model.Name
			o.APIKey = cfg.Model.APIKey
			o.BaseURL = cfg.Model.BaseURL
		})
	}

	engineOpts := []agentloop.Option{agentloop.WithLogger(log)}
	if cfg.MaxToolCalls > 0 {
		engineOpts = append(engineOpts, agentloop.WithMaxToolCalls(cfg.MaxToolCalls))
	}
	local := router.NewLocalAdapter(provider, gateway, negotiator, scheduler, r.Emit,
		[]router.LocalOption{
			router.WithDefaultModel(cfg.Model.Name),
			router.WithSystemPrompt(cfg.SystemPrompt),
			router.WithLocalLogger(log),
		},
		engineOpts...)
	r.RegisterExact("local", local)
	r.RegisterPrefix("model", local)

	if len(cfg.Agents) > 0 {
		sup := acpsess.New(negotiator, scheduler, r.Emit, acpsess.WithLogger(log))
		acpAdapter := router.NewACPAdapter(sup, nil)
		for _, a := range cfg.Agents {
			sup.RegisterAgent(acpsess.AgentConfig{
				ID:      a.ID,
				Command: a.Command,
				Args:    a.Args,
				Env:     a.Env,
			})
			r.RegisterExact(a.ID, acpAdapter)
		}
	}

	return r
}

func runPrompt(cmd *cobra.Command, args []string) error {
	prompt := args[0]

	switch permission.Type(approveScope) {
	case "", permission.TypeRead, permission.TypeWrite, permission.TypeCommand, permission.TypeAll:
	default:
		return fmt.Errorf("unknown --approve scope %q", approveScope)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := setupContext()
	defer cancel()

	log := newLogger()
	r := buildRouter(cfg, log)
	defer r.Close()

	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	sessionID, err := r.CreateSession(ctx, agentID, workDir)
	if err != nil {
		return err
	}
	defer r.CloseSession(sessionID)

	messageID, err := r.SendMessage(ctx, sessionID, prompt)
	if err != nil {
		return err
	}

	return streamEvents(ctx, r, events, messageID)
}

// streamEvents prints canonical events until the prompt's terminal event.
// Permission decisions run on the decider's goroutine so the event channel
// keeps draining while the user thinks.
func streamEvents(ctx context.Context, r *router.Router, events <-chan chatevent.Event, messageID string) error {
	decider := newPermissionDecider(os.Stdin, os.Stderr,
		r.GrantPermission, r.DenyPermission,
		autoApprove, permission.Type(approveScope))
	defer decider.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case chatevent.MessageDeltaEvent:
				fmt.Print(e.Content)
				if e.IsComplete {
					fmt.Println()
				}

			case chatevent.ToolStartEvent:
				fmt.Fprintf(os.Stderr, "[tool] %s %s\n", e.ToolName, e.Arguments)

			case chatevent.ToolEndEvent:
				status := "ok"
				if e.IsError {
					status = "error"
				}
				fmt.Fprintf(os.Stderr, "[tool] %s: %s\n", e.ToolName, status)

			case chatevent.PermissionRequiredEvent:
				decider.submit(e)

			case chatevent.MessageEndEvent:
				if e.MessageID != messageID {
					continue
				}
				if e.Error != nil {
					return e.Error
				}
				if e.NeedContinue {
					fmt.Fprintln(os.Stderr, "\n[stopped: tool call limit reached, send another message to continue]")
				}
				return nil
			}
		}
	}
}
