package main

import (
	"context"
	"fmt"

	"github.com/haasonsaas/nexus-workflow/internal/orchestrator"
	"github.com/haasonsaas/nexus-workflow/internal/workflow"
	"github.com/spf13/cobra"
)

// chatFlags are the request-shaping flags shared by "chat" and "repl".
type chatFlags struct {
	configPath     string
	conversationID string
	userID         string
	template       string
	mode           string
	provider       string
	enableTools    bool
	enableMemory   bool
}

func (f *chatFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&f.conversationID, "conversation", "", "Conversation ID to continue (empty starts a new conversation)")
	cmd.Flags().StringVar(&f.userID, "user", "cli-user", "User ID attached to the conversation")
	cmd.Flags().StringVar(&f.template, "template", "", "Named workflow template to run (empty uses --mode instead)")
	cmd.Flags().StringVar(&f.mode, "mode", string(workflow.ModePlain), "Workflow mode when --template is unset: plain, rag, tools, full")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Provider override (empty uses the conversation's or config's default)")
	cmd.Flags().BoolVar(&f.enableTools, "tools", false, "Allow the workflow to invoke registered tools")
	cmd.Flags().BoolVar(&f.enableMemory, "memory", true, "Load prior conversation history into the run")
}

func (f *chatFlags) buildRequest(message string) orchestrator.Request {
	source := orchestrator.WorkflowSource{Kind: orchestrator.SourceDefinition, Mode: workflow.Mode(f.mode)}
	if f.template != "" {
		source = orchestrator.WorkflowSource{Kind: orchestrator.SourceTemplate, TemplateName: f.template}
	}
	return orchestrator.Request{
		ConversationID:  f.conversationID,
		UserID:          f.userID,
		Message:         message,
		WorkflowSource:  source,
		Overrides:       orchestrator.Overrides{Provider: f.provider},
		EnableTools:     f.enableTools,
		EnableMemory:    f.enableMemory,
		EnableRetrieval: f.mode == string(workflow.ModeRAG) || f.mode == string(workflow.ModeFull),
	}
}

func buildChatCmd() *cobra.Command {
	flags := &chatFlags{}
	var message string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send one message and print the assistant's reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message is required")
			}

			orch, shutdown, err := buildOrchestrator(flags.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()

			resp, err := orch.Chat(cmd.Context(), flags.buildRequest(message))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Content)
			fmt.Fprintf(out, "(conversation: %s, tokens: %d in / %d out)\n",
				resp.ConversationID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	return cmd
}
