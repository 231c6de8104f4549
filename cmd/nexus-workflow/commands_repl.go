package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// buildReplCmd starts an interactive loop over one conversation: each
// line read from stdin becomes a chat turn, and the conversation ID is
// carried forward after the first reply so the whole session shares one
// history.
func buildReplCmd() *cobra.Command {
	flags := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, shutdown, err := buildOrchestrator(flags.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()

			out := cmd.OutOrStdout()
			reader := bufio.NewReader(cmd.InOrStdin())

			fmt.Fprintln(out, "nexus-workflow repl. Type a message and press enter; Ctrl-D to quit.")
			for {
				fmt.Fprint(out, "> ")
				line, err := reader.ReadString('\n')
				message := strings.TrimSpace(line)
				if message != "" {
					resp, runErr := orch.Chat(cmd.Context(), flags.buildRequest(message))
					if runErr != nil {
						fmt.Fprintf(out, "error: %v\n", runErr)
					} else {
						flags.conversationID = resp.ConversationID
						fmt.Fprintln(out, resp.Content)
					}
				}
				if err != nil {
					// EOF or read error both end the session; io.EOF is
					// the expected case when the user sends Ctrl-D.
					return nil
				}
			}
		},
	}

	flags.register(cmd)
	return cmd
}
