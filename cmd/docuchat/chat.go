package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <session-id>",
	Short: "Interactive chat against a session",
	Long: `Starts a REPL bound to one session. Each turn reuses the provider's
prompt cache, so follow-up questions over the same documents are cheap.

Commands inside the REPL:
  /load <path>         load a document
  /instruction <text>  replace the system instruction
  /quit                exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sessionID := args[0]
		state, err := a.sessions.Get(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		// Opening the REPL counts as activity; keep the session out of
		// the next expiry sweep even if no query is ever sent.
		if err := a.sessions.Touch(cmd.Context(), state); err != nil {
			return err
		}
		fmt.Printf("session %s (%s/%s), %d documents, %d turns\n",
			state.ID, state.Provider, state.Model, len(state.Documents), len(state.History))

		line := liner.NewLiner()
		defer func() { _ = line.Close() }()
		line.SetCtrlCAborts(true)

		historyPath := filepath.Join(os.TempDir(), "docuchat_history")
		if f, err := os.Open(historyPath); err == nil { // #nosec G304
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			if f, err := os.Create(historyPath); err == nil { // #nosec G304
				_, _ = line.WriteHistory(f)
				_ = f.Close()
			}
		}()

		for {
			input, err := line.Prompt("> ")
			if err != nil {
				// Ctrl-C or EOF ends the chat.
				fmt.Println()
				return nil
			}
			input = strings.TrimSpace(input)
			if input == "" {
				continue
			}
			line.AppendHistory(input)

			if strings.HasPrefix(input, "/") {
				if done := a.replCommand(cmd, sessionID, input); done {
					return nil
				}
				continue
			}

			result, err := a.orch.Run(cmd.Context(), sessionID, input, queryOptions())
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				continue
			}
			printResult(result)
		}
	},
}

// replCommand handles a /-prefixed REPL command; returns true to exit.
func (a *app) replCommand(cmd *cobra.Command, sessionID, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/load":
		if len(fields) < 2 {
			fmt.Println("usage: /load <path>")
			return false
		}
		results, err := a.orch.LoadDocuments(cmd.Context(), sessionID, fields[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return false
		}
		for _, r := range results {
			fmt.Printf("%s: %d chunks\n", r.Path, r.ChunkCount)
		}
	case "/instruction":
		if len(fields) < 2 {
			fmt.Println("usage: /instruction <text>")
			return false
		}
		text := strings.TrimSpace(strings.TrimPrefix(input, "/instruction"))
		if err := a.orch.SwitchInstruction(cmd.Context(), sessionID, text); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	default:
		fmt.Println("unknown command:", fields[0])
	}
	return false
}

func init() {
	chatCmd.Flags().BoolVar(&queryNoRAG, "no-rag", false, "send full document text instead of retrieved chunks")
	chatCmd.Flags().BoolVar(&queryNoCache, "no-cache", false, "disable provider-side context caching")
	chatCmd.Flags().IntVar(&queryMaxChunks, "max-chunks", 0, "retrieval depth (default 5)")
	chatCmd.Flags().Float64VarP(&queryTemperature, "temperature", "t", 0, "sampling temperature")

	rootCmd.AddCommand(chatCmd)
}
