package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/docuchat-dev/docuchat/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage chat sessions",
}

var (
	createProvider    string
	createInstruction string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.orch.CreateSession(cmd.Context(), createProvider, createInstruction)
		if err != nil {
			return err
		}
		fmt.Println(state.ID)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently used first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		states, err := a.sessions.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range states {
			fmt.Printf("%s  %-7s %-28s docs=%d turns=%d  last=%s\n",
				s.ID, s.Provider, s.Model, len(s.Documents), len(s.History),
				s.LastAccessedAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var sessionInfoCmd = &cobra.Command{
	Use:   "info <session-id>",
	Short: "Show a session's full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.sessions.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Print(formatSessionInfo(state, time.Now()))
		return nil
	},
}

// formatSessionInfo renders one session for `session info`.
func formatSessionInfo(s *session.State, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session:       %s\n", s.ID)
	fmt.Fprintf(&b, "Provider:      %s (%s)\n", s.Provider, s.Model)
	fmt.Fprintf(&b, "Created:       %s\n", s.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&b, "Last accessed: %s\n", s.LastAccessedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&b, "Turns:         %d\n", len(s.History))

	if s.Instruction != "" {
		fmt.Fprintf(&b, "Instruction:   %s\n", s.Instruction)
	} else {
		b.WriteString("Instruction:   (none)\n")
	}
	if len(s.InstructionHistory) > 0 {
		b.WriteString("Previous instructions:\n")
		for _, rec := range s.InstructionHistory {
			fmt.Fprintf(&b, "  %s  %s\n", rec.SetAt.Local().Format(time.RFC3339), rec.Text)
		}
	}

	if len(s.Documents) > 0 {
		b.WriteString("Documents:\n")
		for _, d := range s.Documents {
			fmt.Fprintf(&b, "  %s (%d chunks)\n", d.Path, d.ChunkCount)
		}
	} else {
		b.WriteString("Documents:     (none)\n")
	}

	if len(s.Outputs) > 0 {
		b.WriteString("Outputs:\n")
		for _, o := range s.Outputs {
			fmt.Fprintf(&b, "  %s (%d bytes, %s)\n", o.Path, o.Bytes, o.CreatedAt.Local().Format(time.RFC3339))
		}
	}

	switch {
	case s.CacheHandle == nil:
		b.WriteString("Cache handle:  none\n")
	case s.CacheHandle.Expired(now):
		fmt.Fprintf(&b, "Cache handle:  %s (expired %s)\n",
			s.CacheHandle.Name, s.CacheHandle.ExpiresAt.Local().Format(time.RFC3339))
	default:
		fmt.Fprintf(&b, "Cache handle:  %s (expires %s)\n",
			s.CacheHandle.Name, s.CacheHandle.ExpiresAt.Local().Format(time.RFC3339))
	}

	return b.String()
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return a.orch.DeleteSession(cmd.Context(), args[0])
	},
}

var (
	cleanupMaxAge time.Duration
	cleanupEvery  string
)

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove sessions idle longer than --max-age",
	Long: `Removes sessions whose idle time exceeds --max-age (default: the
configured max_session_age). With --every, runs as a daemon sweeping on
the given cron schedule until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sweep := func() {
			n, err := a.sessions.CleanupExpired(cmd.Context(), cleanupMaxAge)
			if err != nil {
				log.Printf("cleanup: %v", err)
				return
			}
			log.Printf("cleanup: removed %d expired sessions", n)
		}

		if cleanupEvery == "" {
			sweep()
			return nil
		}

		c := cron.New()
		if _, err := c.AddFunc(cleanupEvery, sweep); err != nil {
			return fmt.Errorf("invalid --every schedule: %w", err)
		}
		c.Start()
		defer c.Stop()
		log.Printf("cleanup daemon running (schedule %q)", cleanupEvery)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("cleanup daemon stopped")
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().StringVarP(&createProvider, "provider", "p", "", "provider: claude or gemini (default: config)")
	sessionCreateCmd.Flags().StringVarP(&createInstruction, "instruction", "i", "", "system instruction")

	sessionCleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", -1, "idle age beyond which sessions are removed")
	sessionCleanupCmd.Flags().StringVar(&cleanupEvery, "every", "", "cron schedule to sweep on (e.g. \"@hourly\")")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionInfoCmd, sessionDeleteCmd, sessionCleanupCmd)
	rootCmd.AddCommand(sessionCmd)
}
