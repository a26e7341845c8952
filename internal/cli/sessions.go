package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kbtrack/internal/models"
)

var (
	sessionsLimit     int
	sessionsAll       bool
	sessionsNewKB     string
	sessionsSayRename string
	sessionsSayKB     string
	sessionsSayReply  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage conversation sessions",
	Long: `List, inspect and modify conversation sessions. The active session is
cached locally so commands keep working while the server is unreachable.

Examples:
  kbtrack sessions list
  kbtrack sessions new --kb math101
  kbtrack sessions say "What does chapter 3 cover?"
  kbtrack sessions show 6b1f0c`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a session's messages (the active one by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionsShow,
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new session and make it the active one",
	RunE:  runSessionsNew,
}

var sessionsActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Make an existing session the active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsActivate,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsSayCmd = &cobra.Command{
	Use:   "say <message>",
	Short: "Append a message to the active session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsSay,
}

func init() {
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum number of sessions to list")
	sessionsListCmd.Flags().BoolVar(&sessionsAll, "all", false, "include inactive sessions")

	sessionsNewCmd.Flags().StringVar(&sessionsNewKB, "kb", "", "knowledge base to attach")

	sessionsSayCmd.Flags().StringVar(&sessionsSayRename, "title", "", "rename the session")
	sessionsSayCmd.Flags().StringVar(&sessionsSayKB, "kb", "", "switch the session's knowledge base")
	sessionsSayCmd.Flags().BoolVar(&sessionsSayReply, "reply", false, "record the message as an assistant reply")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsActivateCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsSayCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	infos, err := eng.API().ListSessions(ctx, sessionsLimit, sessionsAll)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	active := eng.Sessions().LoadActive(ctx)

	fmt.Printf("%-38s %-40s %-16s %-5s %s\n", "ID", "TITLE", "KB", "MSGS", "UPDATED")
	for _, info := range infos {
		marker := " "
		if active != nil && info.Session.ID == active.ID {
			marker = "*"
		}
		fmt.Printf("%s %-36s %-40s %-16s %-5d %s\n",
			marker,
			info.Session.ID,
			truncate(info.Session.Title, 40),
			info.Session.KnowledgeBase,
			info.MessageCount,
			info.Session.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var sess *models.ConversationSession
	if len(args) == 1 {
		s, err := eng.API().GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		sess = s
	} else {
		sess = eng.Sessions().LoadActive(ctx)
		if sess == nil {
			fmt.Println("No active session. Start one with 'kbtrack sessions new'")
			return nil
		}
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Title:    %s\n", sess.Title)
	if sess.KnowledgeBase != "" {
		fmt.Printf("KB:       %s\n", sess.KnowledgeBase)
	}
	fmt.Printf("Updated:  %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05"))
	if ts := sess.TokenStats; ts.Calls > 0 {
		fmt.Printf("Usage:    %s, %d calls, %d tokens, $%.4f\n", ts.Model, ts.Calls, ts.Tokens, ts.Cost)
	}
	fmt.Println()
	for _, msg := range sess.Messages {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		if msg.OutputDir != "" {
			fmt.Printf("         output: %s\n", msg.OutputDir)
		}
	}
	return nil
}

func runSessionsNew(cmd *cobra.Command, args []string) error {
	sess := eng.Sessions().NewSession(context.Background(), sessionsNewKB)
	fmt.Printf("Started session %s\n", sess.ID)
	if sess.KnowledgeBase != "" {
		fmt.Printf("Knowledge base: %s\n", sess.KnowledgeBase)
	}
	return nil
}

func runSessionsActivate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sess, err := eng.API().ActivateSession(ctx, args[0])
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	// Re-read so the local cache adopts the newly active session.
	eng.Sessions().Clear()
	eng.Sessions().LoadActive(ctx)

	fmt.Printf("Activated session %s (%s)\n", sess.ID, sess.Title)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	if err := eng.Sessions().Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runSessionsSay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	content := strings.Join(args, " ")

	cache := eng.Sessions()
	if cache.LoadActive(ctx) == nil {
		cache.NewSession(ctx, sessionsSayKB)
	}

	role := models.RoleUser
	if sessionsSayReply {
		role = models.RoleAssistant
	}

	msg, err := cache.AddMessage(ctx, role, content, "")
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}

	if sessionsSayRename != "" || sessionsSayKB != "" {
		cache.SaveDebounced(sessionsSayRename, sessionsSayKB)
	}

	fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	return nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
