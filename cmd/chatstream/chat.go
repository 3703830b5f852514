package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Desarso/chatstream"
	"github.com/Desarso/chatstream/engine"
	"github.com/Desarso/chatstream/models"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	chatCmd.Flags().String("server", "", "server URL (overrides CHAT_SERVER_URL)")
	chatCmd.Flags().String("user", "", "wallet address to sign in as")
	chatCmd.Flags().String("token", "", "session token (prompted for when omitted)")
	chatCmd.Flags().String("chat", "", "conversation id to open (a new one is created when omitted)")
	chatCmd.Flags().Int64("chain", 0, "active chain id (overrides CHAT_CHAIN_ID)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Long: `Opens a conversation and streams replies into the terminal.

Commands inside the session:
  /cancel   stop the reply that is streaming
  /history  list the conversation with message ages
  /quit     leave the session`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := chatstream.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.WithServerURL(v)
	}
	if v, _ := cmd.Flags().GetInt64("chain"); v != 0 {
		cfg.WithChainID(v)
	}

	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		user = os.Getenv("CHAT_USER_ID")
	}
	if user == "" {
		return errors.New("--user is required")
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("CHAT_SESSION_TOKEN")
	}
	if token == "" {
		if token, err = promptToken(); err != nil {
			return err
		}
	}

	out := &renderer{w: cmd.OutOrStdout(), printed: make(map[string]int)}
	client := chatstream.New(cfg,
		chatstream.WithLogger(newLogger(cmd, "[CHAT] ")),
		chatstream.WithNotifier(out),
	)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := client.Login(ctx, user, token); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	chatID, _ := cmd.Flags().GetString("chat")
	if chatID == "" {
		if chatID, err = client.CreateConversation(ctx, ""); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
	}
	if err := client.Open(ctx, chatID); err != nil {
		return err
	}
	fmt.Fprintf(out.w, "Conversation %s (%s)\n", chatID, client.State())

	out.render(client.View())
	off := client.Subscribe(out.render)
	defer off()

	return repl(cmd.Context(), client, out, cmd.InOrStdin())
}

func repl(ctx context.Context, client *chatstream.Client, out *renderer, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/cancel":
			if !client.Cancel() {
				fmt.Fprintln(out.w, "Nothing is streaming")
			}
			continue
		case "/history":
			printHistory(out.w, client.View())
			continue
		}

		if _, err := client.Submit(ctx, line); err != nil {
			fmt.Fprintf(out.w, "Not sent: %v\n", err)
			client.SetDraft(line)
		}
	}
	return scanner.Err()
}

func promptToken() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("--token is required when stdin is not a terminal")
	}
	fmt.Print("Session token: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func printHistory(w io.Writer, v engine.View) {
	for _, m := range v.Messages {
		age := "just now"
		if !m.CreatedAt.IsZero() {
			age = humanize.Time(m.CreatedAt)
		}
		fmt.Fprintf(w, "[%s, %s] %s\n", m.Role, age, m.Content)
	}
	fmt.Fprintf(w, "%s messages\n", humanize.Comma(int64(len(v.Messages))))
}

// renderer prints the part of each message that has not been printed yet.
type renderer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]int
	open    string // message whose line is still being streamed
	status  string
}

func (r *renderer) render(v engine.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.Status != "" && v.Status != r.status {
		fmt.Fprintf(r.w, "... %s\n", v.Status)
	}
	r.status = v.Status

	// the streaming id can name an echoed user message, so the open line
	// follows whichever assistant message last grew
	_, streaming := v.Phase.(engine.Streaming)

	for _, m := range v.Messages {
		if m.Provisional || m.Role == models.RoleUser {
			r.printed[m.ID] = len(m.Content)
			continue
		}
		n, seen := r.printed[m.ID]
		if seen && n == len(m.Content) {
			continue
		}
		if n > len(m.Content) {
			n = 0
		}
		if r.open != "" && r.open != m.ID {
			fmt.Fprintln(r.w)
			r.open = ""
		}
		if !seen {
			fmt.Fprintf(r.w, "%s: ", m.Role)
		}
		fmt.Fprint(r.w, m.Content[n:])
		r.printed[m.ID] = len(m.Content)
		r.open = m.ID
	}

	if r.open != "" && !streaming {
		fmt.Fprintln(r.w)
		r.open = ""
	}
}

func (r *renderer) NotifyError(message string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s: %v\n", message, err)
}
