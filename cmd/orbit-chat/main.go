// ABOUTME: Entry point for the orbit-chat terminal client
// ABOUTME: Wires config, SQLite state, the HTTP transport and the conversation store

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/schmitech/orbit-chat/internal/config"
	"github.com/schmitech/orbit-chat/internal/conversation"
	"github.com/schmitech/orbit-chat/internal/model"
	"github.com/schmitech/orbit-chat/internal/store"
	"github.com/schmitech/orbit-chat/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _     _ _            _           _
  ___  _ __| |__ (_) |_     ___ | |__   __ _| |_
 / _ \| '__| '_ \| | __|___/ __|| '_ \ / _' | __|
| (_) | |  | |_) | | ||_____\__ \ | | | (_| | |_
 \___/|_|  |_.__/|_|\__|    |___/_| |_|\__,_|\__|
`

// getConfigPath returns the path to the chat config file.
// Priority: ORBIT_CONFIG env var > XDG_CONFIG_HOME/orbit/chat.yaml > ~/.config/orbit/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ORBIT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "orbit", "chat.yaml")
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+getConfigPath()+")")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = getConfigPath()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	kv, err := store.NewSQLiteKV(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening state storage: %w", err)
	}
	defer kv.Close()

	states := store.NewStateStore(kv, cfg.API.URL, logger)
	client := transport.NewClient(cfg.API.Key, logger)

	chat, err := conversation.New(client, states, conversation.Options{
		APIURL:        cfg.API.URL,
		Ceilings:      cfg.Limits,
		FlushInterval: cfg.Streaming.FlushInterval,
		MaxMessageLen: cfg.Streaming.MaxMessageLen,
		WriteDelay:    cfg.Persistence.WriteDelay,
		MaxWriteDelay: cfg.Persistence.MaxWriteDelay,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating conversation store: %w", err)
	}
	defer chat.Close()

	if cfg.Audio.ReturnAudio {
		_ = chat.SetAudioSettings(&model.AudioSettings{
			ReturnAudio: true,
			TTSVoice:    cfg.Audio.TTSVoice,
			Language:    cfg.Audio.Language,
		})
	}
	if cur := chat.CurrentConversation(); cur != nil && cur.AdapterName == "" && cfg.API.Adapter != "" {
		if err := chat.SetAdapter(ctx, cur.ID, cfg.API.Adapter); err != nil {
			logger.Warn("adapter selection failed", "adapter", cfg.API.Adapter, "error", err)
		}
	}

	chat.SyncWithBackend(ctx)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Server:  %s\n", cfg.API.URL)
	green.Print("    ▶ ")
	fmt.Printf("Adapter: %s\n", adapterLabel(chat.CurrentConversation()))
	green.Print("    ▶ ")
	fmt.Printf("State:   %s\n", cfg.Storage.Path)
	fmt.Println()
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	return repl(ctx, chat)
}

func adapterLabel(conv *model.Conversation) string {
	if conv == nil || conv.AdapterName == "" {
		return "(none, select with /adapter)"
	}
	if conv.AdapterLoadError != "" {
		return conv.AdapterName + " (metadata unavailable)"
	}
	return conv.AdapterName
}

// repl runs the interactive loop. Streaming responses render incrementally
// through the store's change notifications.
func repl(ctx context.Context, chat *conversation.Store) error {
	reader := newInputReader()

	for {
		printPrompt(chat)

		input, err := reader.readLine(ctx)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := handleCommand(ctx, chat, input)
			if err != nil {
				color.Red("[error] %v", err)
			}
			if quit {
				return nil
			}
			fmt.Println()
			continue
		}

		if err := sendAndRender(ctx, chat, input, ""); err != nil {
			color.Red("[error] %v", err)
		}
		fmt.Println()
	}
}

func printPrompt(chat *conversation.Store) {
	conv := chat.CurrentConversation()
	if conv != nil && conv.Title != "" && conv.Title != "New Conversation" {
		color.New(color.FgHiBlack).Printf("[%s] ", truncate(conv.Title, 24))
	}
	fmt.Print("> ")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// sendAndRender submits a message and prints the assistant response as it
// streams, driven by store notifications.
func sendAndRender(ctx context.Context, chat *conversation.Store, content, threadID string) error {
	subCtx, unsub := context.WithCancel(ctx)
	defer unsub()
	updates, _ := chat.Subscribe(subCtx)

	done := make(chan error, 1)
	go func() {
		done <- chat.SendMessage(ctx, content, nil, threadID)
	}()

	printed := 0
	render := func() {
		conv := chat.CurrentConversation()
		if conv == nil || len(conv.Messages) == 0 {
			return
		}
		last := conv.Messages[len(conv.Messages)-1]
		if last.Role != model.RoleAssistant {
			return
		}
		runes := []rune(last.Content)
		if len(runes) > printed {
			fmt.Print(string(runes[printed:]))
			printed = len(runes)
		}
	}

	for {
		select {
		case <-updates:
			render()
		case err := <-done:
			render()
			fmt.Println()
			return err
		case <-ctx.Done():
			chat.StopStreaming()
			return <-done
		}
	}
}

func handleCommand(ctx context.Context, chat *conversation.Store, input string) (quit bool, err error) {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help":
		printHelp()

	case "/new":
		_, err = chat.CreateConversation()

	case "/list":
		listConversations(chat)

	case "/switch":
		if args == "" {
			return false, fmt.Errorf("usage: /switch <number>")
		}
		id, lookupErr := conversationByIndex(chat, args)
		if lookupErr != nil {
			return false, lookupErr
		}
		err = chat.SelectConversation(ctx, id)

	case "/delete":
		if args == "" {
			err = chat.DeleteConversation(chat.CurrentConversationID())
		} else if args == "all" {
			chat.DeleteAllConversations()
		} else {
			var id string
			id, err = conversationByIndex(chat, args)
			if err == nil {
				err = chat.DeleteConversation(id)
			}
		}

	case "/adapter":
		if args == "" {
			fmt.Printf("Adapter: %s\n", adapterLabel(chat.CurrentConversation()))
		} else {
			err = chat.SetAdapter(ctx, chat.CurrentConversationID(), args)
		}

	case "/regen":
		conv := chat.CurrentConversation()
		if conv == nil {
			return false, conversation.ErrConversationNotFound
		}
		idx := -1
		for i := len(conv.Messages) - 1; i >= 0; i-- {
			if conv.Messages[i].Role == model.RoleAssistant {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, fmt.Errorf("nothing to regenerate")
		}
		err = regenAndRender(ctx, chat, conv.Messages[idx].ID)

	case "/thread":
		err = threadCommand(ctx, chat, args)

	case "/sync":
		chat.SyncWithBackend(ctx)
		fmt.Println("Synced with server")

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, err
}

// regenAndRender re-runs the last response and prints it as it streams.
func regenAndRender(ctx context.Context, chat *conversation.Store, messageID string) error {
	subCtx, unsub := context.WithCancel(ctx)
	defer unsub()
	updates, _ := chat.Subscribe(subCtx)

	done := make(chan error, 1)
	go func() {
		done <- chat.RegenerateResponse(ctx, messageID)
	}()

	printed := 0
	render := func() {
		conv := chat.CurrentConversation()
		if conv == nil {
			return
		}
		i := conv.FindMessage(messageID)
		// The regenerated message has a new ID at the same position;
		// fall back to the last assistant message.
		if i < 0 {
			for j := len(conv.Messages) - 1; j >= 0; j-- {
				if conv.Messages[j].Role == model.RoleAssistant {
					i = j
					break
				}
			}
		}
		if i < 0 {
			return
		}
		runes := []rune(conv.Messages[i].Content)
		if len(runes) > printed {
			fmt.Print(string(runes[printed:]))
			printed = len(runes)
		}
	}

	for {
		select {
		case <-updates:
			render()
		case err := <-done:
			render()
			fmt.Println()
			return err
		case <-ctx.Done():
			chat.StopStreaming()
			return <-done
		}
	}
}

// threadCommand starts or continues a thread on the latest assistant reply.
func threadCommand(ctx context.Context, chat *conversation.Store, args string) error {
	if args == "" {
		return fmt.Errorf("usage: /thread <message>")
	}
	conv := chat.CurrentConversation()
	if conv == nil {
		return conversation.ErrConversationNotFound
	}

	// Reuse an existing thread on the last assistant message, else create one.
	var threadID, rootID string
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		m := conv.Messages[i]
		if m.Role == model.RoleAssistant && !m.IsThreadMessage {
			rootID = m.ID
			if m.ThreadInfo != nil {
				threadID = m.ThreadInfo.ThreadID
			}
			break
		}
	}
	if rootID == "" {
		return fmt.Errorf("no assistant message to thread on")
	}
	if threadID == "" {
		info, err := chat.CreateThread(ctx, rootID)
		if err != nil {
			return err
		}
		threadID = info.ThreadID
		color.New(color.FgHiBlack).Printf("(started thread %s)\n", threadID)
	}

	return sendAndRender(ctx, chat, args, threadID)
}

func listConversations(chat *conversation.Store) {
	convs := chat.Conversations()
	currentID := chat.CurrentConversationID()
	gray := color.New(color.FgHiBlack)

	for i, c := range convs {
		marker := "  "
		if c.ID == currentID {
			marker = color.GreenString("* ")
		}
		fmt.Printf("%s%d. %s", marker, i+1, c.Title)
		gray.Printf("  (%d messages)", len(c.TopLevelMessages()))
		fmt.Println()
	}
}

// conversationByIndex resolves a 1-based list position to a conversation ID.
func conversationByIndex(chat *conversation.Store, arg string) (string, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return "", fmt.Errorf("not a conversation number: %s", arg)
	}
	convs := chat.Conversations()
	if n < 1 || n > len(convs) {
		return "", fmt.Errorf("no conversation %d (have %d)", n, len(convs))
	}
	return convs[n-1].ID, nil
}

// inputReader reads stdin lines on a dedicated goroutine so the loop can
// also observe context cancellation.
type inputReader struct {
	lines chan string
	errs  chan error
}

func newInputReader() *inputReader {
	r := &inputReader{lines: make(chan string), errs: make(chan error, 1)}
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			r.lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			r.errs <- err
		} else {
			r.errs <- io.EOF
		}
	}()
	return r
}

func (r *inputReader) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-r.errs:
		return "", err
	case line := <-r.lines:
		return line, nil
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new              Start a new conversation")
	fmt.Println("  /list             List conversations")
	fmt.Println("  /switch <n>       Switch to conversation n")
	fmt.Println("  /delete [n|all]   Delete current, numbered, or all conversations")
	fmt.Println("  /adapter [name]   Show or set the backend adapter")
	fmt.Println("  /regen            Regenerate the last response")
	fmt.Println("  /thread <msg>     Reply in a thread on the last response")
	fmt.Println("  /sync             Reconcile with server history")
	fmt.Println("  /help             Show this help")
	fmt.Println("  /quit             Exit")
}
