package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"chat-client/internal/config"
	"chat-client/internal/db"
	"chat-client/internal/devserver"
	"chat-client/internal/identity"
	"chat-client/internal/inbox"
	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/rabbitmq"
	"chat-client/internal/repositories"
	"chat-client/internal/rest"
	"chat-client/internal/session"
	"chat-client/internal/telemetry"
	"chat-client/internal/transfer"
	"chat-client/internal/translate"
	"chat-client/internal/ws"
)

var (
	cfg     *config.Config
	envFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "chat-client",
	Short:        "Conversation sync client and development backend",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		loaded, err := config.Load(files...)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if v, _ := flags.GetString("api-url"); v != "" {
			loaded.APIURL = strings.TrimRight(v, "/")
		}
		if v, _ := flags.GetString("token"); v != "" {
			loaded.IDToken = v
		}
		if v, _ := flags.GetString("log-level"); v != "" {
			loaded.LogLevel = v
		}
		cfg = loaded
		observability.SetupLogging(cfg.LogLevel, nil)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "dotenv file to load before the environment")
	rootCmd.PersistentFlags().String("api-url", "", "chat backend base URL (API_URL)")
	rootCmd.PersistentFlags().String("token", "", "identity token (ID_TOKEN)")
	rootCmd.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error (LOG_LEVEL)")

	serveCmd.Flags().String("addr", "", "listen address (DEVSERVER_ADDR)")
	serveCmd.Flags().Bool("debug", false, "expose /debug/rooms")
	serveCmd.Flags().StringSlice("seed", nil, "create a conversation between these users and print their tokens")

	conversationsCmd.Flags().Int("pages", 1, "number of pages to load")

	rootCmd.AddCommand(serveCmd, chatCmd, conversationsCmd, themeCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory development backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.TokenSecret == "" {
			return errors.New("TOKEN_SECRET is required to issue and verify tokens")
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.DevServerAddr
		}
		debug, _ := cmd.Flags().GetBool("debug")
		seed, _ := cmd.Flags().GetStringSlice("seed")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdown, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, "chat-devserver")
		if err != nil {
			jww.WARN.Printf("[DEV] tracing disabled: %v", err)
		} else {
			defer shutdown(context.Background())
		}

		issuer := identity.NewIssuer(cfg.TokenSecret, 24*time.Hour)
		srv, err := devserver.New(devserver.Options{
			Verifier:     issuer,
			FilesDir:     filepath.Join(cfg.DataDir, "devserver-files"),
			EchoToSender: cfg.DevServerEchoToSender,
			Debug:        debug,
		})
		if err != nil {
			return err
		}

		if len(seed) > 1 {
			conv := srv.Memory.CreateConversation(seed...)
			fmt.Printf("conversation %s\n", conv.ID)
			for _, user := range seed {
				token, err := issuer.Issue(user)
				if err != nil {
					return err
				}
				fmt.Printf("  %s: %s\n", user, token)
			}
		}

		return srv.Run(ctx, addr)
	},
}

// client bundles what the client commands share for one run.
type client struct {
	userID    string
	tokens    *identity.TokenProvider
	api       *rest.Client
	cacheDB   *sqlx.DB
	record    *transfer.Record
	events    *telemetry.Emitter
	publisher telemetry.Publisher
	xlat      *translate.Cache
	shutdown  func(context.Context) error
}

func newClient(ctx context.Context) (*client, error) {
	if cfg.IDToken == "" {
		return nil, errors.New("no signed-in user, set ID_TOKEN or --token")
	}
	tokens, err := identity.NewTokenProvider(cfg.IDToken, cfg.TokenSecret)
	if err != nil {
		return nil, err
	}
	userID, err := tokens.CurrentUserID()
	if err != nil {
		return nil, err
	}

	shutdown, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, "chat-client")
	if err != nil {
		jww.WARN.Printf("[CHAT] tracing disabled: %v", err)
		shutdown = func(context.Context) error { return nil }
	}

	cachePath := cfg.CacheDB
	if cachePath == "" {
		cachePath = filepath.Join(cfg.DataDir, "cache.db")
	}
	cacheDB, err := db.Open(cachePath)
	if err != nil {
		return nil, err
	}

	record, err := transfer.OpenRecord(cfg.DataDir)
	if err != nil {
		cacheDB.Close()
		return nil, err
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if rabbitmq.Mode(publisher) == "noop" {
		jww.DEBUG.Printf("[AMQP] client events disabled: %s", rabbitmq.NoopReason(publisher))
	}

	c := &client{
		userID:    userID,
		tokens:    tokens,
		api:       rest.New(cfg.APIURL, rest.Options{Tokens: tokens, DeviceID: cfg.DeviceID, SubmitTimeout: cfg.RequestTimeout}),
		cacheDB:   cacheDB,
		record:    record,
		events:    telemetry.NewEmitter(publisher, "chat_client", "chat-client-cli", cfg.DeviceID),
		publisher: publisher,
		shutdown:  shutdown,
	}

	if cfg.TranslateURL != "" {
		xlat, err := translate.NewCache(translate.NewHTTPTranslator(cfg.TranslateURL, translate.HTTPOptions{
			APIKey: cfg.TranslateAPIKey,
			RPS:    cfg.TranslateRPS,
		}), cfg.TranslationCacheSize)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.xlat = xlat
	}
	return c, nil
}

func (c *client) Close() {
	if err := c.publisher.Close(); err != nil {
		jww.DEBUG.Printf("[AMQP] close: %v", err)
	}
	if err := c.cacheDB.Close(); err != nil {
		jww.DEBUG.Printf("[DB] close: %v", err)
	}
	c.shutdown(context.Background())
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and send lines from stdin",
	Long: `Open a conversation, print its timeline and send every stdin line.

Commands:
  /file <path>       upload a file
  /download <id>     download the attachment of a timeline entry
  /retry <id>        re-send a failed message
  /translate <lang>  translate the timeline
  /quit              leave the conversation`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cl, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer cl.Close()

		view := &timelineView{seen: map[string]bool{}}
		opts := session.Options{
			ConversationID: args[0],
			UserID:         cl.userID,
			API:            cl.api,
			Dial:           session.WSDialer(cfg.SocketURL, ws.DialOptions{Tokens: cl.tokens, DeviceID: cfg.DeviceID}),
			Record:         cl.record,
			AttachmentDir:  cfg.AttachmentDir(),
			Cache:          repositories.NewMessageRepo(cl.cacheDB),
			Events:         cl.events,
			Location:       cfg.Location(),
			EchoWindow:     cfg.EchoWindow,
		}
		if cl.xlat != nil {
			opts.Translator = cl.xlat
		}
		// The inbox follows this conversation so the conversations command
		// shows its last message and unread count offline.
		list := inbox.New(cl.api, cl.userID, inbox.Options{Cache: repositories.NewConversationRepo(cl.cacheDB)})
		if err := list.Refresh(ctx); err != nil {
			jww.DEBUG.Printf("[INBOX] refresh: %v", err)
		}
		list.MarkRead(args[0])
		defer func() {
			if err := list.Save(context.Background()); err != nil {
				jww.WARN.Printf("[INBOX] save: %v", err)
			}
		}()

		var ctrl *session.Controller
		opts.OnUpdate = func() { view.render(ctrl) }
		opts.OnMessage = func(msg models.Message) { applyToInbox(ctx, list, msg) }

		ctrl, err = session.New(opts)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		if err := ctrl.Open(ctx); err != nil {
			jww.ERROR.Printf("[CHAT] live channel unavailable, history only: %v", err)
		}
		if err := ctrl.WaitHistory(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "history unavailable, showing cached messages: %v\n", err)
		}
		if cfg.TargetLanguage != "" {
			if err := ctrl.TranslateAll(ctx, cfg.TargetLanguage); err != nil {
				jww.WARN.Printf("[XLAT] %v", err)
			}
		}
		view.render(ctrl)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := runLine(ctx, ctrl, view, list, strings.TrimSpace(line)); quit {
					return nil
				}
			}
		}
	},
}

func applyToInbox(ctx context.Context, list *inbox.List, msg models.Message) {
	if err := list.Apply(ctx, msg.ConversationID, msg); err != nil {
		jww.DEBUG.Printf("[INBOX] apply %s: %v", msg.ID, err)
	}
	// The conversation is on screen.
	list.MarkRead(msg.ConversationID)
}

func runLine(ctx context.Context, ctrl *session.Controller, view *timelineView, list *inbox.List, line string) bool {
	if line == "" {
		return false
	}
	verb, arg, _ := strings.Cut(line, " ")
	var err error
	switch verb {
	case "/quit":
		return true
	case "/file":
		var att models.Attachment
		att, err = ctrl.SendAttachment(ctx, transfer.LocalFile{Path: arg}, func(p int) {
			fmt.Printf("\rupload %d%%", p)
		})
		fmt.Println()
		if err == nil {
			applyToInbox(ctx, list, att.Message())
		}
	case "/download":
		var path string
		path, err = ctrl.Download(ctx, arg, func(f float64) {
			fmt.Printf("\rdownload %.0f%%", f*100)
		})
		fmt.Println()
		if err == nil {
			fmt.Printf("saved to %s\n", path)
		}
	case "/retry":
		_, err = ctrl.Retry(ctx, arg)
	case "/translate":
		err = ctrl.TranslateAll(ctx, arg)
		view.reset()
		view.render(ctrl)
	default:
		var sent models.Message
		if sent, err = ctrl.Send(ctx, line); err == nil {
			applyToInbox(ctx, list, sent)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, models.ErrNetworkUnavailable) || errors.Is(err, models.ErrTimeout) {
			for _, f := range ctrl.Failed() {
				fmt.Fprintf(os.Stderr, "  not sent: %s %q (/retry %s)\n", f.ID, f.Content, f.ID)
			}
		}
	}
	return false
}

// timelineView prints entries once they are Confirmed.
type timelineView struct {
	mu   sync.Mutex
	seen map[string]bool
	day  string
}

func (v *timelineView) reset() {
	v.mu.Lock()
	v.seen = map[string]bool{}
	v.day = ""
	v.mu.Unlock()
}

func (v *timelineView) render(ctrl *session.Controller) {
	if ctrl == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for group := range ctrl.Days() {
		for _, e := range group.Entries {
			if v.seen[e.ID] || e.DeliveryState != models.Confirmed {
				continue
			}
			v.seen[e.ID] = true
			if day := group.Date.Format("Mon, 02 Jan 2006"); day != v.day {
				v.day = day
				fmt.Printf("-- %s --\n", day)
			}
			line := e.Content
			if e.IsAttachment() {
				mark := ""
				if ctrl.IsMaterialized(e.FileName) {
					mark = " (downloaded)"
				}
				line = fmt.Sprintf("[file %s%s]", e.FileName, mark)
			}
			fmt.Printf("%s %-10s %s", e.Timestamp.In(cfg.Location()).Format("15:04"), e.SenderID, line)
			if e.Translation != nil && e.Translation.Text != e.Content {
				fmt.Printf("  (%s: %s)", e.Translation.Language, e.Translation.Text)
			}
			fmt.Printf("  #%s\n", e.ID)
		}
	}
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List the signed-in user's conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		pages, _ := cmd.Flags().GetInt("pages")
		ctx := cmd.Context()

		cl, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer cl.Close()

		list := inbox.New(cl.api, cl.userID, inbox.Options{Cache: repositories.NewConversationRepo(cl.cacheDB)})
		if err := list.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "backend unavailable, showing cached list: %v\n", err)
		}
		for i := 1; i < pages && list.HasMore() && !list.Stale(); i++ {
			if err := list.LoadMore(ctx); err != nil {
				return err
			}
		}

		for _, conv := range list.Conversations() {
			name := conv.Name
			if name == "" {
				name = conv.OtherParticipant(cl.userID)
			}
			unread := ""
			if conv.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d)", conv.UnreadCount)
			}
			fmt.Printf("%-24s %-16s%s %s\n", conv.ID, name, unread, conv.LastMessage)
		}
		if list.HasMore() && !list.Stale() {
			fmt.Println("... more with --pages")
		}
		return nil
	},
}

var themeCmd = &cobra.Command{
	Use:   "theme <other-user> [theme]",
	Short: "Show or set the chat theme for a conversation partner",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cl, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer cl.Close()

		if len(args) == 2 {
			return cl.api.SetChatTheme(ctx, cl.userID, args[0], args[1])
		}
		theme, err := cl.api.ChatTheme(ctx, cl.userID, args[0])
		if err != nil {
			return err
		}
		fmt.Println(theme)
		return nil
	},
}
