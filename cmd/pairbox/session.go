package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pairbox/core"
	"pkt.systems/pairbox/internal/appconfig"
	"pkt.systems/pairbox/internal/localsync"
	"pkt.systems/pairbox/internal/msgcache"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/realtime"
	"pkt.systems/pairbox/internal/realtime/redisconn"
	"pkt.systems/pairbox/internal/realtime/wsconn"
	"pkt.systems/pairbox/internal/sandbox"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

func newSessionCmd() *cobra.Command {
	var cfgPath string
	var syncDir string
	var offline bool
	cmd := &cobra.Command{
		Use:   "session <project-id>",
		Short: "Join a project and chat, edit and run it interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if syncDir != "" {
				cfg.Session.SyncDir = syncDir
			}
			user := sessionUser(cfg)
			if err := schema.ValidateUserID(user.ID); err != nil {
				return fmt.Errorf("session.user_id: %w", err)
			}
			projectID := schema.ProjectID(args[0])

			var store projectstore.Store
			var transport realtime.Transport
			if offline {
				local, err := openLocal(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() { _ = local.Close() }()
				store = local.directory(user)
				transport = local.transport()
				defer local.record(ctx, projectID)()
			} else {
				client, err := projectstore.NewHTTPClient(cfg.Session.ServerURL, user, sessionTimeout(cfg))
				if err != nil {
					return err
				}
				t, closeTransport, err := selectTransport(ctx, cfg, user)
				if err != nil {
					return err
				}
				if closeTransport != nil {
					defer func() { _ = closeTransport() }()
				}
				store, transport = client, t
			}
			cache, err := msgcache.Open(ctx, msgcache.Backend(cfg.Session.Cache), cfg.Session.CacheDir)
			if err != nil {
				return fmt.Errorf("open message cache: %w", err)
			}
			if closer, ok := cache.(io.Closer); ok {
				defer func() { _ = closer.Close() }()
			}
			rt, closeRuntime, err := selectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			if closeRuntime != nil {
				defer func() { _ = closeRuntime() }()
			}

			out := &cliSink{out: cmd.OutOrStdout(), self: user.ID}
			sinks := core.MultiSink{out}
			var mirror *localsync.Mirror
			var session *core.Session
			if cfg.Session.SyncDir != "" {
				mirror = &localsync.Mirror{
					Dir: cfg.Session.SyncDir,
					Edit: func(ctx context.Context, path, contents string) error {
						_, err := session.EditFile(ctx, path, contents)
						return err
					},
				}
				sinks = append(sinks, &mirrorSink{ctx: ctx, mirror: mirror})
			}

			deps := core.SessionDeps{
				Store:     store,
				Transport: transport,
				Cache:     cache,
				EventSink: sinks,
				Logger:    logger,
			}
			if rt != nil {
				deps.Runtime = rt
			}
			session, err = core.NewSession(core.SessionConfig{
				ProjectID: projectID,
				User:      user,
				Install:   sandboxCommand(cfg.Sandbox.Install, sandbox.DefaultInstall),
				Run:       sandboxCommand(cfg.Sandbox.Run, sandbox.DefaultRun),
			}, deps)
			if err != nil {
				return err
			}
			if err := session.Open(ctx); err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = session.Close(closeCtx)
			}()
			if mirror != nil {
				if err := mirror.Start(ctx); err != nil {
					return fmt.Errorf("sync dir: %w", err)
				}
				defer mirror.Stop()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %s as %s; /help lists commands\n", projectID, user.ID)
			return runREPL(ctx, session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&offline, "offline", false, "use server.storage in process instead of a running server")
	cmd.Flags().StringVar(&syncDir, "sync-dir", "", "mirror the file tree to this directory (overrides session.sync_dir)")
	return cmd
}

func sessionUser(cfg appconfig.Config) schema.User {
	return schema.User{ID: schema.UserID(strings.TrimSpace(cfg.Session.UserID)), Email: strings.TrimSpace(cfg.Session.Email)}
}

func sessionTimeout(cfg appconfig.Config) time.Duration {
	if cfg.Session.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(cfg.Session.TimeoutSeconds) * time.Second
}

func selectTransport(ctx context.Context, cfg appconfig.Config, user schema.User) (realtime.Transport, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Transport)) {
	case "websocket", "":
		return &wsconn.Transport{BaseURL: cfg.Session.ServerURL, UserID: user.ID, Email: user.Email}, nil, nil
	case "redis":
		t, err := redisconn.New(ctx, cfg.Session.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis transport: %w", err)
		}
		return t, t.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session.transport %q", cfg.Session.Transport)
	}
}

// sessionAPI is the part of core.Session the REPL drives.
type sessionAPI interface {
	Send(ctx context.Context, text string) (schema.Message, error)
	EditFile(ctx context.Context, path, contents string) (schema.FileTree, error)
	InitSandbox(ctx context.Context) (schema.SandboxStatus, error)
	Run(ctx context.Context) (schema.SandboxStatus, error)
	AddCollaborators(ctx context.Context, users []schema.UserID) (schema.Project, error)
	Messages() []schema.Message
	FileTree() schema.FileTree
	Project() schema.Project
	Sandbox() schema.SandboxStatus
}

var errQuit = errors.New("quit")

const replHelp = `commands:
  <text>               send a chat message
  /run                 install and start the project in the sandbox
  /init                retry sandbox initialization
  /status              show sandbox status
  /tree                list files
  /cat <path>          print a file
  /write <path> <text> replace a file (\n in text becomes a newline)
  /add <user>...       add collaborators
  /users               list members
  /history             print the conversation
  /quit                leave the session
`

func runREPL(ctx context.Context, s sessionAPI, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
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
			if err := handleLine(ctx, s, line, out); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, s sessionAPI, line string, out io.Writer) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		_, err := s.Send(ctx, line)
		return err
	}
	name, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/help":
		fmt.Fprint(out, replHelp)
	case "/quit", "/exit":
		return errQuit
	case "/run":
		status, err := s.Run(ctx)
		if err != nil {
			return err
		}
		printStatus(out, status)
	case "/init":
		status, err := s.InitSandbox(ctx)
		if err != nil {
			return err
		}
		printStatus(out, status)
	case "/status":
		printStatus(out, s.Sandbox())
	case "/tree":
		tree := s.FileTree()
		paths := make([]string, 0, len(tree))
		for p := range tree {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(out, "%s (%d bytes)\n", p, len(tree[p].Contents))
		}
	case "/cat":
		entry, ok := s.FileTree()[rest]
		if !ok {
			return fmt.Errorf("no such file %q", rest)
		}
		fmt.Fprintln(out, entry.Contents)
	case "/write":
		path, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(path) == "" {
			return errors.New("usage: /write <path> <text>")
		}
		if _, err := s.EditFile(ctx, path, strings.ReplaceAll(text, `\n`, "\n")); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", path)
	case "/add":
		fields := strings.Fields(rest)
		users := make([]schema.UserID, 0, len(fields))
		for _, f := range fields {
			users = append(users, schema.UserID(f))
		}
		project, err := s.AddCollaborators(ctx, users)
		if err != nil {
			return err
		}
		printUsers(out, project)
	case "/users":
		printUsers(out, s.Project())
	case "/history":
		for _, msg := range s.Messages() {
			fmt.Fprintln(out, formatMessage(msg))
		}
	default:
		return fmt.Errorf("unknown command %s (try /help)", name)
	}
	return nil
}

func printStatus(out io.Writer, status schema.SandboxStatus) {
	fmt.Fprintln(out, formatStatus(status))
}

func printUsers(out io.Writer, project schema.Project) {
	ids := make([]string, 0, len(project.Users))
	for _, u := range project.Users {
		ids = append(ids, string(u.ID))
	}
	fmt.Fprintf(out, "members: %s\n", strings.Join(ids, ", "))
}

func formatStatus(status schema.SandboxStatus) string {
	line := "sandbox " + string(status.State)
	if status.PreviewURL != "" {
		line += " preview=" + status.PreviewURL
	}
	if status.Error != "" {
		line += ": " + status.Error
	}
	return line
}

func formatMessage(msg schema.Message) string {
	who := string(msg.Sender.ID)
	if msg.Sender.IsAgent() {
		who = "agent"
	}
	return fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Local().Format("15:04:05"), who, msg.Text())
}

// cliSink prints session events. Own messages are not echoed.
type cliSink struct {
	core.NopSink
	mu   sync.Mutex
	out  io.Writer
	self schema.UserID
}

func (c *cliSink) OnHistory(messages []schema.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "history: %d messages\n", len(messages))
}

func (c *cliSink) OnMessage(msg schema.Message) {
	if msg.Sender.ID == c.self {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, formatMessage(msg))
}

func (c *cliSink) OnSandbox(status schema.SandboxStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, formatStatus(status))
}

func (c *cliSink) OnOutput(event schema.OutputEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[run %d %s] %s\n", event.Run, event.Stream, event.Line)
}

// mirrorSink writes every tree change into the sync directory.
type mirrorSink struct {
	core.NopSink
	ctx    context.Context
	mirror *localsync.Mirror
}

func (m *mirrorSink) OnFileTree(tree schema.FileTree) {
	if err := m.mirror.Write(m.ctx, tree); err != nil {
		pslog.Ctx(m.ctx).Warn("session mirror write failed", "dir", m.mirror.Dir, "err", err)
	}
}
