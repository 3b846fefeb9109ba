package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/conversation"
	"github.com/matheus3301/convsync/internal/format"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/workspace"
)

type cli struct {
	client *remote.Client
	cfg    *config.Config
	viewer string
	json   bool

	lastDay time.Time // last divider printed, so watch output does not repeat it
}

func main() {
	workspaceFlag := flag.String("workspace", "", "workspace name (overrides config default)")
	asFlag := flag.String("as", "", "profile id to act as (overrides config viewer_id)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.Resolve(workspace.ConfigPath(), ".env")
	if err != nil {
		fail(err)
	}
	name := workspace.Resolve(*workspaceFlag, cfg)
	if err := workspace.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := remote.Dial(workspace.SocketPath(name), nil)
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for workspace %q: %w", name, err))
	}
	defer func() { _ = c.Close() }()

	viewer := *asFlag
	if viewer == "" {
		viewer = cfg.ViewerID
	}
	cl := &cli{client: c, cfg: cfg, viewer: viewer, json: *jsonFlag}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	switch args[0] {
	case "profile":
		err = cl.profile(ctx, args[1:])
	case "group":
		err = cl.group(ctx, args[1:])
	case "history":
		err = cl.history(ctx, args[1:])
	case "send":
		err = cl.send(ctx, args[1:])
	case "watch":
		err = cl.watch(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fail(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convsyncctl [--workspace <name>] [--as <profile>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  profile add <id> <username> [avatar_url]")
	fmt.Fprintln(os.Stderr, "  group create <name> [description]")
	fmt.Fprintln(os.Stderr, "  group join|leave <group_id>")
	fmt.Fprintln(os.Stderr, "  group list")
	fmt.Fprintln(os.Stderr, "  history room <group_id> | dm <profile_id>")
	fmt.Fprintln(os.Stderr, "  send room <group_id> | dm <profile_id> <text...>")
	fmt.Fprintln(os.Stderr, "  watch room <group_id> | dm <profile_id>")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func (cl *cli) requireViewer() error {
	if cl.viewer == "" {
		return errors.New("no profile to act as: pass --as or set viewer_id")
	}
	return nil
}

func (cl *cli) profile(ctx context.Context, args []string) error {
	if len(args) < 3 || args[0] != "add" {
		return errors.New("usage: convsyncctl profile add <id> <username> [avatar_url]")
	}
	rec := store.Record{"id": args[1], "username": args[2]}
	if len(args) > 3 {
		rec["avatar_url"] = args[3]
	}
	out, err := cl.client.Insert(ctx, store.TableProfiles, rec)
	if err != nil {
		return err
	}
	if cl.json {
		outputJSON(conversation.ProfileFromRecord(out))
		return nil
	}
	fmt.Printf("Profile %s created.\n", out.String("id"))
	return nil
}

func (cl *cli) group(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: convsyncctl group <create|join|leave|list>")
	}
	if err := cl.requireViewer(); err != nil {
		return err
	}
	m := conversation.NewMembership(cl.client, nil)

	switch args[0] {
	case "create":
		if len(args) < 2 {
			return errors.New("usage: convsyncctl group create <name> [description]")
		}
		g, err := m.CreateGroup(ctx, cl.viewer, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		if cl.json {
			outputJSON(g)
			return nil
		}
		fmt.Printf("Group %q created: %s\n", g.Name, g.ID)
	case "join", "leave":
		if len(args) < 2 {
			return fmt.Errorf("usage: convsyncctl group %s <group_id>", args[0])
		}
		op := m.Join
		if args[0] == "leave" {
			op = m.Leave
		}
		if err := op(ctx, args[1], cl.viewer); err != nil {
			return err
		}
		fmt.Printf("OK: %s %s\n", args[0], args[1])
	case "list":
		groups, err := m.ListGroups(ctx, cl.viewer)
		if err != nil {
			return err
		}
		if cl.json {
			outputJSON(groups)
			return nil
		}
		if len(groups) == 0 {
			fmt.Println("No groups found.")
			return nil
		}
		for _, g := range groups {
			joined := ""
			if g.Member {
				joined = " (member)"
			}
			fmt.Printf("%-36s %s%s\n", g.ID, g.Name, joined)
		}
	default:
		return fmt.Errorf("unknown group subcommand: %s", args[0])
	}
	return nil
}

// parseKey reads "room <id>" or "dm <profile>" and returns the remaining args.
func (cl *cli) parseKey(args []string) (conversation.Key, []string, error) {
	if len(args) < 2 {
		return conversation.Key{}, nil, errors.New("expected room <group_id> or dm <profile_id>")
	}
	switch args[0] {
	case "room":
		return conversation.RoomKey(args[1]), args[2:], nil
	case "dm":
		return conversation.DirectKey(cl.viewer, args[1]), args[2:], nil
	}
	return conversation.Key{}, nil, fmt.Errorf("unknown conversation kind %q", args[0])
}

func (cl *cli) newView() *conversation.View {
	return conversation.NewView(cl.client, conversation.Options{
		Viewer:     cl.viewer,
		EchoWindow: cl.cfg.Sync.EchoWindow.Duration,
	})
}

func (cl *cli) history(ctx context.Context, args []string) error {
	if err := cl.requireViewer(); err != nil {
		return err
	}
	key, _, err := cl.parseKey(args)
	if err != nil {
		return err
	}
	loader := conversation.NewHistoryLoader(cl.client, conversation.NewStoreProfiles(cl.client), nil, nil)
	msgs, err := loader.Load(ctx, key, cl.viewer)
	if err != nil {
		return err
	}
	cl.print(msgs)
	return nil
}

func (cl *cli) send(ctx context.Context, args []string) error {
	if err := cl.requireViewer(); err != nil {
		return err
	}
	key, rest, err := cl.parseKey(args)
	if err != nil {
		return err
	}
	v := cl.newView()
	defer func() { _ = v.Close() }()
	if err := v.Open(ctx, key); err != nil {
		return err
	}
	m, err := v.Send(ctx, strings.Join(rest, " "))
	if err != nil {
		return err
	}
	if cl.json {
		outputJSON(toJSON(m))
		return nil
	}
	fmt.Printf("Sent %s at %s\n", m.ID, format.Clock(m.CreatedAt, time.Local))
	return nil
}

func (cl *cli) watch(ctx context.Context, args []string) error {
	if err := cl.requireViewer(); err != nil {
		return err
	}
	key, _, err := cl.parseKey(args)
	if err != nil {
		return err
	}
	v := cl.newView()
	defer func() { _ = v.Close() }()
	if err := v.Open(ctx, key); err != nil {
		return err
	}

	seen := make(map[string]bool)
	emit := func() {
		var fresh []conversation.Message
		for _, m := range v.Messages() {
			if m.IsEcho() || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			fresh = append(fresh, m)
		}
		cl.print(fresh)
	}
	emit()
	for {
		select {
		case <-v.RefreshCh():
			emit()
			if v.Status() == status.Failed {
				return v.Err()
			}
		case <-ctx.Done():
			return nil
		}
	}
}

type messageJSON struct {
	ID           string    `json:"id"`
	Conversation string    `json:"conversation"`
	SenderID     string    `json:"sender_id"`
	Sender       string    `json:"sender"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	Read         bool      `json:"read,omitempty"`
	State        string    `json:"state"`
}

func toJSON(m conversation.Message) messageJSON {
	return messageJSON{
		ID:           m.ID,
		Conversation: m.Key.String(),
		SenderID:     m.SenderID,
		Sender:       m.Sender.DisplayName(),
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
		Read:         m.Read,
		State:        m.State.String(),
	}
}

// print writes msgs as JSON lines or as a thread with day dividers.
func (cl *cli) print(msgs []conversation.Message) {
	if cl.json {
		enc := json.NewEncoder(os.Stdout)
		for _, m := range msgs {
			_ = enc.Encode(toJSON(m))
		}
		return
	}
	for it := range format.Group(msgs, time.Now(), time.Local) {
		if it.IsDivider() {
			if !it.Day.Equal(cl.lastDay) {
				fmt.Printf("-- %s --\n", it.Divider)
				cl.lastDay = it.Day
			}
			continue
		}
		m := it.Message
		fmt.Printf("[%s] %s: %s\n", format.Clock(m.CreatedAt, time.Local), m.Sender.DisplayName(), m.Content)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
