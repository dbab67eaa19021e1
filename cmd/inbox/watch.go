package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-inbox/internal/inbox"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/model"
	"github.com/vovakirdan/wirechat-inbox/internal/inbox/timeline"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var threadID int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the inbox live, optionally chatting in one thread",
		Long: `Follow the inbox live.

With --thread the thread is opened: lines typed on stdin are sent to it.
Commands:
  /older         load older history
  /retry <id>    resend a failed message
  /discard <id>  drop a failed message
  /threads       print the thread list`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, e, threadID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&threadID, "thread", 0, "thread to open")
	return cmd
}

func watch(ctx context.Context, e *env, threadID int64, in io.Reader, out io.Writer) error {
	me, err := e.client.Me(ctx)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}

	session := inbox.New(e.cfg, e.client, e.tokens, inbox.Identity{UserID: me.ID, Name: me.Name}, inbox.WithLogger(e.log))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	if err := session.RefreshThreads(ctx); err != nil {
		fmt.Fprintf(out, "thread list unavailable: %v\n", err)
	}
	if threadID != 0 {
		if err := session.OpenThread(ctx, threadID); err != nil {
			return err
		}
		defer session.CloseThread(context.Background(), threadID)
		fmt.Fprintf(out, "Connected as %s in thread %d\n", me.Name, threadID)
		fmt.Fprintln(out, "Type messages and press Enter to send. Ctrl+C to exit.")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	r := &renderer{out: out, session: session, threadID: threadID, printed: make(map[string]bool)}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-session.Updates():
			r.render(ctx)
		case n := <-session.Notices():
			fmt.Fprintf(out, "! %s", n.Kind)
			if n.Err != nil {
				fmt.Fprintf(out, ": %v", n.Err)
			}
			fmt.Fprintln(out)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := r.command(ctx, strings.TrimSpace(line)); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

type renderer struct {
	out      io.Writer
	session  *inbox.Session
	threadID int64
	printed  map[string]bool
	unread   int
	typers   string
}

func (r *renderer) command(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/threads":
		printThreads(r.out, r.session.Threads().Threads)
		return nil
	case "/older":
		if r.threadID == 0 {
			return errors.New("no thread open")
		}
		return r.session.LoadOlder(ctx, r.threadID)
	case "/retry", "/discard":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <id>", fields[0])
		}
		if fields[0] == "/retry" {
			return r.session.Retry(ctx, fields[1])
		}
		return r.session.Discard(ctx, r.threadID, fields[1])
	}
	if r.threadID == 0 {
		return errors.New("open a thread with --thread to send")
	}
	r.session.Input(r.threadID, line)
	_, err := r.session.Send(ctx, r.threadID, line, nil)
	return err
}

func (r *renderer) render(ctx context.Context) {
	if total := r.session.Threads().UnreadTotal; total != r.unread {
		r.unread = total
		fmt.Fprintf(r.out, "* %d unread\n", total)
	}
	if r.threadID == 0 {
		return
	}

	snap := r.session.Timeline(r.threadID)
	if snap == nil {
		return
	}
	fresh := false
	for _, entry := range snap.Entries {
		if entry.Type != timeline.EntryMessage {
			continue
		}
		m := entry.Message
		key := m.Key() + ":" + string(m.Status)
		if r.printed[key] {
			continue
		}
		r.printed[key] = true
		r.printMessage(m)
		if !m.Pending() && m.SenderID != r.session.Self().UserID {
			fresh = true
		}
	}
	if fresh {
		if err := r.session.MarkLatestRead(ctx, r.threadID); err != nil {
			fmt.Fprintf(r.out, "! mark read: %v\n", err)
		}
	}

	typers := fmt.Sprint(r.session.Typers(r.threadID))
	if typers != r.typers {
		r.typers = typers
		if typers != "[]" {
			fmt.Fprintf(r.out, "… typing: %s\n", typers)
		}
	}
}

func (r *renderer) printMessage(m model.Message) {
	ts := m.CreatedAt.Local().Format(time.TimeOnly)
	switch {
	case m.Kind == model.KindSystem:
		fmt.Fprintf(r.out, "[%s] -- %s --\n", ts, m.Text)
	case m.Pending():
		fmt.Fprintf(r.out, "[%s] %s: %s (%s %s)\n", ts, m.SenderName, m.Text, m.Status, m.TempID)
	default:
		fmt.Fprintf(r.out, "[%s] %s: %s (%s)\n", ts, m.SenderName, m.Text, m.Status)
	}
}
