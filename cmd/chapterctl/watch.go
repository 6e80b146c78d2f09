package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	chsync "chapterhub/internal/sync"
)

func newWatchCommand(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lease and commit events from the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			errOut := cmd.ErrOrStderr()
			err := retry.Do(
				func() error { return watchOnce(ctx, addr, cmd.OutOrStdout(), g.jsonOut) },
				retry.Context(ctx),
				retry.Attempts(0),
				retry.Delay(time.Second),
				retry.DelayType(retry.FixedDelay),
				retry.OnRetry(func(n uint, err error) {
					fmt.Fprintf(errOut, "disconnected: %v (reconnecting)\n", err)
				}),
				retry.LastErrorOnly(true),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7070", "TCP sync server address")
	return cmd
}

func watchOnce(ctx context.Context, addr string, w io.Writer, raw bool) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := streamEvents(conn, w, raw); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return io.ErrUnexpectedEOF
}

// streamEvents copies newline-delimited events from r to w until r ends.
func streamEvents(r io.Reader, w io.Writer, raw bool) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if raw {
			fmt.Fprintln(w, string(line))
			continue
		}
		var ev chsync.EditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			fmt.Fprintln(w, string(line))
			continue
		}
		fmt.Fprintln(w, formatEvent(ev))
	}
	return sc.Err()
}

func formatEvent(ev chsync.EditEvent) string {
	if ev.Type == "welcome" {
		return "connected"
	}

	var b strings.Builder
	if !ev.At.IsZero() {
		b.WriteString(ev.At.Local().Format(time.TimeOnly))
		b.WriteByte(' ')
	}
	b.WriteString(ev.Type)

	if ev.Type == chsync.EventImported {
		fmt.Fprintf(&b, " %s: %d chapters", ev.MangaID, ev.Count)
		if ev.Caller != "" {
			b.WriteString(" by " + ev.Caller)
		}
		return b.String()
	}

	if ev.RecordID != "" {
		b.WriteString(" " + ev.RecordID)
	}
	if ev.Caller != "" {
		b.WriteString(" by " + ev.Caller)
	}
	if ev.Version > 0 {
		fmt.Fprintf(&b, " v%d", ev.Version)
	}
	if len(ev.Fields) > 0 {
		b.WriteString(" [" + strings.Join(ev.Fields, ", ") + "]")
	}
	if !ev.ExpiresAt.IsZero() {
		b.WriteString(" until " + ev.ExpiresAt.Local().Format(time.TimeOnly))
	}
	return b.String()
}
