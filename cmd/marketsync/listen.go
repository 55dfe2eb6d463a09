package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/marketsync/internal/realtime"
	"github.com/agentworkforce/marketsync/internal/session"
)

var (
	errConnectionLost = errors.New("real-time connection stopped")
	errEnough         = errors.New("event count reached")
)

type listenOptions struct {
	rooms []string
	count int
	tags  []string
}

func newListenCmd(a *app) *cobra.Command {
	opts := listenOptions{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the real-time channel and print events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runListen(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&opts.rooms, "room", nil, "extra room to join, repeatable")
	flags.IntVar(&opts.count, "count", 0, "exit after this many domain events")
	flags.StringSliceVar(&opts.tags, "event", nil, "only print these event tags")
	return cmd
}

func (a *app) runListen(ctx context.Context, opts listenOptions) error {
	tags, err := selectTags(opts.tags)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	sess, err := session.Open(ctx, a.cfg.Session(nil, a.notifier(), a.logger))
	if err != nil {
		return err
	}
	defer func() { _ = sess.Logout() }()

	printer := &eventPrinter{w: a.out}
	received := make(chan struct{}, 1)
	var mu sync.Mutex
	seen := 0
	scope := sess.Scope()
	for _, tag := range tags {
		_, err := scope.Subscribe(tag, func(ev realtime.Event) {
			printer.print(ev)
			if ev.Tag.Lifecycle() {
				return
			}
			mu.Lock()
			seen++
			done := opts.count > 0 && seen >= opts.count
			mu.Unlock()
			if done {
				select {
				case received <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			return err
		}
	}
	for _, room := range opts.rooms {
		if err := sess.Channel().Join(ctx, room); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			return errConnectionLost
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-received:
			return errEnough
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errEnough) {
		return err
	}
	return nil
}

// selectTags validates the requested tags; none means every tag.
func selectTags(names []string) ([]realtime.Tag, error) {
	if len(names) == 0 {
		return realtime.Tags(), nil
	}
	tags := make([]realtime.Tag, 0, len(names))
	for _, name := range names {
		tag := realtime.Tag(name)
		if !tag.Valid() {
			return nil, fmt.Errorf("%w: %q", realtime.ErrUnknownTag, name)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

var (
	tagColor       = color.New(color.FgCyan, color.Bold)
	lifecycleColor = color.New(color.FgHiBlack)
	roomColor      = color.New(color.FgMagenta)
)

func (p *eventPrinter) print(ev realtime.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(`{}`)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, "%s ", time.Now().Format("15:04:05"))
	c := tagColor
	if ev.Tag.Lifecycle() {
		c = lifecycleColor
	}
	_, _ = c.Fprint(p.w, ev.Tag)
	if ev.Room != "" {
		_, _ = roomColor.Fprintf(p.w, " [%s]", ev.Room)
	}
	_, _ = fmt.Fprintf(p.w, " %s\n", payload)
}
