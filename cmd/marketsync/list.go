package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/marketsync/internal/config"
	"github.com/agentworkforce/marketsync/internal/paginate"
	"github.com/agentworkforce/marketsync/internal/session"
	"github.com/agentworkforce/marketsync/internal/transport"
)

type listOptions struct {
	status   string
	query    string
	pageSize int
	all      bool
	watch    bool
	interval time.Duration
	jitter   float64
}

func newListCmd(a *app) *cobra.Command {
	opts := listOptions{}
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List a resource collection page by page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd.Context(), args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.status, "status", "", "filter by status")
	flags.StringVarP(&opts.query, "query", "q", "", "filter by name")
	flags.IntVar(&opts.pageSize, "page-size", 0, "items per page (default from config)")
	flags.BoolVar(&opts.all, "all", false, "follow every page")
	flags.BoolVar(&opts.watch, "watch", false, "refresh until interrupted")
	flags.DurationVar(&opts.interval, "interval", 10*time.Second, "refresh interval with --watch")
	flags.Float64Var(&opts.jitter, "interval-jitter", 0.2, "refresh interval jitter ratio (0.0-1.0)")
	return cmd
}

func (a *app) runList(ctx context.Context, kind string, opts listOptions) error {
	sess := a.newSession()
	defer func() { _ = sess.Logout() }()
	scope := sess.Scope()
	svc := transport.NewResource[record](sess.Client(), kind)

	pageSize := opts.pageSize
	if pageSize <= 0 {
		pageSize = a.cfg.PageSize
	}
	engine, err := a.newListEngine(scope, svc, pageSize)
	if err != nil {
		return err
	}

	query := url.Values{}
	if opts.status != "" {
		query.Set("status", opts.status)
	}
	if opts.query != "" {
		query.Set("q", opts.query)
	}
	if err := a.loadPages(ctx, engine, query, opts.all); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}

	ctx, stop := signalContext(ctx)
	defer stop()
	// A page_size edit in the config file applies from the next refresh
	// unless --page-size pinned it.
	resized := make(chan int, 1)
	if opts.pageSize <= 0 {
		a.loader.Watch(func(cfg config.Config, err error) {
			if err != nil {
				return
			}
			select {
			case resized <- cfg.PageSize:
			default:
			}
		})
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	jitter := clampJitterRatio(opts.jitter)
	timer := time.NewTimer(jitteredIntervalWithSample(opts.interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case size := <-resized:
			if size == pageSize {
				continue
			}
			next, err := a.newListEngine(scope, svc, size)
			if err != nil {
				return err
			}
			_ = engine.Close()
			engine, pageSize = next, size
			a.logger.Info("page size changed", "page_size", size)
		case <-timer.C:
			if err := a.loadPages(ctx, engine, query, opts.all); err != nil && ctx.Err() == nil {
				a.logger.Warn("refresh failed", "error", err)
			}
			timer.Reset(jitteredIntervalWithSample(opts.interval, jitter, rng.Float64()))
		}
	}
}

func (a *app) newListEngine(scope *session.Scope, svc *transport.Resource[record], pageSize int) (*paginate.Engine[record], error) {
	engine := paginate.New[record](svc.List,
		paginate.WithPageSize[record](pageSize),
		paginate.WithKey(func(r record) string { return r.ID }),
		paginate.WithNotifier[record](a.notifier()),
		paginate.WithLogger[record](a.logger),
	)
	if err := scope.Add(engine); err != nil {
		return nil, err
	}
	return engine, nil
}

func (a *app) loadPages(ctx context.Context, engine *paginate.Engine[record], query url.Values, all bool) error {
	if err := engine.Load(ctx, query); err != nil {
		return err
	}
	for all && engine.State().HasMore {
		if err := engine.LoadMore(ctx); err != nil {
			return err
		}
	}
	state := engine.State()
	if err := printRecords(a.out, state.Items); err != nil {
		return err
	}
	more := ""
	if state.HasMore {
		more = ", more available"
	}
	_, err := fmt.Fprintf(a.out, "%d of %d shown%s\n", len(state.Items), state.Total, more)
	return err
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to ±jitterRatio; sample is a
// uniform value in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return time.Second
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
