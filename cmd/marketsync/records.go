package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/marketsync/internal/optimistic"
	"github.com/agentworkforce/marketsync/internal/request"
	"github.com/agentworkforce/marketsync/internal/resource"
	"github.com/agentworkforce/marketsync/internal/transport"
)

func newGetCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Show one resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := a.newSession()
			defer func() { _ = sess.Logout() }()

			cache := resource.New[record](transport.NewResource[record](sess.Client(), args[0]),
				resource.WithNotifier[record](a.notifier()),
				resource.WithLogger[record](a.logger),
			)
			if err := sess.Scope().Add(cache); err != nil {
				return err
			}
			rec, err := cache.Get(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.out, rec)
			}
			return printRecord(a.out, rec)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

type updateOptions struct {
	name   string
	status string
	attrs  []string
	force  bool
}

func newUpdateCmd(a *app) *cobra.Command {
	opts := updateOptions{}
	cmd := &cobra.Command{
		Use:   "update <kind> <id>",
		Short: "Change a resource, guarded by its current revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpdate(cmd.Context(), args[0], args[1], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.name, "name", "", "new name")
	flags.StringVar(&opts.status, "status", "", "new status")
	flags.StringArrayVar(&opts.attrs, "attr", nil, "attribute as key=value, repeatable")
	flags.BoolVar(&opts.force, "force", false, "skip the revision check")
	return cmd
}

func (a *app) runUpdate(ctx context.Context, kind, id string, opts updateOptions) error {
	attrs, err := parseAttrs(opts.attrs)
	if err != nil {
		return err
	}
	sess := a.newSession()
	defer func() { _ = sess.Logout() }()
	scope := sess.Scope()

	svc := transport.NewResource[record](sess.Client(), kind)
	cache := resource.New[record](svc, resource.WithLogger[record](a.logger))
	if err := scope.Add(cache); err != nil {
		return err
	}
	current, err := cache.Get(ctx, id)
	if err != nil {
		return err
	}

	candidate := cloneRecord(current)
	if opts.name != "" {
		candidate.Name = opts.name
	}
	if opts.status != "" {
		candidate.Status = opts.status
	}
	for k, v := range attrs {
		if candidate.Attributes == nil {
			candidate.Attributes = map[string]string{}
		}
		candidate.Attributes[k] = v
	}

	engine := optimistic.New(current,
		optimistic.WithClone(cloneRecord),
		optimistic.WithNotifier[record](a.notifier()),
		optimistic.WithLogger[record](a.logger),
		optimistic.WithObserver(func(value record, res optimistic.Resolution) {
			a.logger.Debug("update state", "resolution", res.String(), "status", value.Status)
		}),
	)
	if err := scope.Add(engine); err != nil {
		return err
	}
	revision := current.Revision
	if opts.force {
		revision = ""
	}
	var op request.Call[record] = func(ctx context.Context) (record, error) {
		return svc.UpdateIfMatch(ctx, id, revision, candidate)
	}
	updated, err := engine.Update(ctx, candidate, op)
	if err != nil {
		return fmt.Errorf("update %s/%s (%s): %w", kind, id, engine.Resolution(), err)
	}
	return printRecord(a.out, updated)
}
