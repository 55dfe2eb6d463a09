package main

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/marketsync/internal/config"
	"github.com/agentworkforce/marketsync/internal/logging"
	"github.com/agentworkforce/marketsync/internal/notify"
	"github.com/agentworkforce/marketsync/internal/session"
)

// Set by the release build.
var version = "dev"

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"base-url":  "base_url",
	"token":     "token",
	"user":      "user_id",
	"log-level": "log_level",
}

type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	loader     *config.Loader
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "marketsync",
		Short:         "Browse, edit and follow marketplace resources from the terminal.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default marketsync.yaml in . or $HOME)")
	flags.String("base-url", "", "API base URL")
	flags.String("token", "", "bearer token")
	flags.String("user", "", "user id the token was issued for")
	flags.String("log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newListCmd(a),
		newGetCmd(a),
		newUpdateCmd(a),
		newUploadCmd(a),
		newListenCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.loader = config.NewLoader(a.configPath, nil)
	v := a.loader.Viper()
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(a.errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// newSession builds an unconnected session; HTTP commands only need its
// client.
func (a *app) newSession() *session.Session {
	return session.New(a.cfg.Session(nil, a.notifier(), a.logger))
}

func (a *app) notifier() notify.Notifier {
	return consoleNotifier(a.errOut)
}

var (
	successColor = color.New(color.FgGreen)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// consoleNotifier prints notices as colored lines, field errors indented
// below.
func consoleNotifier(w io.Writer) notify.Notifier {
	return notify.Func(func(n notify.Notice) {
		c := errorColor
		switch n.Level {
		case notify.LevelSuccess:
			c = successColor
		case notify.LevelWarning:
			c = warningColor
		}
		_, _ = c.Fprintf(w, "[%s] %s\n", n.Level, n.Message)
		fields := make([]string, 0, len(n.Fields))
		for field := range n.Fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", field, n.Fields[field])
		}
	})
}
