package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/marketsync/internal/transport"
	"github.com/agentworkforce/marketsync/internal/upload"
)

func newUploadCmd(a *app) *cobra.Command {
	var path string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file and print the stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpload(cmd.Context(), args[0], path, quiet)
		},
	}
	cmd.Flags().StringVar(&path, "path", "/v1/uploads", "upload endpoint")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "hide progress")
	return cmd
}

func (a *app) runUpload(ctx context.Context, name, path string, quiet bool) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sess := a.newSession()
	defer func() { _ = sess.Logout() }()
	manager := upload.New[transport.StoredFile](upload.WithNotifier(a.notifier()), upload.WithLogger(a.logger))
	if err := sess.Scope().Add(manager); err != nil {
		return err
	}

	last := -1
	stored, err := manager.Upload(ctx, upload.HTTPSender(sess.Client(), path), upload.File{
		Name:        filepath.Base(name),
		ContentType: contentType,
		Size:        info.Size(),
		Reader:      f,
	}, upload.Options[transport.StoredFile]{
		SuccessMessage: "Upload complete",
		NotifyErrors:   true,
		OnProgress: func(pct int) {
			if quiet || pct == last {
				return
			}
			last = pct
			_, _ = fmt.Fprintf(a.errOut, "\ruploading %s %3d%%", filepath.Base(name), pct)
		},
	})
	if !quiet && last >= 0 {
		_, _ = fmt.Fprintln(a.errOut)
	}
	if err != nil {
		return err
	}
	return printRecord(a.out, record{
		ID:   stored.ID,
		Kind: "uploads",
		Name: stored.Name,
		Attributes: map[string]string{
			"contentType": stored.ContentType,
			"size":        fmt.Sprintf("%d", stored.Size),
			"url":         stored.URL,
		},
	})
}
