package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rasfw/rasfw/internal/catalog"
	"github.com/rasfw/rasfw/internal/firmware"
	"github.com/rasfw/rasfw/internal/image"
	"github.com/rasfw/rasfw/internal/ratelimit"
	"github.com/rasfw/rasfw/internal/rest"
	"github.com/rasfw/rasfw/internal/trailer"
)

func newTestCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "test <image>",
		Short: "Validate a firmware image and print its trailer",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeFn := a.newManager()
			defer closeFn()

			report, err := mgr.Test(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}

			fmt.Fprintln(out, "All checks OK!")
			fmt.Fprintf(out, "kernel: %d bytes, rootfs: %d bytes\n", report.KernelLen, report.FSLen)
			return writeFields(out, report.RawTrailer())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newExtractCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <image> <kernel_out> <rootfs_out>",
		Short: "Validate a firmware image and write its kernel and rootfs",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeFn := a.newManager()
			defer closeFn()

			report, err := mgr.Extract(args[0], args[1], args[2])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote kernel (%d bytes) to %s\n", report.KernelLen, args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote rootfs (%d bytes) to %s\n", report.FSLen, args[2])
			return nil
		},
	}
}

func newCreateCmd(a *app) *cobra.Command {
	var (
		kernelPath string
		rootfsPath string
		fsType     string
	)

	cmd := &cobra.Command{
		Use:   "create <image_out> --kernel <path> --rootfs <path>",
		Short: "Build a firmware image from a kernel and a rootfs",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kernelPath == "" || rootfsPath == "" {
				return usageErrorf("create requires both --kernel and --rootfs")
			}

			opts := image.DefaultBuildOptions()
			ft, err := trailer.ParseFSType(fsType)
			if err != nil {
				return usageErrorf("%v", err)
			}
			opts.FSType = ft

			mgr, closeFn := a.newManager()
			defer closeFn()

			report, err := mgr.Create(args[0], kernelPath, rootfsPath, opts)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes, rootfs %d bytes, %s)\n",
				args[0], report.Size, report.FSLen, report.Trailer.FSType)
			return nil
		},
	}

	cmd.Flags().StringVar(&kernelPath, "kernel", "", "kernel image to embed")
	cmd.Flags().StringVar(&rootfsPath, "rootfs", "", "root filesystem to embed")
	cmd.Flags().StringVar(&fsType, "fs-type", trailer.FSTypeUBIFS.String(), "rootfs type (ubifs, squashfs, initramfs, squashfs-nopad)")
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "Print the trailer of a firmware image without checking it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := a.fileStore()
			t, err := firmware.NewManager(files, files, nil).Inspect(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, t.Summarize())
			}
			return writeFields(out, t)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the trailer as JSON")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the firmware HTTP API",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Server.HTTPAddr
			}

			files := a.fileStore()
			cat, err := a.openCatalog()
			if err != nil {
				return err
			}

			opts := rest.Options{
				MaxImageSize: a.cfg.Server.MaxImageSize,
				Limiter:      ratelimit.NewLimiter(a.cfg.Server.RateLimit.Capacity, a.cfg.Server.RateLimit.RefillRate),
			}
			mgr := firmware.NewManager(files, files, nil)
			if cat != nil {
				defer cat.Close()
				mgr = firmware.NewManager(files, files, cat)
				opts.Catalog = cat
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go sweepLimiter(ctx, opts.Limiter)

			srv := &http.Server{
				Addr:              addr,
				Handler:           rest.NewServer(mgr, opts).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Bool("catalog", cat != nil).Msg("HTTP server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("http server failed: %w", err)
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to shut down http server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.http_addr)")
	return cmd
}

func newCatalogCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Browse the record of validated images",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unknown catalog command %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return usageErrorf("catalog requires a subcommand")
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded images",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := a.requireCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			var records []*catalog.Record
			if err := cat.Scan(func(rec *catalog.Record) error {
				records = append(records, rec)
				return nil
			}); err != nil {
				return fmt.Errorf("failed to scan catalog: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, records)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CID\tSIZE\tFS_TYPE\tFS_LEN\tVALIDATIONS\tLAST VALIDATED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\n",
					rec.CID, rec.Size, rec.FSType, rec.FSLen, rec.Validations,
					time.UnixMilli(rec.ValidatedAt).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <cid>",
		Short: "Show one recorded image",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := a.requireCatalog()
			if err != nil {
				return err
			}
			defer cat.Close()

			rec, err := cat.Get(args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("image %s is not in the catalog", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	}

	list.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.AddCommand(list, show)
	return cmd
}

// requireCatalog opens the catalog, failing if it is disabled
func (a *app) requireCatalog() (*catalog.Catalog, error) {
	cat, err := a.openCatalog()
	if err != nil {
		return nil, err
	}
	if cat == nil {
		return nil, errors.New("catalog is disabled; set catalog.enabled in the config file")
	}
	return cat, nil
}

// sweepLimiter drops idle rate limit buckets until ctx is done
func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Int("clients", l.Clients()).Msg("swept idle rate limit buckets")
			}
		}
	}
}

// writeFields prints every trailer field as an aligned table
func writeFields(out io.Writer, t *trailer.Trailer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, f := range t.Fields() {
		fmt.Fprintf(w, "%s:\t%s\n", f.Name, f.Value)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
