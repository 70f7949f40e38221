package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mediaup/internal/failure"
	"mediaup/internal/orchestrator"
	"mediaup/internal/quota"
	"mediaup/internal/server"
	"mediaup/internal/watch"
)

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "mediaup",
		Short: "Crash-safe media uploader with quota cooldown and resumable collection sorting",
		Long: `mediaup uploads media files exactly once, moves them into a processed
folder only after a verified copy exists, and keeps its progress in a state
directory so an interrupted run picks up where it stopped.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", os.Getenv("MEDIAUP_CONFIG"), "config file (YAML)")
	pf.StringVar(&g.stateDir, "state-dir", "", "state directory (overrides state.dir)")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")

	root.AddCommand(
		newUploadCmd(g),
		newBatchCmd(g),
		newRetryCmd(g),
		newWatchCmd(g),
		newRecoverCmd(g),
		newSortCmd(g),
		newEstimateCmd(g),
		newQuotaCmd(g),
		newStatusCmd(g),
		newHistoryCmd(g),
		newBackupCmd(g),
		newCollectionCmd(g),
	)
	return root
}

// withApp loads the shared state for a command and closes it afterwards.
func withApp(g *globalFlags, run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd, g)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}

// uploader connects to the remote service and returns a recovered
// orchestrator.
func uploader(ctx context.Context, a *app, collectionID string) (*orchestrator.Orchestrator, error) {
	svc, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	return a.orchestrator(ctx, svc, collectionID)
}

// --- upload ---

func newUploadCmd(g *globalFlags) *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload individual files",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(g, func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			o, err := uploader(ctx, a, collection)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())

			failed := 0
			for _, path := range args {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				out, err := o.UploadFile(ctx, path)
				switch {
				case err == nil && out.Status == orchestrator.StatusAlreadyUploaded:
					p.warning("%s", out.Message)
				case err == nil:
					p.success("%s", out.Message)
					if out.MovedTo != "" {
						p.status("moved to", "%s", out.MovedTo)
					}
				case failure.IsQuota(err):
					p.failure("%v", err)
					return err
				case failure.KindOf(err) == failure.KindPartial:
					p.warning("%s", out.Message)
					failed++
				default:
					p.failure("%v", err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d upload(s) did not complete", failed, len(args))
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&collection, "collection", "", "collection to add uploads to (overrides upload.collection_id)")
	return cmd
}

// --- batch / retry ---

func printBatch(p printer, res orchestrator.BatchResult) {
	for _, fe := range res.Errors {
		p.failure("%s: %v", fe.Path, fe.Err)
	}
	switch {
	case res.QuotaExceeded:
		p.warning("%s", res)
	case res.Failed > 0 || res.Stopped:
		p.warning("%s", res)
	default:
		p.success("%s", res)
	}
}

func batchError(res orchestrator.BatchResult, err error) error {
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d file(s) failed", res.Failed)
	}
	return nil
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:   "batch <folder>",
		Short: "Upload every media file in a folder once",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(g, func(cmd *cobra.Command, a *app, args []string) error {
			o, err := uploader(cmd.Context(), a, collection)
			if err != nil {
				return err
			}
			res, err := o.UploadFolder(cmd.Context(), args[0])
			printBatch(newPrinter(cmd.OutOrStdout()), res)
			return batchError(res, err)
		}),
	}
	cmd.Flags().StringVar(&collection, "collection", "", "collection to add uploads to (overrides upload.collection_id)")
	return cmd
}

func newRetryCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Upload failed files whose retry is due",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(cmd *cobra.Command, a *app, _ []string) error {
			o, err := uploader(cmd.Context(), a, "")
			if err != nil {
				return err
			}
			res, err := o.RetryFailed(cmd.Context())
			printBatch(newPrinter(cmd.OutOrStdout()), res)
			return batchError(res, err)
		}),
	}
}

// --- watch ---

func newWatchCmd(g *globalFlags) *cobra.Command {
	var listen, collection string
	cmd := &cobra.Command{
		Use:   "watch [folder]",
		Short: "Keep uploading new files from a folder until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(g, func(cmd *cobra.Command, a *app, args []string) error {
			folder := a.cfg.Watch.Folder
			if len(args) == 1 {
				folder = args[0]
			}
			if folder == "" {
				return errors.New("no folder given and watch.folder is not configured")
			}
			if listen == "" {
				listen = a.cfg.Server.Listen
			}

			o, err := uploader(cmd.Context(), a, collection)
			if err != nil {
				return err
			}
			w := watch.New(watch.Config{
				Folder:       folder,
				Extensions:   a.cfg.Upload.Extensions,
				PollInterval: a.cfg.Watch.PollInterval,
				Settle:       a.cfg.Watch.Settle,
			}, o, a.quota, a.logger.Named("watch"))

			eg, ctx := errgroup.WithContext(cmd.Context())
			eg.Go(func() error { return w.Run(ctx) })
			if listen != "" {
				h := server.NewHandler(server.Deps{
					Stats:    a.store,
					Cooldown: a.quota,
					Events:   a.events,
					Gatherer: a.registry,
				})
				eg.Go(func() error { return server.Run(ctx, listen, h, a.logger.Named("server")) })
			}
			return eg.Wait()
		}),
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve /healthz, /status and /metrics on this address")
	cmd.Flags().StringVar(&collection, "collection", "", "collection to add uploads to (overrides upload.collection_id)")
	return cmd
}

// --- recover ---

func newRecoverCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset uploads interrupted by a crash back to pending",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(cmd *cobra.Command, a *app, _ []string) error {
			o, err := a.newOrchestrator(nil, "")
			if err != nil {
				return err
			}
			n, err := o.Recover(cmd.Context())
			if err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).success("reset %d interrupted upload(s)", n)
			return nil
		}),
	}
}

// --- sort / estimate ---

func newSortCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sort <collection-id>",
		Short: "Sort a collection by title, resuming an interrupted sort",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(g, func(cmd *cobra.Command, a *app, args []string) error {
			o, err := uploader(cmd.Context(), a, "")
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			res, err := o.SortCollection(cmd.Context(), args[0], orchestrator.ByTitle)
			if res.Resumed {
				p.status("resumed", "%d of %d already committed", res.AlreadyCommitted, res.Total)
			} else if res.EstimatedCost > 0 {
				p.status("estimated cost", "%s quota units", humanize.Comma(int64(res.EstimatedCost)))
			}
			switch {
			case err != nil && res.Message != "":
				p.failure("%s", res.Message)
			case err != nil:
				p.failure("%v", err)
			case res.Partial():
				p.warning("%s", res.Message)
			default:
				p.success("%s", res.Message)
			}
			return err
		}),
	}
}

var estimateOps = map[string]quota.Operation{
	"sort":              quota.OpReorder,
	"upload":            quota.OpUpload,
	"upload-collection": quota.OpUploadToCollection,
	"insert":            quota.OpInsert,
}

func newEstimateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "estimate <sort|upload|upload-collection|insert> <count>",
		Short:     "Estimate the quota cost of an operation without calling the remote service",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"sort", "upload", "upload-collection", "insert"},
		RunE: withApp(g, func(cmd *cobra.Command, a *app, args []string) error {
			op, ok := estimateOps[args[0]]
			if !ok {
				return fmt.Errorf("unknown operation %q", args[0])
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			cost, err := a.quota.EstimateCost(op, n)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout())
			p.status("estimated cost", "%s quota units", humanize.Comma(int64(cost)))
			if limit := a.quota.DailyLimit(); limit > 0 {
				p.status("daily limit", "%s", humanize.Comma(int64(limit)))
				if a.quota.ExceedsDailyLimit(cost) {
					days := (cost + limit - 1) / limit
					p.warning("exceeds the daily limit; expect about %d day(s) with resumes", days)
				}
			}
			return nil
		}),
	}
}

// --- quota ---

func newQuotaCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect or clear the quota cooldown",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether a cooldown is active",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(cmd *cobra.Command, a *app, _ []string) error {
			printCooldown(newPrinter(cmd.OutOrStdout()), a)
			return nil
		}),
	}, &cobra.Command{
		Use:   "clear",
		Short: "End the cooldown now (after raising the quota, for example)",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(cmd *cobra.Command, a *app, _ []string) error {
			if err := a.quota.Clear(); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).success("quota cooldown cleared")
			return nil
		}),
	})
	return cmd
}

func printCooldown(p printer, a *app) {
	end, ok, err := a.quota.CooldownEnd()
	switch {
	case err != nil:
		p.failure("cannot read quota marker: %v", err)
	case ok && time.Now().Before(end):
		p.warning("quota cooldown active until %s (%s)", end.Format(time.RFC1123), humanize.Time(end))
	case ok:
		p.status("quota", "last hit %s, cooldown over", humanize.Time(end.Add(-a.cfg.Quota.Cooldown-a.cfg.Quota.Buffer)))
	default:
		p.status("quota", "no cooldown")
	}
}

// --- status ---

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise the state directory",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(cmd *cobra.Command, a *app, _ []string) error {
			s, err := a.store.Stats()
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			p.status("state dir", "%s", a.store.Dir())
			p.status("uploaded", "%d", s.TotalUploads)
			p.status("files", "%d pending, %d uploading, %d completed, %d failed", s.Pending, s.Uploading, s.Completed, s.Failed)
			printCooldown(p, a)

			o, err := a.newOrchestrator(nil, "")
			if err != nil {
				return err
			}
			ready, err := o.ReadyForRetry()
			if err != nil {
				return err
			}
			if len(ready) > 0 {
				p.status("retry due", "%d file(s), run `mediaup retry`", len(ready))
			}
			return nil
		}),
	}
}

// --- history ---

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int
	var path string
	var uploads bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent state transitions or uploaded files",
		Args:  cobra.NoArgs,
		RunE: withApp(g, func(cmd *cobra.Command, a *app, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if uploads {
				return printUploads(tw, a, limit)
			}
			if a.journal == nil {
				return errors.New("transition journal is unavailable")
			}
			entries, err := a.journal.Recent(cmd.Context(), limit)
			if path != "" {
				entries, err = a.journal.ForPath(cmd.Context(), path)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "AT\tPATH\tTRANSITION\tATTEMPT\tREMOTE ID\tERROR")
			for _, e := range entries {
				from := e.From
				if from == "" {
					from = "new"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s -> %s\t%d\t%s\t%s\n",
					e.At.Local().Format(time.DateTime), e.Path, from, e.To, e.Attempt, e.RemoteID, e.Error)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().StringVar(&path, "path", "", "only transitions of this file, oldest first")
	cmd.Flags().BoolVar(&uploads, "uploads", false, "list uploaded files instead of transitions")
	return cmd
}

func printUploads(tw *tabwriter.Writer, a *app, limit int) error {
	hist, err := a.store.History()
	if err != nil {
		return err
	}
	type row struct {
		digest, file, remoteID string
		at                     time.Time
	}
	rows := make([]row, 0, len(hist))
	for d, h := range hist {
		rows = append(rows, row{digest: d, file: h.Filename, remoteID: h.RemoteID, at: h.UploadedAt})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].at.After(rows[j].at) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	fmt.Fprintln(tw, "UPLOADED\tFILE\tREMOTE ID\tDIGEST")
	for _, r := range rows {
		at := "unknown"
		if !r.at.IsZero() {
			at = r.at.Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", at, r.file, r.remoteID, r.digest)
	}
	return nil
}

// --- backup ---

func newBackupCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dir>",
		Short: "Copy the state files into a directory with a timestamp suffix",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(g, func(cmd *cobra.Command, a *app, args []string) error {
			files, err := a.store.ExportBackup(args[0])
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			for _, f := range files {
				p.status("wrote", "%s", f)
			}
			p.success("backed up %d state file(s)", len(files))
			return nil
		}),
	}
}

// --- collection ---

type collectionCreator interface {
	CreateCollection(ctx context.Context, collectionID, title string) error
}

func newCollectionCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage remote collections",
	}
	var title string
	create := &cobra.Command{
		Use:   "create <collection-id>",
		Short: "Create an empty collection",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(g, func(cmd *cobra.Command, a *app, args []string) error {
			svc, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			c, ok := svc.(collectionCreator)
			if !ok {
				return errors.New("the remote service cannot create collections")
			}
			if title == "" {
				title = args[0]
			}
			if err := c.CreateCollection(cmd.Context(), args[0], title); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).success("collection %s ready", args[0])
			return nil
		}),
	}
	create.Flags().StringVar(&title, "title", "", "display title (defaults to the id)")
	cmd.AddCommand(create)
	return cmd
}
