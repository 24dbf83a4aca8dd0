package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"text/tabwriter"

	"cloudrt/internal/coordinator"
	"cloudrt/internal/film"
	"cloudrt/internal/logger"
	"cloudrt/internal/manifest"
	"cloudrt/internal/storage"
	"cloudrt/internal/tracer"
	"cloudrt/internal/worker"

	"github.com/spf13/cobra"
)

func (a *app) workerCmd() *cobra.Command {
	var coordinatorAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one ray-tracing worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if coordinatorAddr == "" {
				coordinatorAddr = a.cfg.Coordinator.Address
			}
			w := worker.New(a.cfg.Worker, coordinatorAddr, store, tracer.NewPassthrough(), logger.Component("worker"))
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&coordinatorAddr, "coordinator", "", "coordinator address (default coordinator.address)")
	return cmd
}

func (a *app) coordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the job coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			_, err = coordinator.New(*a.cfg, store, logger.Component("coordinator")).Run(ctx)
			return err
		},
	}
}

// localCmd runs a coordinator and several workers in one process, which is the only way
// to use the mem:// store
func (a *app) localCmd() *cobra.Command {
	var workers int
	var synth bool
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Render with an in-process coordinator and workers, then write the image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if synth {
				opts := tracer.DefaultSynthOptions()
				opts.Width, opts.Height = a.cfg.Render.Width, a.cfg.Render.Height
				if _, err := tracer.WriteSynthScene(ctx, store, opts); err != nil {
					return err
				}
			}

			cfg := *a.cfg
			cfg.Coordinator.ExpectedWorkers = workers
			ln, err := net.Listen("tcp", cfg.Coordinator.Address)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Coordinator.Address, err)
			}

			coord := coordinator.New(cfg, store, logger.Component("coordinator"))
			errc := make(chan error, workers+1)
			go func() {
				_, err := coord.Serve(ctx, ln)
				errc <- err
			}()
			for i := 0; i < workers; i++ {
				w := worker.New(cfg.Worker, ln.Addr().String(), store, tracer.NewPassthrough(), logger.Component("worker"))
				go func() { errc <- w.Run(ctx) }()
			}

			var firstErr error
			for i := 0; i < workers+1; i++ {
				if err := <-errc; err != nil && firstErr == nil {
					firstErr = err
					cancel()
				}
			}
			if firstErr != nil {
				return firstErr
			}
			return a.writeImage(ctx, store, coord.JobContext(), cfg.Render.Output)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "n", 2, "number of in-process workers")
	cmd.Flags().BoolVar(&synth, "synth", false, "write a synthetic scene into the store first")
	return cmd
}

func (a *app) aggregateCmd() *cobra.Command {
	var output, job string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Merge persisted sample batches into an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if output == "" {
				output = a.cfg.Render.Output
			}
			if job == "" {
				if job, err = film.CurrentJob(ctx, store); err != nil {
					return err
				}
			}
			return a.writeImage(ctx, store, job, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "image path, .png or .tiff (default render.output)")
	cmd.Flags().StringVar(&job, "job", "", "job id to aggregate (default the most recently started job)")
	return cmd
}

func (a *app) writeImage(ctx context.Context, store storage.Backend, job, output string) error {
	r := a.cfg.Render
	f := film.New(r.Width, r.Height, r.SamplesPerPixel)
	n, err := film.Aggregate(ctx, store, job, f)
	if err != nil {
		return err
	}

	checkpoints, err := film.ReadCheckpoints(ctx, store, job)
	if err != nil {
		return err
	}
	lost := 0
	for _, states := range checkpoints {
		lost += len(states)
	}
	if lost > 0 {
		logger.Logger.Warn().Int("rays", lost).Int("checkpoints", len(checkpoints)).Msg("Job left in-flight rays behind")
	}

	if err := f.Write(output); err != nil {
		return err
	}
	logger.Logger.Info().Str("job", job).Int("samples", n).Str("output", output).Msg("Image written")
	return nil
}

func (a *app) objectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "objects",
		Short: "List the scene objects described by the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sm := manifest.NewSceneManager()
			sm.Init(store)
			all, err := sm.ListAll(ctx)
			if err != nil {
				return err
			}

			kinds := make([]manifest.ObjectKind, 0, len(all))
			for kind := range all {
				kinds = append(kinds, kind)
			}
			sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tID\tSIZE")
			for _, kind := range kinds {
				for _, obj := range all[kind] {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", manifest.Key(kind, obj.ID), kind, obj.ID, obj.Size)
				}
			}
			return tw.Flush()
		},
	}
}

func (a *app) synthSceneCmd() *cobra.Command {
	opts := tracer.DefaultSynthOptions()
	cmd := &cobra.Command{
		Use:   "synth-scene",
		Short: "Write a synthetic scene for the passthrough integrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			opts.Width, opts.Height = a.cfg.Render.Width, a.cfg.Render.Height
			m, err := tracer.WriteSynthScene(ctx, store, opts)
			if err != nil {
				return err
			}
			logger.Logger.Info().
				Int("treelets", opts.Treelets).
				Int("objects", len(m)).
				Str("uri", a.cfg.Storage.URI).
				Msg("Synthetic scene written")
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Treelets, "treelets", opts.Treelets, "number of treelets")
	cmd.Flags().IntVar(&opts.Materials, "materials", opts.Materials, "number of materials")
	cmd.Flags().IntVar(&opts.Textures, "textures", opts.Textures, "number of image textures")
	cmd.Flags().IntVar(&opts.BlobSize, "blob-size", opts.BlobSize, "bytes per treelet blob")
	cmd.Flags().Float64Var(&opts.Albedo, "albedo", opts.Albedo, "surface albedo")
	return cmd
}
