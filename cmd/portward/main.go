// Command portward manages NAT port mappings on the local UPnP gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/jpillora/backoff"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/yaml"

	"github.com/portward/igd"
)

var (
	flagTimeout  time.Duration
	flagLocation string
	flagRetries  int
	flagVerbose  bool
	flagLogFile  string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portward",
		Short:         "Manage NAT port mappings on the local UPnP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.DurationVar(&flagTimeout, "timeout", igd.DefaultTimeout, "how long to wait for the gateway's SSDP reply")
	pf.StringVar(&flagLocation, "location", os.Getenv("PORTWARD_LOCATION"), "device description URL, skips discovery")
	pf.IntVar(&flagRetries, "retries", 0, "retry discovery this many times with backoff")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log events to stderr")
	pf.StringVar(&flagLogFile, "log-file", os.Getenv("PORTWARD_LOG_FILE"), "append JSON log records to this file")
	root.AddCommand(mapCmd(), unmapCmd(), listCmd(), externalIPCmd(), statusCmd())
	return root
}

// mappingSpec mirrors igd.Mapping for flags and the YAML mappings file.
type mappingSpec struct {
	ExternalPort uint16 `json:"externalPort,omitempty"`
	InternalIP   string `json:"internalIP,omitempty"`
	InternalPort uint16 `json:"internalPort,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
	Description  string `json:"description,omitempty"`
	Duration     uint32 `json:"duration,omitempty"`
}

func (s mappingSpec) mapping() *igd.Mapping {
	return &igd.Mapping{
		ExternalPort: s.ExternalPort,
		InternalIP:   s.InternalIP,
		InternalPort: s.InternalPort,
		Protocol:     igd.Protocol(s.Protocol),
		Description:  s.Description,
		Duration:     s.Duration,
	}
}

func loadSpecs(path string) ([]mappingSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var specs []mappingSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return specs, nil
}

func mappingFlags(cmd *cobra.Command, spec *mappingSpec) {
	fl := cmd.Flags()
	fl.Uint16Var(&spec.ExternalPort, "external-port", 0, "external port (0 = ask the gateway for a free one)")
	fl.StringVar(&spec.InternalIP, "internal-ip", "", "LAN address to forward to (default: this host)")
	fl.Uint16Var(&spec.InternalPort, "internal-port", 0, "internal port (0 = automatic)")
	fl.StringVar(&spec.Protocol, "proto", "", "tcp or udp (default tcp)")
	fl.StringVar(&spec.Description, "desc", "", "description shown in the gateway's table")
	fl.Uint32Var(&spec.Duration, "duration", 0, "lease seconds (0 = one week)")
}

func mapCmd() *cobra.Command {
	var (
		spec mappingSpec
		file string
		hold bool
	)
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Create port mappings, resolving unset fields automatically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			specs := []mappingSpec{spec}
			if file != "" {
				var err error
				if specs, err = loadSpecs(file); err != nil {
					return err
				}
			}
			c, log, done, err := connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			var mapped []*igd.Mapping
			unmap := func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for _, m := range mapped {
					if err := m.Disable(ctx, c); err != nil {
						log.Error(err, "unmap on exit failed")
					}
				}
			}
			for _, s := range specs {
				m := s.mapping()
				r, err := m.Enable(ctx, c)
				if err != nil {
					unmap()
					return err
				}
				fmt.Println(r)
				mapped = append(mapped, m)
			}
			if !hold {
				return nil
			}
			fmt.Fprintln(os.Stderr, "holding mappings, interrupt to unmap")
			<-ctx.Done()
			unmap()
			return nil
		},
	}
	mappingFlags(cmd, &spec)
	cmd.Flags().StringVar(&file, "file", "", "YAML file with a list of mappings")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep running and unmap on interrupt")
	return cmd
}

func unmapCmd() *cobra.Command {
	var (
		spec     mappingSpec
		all      bool
		matching bool
	)
	cmd := &cobra.Command{
		Use:   "unmap",
		Short: "Remove port mappings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, _, done, err := connect(ctx)
			if err != nil {
				return err
			}
			defer done()
			switch {
			case all:
				return c.DisableAll(ctx)
			case matching:
				return spec.mapping().DisableMatching(ctx, c)
			}
			return spec.mapping().Disable(ctx, c)
		},
	}
	mappingFlags(cmd, &spec)
	cmd.Flags().BoolVar(&all, "all", false, "remove every mapping in the table")
	cmd.Flags().BoolVar(&matching, "matching", false, "remove every mapping sharing any set field")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the gateway's mapping table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, _, done, err := connect(ctx)
			if err != nil {
				return err
			}
			defer done()
			all, err := c.Mappings(ctx)
			if err != nil {
				return err
			}
			printTable(all)
			return nil
		},
	}
}

func externalIPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "external-ip",
		Short: "Print the gateway's public address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, _, done, err := connect(ctx)
			if err != nil {
				return err
			}
			defer done()
			ip, err := c.ExternalIP(ctx)
			if err != nil {
				return err
			}
			fmt.Println(ip)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the gateway, its public address and the mapping table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, log, done, err := connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			// the client is single-flow, so the table walk gets its own
			// connection to the same gateway
			g, gctx := errgroup.WithContext(ctx)
			var (
				extIP string
				all   []*igd.Mapping
			)
			g.Go(func() error {
				var err error
				extIP, err = c.ExternalIP(gctx)
				return err
			})
			g.Go(func() error {
				c2, err := igd.Connect(gctx, c.Location(), options(log)...)
				if err != nil {
					return err
				}
				all, err = c2.Mappings(gctx)
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}

			fmt.Printf("gateway:     %s\n", c.Gateway())
			fmt.Printf("external ip: %s\n", extIP)
			fmt.Printf("mappings:    %d\n", len(all))
			if len(all) > 0 {
				fmt.Println()
				printTable(all)
			}
			return nil
		},
	}
}

func printTable(all []*igd.Mapping) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTERNAL\tPROTO\tINTERNAL\tDESCRIPTION\tLEASE")
	for _, m := range all {
		fmt.Fprintf(w, ":%d\t%s\t%s:%d\t%s\t%ds\n",
			m.ExternalPort, m.Protocol, m.InternalIP, m.InternalPort, m.Description, m.Duration)
	}
	w.Flush()
}

func options(log logr.Logger) []igd.Option {
	return []igd.Option{igd.WithTimeout(flagTimeout), igd.WithLogger(log)}
}

// connect builds the logger and attaches to the gateway, retrying discovery
// with backoff when asked to. The returned func closes the log file.
func connect(ctx context.Context) (*igd.Client, logr.Logger, func(), error) {
	log, done, err := newLogger()
	if err != nil {
		return nil, logr.Logger{}, nil, err
	}
	fail := func(err error) (*igd.Client, logr.Logger, func(), error) {
		done()
		return nil, logr.Logger{}, nil, err
	}
	if flagLocation != "" {
		c, err := igd.Connect(ctx, flagLocation, options(log)...)
		if err != nil {
			return fail(err)
		}
		return c, log, done, nil
	}
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second}
	for {
		c, err := igd.Discover(ctx, options(log)...)
		if err == nil {
			return c, log, done, nil
		}
		if !errors.Is(err, igd.ErrDiscoveryTimeout) || int(b.Attempt()) >= flagRetries {
			return fail(err)
		}
		wait := b.Duration()
		log.Info("discovery timed out, retrying", "attempt", int(b.Attempt()), "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}
}

// newLogger assembles the slog handlers the flags ask for and bridges them
// into a logr.Logger for the library.
func newLogger() (logr.Logger, func(), error) {
	var handlers []slog.Handler
	if flagVerbose {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, nil))
	}
	done := func() {}
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return logr.Logger{}, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, nil))
		done = func() { f.Close() }
	}
	switch len(handlers) {
	case 0:
		return logr.Discard(), done, nil
	case 1:
		return logr.FromSlogHandler(handlers[0]), done, nil
	}
	return logr.FromSlogHandler(teeHandler(handlers)), done, nil
}

// teeHandler fans one record out to several slog handlers. Neither slog nor
// logr ship one.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var last error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				last = err
			}
		}
	}
	return last
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
