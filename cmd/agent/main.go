package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wirtbot/pkg/agent"
	"wirtbot/pkg/config"
	"wirtbot/pkg/keys"
	"wirtbot/pkg/logging"
	"wirtbot/pkg/version"
)

var (
	cfgFile string
	v       = config.New()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "WirtBot agent: receives pushed configs and applies them.",
		Version:      version.Build,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wirtbot.yaml, then the user config dir, then /etc/wirtbot)")
	cmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	cmd.AddCommand(newServeCmd(), newHistoryCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for server config and Corefile pushes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), c)
		},
	}
	f := cmd.Flags()
	f.String("listen", ":3030", "listen address")
	f.String("dir", "/etc/wirtbot", "directory the server config and Corefile are written to")
	f.Bool("apply", false, "apply the server config with wg-quick and wg syncconf")
	f.String("interface", "server", "WireGuard interface name")
	f.String("public-key", "", "controller signing key (base64); empty accepts unsigned pushes")
	f.String("journal", "agent.db", "sqlite journal of applied pushes (relative to --dir)")
	f.Bool("nat", false, "masquerade the device network out of the egress interface")
	f.String("egress", "", "egress interface (default: from the default route)")
	f.String("tls-cert", "", "TLS cert path (enables HTTPS with --tls-key)")
	f.String("tls-key", "", "TLS key path")
	f.String("client-ca", "", "require and verify client certs using this CA (optional)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the journaled pushes, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			j, err := agent.OpenJournal(journalPath(c.Agent))
			if err != nil {
				return err
			}
			defer j.Close()
			entries, err := j.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-6s rev=%-5d %-7s %s %s\n",
					e.Time.Format(time.RFC3339), e.Kind, e.Revision, e.Status, short(e.SHA256), e.Detail)
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "/etc/wirtbot", "directory holding the journal")
	cmd.Flags().String("journal", "agent.db", "sqlite journal path (relative to --dir)")
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to show")
	return cmd
}

func serve(ctx context.Context, c config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := c.Agent
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return err
	}
	var key ed25519.PublicKey
	if a.PublicKey != "" {
		k, err := keys.VerifyingKey(a.PublicKey)
		if err != nil {
			return err
		}
		key = k
	} else {
		logging.Warnf("no public key configured; unsigned pushes are accepted")
	}
	journal, err := agent.OpenJournal(journalPath(a))
	if err != nil {
		return err
	}
	defer journal.Close()

	var applier agent.Applier
	if a.Apply {
		wg := &agent.WireGuard{Interface: a.Interface}
		if a.NAT {
			wg.NAT = &agent.NAT{Egress: a.Egress, StatePath: filepath.Join(a.Dir, "nat-state.json")}
		}
		applier = wg
	}
	rc := agent.NewReceiver(a.Dir, key, applier, journal)
	mux := http.NewServeMux()
	rc.RegisterRoutes(mux)

	srv := &http.Server{Addr: a.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logging.Infof("agent listening on %s, writing to %s (apply=%v)", a.Addr, a.Dir, a.Apply)
		if c.TLS.Enabled() {
			cfg, err := c.TLS.ServerConfig()
			if err != nil {
				errc <- err
				return
			}
			srv.TLSConfig = cfg
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func journalPath(a config.Agent) string {
	if filepath.IsAbs(a.Journal) {
		return a.Journal
	}
	return filepath.Join(a.Dir, a.Journal)
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	logging.SetLevel(c.LogLevel)
	return c, nil
}
