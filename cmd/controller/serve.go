package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wirtbot/pkg/api"
	"wirtbot/pkg/auth"
	"wirtbot/pkg/config"
	"wirtbot/pkg/logging"
	"wirtbot/pkg/push"
	"wirtbot/pkg/store"
	"wirtbot/pkg/topology"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and push configs to the WirtBot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), c)
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("token", "", "static API token (optional)")
	f.String("jwt-secret", "", "session token secret (falls back to $JWT_SECRET)")
	f.Bool("push", true, "push the server config and Corefile to the WirtBot")
	f.String("push-scheme", "http", "scheme of the agent API: http or https")
	f.Int("push-port", 3030, "port of the agent API")
	f.Duration("push-timeout", 10*time.Second, "timeout of one push")
	f.String("tls-cert", "", "TLS cert path (enables HTTPS with --tls-key)")
	f.String("tls-key", "", "TLS key path")
	f.String("client-ca", "", "require and verify client certs using this CA (optional)")
	return cmd
}

func serve(ctx context.Context, c config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth.SetSecret(c.JWTSecret)
	snaps, gdb, closer, err := openStore(c.Store)
	if err != nil {
		return err
	}
	defer closer.Close()

	pusher, err := newPusher(c)
	if err != nil {
		return err
	}
	hub := api.NewHub()
	defer hub.Close()
	st := topology.New(topology.Options{Snapshots: snaps, Pusher: pusher, OnEvent: hub.PublishEvent})
	defer st.Close()
	if err := st.Load(ctx); err != nil {
		return err
	}
	if w, ok := snaps.(store.Watcher); ok {
		go followPeers(ctx, w, st)
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, st, hub, api.Authenticator{Token: c.Token, Open: c.Token == "" && gdb == nil})
	(&api.AuthHandler{DB: gdb}).RegisterRoutes(mux)
	if c.Token == "" && gdb == nil {
		logging.Warnf("no token and no user database configured; the API is open")
	}

	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Infof("controller listening on %s (state=%s revision=%d)", c.Addr, st.State(), st.Revision())
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
	logging.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return st.WaitPushes(shutdownCtx)
}

func newPusher(c config.Config) (push.Pusher, error) {
	if !c.Push.Enabled {
		logging.Infof("pushing disabled")
		return nil, nil
	}
	p := push.NewHTTPPusher(c.Push.Scheme, c.Push.Port, c.Push.Timeout)
	if c.Push.Scheme == "https" {
		tlsCfg, err := c.TLS.ClientConfig()
		if err != nil {
			return nil, err
		}
		p.Client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return p, nil
}

// followPeers reloads the topology when another controller sharing the store
// commits a newer revision.
func followPeers(ctx context.Context, w store.Watcher, st *topology.Store) {
	ch, err := w.Watch(ctx)
	if err != nil {
		logging.Warnf("store watch unavailable: %v", err)
		return
	}
	for snap := range ch {
		if snap.Revision <= st.Revision() {
			continue
		}
		if err := st.Load(ctx); err != nil {
			logging.Warnf("reload revision %d: %v", snap.Revision, err)
			continue
		}
		logging.Infof("reloaded topology at revision %d", snap.Revision)
	}
}
