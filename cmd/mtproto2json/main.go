// Command mtproto2json wires one MTProto session end to end: it loads
// configuration, performs (or resumes) the handshake, and logs
// whatever flows through the session's out-of-band push channel. It
// is deliberately not the JSON-over-TCP proxy front-end spec.md places
// out of scope (§1) — that front-end is an external collaborator of
// this session layer, not part of this module.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nikat/mtproto2json/config"
	"github.com/nikat/mtproto2json/internal/metrics"
	"github.com/nikat/mtproto2json/internal/statestore"
	"github.com/nikat/mtproto2json/internal/workerpool"
	"github.com/nikat/mtproto2json/mtcrypto"
	"github.com/nikat/mtproto2json/session"
	"github.com/nikat/mtproto2json/transport"
)

// stateKey is the single record a Store holds: this process only ever
// persists one session's credentials.
var stateKey = []byte("session")

var (
	configPath  = flag.String("config", "config.yaml", "path to the YAML configuration file")
	metricsAddr = flag.String("metrics-addr", ":9090", "listen address for the /metrics endpoint")
)

// persistedState is the on-disk shape of the auth_key/session_id pair
// ExportState/RestoreState exchange (spec.md §6).
type persistedState struct {
	AuthKeyBase64 string `json:"auth_key_base64"`
	SessionID     int64  `json:"session_id"`
}

func main() {
	flag.Parse()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.Logger

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	pemBytes, err := cfg.Handshake.LoadRSAPublicKeyPEM()
	if err != nil {
		logger.Fatal().Err(err).Msg("load RSA public key")
	}
	serverKey, err := mtcrypto.LoadPublicKeyPEM(pemBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse RSA public key")
	}

	reg := prometheus.NewRegistry()
	mcol := metrics.New(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	pool := workerpool.New(cfg.WorkerPool.Workers)
	tr := transport.NewAbridged(cfg.Server.Host, cfg.Server.Port, logger)
	sess := session.New(tr, serverKey, session.Options{
		Pool:    pool,
		Metrics: mcol,
		Log:     logger,
	})

	var store *statestore.Store
	if cfg.Persistence.StatePath != "" {
		store, err = statestore.Open(cfg.Persistence.StatePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("open state store")
		}
		defer store.Close()
	}

	if state, err := loadState(store); err != nil {
		logger.Info().Msg("no persisted session state, starting fresh handshake")
	} else if err := sess.RestoreState(state.AuthKeyBase64, state.SessionID); err != nil {
		logger.Warn().Err(err).Msg("discarding unreadable persisted session state")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info().Msg("shutting down")
		cancel()
	}()

	if err := sess.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}
	logger.Info().Msg("session established")

	go drainPush(ctx, sess, logger)

	<-ctx.Done()
	authKeyBase64, sessionID := sess.ExportState()
	if err := saveState(store, persistedState{AuthKeyBase64: authKeyBase64, SessionID: sessionID}); err != nil {
		logger.Warn().Err(err).Msg("persist session state")
	}
	if err := sess.Close(); err != nil {
		logger.Warn().Err(err).Msg("close session")
	}
}

// drainPush logs whatever the dispatch table couldn't route to an
// in-flight Call, standing in for the out-of-scope front-end that
// would otherwise forward these as JSON (spec.md §1/§9).
func drainPush(ctx context.Context, sess *session.Session, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sess.Push():
			if !ok {
				return
			}
			logger.Info().Str("constructor", fmt.Sprintf("%T", msg)).Msg("push message")
		}
	}
}

func loadState(store *statestore.Store) (persistedState, error) {
	var st persistedState
	if store == nil {
		return st, os.ErrNotExist
	}
	data, err := store.Get(stateKey)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, err
	}
	if _, err := base64.StdEncoding.DecodeString(st.AuthKeyBase64); err != nil {
		return st, err
	}
	return st, nil
}

func saveState(store *statestore.Store, st persistedState) error {
	if store == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return store.Put(stateKey, data)
}
