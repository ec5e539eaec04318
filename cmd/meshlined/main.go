// Command meshlined is the server entrypoint: it wires every collaborator
// named in SPEC_FULL.md §2 into a running process, the way
// cmd/dendrite-monolith-server wires the teacher's components.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meshline-im/meshline/config"
	"github.com/meshline-im/meshline/federationapi/api"
	"github.com/meshline-im/meshline/federationapi/consumers"
	"github.com/meshline-im/meshline/federationapi/queue"
	"github.com/meshline-im/meshline/internal/lock"
	"github.com/meshline-im/meshline/internal/logging"
	"github.com/meshline-im/meshline/internal/output"
	"github.com/meshline-im/meshline/internal/process"
	"github.com/meshline-im/meshline/internal/ratelimit"
	"github.com/meshline-im/meshline/roomserver/acls"
	roomserverapi "github.com/meshline-im/meshline/roomserver/api"
	"github.com/meshline-im/meshline/roomserver/auth"
	"github.com/meshline-im/meshline/roomserver/internal/input"
	"github.com/meshline-im/meshline/roomserver/internal/keyfetcher"
	"github.com/meshline-im/meshline/roomserver/internal/membership"
	"github.com/meshline-im/meshline/roomserver/state"
	"github.com/meshline-im/meshline/roomserver/storage"
	"github.com/meshline-im/meshline/roomserver/storage/postgres"
	"github.com/meshline-im/meshline/roomserver/storage/sqlite"
	"github.com/meshline-im/meshline/roomserver/types"
)

func main() {
	rootCmd := &cobra.Command{Use: "meshlined"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the federated event ingestion and state resolution engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "meshline.yaml", "path to the YAML configuration file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("meshlined: %w", err)
	}
	logging.SetLevel(cfg.Logging.Level)
	log := logging.Logger("meshlined")

	if cfg.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			log.WithError(err).Warn("failed to initialize sentry, continuing without error capture")
		}
		defer sentry.Flush(2 * time.Second)
	}

	proc := process.New()

	db, err := openDatabase(proc.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("meshlined: opening database: %w", err)
	}

	badEvents := ratelimit.New()
	badSignatures := ratelimit.New()
	cleanup := ratelimit.StartCleanupTask(badEvents, badSignatures, cfg.RatelimiterCleanupSchedule)
	defer cleanup.Stop()

	interner := state.NewInterner(db.InternerBackend())
	compressor := state.NewCompressor(interner, db.SnapshotBackend())
	authChain, err := state.NewAuthChainIndex(authLookupAdapter{db: db})
	if err != nil {
		return fmt.Errorf("meshlined: constructing auth-chain index: %w", err)
	}
	resolver := state.NewResolver()
	aclEvaluator := acls.New()

	fedClient := &unconfiguredFederationClient{}

	keyFetcherCfg := keyfetcher.Config{
		TrustedServers:              cfg.TrustedServers,
		QueryTrustedKeyServersFirst: cfg.QueryTrustedKeyServersFirst,
	}
	keyFetcher, err := keyfetcher.New(keyFetcherCfg, fedClient, db.KeyBackend(), badSignatures)
	if err != nil {
		return fmt.Errorf("meshlined: constructing key fetcher: %w", err)
	}

	accountData := membership.NewInMemoryAccountData()
	lookupCreate := createLookupAdapter{db: db}.lookup
	membershipProjector := membership.New(db.MembershipBackend(), accountData, lookupCreate, nil)

	authChecker := auth.NewDefaultChecker(func(eventID string) (*types.PDU, error) {
		stored, err := db.EventByID(proc.Context(), eventID)
		if err != nil || stored == nil {
			return nil, err
		}
		return stored.PDU, nil
	})

	js, natsConn, err := connectJetStream(cfg.JetStream)
	if err != nil {
		return fmt.Errorf("meshlined: connecting to jetstream: %w", err)
	}
	defer natsConn.Close()

	outputWriter := output.NewWriter(js, cfg.JetStream.Prefix)

	inputer := &input.Inputer{
		DB:                 db,
		KeyFetcher:         keyFetcher,
		ACL:                aclEvaluator,
		Interner:           interner,
		Compressor:         compressor,
		AuthChain:          authChain,
		Resolver:           resolver,
		Membership:         membershipProjector,
		Federation:         fedClient,
		RoomLocks:          lock.NewByRoom(),
		BadEvents:          badEvents,
		BadSignatures:      badSignatures,
		AuthChecker:        authChecker,
		Output:             outputWriter,
		FederationCfg:      cfg,
		MaxFetchPrevEvents: cfg.MaxFetchPrevEvents,
	}
	_ = inputer // constructed for downstream federation handlers to drive; this binary's own inbound transport is injected (out of scope, see DESIGN.md).

	outgoingQueues := queue.NewOutgoingQueues(proc, cfg.ServerName, &unconfiguredSender{})
	roomEventConsumer := consumers.NewRoomEventConsumer(
		proc, js, "meshlined-roomevents", cfg.JetStream.Prefix,
		outgoingQueues, membershipProjector, cfg.IsLocalServerName,
	)
	if err := roomEventConsumer.Start(); err != nil {
		return fmt.Errorf("meshlined: starting room event consumer: %w", err)
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.Metrics.BindAddress, Handler: mux}
		proc.Go("meshlined.metrics", func(ctx context.Context) {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Logger("meshlined.metrics").WithError(err).Error("metrics server stopped")
			}
		})
		defer server.Close()
	}

	log.WithField("server_name", cfg.ServerName).Info("meshlined started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	proc.Shutdown()
	return nil
}

func openDatabase(ctx context.Context, cfg config.Database) (storage.Database, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.Open(ctx, cfg.ConnectionString)
	case "sqlite":
		return sqlite.Open(ctx, cfg.ConnectionString)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

func connectJetStream(cfg config.JetStream) (nats.JetStreamContext, *nats.Conn, error) {
	var servers string
	for i, addr := range cfg.Addresses {
		if i > 0 {
			servers += ","
		}
		servers += addr
	}
	if servers == "" {
		servers = nats.DefaultURL
	}
	conn, err := nats.Connect(servers)
	if err != nil {
		return nil, nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return js, conn, nil
}

// authLookupAdapter satisfies state.EventAuthLookup over a
// storage.Database, supplying the background context every interned
// lookup this module performs needs.
type authLookupAdapter struct {
	db storage.Database
}

func (a authLookupAdapter) AuthEventIDs(eventID string) ([]string, error) {
	return a.db.AuthEventIDs(context.Background(), eventID)
}

// createLookupAdapter satisfies membership.RoomCreateLookup by reading a
// room's first persisted PDU, which is always its m.room.create event.
type createLookupAdapter struct {
	db storage.Database
}

func (a createLookupAdapter) lookup(roomID string) (membership.RoomCreateContent, bool, error) {
	pdu, err := a.db.FirstPDUInRoom(context.Background(), roomID)
	if err != nil || pdu == nil {
		return membership.RoomCreateContent{}, false, err
	}
	var content membership.RoomCreateContent
	if len(pdu.Content) > 0 {
		if err := json.Unmarshal(pdu.Content, &content); err != nil {
			return membership.RoomCreateContent{}, false, err
		}
	}
	return content, true, nil
}

// unconfiguredFederationClient reports a clear error for every call until a
// real HTTP federation transport is injected. roomserver/api.FederationClient
// is deliberately out of this module's scope (see DESIGN.md); this is the
// seam a deployment wires a real implementation into.
type unconfiguredFederationClient struct{}

func (unconfiguredFederationClient) GetEvent(context.Context, string, string, string) (roomserverapi.GetEventResponse, error) {
	return roomserverapi.GetEventResponse{}, errFederationNotConfigured
}

func (unconfiguredFederationClient) GetRoomStateIDs(context.Context, string, string, string) (roomserverapi.GetRoomStateIDsResponse, error) {
	return roomserverapi.GetRoomStateIDsResponse{}, errFederationNotConfigured
}

func (unconfiguredFederationClient) GetServerKeys(context.Context, string) (keyfetcher.ServerKeys, error) {
	return nil, errFederationNotConfigured
}

func (unconfiguredFederationClient) GetRemoteServerKeys(context.Context, string, string, []string, time.Time) (keyfetcher.ServerKeys, error) {
	return nil, errFederationNotConfigured
}

func (unconfiguredFederationClient) GetRemoteServerKeyBatch(context.Context, string, map[string][]string) (map[string]keyfetcher.ServerKeys, error) {
	return nil, errFederationNotConfigured
}

// unconfiguredSender is the same seam as unconfiguredFederationClient, for
// the outbound half (federationapi/api.Sender).
type unconfiguredSender struct{}

func (unconfiguredSender) SendTransaction(context.Context, api.Transaction) error {
	return errFederationNotConfigured
}

var errFederationNotConfigured = fmt.Errorf("meshlined: no federation transport configured")
