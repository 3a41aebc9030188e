package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/loadcosmos/mnu-events-sub001/internal/auth"
	"github.com/loadcosmos/mnu-events-sub001/internal/checkin"
	"github.com/loadcosmos/mnu-events-sub001/internal/clients"
	"github.com/loadcosmos/mnu-events-sub001/internal/config"
	"github.com/loadcosmos/mnu-events-sub001/internal/db"
	checkingrpc "github.com/loadcosmos/mnu-events-sub001/internal/grpc"
	internalhttp "github.com/loadcosmos/mnu-events-sub001/internal/http"
	"github.com/loadcosmos/mnu-events-sub001/internal/jobs"
	"github.com/loadcosmos/mnu-events-sub001/internal/logging"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrrender"
	"github.com/loadcosmos/mnu-events-sub001/internal/qrsign"
	"github.com/loadcosmos/mnu-events-sub001/internal/ratelimit"
)

func main() {
	cmd := &cli.Command{
		Name:   "checkin-server",
		Usage:  "event check-in service",
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and gRPC servers",
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "apply the database schema",
				Action: runMigrate,
			},
			{
				Name:  "token",
				Usage: "mint an access token for manual testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "user id (uuid)", Required: true},
					&cli.StringFlag{Name: "role", Value: auth.RoleStudent, Usage: "student, organizer or admin"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "token lifetime"},
				},
				Action: runToken,
			},
			{
				Name:  "stats",
				Usage: "query a running server for event stats over gRPC",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "event", Usage: "event id (uuid)", Required: true},
					&cli.StringFlag{Name: "addr", Usage: "grpc address, defaults to GRPC_ADDR"},
					&cli.BoolFlag{Name: "checkins", Usage: "list check-ins instead of stats"},
					&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "dial and call timeout"},
				},
				Action: runStats,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("checkin-server failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, _ *cli.Command) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connection failed: %w", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	signer, err := qrsign.NewSigner(cfg.QRSigningSecret)
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	var sweeper ratelimit.Sweeper
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", "error", err)
			}
		}()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		limiter, err = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
		if err != nil {
			return err
		}
		logger.Info("rate limiter backed by redis", "addr", cfg.RedisAddr)
	} else {
		memory := ratelimit.NewMemory(cfg.RateLimitWindow, cfg.RateLimitRetention)
		limiter, sweeper = memory, memory
	}

	svc, err := checkin.NewService(store, signer,
		checkin.WithLimiter(limiter),
		checkin.WithRenderer(qrrender.NewPNG(cfg.QRImageSize)),
		checkin.WithMetrics(checkin.NewMetrics(prometheus.DefaultRegisterer)),
		checkin.WithLogger(logger),
		checkin.WithExpiry(cfg.QRDefaultExpiry, cfg.QRMaxExpiry),
		checkin.WithRotationGrace(cfg.QRRotationGrace),
	)
	if err != nil {
		return err
	}

	server, err := internalhttp.NewServer(cfg, svc, store, nil, logger)
	if err != nil {
		return fmt.Errorf("server init failed: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		serviceAuthInterceptor, err := checkingrpc.NewServiceAuthUnaryInterceptor(cfg.ServiceAuthToken)
		if err != nil {
			return fmt.Errorf("grpc service auth init failed: %w", err)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(serviceAuthInterceptor))
		checkingrpc.RegisterCheckinQueryService(grpcServer, checkingrpc.NewCheckinQueryServer(svc))
	} else {
		logger.Info("checkin grpc disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	sweepDone := jobs.StartRateLimitSweep(gctx, sweeper, cfg.RateLimitSweepInterval, logger)
	g.Go(func() error {
		logger.Info("checkin http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			logger.Info("checkin grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", "error", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	err = g.Wait()
	<-sweepDone
	return err
}

func runMigrate(ctx context.Context, _ *cli.Command) error {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connection failed: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema applied")
	return nil
}

func runToken(_ context.Context, cmd *cli.Command) error {
	cfg := config.Load()
	userID, err := uuid.Parse(cmd.String("user"))
	if err != nil {
		return fmt.Errorf("invalid --user: %w", err)
	}
	role := cmd.String("role")
	switch role {
	case auth.RoleStudent, auth.RoleOrganizer, auth.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	token, err := auth.NewAccessToken(cfg.JWTSecret, cfg.JWTIssuer, cmd.Duration("ttl"), auth.Claims{
		UserID: userID.String(),
		Role:   role,
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runStats(ctx context.Context, cmd *cli.Command) error {
	cfg := config.Load()
	addr := cmd.String("addr")
	if addr == "" {
		addr = cfg.GRPCAddr
	}
	timeout := cmd.Duration("timeout")
	client, err := clients.NewCheckin(ctx, addr, cfg.ServiceAuthToken, timeout)
	if err != nil {
		return fmt.Errorf("grpc dial failed: %w", err)
	}
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp *structpb.Struct
	if cmd.Bool("checkins") {
		resp, err = client.Query.ListEventCheckIns(callCtx, cmd.String("event"))
	} else {
		resp, err = client.Query.GetEventStats(callCtx, cmd.String("event"))
	}
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
