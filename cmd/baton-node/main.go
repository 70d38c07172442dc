package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-baton/v1/lock"
	"github.com/mirkobrombin/go-baton/v1/metrics"
	"github.com/mirkobrombin/go-baton/v1/registry"
	"github.com/mirkobrombin/go-baton/v1/status"
	"github.com/mirkobrombin/go-baton/v1/transport"
)

func main() {
	id := flag.Int64("id", 1, "Peer id, unique across the cluster")
	peers := flag.String("peers", "", "Comma-separated ids of the starting peers (e.g. 2,3)")
	mode := flag.String("transport", "nats", "nats or kafka")
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	brokers := flag.String("kafka", "localhost:9092", "Comma-separated Kafka brokers")
	prefix := flag.String("prefix", "baton", "Subject, topic and key prefix")
	redisAddr := flag.String("redis", "", "Redis address of the peer directory, empty to disable")
	httpAddr := flag.String("http", ":8080", "Status and metrics listen address")
	hold := flag.Duration("hold", 500*time.Millisecond, "Time spent in each critical section")
	interval := flag.Duration("interval", 2*time.Second, "Pause between critical sections, 0 to stay passive")
	trace := flag.Bool("trace", false, "Print OpenTelemetry spans to stdout")
	debug := flag.Bool("debug", false, "Log protocol messages")
	fanout := flag.Int("fanout", 8, "Token requests in flight at once, 0 for no bound")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := lock.PeerID(*id)
	opts := []lock.Option{lock.WithLogger(logger), lock.WithFanout(*fanout)}

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, lock.WithTracing())
	}

	reg := metrics.NewRegistry()
	metrics.RegisterTransportMetrics(reg)
	feed := status.NewFeed()
	opts = append(opts, lock.WithMetrics(reg), lock.WithFeed(feed))

	var (
		dial  registry.Dialer
		serve func(h transport.Handler) (func() error, error)
	)
	switch *mode {
	case "nats":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			log.Fatalf("connect nats: %v", err)
		}
		defer conn.Close()
		nopts := transport.NATSOptions{Conn: conn, Prefix: *prefix}
		dial = func(pid lock.PeerID, _ string) (lock.Peer, error) {
			return transport.NewNATSPeer(nopts, pid), nil
		}
		serve = func(h transport.Handler) (func() error, error) {
			s, err := transport.ServeNATS(nopts, self, h)
			if err != nil {
				return nil, err
			}
			return s.Close, nil
		}
	case "kafka":
		config := sarama.NewConfig()
		config.Producer.Return.Successes = true
		config.Producer.RequiredAcks = sarama.WaitForAll
		addrs := strings.Split(*brokers, ",")
		producer, err := sarama.NewSyncProducer(addrs, config)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer producer.Close()
		consumer, err := sarama.NewConsumer(addrs, config)
		if err != nil {
			log.Fatalf("kafka consumer: %v", err)
		}
		defer consumer.Close()
		kopts := transport.KafkaOptions{Producer: producer, Consumer: consumer, Prefix: *prefix}
		dial = func(pid lock.PeerID, _ string) (lock.Peer, error) {
			return transport.NewKafkaPeer(kopts, pid), nil
		}
		serve = func(h transport.Handler) (func() error, error) {
			l, err := transport.ListenKafka(kopts, self, h)
			if err != nil {
				return nil, err
			}
			return l.Close, nil
		}
	default:
		log.Fatalf("unknown transport %q", *mode)
	}

	members := registry.New()
	for _, s := range strings.Split(*peers, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			log.Fatalf("bad peer id %q: %v", s, err)
		}
		if lock.PeerID(n) == self {
			continue
		}
		p, _ := dial(lock.PeerID(n), "")
		if err := members.Join(lock.PeerID(n), p); err != nil {
			log.Fatalf("join %d: %v", n, err)
		}
	}

	var dir *registry.Directory
	if *redisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rc.Close()
		dir = registry.NewDirectory(registry.DirectoryOptions{Client: rc, Namespace: *prefix})
		found, err := dir.Bootstrap(ctx, members, self, dial)
		if err != nil {
			log.Fatalf("directory bootstrap: %v", err)
		}
		if found > 0 {
			// The cluster is running and the token lives there.
			opts = append(opts, lock.Joining())
		}
	}

	c := lock.New(lock.Self(self), members, opts...)
	members.Observe(c)
	if err := c.Initialize(); err != nil {
		log.Fatal(err)
	}
	closeServer, err := serve(c)
	if err != nil {
		log.Fatalf("serve: %v", err)
	}

	if dir != nil {
		if err := dir.Announce(ctx, self, transport.Address(*prefix, self)); err != nil {
			log.Fatalf("directory announce: %v", err)
		}
		go func() {
			if err := dir.Sync(ctx, members, self, dial); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("baton: directory sync stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/status", status.Handler(c))
	mux.Handle("/status/stream", status.SSEHandler(feed))
	mux.Handle("/status/ws", status.WebSocketHandler(feed))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()
	log.Printf("baton node %d listening on %s (transport: %s)", self, *httpAddr, *mode)

	if *interval > 0 {
		go work(ctx, c, *hold, *interval)
	}
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dir != nil {
		if err := dir.Withdraw(shutdown, self); err != nil {
			slog.Warn("baton: directory withdraw failed", "error", err)
		}
	}
	if err := c.Destroy(shutdown); err != nil {
		slog.Warn("baton: destroy failed", "error", err)
	}
	if err := closeServer(); err != nil {
		slog.Warn("baton: transport close failed", "error", err)
	}
	_ = srv.Shutdown(shutdown)
}

// work enters the critical section every interval and stays there for hold.
func work(ctx context.Context, c *lock.Custodian, hold, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.Acquire(ctx); err != nil {
			if errors.Is(err, lock.ErrDestroyed) {
				return
			}
			slog.Warn("baton: acquire failed", "error", err)
			continue
		}
		fmt.Printf("peer %d entered the critical section\n", c.Status().Self)
		c.DisplayStatus()
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
		if err := c.Release(context.Background()); err != nil {
			slog.Warn("baton: release failed", "error", err)
		}
	}
}
