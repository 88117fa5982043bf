package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/perigeehq/perigee/internal/agent"
	"github.com/perigeehq/perigee/internal/broker"
	"github.com/perigeehq/perigee/internal/client"
	"github.com/perigeehq/perigee/internal/config"
	"github.com/perigeehq/perigee/internal/gateway"
	"github.com/perigeehq/perigee/internal/ident"
	"github.com/perigeehq/perigee/internal/logging"
	"github.com/perigeehq/perigee/internal/metrics"
	"github.com/perigeehq/perigee/internal/prober"
	"github.com/perigeehq/perigee/internal/publisher"
	"github.com/perigeehq/perigee/internal/reply"
	"github.com/perigeehq/perigee/internal/target"
	"github.com/perigeehq/perigee/internal/tracker"
)

var Version = "dev"

type CLI struct {
	Config string `help:"Path to configuration file." default:"${config_path}" env:"PERIGEE_CONFIG"`

	Agent   AgentCmd   `cmd:"" help:"Run the measurement agent."`
	Client  ClientCmd  `cmd:"" help:"Submit probes to agents."`
	Version VersionCmd `cmd:"" help:"Print version."`
}

type AgentCmd struct{}

type ClientCmd struct {
	Agents        string   `arg:"" help:"Comma-separated agents, each optionally id:src_addr."`
	AgentSrcIPs   []string `name:"agent-src-ips" help:"Source address per agent, matching the agent list order (deprecated, prefer id:src_addr)."`
	ProbesFile    string   `name:"probes-file" help:"File of probe or target lines; stdin when omitted."`
	MeasurementID string   `name:"measurement-id" help:"Measurement identifier; generated when omitted."`
}

type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(Version)
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("perigee"),
		kong.Description("Distributed active network measurement over a partitioned log."),
		kong.Vars{"config_path": config.DefaultConfigPath},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(&cli)
	if err := kctx.Run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "perigee: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context, path string) (config.Config, error) {
	cfg, err := config.Load(ctx, path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath {
		return config.Default(), nil
	}
	return cfg, err
}

func (AgentCmd) Run(ctx context.Context, cli *CLI) error {
	cfg, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	agentID := cfg.Agent.ID
	if agentID == "" {
		agentID, err = ident.New()
		if err != nil {
			return fmt.Errorf("generate agent id: %w", err)
		}
		logger.Info().Str("agent", agentID).Msg("no agent id configured, generated one")
	}
	if !ident.Valid(agentID) {
		return fmt.Errorf("invalid agent id %q", agentID)
	}
	logger = logger.With().Str("agent", agentID).Logger()

	store := metrics.NewStore()

	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Gateway.URL,
		AgentID:     agentID,
		AgentKey:    cfg.Gateway.AgentKey,
		AgentSecret: cfg.Gateway.AgentSecret,
	}, gateway.Dependencies{
		Metrics: store,
		Logger:  logger.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return fmt.Errorf("init gateway client: %w", err)
	}
	if err := gw.Register(ctx); err != nil {
		return err
	}

	reader, err := broker.NewReader(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("init probe reader: %w", err)
	}
	defer reader.Close()

	var sink agent.ReplySink
	var pub *publisher.Publisher
	if *cfg.Kafka.OutEnable {
		writer, err := broker.NewWriter(cfg.Kafka, cfg.Kafka.OutTopic)
		if err != nil {
			return fmt.Errorf("init reply writer: %w", err)
		}
		defer writer.Close()
		pub = publisher.New(publisher.Config{
			AgentID:   agentID,
			MaxBytes:  cfg.Kafka.MessageMaxBytes,
			BatchWait: cfg.Kafka.OutBatchWait,
			Retries:   cfg.Kafka.PublishRetries,
		}, writer, store, logger.With().Str("component", "publisher").Logger())
		sink = pub
	} else {
		logger.Warn().Msg("reply publishing disabled, observations will be discarded")
		sink = discardSink{}
	}

	runners := make([]*prober.Runner, 0, len(cfg.Probers))
	for _, pc := range cfg.Probers {
		engine, err := buildEngine(pc, agentID)
		if err != nil {
			return err
		}
		runners = append(runners, prober.NewRunner(pc, engine, store, logger))
	}

	tr := tracker.New(gw, store, logger.With().Str("component", "tracker").Logger())

	ag, err := agent.New(agent.Config{AgentID: agentID}, agent.Dependencies{
		Reader:  reader,
		Sink:    sink,
		Tracker: tr,
		Runners: runners,
		Metrics: store,
		Logger:  logger.With().Str("component", "agent").Logger(),
	})
	if err != nil {
		return err
	}

	grp, groupCtx := errgroup.WithContext(ctx)

	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	if pub != nil {
		grp.Go(func() error {
			if err := pub.Run(pubCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	grp.Go(func() error {
		err := ag.Run(groupCtx)
		pubCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		err := gw.RunHealthLoop(groupCtx, cfg.Gateway.HealthInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		return metrics.Serve(groupCtx, cfg.Agent.MetricsAddr, metrics.Handler(store, ag.Ready), logger)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

// buildEngine picks the probing engine for one prober instance. The
// raw-socket engine ships as a separate privileged component; this
// binary carries the dry-run engine only.
func buildEngine(pc config.ProberConfig, agentID string) (prober.Engine, error) {
	if !pc.DryRun {
		return nil, fmt.Errorf("prober %q: no probing engine available in this build, set dry_run: true", pc.Name)
	}
	return &prober.DryRunEngine{AgentID: agentID}, nil
}

type discardSink struct{}

func (discardSink) Publish(...reply.Reply) {}

func (c *ClientCmd) Run(ctx context.Context, cli *CLI) error {
	cfg, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	var targets []target.AgentTarget
	if len(c.AgentSrcIPs) > 0 {
		targets, err = target.ResolveWithSources(c.Agents, strings.Join(c.AgentSrcIPs, ","))
	} else {
		targets, err = target.Resolve(c.Agents)
	}
	if err != nil {
		return fmt.Errorf("resolve agents: %w", err)
	}

	input := os.Stdin
	if c.ProbesFile != "" {
		f, err := os.Open(c.ProbesFile)
		if err != nil {
			return fmt.Errorf("open probes file: %w", err)
		}
		defer f.Close()
		input = f
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	probes, err := client.ReadProbes(input, rng)
	if err != nil {
		return err
	}

	writer, err := broker.NewWriter(cfg.Kafka, cfg.Kafka.InTopic)
	if err != nil {
		return fmt.Errorf("init probe writer: %w", err)
	}
	defer writer.Close()

	producer := client.New(client.Config{
		BatchMaxBytes:     cfg.Client.BatchMaxBytes,
		MessagesPerSecond: cfg.Client.MessagesPerSecond,
	}, writer, logger)

	id, written, err := producer.Produce(ctx, c.MeasurementID, targets, probes)
	if err != nil {
		return err
	}
	logger.Info().
		Str("measurement", id).
		Int("agents", len(targets)).
		Int("probes", len(probes)).
		Int("messages", written).
		Msg("measurement submitted")
	fmt.Println(id)
	return nil
}
