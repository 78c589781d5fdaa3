package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/citypulse/trafficflow/internal/clock"
	"github.com/citypulse/trafficflow/internal/models"
	"github.com/citypulse/trafficflow/internal/retry"
)

// ReadingStore is the slice of the persistence gateway the pipeline needs.
type ReadingStore interface {
	WriteProcessed(ctx context.Context, r *models.ProcessedReading) error
	WriteAggregate(ctx context.Context, a *models.RegionalAggregate) error
}

// Archiver receives flushed aggregates as a best-effort side output. Archive
// failures are logged, never fatal.
type Archiver interface {
	Archive(ctx context.Context, a *models.RegionalAggregate) error
}

// Pipeline ties the consumer loop, validator, aggregator and store together.
type Pipeline struct {
	cfg        *models.Config
	validator  *Validator
	aggregator *Aggregator
	store      ReadingStore
	archiver   Archiver // optional
	clock      clock.Clock
	log        *slog.Logger
}

func New(cfg *models.Config, store ReadingStore, archiver Archiver, clk clock.Clock, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		validator:  NewValidator(clk),
		aggregator: NewAggregator(cfg.WindowSize, cfg.SensorRegions, logger),
		store:      store,
		archiver:   archiver,
		clock:      clk,
		log:        logger,
	}
}

// Run consumes until ctx is cancelled or a fatal error occurs. A message is
// marked consumed only after its reading is persisted and aggregated, so an
// unclean stop causes redelivery, never loss. A store failure that survives
// the retry policy halts the pipeline with the triggering message unmarked.
func (p *Pipeline) Run(ctx context.Context) error {
	group, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer group.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := &groupHandler{pipeline: p}
	errs := make(chan error, 2)

	go func() {
		errs <- p.consumeLoop(runCtx, group, handler)
	}()
	go func() {
		errs <- p.sweepLoop(runCtx)
	}()

	runErr := <-errs
	cancel()
	if second := <-errs; runErr == nil {
		runErr = second
	}

	// flush whatever fully elapsed before stopping; ctx is already dead so
	// the flush runs on its own deadline
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	if err := p.flushElapsed(flushCtx); err != nil {
		p.log.Error("failed to flush windows during shutdown", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	if open := p.aggregator.OpenWindows(); open > 0 {
		p.log.Info("stopping with windows still open", "windows", open)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// connect builds the consumer group, retrying indefinitely: an unreachable
// broker at startup means wait, not crash.
func (p *Pipeline) connect(ctx context.Context) (sarama.ConsumerGroup, error) {
	saramaCfg := p.saramaConfig()
	brokers := p.cfg.Brokers()

	var group sarama.ConsumerGroup
	policy := retry.Policy{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Clock:     p.clock,
		Logger:    p.log,
	}
	err := policy.Do(ctx, "connect to kafka", func(context.Context) error {
		var err error
		group, err = sarama.NewConsumerGroup(brokers, p.cfg.ConsumerGroup, saramaCfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	p.log.Info("connected to kafka",
		"brokers", p.cfg.KafkaBrokerList,
		"group", p.cfg.ConsumerGroup,
		"topic", p.cfg.KafkaTopic)
	return group, nil
}

func (p *Pipeline) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "trafficflow-pipeline"
	cfg.Version = sarama.V2_1_0_0
	cfg.Net.DialTimeout = 30 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	if p.cfg.PollTimeout > 0 {
		cfg.Consumer.MaxWaitTime = p.cfg.PollTimeout
	}
	if p.cfg.SessionTimeoutMs > 0 {
		cfg.Consumer.Group.Session.Timeout = time.Duration(p.cfg.SessionTimeoutMs) * time.Millisecond
	}
	return cfg
}

// consumeLoop drives consumer group sessions until a fatal error or ctx
// cancellation. Consume returning nil just means a rebalance; handler errors
// do not propagate through Consume, so the handler records them itself.
func (p *Pipeline) consumeLoop(ctx context.Context, group sarama.ConsumerGroup, handler *groupHandler) error {
	topics := []string{p.cfg.KafkaTopic}
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to consume: %w", err)
		}
		if err := handler.takeFatal(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		p.log.Info("consumer group rebalanced, rejoining")
	}
}

func (p *Pipeline) sweepLoop(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if err := p.flushElapsed(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// flushElapsed closes all fully elapsed windows and persists them. The
// upsert keyed on (region, window start) makes a repeated flush overwrite
// rather than duplicate.
func (p *Pipeline) flushElapsed(ctx context.Context) error {
	for _, agg := range p.aggregator.Sweep(p.clock.Now()) {
		agg := agg
		if err := p.store.WriteAggregate(ctx, &agg); err != nil {
			return err
		}
		p.log.Info("window flushed",
			"region_id", agg.RegionID,
			"window_start", agg.WindowStart,
			"avg_score", agg.AverageCongestionScore,
			"sensors", agg.SensorCount,
			"messages", agg.MessageCount)

		if p.archiver != nil {
			if err := p.archiver.Archive(ctx, &agg); err != nil {
				p.log.Warn("failed to archive aggregate",
					"region_id", agg.RegionID,
					"window_start", agg.WindowStart,
					"error", err)
			}
		}
	}
	return nil
}

// handleMessage processes one message end to end. A nil return means the
// caller may mark the offset: either the reading was persisted and
// aggregated, or it was rejected outright and there is nothing to retry.
func (p *Pipeline) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	reading, err := p.validator.Process(msg.Value)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			p.log.Warn("rejected reading",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"field", verr.Field,
				"reason", verr.Reason)
			return nil
		}
		return fmt.Errorf("failed to process message at offset %d: %w", msg.Offset, err)
	}

	if err := p.store.WriteProcessed(ctx, reading); err != nil {
		p.log.Error("persistence failed, halting consumption",
			"sensor_id", reading.SensorID,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		return err
	}

	p.aggregator.Accumulate(reading)
	p.log.Debug("reading processed",
		"sensor_id", reading.SensorID,
		"score", reading.CongestionScore)
	return nil
}

// groupHandler adapts the pipeline to sarama's consumer group callbacks.
// Fatal errors are stashed on the handler because errors returned from
// ConsumeClaim end the session but are not surfaced by Consume.
type groupHandler struct {
	pipeline *Pipeline

	mu    sync.Mutex
	fatal error
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.pipeline.log.Info("consumer session started", "claims", session.Claims())
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.pipeline.handleMessage(session.Context(), msg); err != nil {
				if errors.Is(err, context.Canceled) {
					// session ended mid-message; leave it unmarked for
					// redelivery
					return nil
				}
				h.setFatal(err)
				return err
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) setFatal(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal == nil {
		h.fatal = err
	}
}

func (h *groupHandler) takeFatal() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.fatal
	h.fatal = nil
	return err
}
