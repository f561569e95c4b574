package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"SettleHub/internal/node"
	"SettleHub/internal/observability"
)

// Command is the JSON wire form of a relayer-invoked entrypoint. The
// relayer observes a send on the source node and replays the matching
// receive entrypoint here. Caller identifies the relayer address for the
// node's attestation check.
type Command struct {
	Command     string `json:"command"`
	Caller      string `json:"caller"`
	MessageID   string `json:"message_id,omitempty"`
	SourceChain uint64 `json:"source_chain,omitempty"`
	SeriesID    uint64 `json:"series_id,omitempty"`
	RebalanceID uint64 `json:"rebalance_id,omitempty"`
	Long        string `json:"long,omitempty"`
	Short       string `json:"short,omitempty"`
	Collateral  string `json:"collateral,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Delta       string `json:"delta,omitempty"`
}

// Relayer command names.
const (
	CmdConfirmMessage      = "confirm_message"
	CmdFailMessage         = "fail_message"
	CmdSyncPosition        = "sync_position"
	CmdReceivePositionSync = "receive_position_sync"
	CmdExecuteSettlement   = "execute_settlement"
	CmdExecuteRebalance    = "execute_rebalance"
	CmdReleaseCollateral   = "release_collateral"
)

// RawCommand is a parsed-but-unvalidated command from NATS, carrying its
// ack/nak hooks.
type RawCommand struct {
	Subject string
	Data    []byte
	AckFunc func()
	NakFunc func()
}

// Subscriber consumes relayed commands addressed to this node's chain
// (settle.relay.{chain_id}.>) and feeds them to the dispatcher channel.
type Subscriber struct {
	js       jetstream.JetStream
	chainID  uint64
	cmdChan  chan<- RawCommand
	consumer jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, chainID uint64, cmdChan chan<- RawCommand) *Subscriber {
	return &Subscriber{
		js:      js,
		chainID: chainID,
		cmdChan: cmdChan,
	}
}

// Subscribe creates the durable JetStream consumer for this node.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, "SETTLE_RELAY", jetstream.ConsumerConfig{
		Durable:       fmt.Sprintf("settle-node-%d", s.chainID),
		FilterSubject: fmt.Sprintf("settle.relay.%d.>", s.chainID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawCommand{
			Subject: msg.Subject(),
			Data:    msg.Data(),
			AckFunc: func() { msg.Ack() },
			NakFunc: func() { msg.Nak() },
		}

		select {
		case s.cmdChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	s.consumer = cc
	log.Printf("INFO: subscribed to settle.relay.%d.>", s.chainID)
	return nil
}

// Stop gracefully stops the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// Dispatcher drains relayed commands and applies them to the node via its
// command loop. Rejected commands (authorization, not-found, state
// conflicts) are ACKed: redelivering them cannot succeed and the error is
// already logged for the operator. Only loop unavailability NAKs.
type Dispatcher struct {
	loop    *node.Loop
	cmdChan <-chan RawCommand
	metrics *observability.Metrics
}

func NewDispatcher(loop *node.Loop, cmdChan <-chan RawCommand, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		loop:    loop,
		cmdChan: cmdChan,
		metrics: metrics,
	}
}

// Run drains the command channel until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-d.cmdChan:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawCommand) {
	var cmd Command
	if err := json.Unmarshal(raw.Data, &cmd); err != nil {
		log.Printf("WARN: relay command unparseable on %s: %v", raw.Subject, err)
		raw.AckFunc() // poison message, do not redeliver
		return
	}

	err := d.apply(ctx, cmd)
	if err != nil && errors.Is(err, context.Canceled) {
		if d.metrics != nil {
			d.metrics.RelayInboundNaked.Inc()
		}
		raw.NakFunc()
		return
	}
	if err != nil {
		log.Printf("WARN: relay command %s rejected: %v", cmd.Command, err)
	} else if d.metrics != nil {
		d.metrics.RelayInboundApplied.Inc()
	}
	raw.AckFunc()
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) error {
	switch cmd.Command {
	case CmdConfirmMessage:
		id, err := ParseMessageID(cmd.MessageID)
		if err != nil {
			return err
		}
		return d.loop.Do(ctx, func(n *node.Node) error {
			return n.ConfirmMessage(cmd.Caller, id)
		})

	case CmdFailMessage:
		id, err := ParseMessageID(cmd.MessageID)
		if err != nil {
			return err
		}
		return d.loop.Do(ctx, func(n *node.Node) error {
			return n.FailMessage(cmd.Caller, id)
		})

	case CmdSyncPosition:
		long, err := ParseAmount(cmd.Long)
		if err != nil {
			return err
		}
		short, err := ParseAmount(cmd.Short)
		if err != nil {
			return err
		}
		return d.loop.Do(ctx, func(n *node.Node) error {
			return n.SyncPosition(cmd.Caller, cmd.SeriesID, long, short)
		})

	case CmdReceivePositionSync:
		long, err := ParseAmount(cmd.Long)
		if err != nil {
			return err
		}
		short, err := ParseAmount(cmd.Short)
		if err != nil {
			return err
		}
		collateral, err := ParseAmount(cmd.Collateral)
		if err != nil {
			return err
		}
		return d.loop.Do(ctx, func(n *node.Node) error {
			return n.ReceivePositionSync(cmd.Caller, cmd.SourceChain, cmd.SeriesID, long, short, collateral)
		})

	case CmdExecuteSettlement:
		delta, err := ParseAmount(cmd.Delta)
		if err != nil {
			return err
		}
		return d.loop.Do(ctx, func(n *node.Node) error {
			return n.ExecuteSettlement(cmd.Caller, cmd.SeriesID, delta)
		})

	case CmdExecuteRebalance:
		return d.loop.Do(ctx, func(n *node.Node) error {
			return n.ExecuteRebalance(cmd.Caller, cmd.RebalanceID)
		})

	case CmdReleaseCollateral:
		amount, err := ParseAmount(cmd.Amount)
		if err != nil {
			return err
		}
		return d.loop.Do(ctx, func(n *node.Node) error {
			return n.ReleaseCollateral(cmd.Caller, cmd.SeriesID, amount)
		})

	default:
		return fmt.Errorf("unknown relay command: %q", cmd.Command)
	}
}
