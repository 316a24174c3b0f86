package source

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/0xsequence/ethkit/go-ethereum/core/types"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/carlbeek/gasdivergence/pkg/replay"
)

// RPCConfig configures the polling source.
type RPCConfig struct {
	// NodeAddress is the JSON-RPC endpoint.
	NodeAddress string `yaml:"nodeAddress"`
	// PollInterval is the chain-head poll cadence.
	PollInterval time.Duration `yaml:"pollInterval" default:"12s"`
	// StartBlock is the first block to emit. Zero means "current head".
	StartBlock uint64 `yaml:"startBlock"`
	// Buffer is the notification channel capacity.
	Buffer int `yaml:"buffer" default:"64"`
}

// Validate checks the RPC source configuration.
func (c *RPCConfig) Validate() error {
	if c.NodeAddress == "" {
		return fmt.Errorf("nodeAddress is required")
	}

	return nil
}

// RPC is a poll-based block notifier for standalone research runs against
// any JSON-RPC client. It walks the chain head forward and emits one
// committed notification per new block; reorgs below the head are not
// tracked (standalone runs analyze canonical history, not live imports).
type RPC struct {
	log logrus.FieldLogger
	cfg RPCConfig

	provider  *ethrpc.Provider
	scheduler *gocron.Scheduler
	ch        chan replay.Notification

	mu      sync.Mutex
	next    uint64
	chainID *big.Int
	signer  types.Signer
	closed  bool
}

// NewRPC dials the endpoint and returns a stopped RPC source.
func NewRPC(log logrus.FieldLogger, cfg RPCConfig) (*RPC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}

	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	provider, err := ethrpc.NewProvider(cfg.NodeAddress)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.NodeAddress, err)
	}

	return &RPC{
		log:       log.WithField("component", "source/rpc"),
		cfg:       cfg,
		provider:  provider,
		scheduler: gocron.NewScheduler(time.UTC),
		ch:        make(chan replay.Notification, cfg.Buffer),
	}, nil
}

// Notifications implements replay.BlockNotifier.
func (r *RPC) Notifications() <-chan replay.Notification {
	return r.ch
}

// Provider exposes the underlying RPC provider for the trace-replay
// adapter.
func (r *RPC) Provider() *ethrpc.Provider {
	return r.provider
}

// Start fetches the chain id and head with backoff, then begins polling.
func (r *RPC) Start(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		chainID, err := r.fetchChainID(ctx)
		if err != nil {
			r.log.WithError(err).Warn("Failed to fetch chain id, will retry")

			return err
		}

		head, err := r.fetchHead(ctx)
		if err != nil {
			r.log.WithError(err).Warn("Failed to fetch chain head, will retry")

			return err
		}

		next := r.cfg.StartBlock
		if next == 0 {
			next = head
		}

		r.mu.Lock()
		r.chainID = chainID
		r.signer = types.LatestSignerForChainID(chainID)
		r.next = next
		r.mu.Unlock()

		r.log.WithFields(logrus.Fields{
			"chain_id": chainID,
			"head":     head,
			"next":     next,
		}).Info("RPC source initialized")

		return nil
	}

	if err := backoff.Retry(operation, b); err != nil {
		return fmt.Errorf("initializing rpc source: %w", err)
	}

	if _, err := r.scheduler.Every(r.cfg.PollInterval).Do(func() {
		pollCtx, cancel := context.WithTimeout(context.Background(), r.cfg.PollInterval)
		defer cancel()

		if err := r.poll(pollCtx); err != nil {
			r.log.WithError(err).Warn("Poll failed")
		}
	}); err != nil {
		return err
	}

	r.scheduler.StartAsync()

	return nil
}

// Stop halts polling and closes the stream.
func (r *RPC) Stop() {
	r.scheduler.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}

// poll walks from the last emitted block up to the current head, emitting
// one notification per block. When the buffer fills, the walk pauses and
// resumes on the next tick.
func (r *RPC) poll(ctx context.Context) error {
	head, err := r.fetchHead(ctx)
	if err != nil {
		return fmt.Errorf("fetching head: %w", err)
	}

	for {
		r.mu.Lock()
		number := r.next
		closed := r.closed
		r.mu.Unlock()

		if closed || number > head {
			return nil
		}

		var block *types.Block
		if _, err := r.provider.Do(ctx, ethrpc.BlockByNumber(new(big.Int).SetUint64(number)).Into(&block)); err != nil {
			return fmt.Errorf("fetching block %d: %w", number, err)
		}

		recovered := r.convertBlock(block)

		select {
		case r.ch <- replay.Notification{Kind: replay.KindCommitted, Block: recovered}:
		default:
			// Buffer full; retry this block on the next tick.
			return nil
		}

		r.mu.Lock()
		r.next = number + 1
		r.mu.Unlock()
	}
}

func (r *RPC) convertBlock(block *types.Block) *replay.RecoveredBlock {
	header := block.Header()

	recovered := &replay.RecoveredBlock{
		Header: replay.BlockHeader{
			Number:     header.Number.Uint64(),
			Hash:       block.Hash(),
			ParentHash: header.ParentHash,
			Coinbase:   header.Coinbase,
			Timestamp:  header.Time,
			GasLimit:   header.GasLimit,
			BaseFee:    uint256FromBig(header.BaseFee),
			PrevRandao: header.MixDigest,
		},
	}

	for _, tx := range block.Transactions() {
		from, err := types.Sender(r.signer, tx)
		if err != nil {
			r.log.WithError(err).WithField("tx", tx.Hash()).Warn("Sender recovery failed")
		}

		recovered.Transactions = append(recovered.Transactions, replay.Transaction{
			Hash:     tx.Hash(),
			From:     from,
			To:       tx.To(),
			Nonce:    tx.Nonce(),
			GasLimit: tx.Gas(),
			GasPrice: uint256FromBig(tx.GasPrice()),
			Value:    uint256FromBig(tx.Value()),
			Input:    tx.Data(),
		})
	}

	return recovered
}

func (r *RPC) fetchHead(ctx context.Context) (uint64, error) {
	var head uint64

	if _, err := r.provider.Do(ctx, ethrpc.BlockNumber().Into(&head)); err != nil {
		return 0, err
	}

	return head, nil
}

func (r *RPC) fetchChainID(ctx context.Context) (*big.Int, error) {
	var raw string

	call := ethrpc.NewCallBuilder[string]("eth_chainId", nil)
	if _, err := r.provider.Do(ctx, call.Into(&raw)); err != nil {
		return nil, err
	}

	chainID, ok := new(big.Int).SetString(strings.TrimPrefix(raw, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("unparseable chain id %q", raw)
	}

	return chainID, nil
}

func uint256FromBig(b *big.Int) *uint256.Int {
	if b == nil {
		return nil
	}

	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil
	}

	return v
}
