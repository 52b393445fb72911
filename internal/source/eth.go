package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Metric names served by EthNode.
const (
	MetricEthRPCLatency = "eth_rpc_latency_ms"
	MetricEthHeadAge    = "eth_head_age_seconds"
)

// EthMetrics lists the metric names EthNode can serve.
var EthMetrics = []string{MetricEthRPCLatency, MetricEthHeadAge}

// EthOptions parameterise the node health source.
type EthOptions struct {
	RPCURL  string
	Timeout time.Duration
}

type headReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// EthNode samples an Ethereum JSON-RPC endpoint.
type EthNode struct {
	opts      EthOptions
	logger    zerolog.Logger
	now       func() time.Time
	client    headReader
	clientMux sync.Mutex
}

// NewEthNode builds a node health source. The RPC connection is dialled on first use.
func NewEthNode(opts EthOptions, logger zerolog.Logger) *EthNode {
	return &EthNode{opts: opts, logger: logger.With().Str("component", "eth_source").Logger(), now: time.Now}
}

// GetCurrentValue implements Source.
func (e *EthNode) GetCurrentValue(ctx context.Context, metric string) (float64, error) {
	if metric != MetricEthRPCLatency && metric != MetricEthHeadAge {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	if e.opts.RPCURL == "" {
		return 0, errors.New("ethereum rpc url not configured")
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return 0, err
	}

	if metric == MetricEthRPCLatency {
		start := time.Now()
		if _, err := client.BlockNumber(ctx); err != nil {
			return 0, fmt.Errorf("eth block number: %w", err)
		}
		return float64(time.Since(start).Microseconds()) / 1000, nil
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eth latest header: %w", err)
	}
	age := e.now().Sub(time.Unix(int64(header.Time), 0))
	if age < 0 {
		age = 0
	}
	return age.Seconds(), nil
}

func (e *EthNode) getClient(ctx context.Context) (headReader, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var _ Source = (*EthNode)(nil)
