package ethchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	internalcommon "github.com/goran-ethernal/demux/internal/common"
	"github.com/goran-ethernal/demux/internal/logger"
	"github.com/goran-ethernal/demux/pkg/chain"
	"github.com/goran-ethernal/demux/pkg/config"
)

// ActionTypeBareLog classifies logs without any topic.
const ActionTypeBareLog = "log"

// Compile-time check to ensure Client implements the chain.Source interface.
var _ chain.Source = (*Client)(nil)

// Client adapts an Ethereum node to the engine's chain.Source capability
// set. Each block is materialized as its header plus the logs emitted in it,
// one action per log, typed by the log's first topic.
type Client struct {
	eth *ethclient.Client
	log *logger.Logger

	timeout     time.Duration
	retryConfig *config.RetryConfig

	addresses []ethcommon.Address
	topics    []ethcommon.Hash
}

// NewClient creates a client connected to the configured endpoint.
func NewClient(ctx context.Context, cfg config.ChainConfig, log *logger.Logger) (*Client, error) {
	rpcClient, err := gethrpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.RPCURL, err)
	}

	addresses := make([]ethcommon.Address, 0, len(cfg.Addresses))
	for _, a := range cfg.Addresses {
		addresses = append(addresses, ethcommon.HexToAddress(a))
	}

	topics := make([]ethcommon.Hash, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics = append(topics, ethcommon.HexToHash(t))
	}

	return &Client{
		eth:         ethclient.NewClient(rpcClient),
		log:         log.WithComponent(internalcommon.ComponentChain),
		timeout:     cfg.RequestTimeout.Duration,
		retryConfig: cfg.Retry,
		addresses:   addresses,
		topics:      topics,
	}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() {
	c.eth.Close()
}

// HeadBlockNumber returns the number of the current chain head.
func (c *Client) HeadBlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	RPCMethodInc("eth_blockNumber")
	defer func() {
		RPCMethodDuration("eth_blockNumber", time.Since(start))
	}()

	var head uint64
	err := retryWithBackoff(ctx, c.retryConfig, "eth_blockNumber", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var fetchErr error
		head, fetchErr = c.eth.BlockNumber(callCtx)
		return fetchErr
	})

	if err != nil {
		RPCMethodError("eth_blockNumber", "error")
		return 0, c.classify(err)
	}

	return head, nil
}

// IrreversibleBlockNumber returns the finalized block number.
func (c *Client) IrreversibleBlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	RPCMethodInc("eth_getBlockByNumber")
	defer func() {
		RPCMethodDuration("eth_getBlockByNumber", time.Since(start))
	}()

	var header *types.Header
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getBlockByNumber", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var fetchErr error
		header, fetchErr = c.eth.HeaderByNumber(callCtx, big.NewInt(int64(gethrpc.FinalizedBlockNumber)))
		return fetchErr
	})

	if err != nil {
		RPCMethodError("eth_getBlockByNumber", "error")
		return 0, c.classify(err)
	}

	return header.Number.Uint64(), nil
}

// BlockAt returns the block currently at the given height, materialized as
// header linkage plus one action per matching log.
func (c *Client) BlockAt(ctx context.Context, blockNum uint64) (*chain.Block, error) {
	header, err := c.headerAt(ctx, blockNum)
	if err != nil {
		return nil, err
	}

	blockHash := header.Hash()
	logs, err := c.logsForBlock(ctx, blockHash)
	if err != nil {
		return nil, err
	}

	actions := make([]chain.Action, 0, len(logs))
	for _, l := range logs {
		actionType := ActionTypeBareLog
		if len(l.Topics) > 0 {
			actionType = l.Topics[0].Hex()
		}

		actions = append(actions, chain.Action{
			Type:        actionType,
			Payload:     l,
			BlockNumber: blockNum,
			TxID:        l.TxHash.Hex(),
			ActionIndex: uint32(l.Index),
		})
	}

	return &chain.Block{
		Number:   header.Number.Uint64(),
		Hash:     blockHash.Hex(),
		PrevHash: header.ParentHash.Hex(),
		Actions:  actions,
	}, nil
}

// headerAt fetches the header for a specific block number.
func (c *Client) headerAt(ctx context.Context, blockNum uint64) (*types.Header, error) {
	start := time.Now()
	RPCMethodInc("eth_getBlockByNumber")
	defer func() {
		RPCMethodDuration("eth_getBlockByNumber", time.Since(start))
	}()

	var header *types.Header
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getBlockByNumber", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var fetchErr error
		header, fetchErr = c.eth.HeaderByNumber(callCtx, new(big.Int).SetUint64(blockNum))
		return fetchErr
	})

	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, chain.ErrBlockNotFound
		}
		RPCMethodError("eth_getBlockByNumber", "error")
		return nil, c.classify(err)
	}
	if header == nil {
		return nil, chain.ErrBlockNotFound
	}

	return header, nil
}

// logsForBlock fetches the logs emitted in the block with the given hash,
// restricted to the configured addresses and topic0 values.
func (c *Client) logsForBlock(ctx context.Context, blockHash ethcommon.Hash) ([]types.Log, error) {
	start := time.Now()
	RPCMethodInc("eth_getLogs")
	defer func() {
		RPCMethodDuration("eth_getLogs", time.Since(start))
	}()

	query := ethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: c.addresses,
	}
	if len(c.topics) > 0 {
		query.Topics = [][]ethcommon.Hash{c.topics}
	}

	var logs []types.Log
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getLogs", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var fetchErr error
		logs, fetchErr = c.eth.FilterLogs(callCtx, query)
		return fetchErr
	})

	if err != nil {
		RPCMethodError("eth_getLogs", "error")
		return nil, c.classify(err)
	}

	return logs, nil
}

// classify maps adapter failures onto the engine's error taxonomy: anything
// retryable is marked transient so the watcher backs off instead of dying.
func (c *Client) classify(err error) error {
	if errors.Is(err, ethereum.NotFound) {
		return chain.ErrBlockNotFound
	}
	if retryableError(errors.Unwrap(err)) || retryableError(err) {
		return fmt.Errorf("%w: %v", chain.ErrUnavailable, err)
	}
	return err
}
