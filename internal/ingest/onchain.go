package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/market"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

	onchainExchange = "chainlink"
)

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// Feed maps one instrument to its Chainlink aggregator contract.
type Feed struct {
	CoinName string
	Address  string
	Decimals int32
}

// OnchainOptions parameterise the on-chain scraper.
type OnchainOptions struct {
	RPCURL  string
	Feeds   []Feed
	Timeout time.Duration
}

// Onchain reads reference prices from Chainlink aggregators over Ethereum
// RPC. It backs up the HTTP sources for instruments with a feed.
type Onchain struct {
	opts      OnchainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewOnchain builds a new on-chain scraper.
func NewOnchain(opts OnchainOptions, logger zerolog.Logger) *Onchain {
	return &Onchain{opts: opts, logger: logger.With().Str("component", "onchain_scraper").Logger()}
}

// Name identifies the source in logs and tick tags.
func (o *Onchain) Name() string {
	return onchainExchange
}

// Fetch reads latestRoundData from every configured feed. A single feed
// failing is logged and skipped; Fetch fails only when the RPC connection
// itself cannot be established.
func (o *Onchain) Fetch(ctx context.Context) ([]market.Tick, error) {
	if o.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if len(o.opts.Feeds) == 0 {
		return nil, nil
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ticks := make([]market.Tick, 0, len(o.opts.Feeds))
	for _, feed := range o.opts.Feeds {
		price, err := o.readFeed(ctx, client, feed)
		if err != nil {
			o.logger.Warn().Err(err).Str("coin", feed.CoinName).Msg("feed read failed")
			continue
		}
		ticks = append(ticks, market.Tick{
			CoinName:   feed.CoinName,
			Exchange:   onchainExchange,
			Price:      price,
			ObservedAt: now,
		})
	}
	return ticks, nil
}

func (o *Onchain) readFeed(ctx context.Context, client *ethclient.Client, feed Feed) (decimal.Decimal, error) {
	addr := common.HexToAddress(feed.Address)

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("non-positive feed answer %s", answer.String())
	}

	decimals := feed.Decimals
	if decimals <= 0 {
		decimals = 8
	}
	return decimal.NewFromBigInt(answer, -decimals), nil
}

func (o *Onchain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ Scraper = (*Onchain)(nil)
