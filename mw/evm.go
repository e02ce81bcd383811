package mw

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/firstset/marketwatch/mw/utils"
)

// nativeToken marks the chain's own coin on the token_in/token_out side of a
// trade.
const nativeToken = "native"

const evmNativeDecimals = 18

var (
	transferTopic       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	transferSingleTopic = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	transferBatchTopic  = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
)

const erc20MetaABI = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var erc20Meta = mustParseABI(erc20MetaABI)

var erc1155BatchArgs = abi.Arguments{
	{Type: mustABIType("uint256[]")},
	{Type: mustABIType("uint256[]")},
}

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// evmClient is the slice of the JSON-RPC surface the tracker needs.
type evmClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type tokenMeta struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// EVMTracker reconstructs wallet activity on one EVM chain: native balance
// diffs, transfer logs classified into token and NFT events, and trades
// synthesized from pairs within one transaction. One long-lived instance per
// chain.
type EVMTracker struct {
	cfg         *ChainConfig
	client      evmClient
	startOffset uint64
	retry       utils.Retrier
	gate        *utils.HostGate
	meta        *utils.Cache
	log         zerolog.Logger

	mux       sync.Mutex
	balances  map[string]*big.Int
	lastBlock map[string]uint64
	txSeen    *seenSet
}

func NewEVMTracker(cfg *ChainConfig, watch WalletWatcherConfig, log zerolog.Logger) (*EVMTracker, error) {
	client, err := ethclient.Dial(cfg.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", cfg.Name, err)
	}
	return NewEVMTrackerWithClient(cfg, watch, client, log), nil
}

func NewEVMTrackerWithClient(cfg *ChainConfig, watch WalletWatcherConfig, client evmClient, log zerolog.Logger) *EVMTracker {
	return &EVMTracker{
		cfg:         cfg,
		client:      client,
		startOffset: uint64(watch.StartBlockOffset),
		retry:       utils.NewRetrier(),
		gate:        utils.NewHostGate(int64(watch.MaxConcurrentWallets)),
		meta:        utils.NewCache(),
		log:         log,
		balances:    make(map[string]*big.Int),
		lastBlock:   make(map[string]uint64),
		txSeen:      newSeenSet(txSeenCap),
	}
}

func (t *EVMTracker) Chain() string { return t.cfg.Name }
func (t *EVMTracker) Kind() string  { return KindEVM }

// GetWalletData fetches every wallet concurrently, bounded by the tracker's
// gate. A wallet that fails this tick is simply absent from the result.
func (t *EVMTracker) GetWalletData(ctx context.Context, wallets []string) map[string]*WalletSnapshot {
	out := make(map[string]*WalletSnapshot, len(wallets))
	var outMux sync.Mutex
	var wg sync.WaitGroup
	for _, w := range wallets {
		w := w
		if err := t.gate.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.gate.Release()
			snap, err := t.trackOne(ctx, w)
			if err != nil {
				t.log.Warn().Err(err).Str("chain", t.cfg.Name).Str("wallet", w).
					Msg("wallet fetch failed this tick")
				return
			}
			outMux.Lock()
			out[w] = snap
			outMux.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (t *EVMTracker) trackOne(ctx context.Context, wallet string) (*WalletSnapshot, error) {
	addr := common.HexToAddress(wallet)

	var current uint64
	err := t.retry.Do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var e error
		current, e = t.client.BlockNumber(ctx)
		return e
	})
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	err = t.retry.Do(ctx, "eth_getBalance", func(ctx context.Context) error {
		var e error
		balance, e = t.client.BalanceAt(ctx, addr, nil)
		return e
	})
	if err != nil {
		return nil, err
	}

	prevBalance, prevBlock := t.prevState(wallet)
	var remaining *big.Int
	if prevBalance != nil && balance.Cmp(prevBalance) != 0 {
		remaining = new(big.Int).Sub(balance, prevBalance)
	}

	from := current - min(t.startOffset, current)
	if prevBlock > 0 {
		from = prevBlock + 1
		if current > t.startOffset && from < current-t.startOffset {
			t.log.Warn().Str("chain", t.cfg.Name).Str("wallet", wallet).
				Uint64("from", from).Uint64("current", current).
				Msgf("wallet fell behind the %d-block window, skipping ahead", t.startOffset)
			from = current - t.startOffset
		}
	}
	if from > current {
		from = current
	}

	var events []TxEvent
	logs, err := t.fetchLogs(ctx, addr, from, current)
	if err != nil {
		t.log.Warn().Err(err).Str("chain", t.cfg.Name).Str("wallet", wallet).
			Msg("log fetch failed, balance-only tick")
	} else {
		for _, g := range groupLogsByTx(logs, addr) {
			seenKey := t.cfg.Name + ":" + g.hash.Hex()
			if t.txSeen.seen(seenKey) {
				continue
			}
			t.txSeen.add(seenKey)
			evs := t.classifyTx(ctx, addr, g)
			if len(evs) == 0 {
				continue
			}
			evs, consumed := synthesizeTrades(evs, remaining, t.cfg.NativeSymbol, t.cfg.Name, wallet, g.hash.Hex(), g.block)
			if consumed {
				remaining = nil
			}
			events = append(events, evs...)
		}
	}

	if remaining != nil {
		events = append([]TxEvent{{
			Kind:       TxBalanceChange,
			Chain:      t.cfg.Name,
			Wallet:     wallet,
			Symbol:     t.cfg.NativeSymbol,
			Decimals:   evmNativeDecimals,
			OldBalance: prevBalance,
			NewBalance: balance,
			Delta:      remaining,
			Balance:    balance,
		}}, events...)
	}

	t.setState(wallet, balance, current)
	return &WalletSnapshot{
		Chain:        t.cfg.Name,
		Wallet:       wallet,
		Balance:      balance,
		Transactions: events,
		LastUpdated:  time.Now().UTC(),
	}, nil
}

func (t *EVMTracker) prevState(wallet string) (*big.Int, uint64) {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.balances[wallet], t.lastBlock[wallet]
}

func (t *EVMTracker) setState(wallet string, balance *big.Int, block uint64) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.balances[wallet] = balance
	t.lastBlock[wallet] = block
}

// fetchLogs queries the transfer topics with the wallet pinned into the
// indexed from/to slots, so the node filters instead of handing back every
// transfer in the window. Transfer indexes the parties at topics 1 and 2,
// the ERC-1155 events at 2 and 3, which makes four queries. A self-transfer
// lands in two of them, so results are deduped by tx hash and log index.
func (t *EVMTracker) fetchLogs(ctx context.Context, addr common.Address, from, to uint64) ([]types.Log, error) {
	walletTopic := common.BytesToHash(addr.Bytes())
	erc1155Topics := []common.Hash{transferSingleTopic, transferBatchTopic}
	queries := [][][]common.Hash{
		{{transferTopic}, {walletTopic}},
		{{transferTopic}, nil, {walletTopic}},
		{erc1155Topics, nil, {walletTopic}},
		{erc1155Topics, nil, nil, {walletTopic}},
	}
	results := make([][]types.Log, len(queries))
	g, ctx := errgroup.WithContext(ctx)
	for i, topics := range queries {
		i, topics := i, topics
		g.Go(func() error {
			q := ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Topics:    topics,
			}
			return t.retry.Do(ctx, "eth_getLogs", func(ctx context.Context) error {
				logs, err := t.client.FilterLogs(ctx, q)
				if err != nil {
					return err
				}
				results[i] = logs
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	type logKey struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logKey]bool)
	var merged []types.Log
	for _, r := range results {
		for _, lg := range r {
			k := logKey{tx: lg.TxHash, index: lg.Index}
			if seen[k] {
				continue
			}
			seen[k] = true
			merged = append(merged, lg)
		}
	}
	return merged, nil
}

type txGroup struct {
	hash    common.Hash
	block   uint64
	txIndex uint
	logs    []types.Log
}

// groupLogsByTx keeps only logs whose indexed from or to is the wallet and
// buckets them per transaction in chain order.
func groupLogsByTx(logs []types.Log, wallet common.Address) []txGroup {
	byHash := make(map[common.Hash]*txGroup)
	var order []*txGroup
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) == 0 || !involvesWallet(lg, wallet) {
			continue
		}
		g, ok := byHash[lg.TxHash]
		if !ok {
			g = &txGroup{hash: lg.TxHash, block: lg.BlockNumber, txIndex: lg.TxIndex}
			byHash[lg.TxHash] = g
			order = append(order, g)
		}
		g.logs = append(g.logs, lg)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].block != order[j].block {
			return order[i].block < order[j].block
		}
		return order[i].txIndex < order[j].txIndex
	})
	out := make([]txGroup, len(order))
	for i, g := range order {
		out[i] = *g
	}
	return out
}

func involvesWallet(lg types.Log, wallet common.Address) bool {
	switch lg.Topics[0] {
	case transferTopic:
		if len(lg.Topics) < 3 {
			return false
		}
		return topicAddr(lg.Topics[1]) == wallet || topicAddr(lg.Topics[2]) == wallet
	case transferSingleTopic, transferBatchTopic:
		if len(lg.Topics) < 4 {
			return false
		}
		return topicAddr(lg.Topics[2]) == wallet || topicAddr(lg.Topics[3]) == wallet
	}
	return false
}

func topicAddr(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes()[12:])
}

// classifyTx turns one transaction's logs into transfer events. An ERC-20
// shaped log from a contract with zero decimals moving exactly one unit is
// treated as an NFT; a four-topic Transfer carries its token id in the
// third topic.
func (t *EVMTracker) classifyTx(ctx context.Context, wallet common.Address, g txGroup) []TxEvent {
	var out []TxEvent
	for _, lg := range g.logs {
		switch lg.Topics[0] {
		case transferTopic:
			from := topicAddr(lg.Topics[1])
			to := topicAddr(lg.Topics[2])
			if len(lg.Topics) == 4 {
				id := new(big.Int).SetBytes(lg.Topics[3].Bytes())
				out = append(out, t.nftEvent(ctx, wallet, lg, g, from, to, id, big.NewInt(1)))
				continue
			}
			if len(lg.Data) < 32 {
				continue
			}
			value := new(big.Int).SetBytes(lg.Data[:32])
			meta := t.contractMeta(ctx, lg.Address)
			if meta.Decimals == 0 && value.Cmp(big.NewInt(1)) == 0 {
				out = append(out, t.nftEvent(ctx, wallet, lg, g, from, to, nil, big.NewInt(1)))
				continue
			}
			kind := TxTokenIn
			if from == wallet {
				kind = TxTokenOut
			}
			out = append(out, TxEvent{
				Kind:        kind,
				Chain:       t.cfg.Name,
				Wallet:      wallet.Hex(),
				Hash:        g.hash.Hex(),
				BlockNumber: lg.BlockNumber,
				From:        from.Hex(),
				To:          to.Hex(),
				Contract:    lg.Address.Hex(),
				Symbol:      meta.Symbol,
				Decimals:    meta.Decimals,
				Amount:      value,
			})
		case transferSingleTopic:
			if len(lg.Topics) < 4 || len(lg.Data) < 64 {
				continue
			}
			from := topicAddr(lg.Topics[2])
			to := topicAddr(lg.Topics[3])
			id := new(big.Int).SetBytes(lg.Data[:32])
			amount := new(big.Int).SetBytes(lg.Data[32:64])
			out = append(out, t.nftEvent(ctx, wallet, lg, g, from, to, id, amount))
		case transferBatchTopic:
			if len(lg.Topics) < 4 {
				continue
			}
			from := topicAddr(lg.Topics[2])
			to := topicAddr(lg.Topics[3])
			ids, amounts, err := unpackBatch(lg.Data)
			if err != nil {
				t.log.Debug().Err(err).Str("tx", g.hash.Hex()).Msg("could not decode batch transfer")
				continue
			}
			for i := range ids {
				out = append(out, t.nftEvent(ctx, wallet, lg, g, from, to, ids[i], amounts[i]))
			}
		}
	}
	return out
}

func (t *EVMTracker) nftEvent(ctx context.Context, wallet common.Address, lg types.Log, g txGroup, from, to common.Address, id, amount *big.Int) TxEvent {
	meta := t.contractMeta(ctx, lg.Address)
	collection := meta.Name
	if collection == "" {
		collection = meta.Symbol
	}
	kind := TxNftIn
	if from == wallet {
		kind = TxNftOut
	}
	ev := TxEvent{
		Kind:        kind,
		Chain:       t.cfg.Name,
		Wallet:      wallet.Hex(),
		Hash:        g.hash.Hex(),
		BlockNumber: lg.BlockNumber,
		From:        from.Hex(),
		To:          to.Hex(),
		Contract:    lg.Address.Hex(),
		Symbol:      meta.Symbol,
		Collection:  collection,
		Amount:      amount,
	}
	if id != nil {
		ev.TokenID = id.String()
	}
	return ev
}

func unpackBatch(data []byte) (ids, amounts []*big.Int, err error) {
	vals, err := erc1155BatchArgs.Unpack(data)
	if err != nil {
		return nil, nil, err
	}
	ids, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected ids type %T", vals[0])
	}
	amounts, ok = vals[1].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected amounts type %T", vals[1])
	}
	if len(ids) != len(amounts) {
		return nil, nil, fmt.Errorf("ids and amounts lengths differ")
	}
	return ids, amounts, nil
}

// contractMeta reads name/symbol/decimals, caching the answer. A revert
// means the contract genuinely lacks the method and is cacheable; a network
// failure is not, so the next sighting retries.
func (t *EVMTracker) contractMeta(ctx context.Context, contract common.Address) tokenMeta {
	key := "meta:" + t.cfg.Name + ":" + contract.Hex()
	if v, ok := t.meta.Get(key); ok {
		return v.(tokenMeta)
	}

	m := tokenMeta{Symbol: shortHex(contract.Hex())}
	cacheable := true
	if name, err := t.callString(ctx, contract, "name"); err == nil {
		m.Name = name
	} else if !isRevert(err) {
		cacheable = false
	}
	if sym, err := t.callString(ctx, contract, "symbol"); err == nil && sym != "" {
		m.Symbol = sym
	} else if err != nil && !isRevert(err) {
		cacheable = false
	}
	if dec, err := t.callUint8(ctx, contract, "decimals"); err == nil {
		m.Decimals = dec
	} else if !isRevert(err) {
		cacheable = false
	}
	if cacheable {
		t.meta.Set(key, m, 0)
	}
	return m
}

func (t *EVMTracker) call(ctx context.Context, contract common.Address, method string) ([]byte, error) {
	input, err := erc20Meta.Pack(method)
	if err != nil {
		return nil, err
	}
	var ret []byte
	err = t.retry.Do(ctx, "eth_call "+method, func(ctx context.Context) error {
		var e error
		ret, e = t.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
		if e != nil && isRevert(e) {
			return utils.Permanent(e)
		}
		return e
	})
	return ret, err
}

func (t *EVMTracker) callString(ctx context.Context, contract common.Address, method string) (string, error) {
	ret, err := t.call(ctx, contract, method)
	if err != nil {
		return "", err
	}
	vals, err := erc20Meta.Unpack(method, ret)
	if err != nil || len(vals) == 0 {
		return "", utils.Permanent(fmt.Errorf("decode %s: %v", method, err))
	}
	s, _ := vals[0].(string)
	return s, nil
}

func (t *EVMTracker) callUint8(ctx context.Context, contract common.Address, method string) (uint8, error) {
	ret, err := t.call(ctx, contract, method)
	if err != nil {
		return 0, err
	}
	vals, err := erc20Meta.Unpack(method, ret)
	if err != nil || len(vals) == 0 {
		return 0, utils.Permanent(fmt.Errorf("decode %s: %v", method, err))
	}
	n, _ := vals[0].(uint8)
	return n, nil
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "revert")
}

func shortHex(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// synthesizeTrades promotes transfer pairs within one transaction to a
// trade, suppressing the constituents. The native side comes from the
// tick's balance delta; only one transaction per tick may consume it, the
// caller tracks that through consumedDelta.
func synthesizeTrades(events []TxEvent, nativeDelta *big.Int, nativeSymbol, chain, wallet, hash string, block uint64) (out []TxEvent, consumedDelta bool) {
	var tokenIn, tokenOut, nft *TxEvent
	for i := range events {
		switch events[i].Kind {
		case TxTokenIn:
			if tokenIn == nil {
				tokenIn = &events[i]
			}
		case TxTokenOut:
			if tokenOut == nil {
				tokenOut = &events[i]
			}
		case TxNftIn, TxNftOut:
			if nft == nil {
				nft = &events[i]
			}
		}
	}

	negDelta := nativeDelta != nil && nativeDelta.Sign() < 0
	posDelta := nativeDelta != nil && nativeDelta.Sign() > 0
	suppress := make(map[*TxEvent]bool)

	if nft != nil {
		direction := "sell"
		counterparty := nft.To
		if nft.Kind == TxNftIn {
			direction = "buy"
			counterparty = nft.From
		}
		var priceToken string
		var priceDecimals uint8
		var priceAmount *big.Int
		if direction == "buy" {
			if tokenOut != nil {
				priceToken, priceDecimals, priceAmount = tokenOut.Symbol, tokenOut.Decimals, tokenOut.Amount
				suppress[tokenOut] = true
			} else if negDelta {
				priceToken, priceDecimals, priceAmount = nativeSymbol, evmNativeDecimals, new(big.Int).Abs(nativeDelta)
				consumedDelta = true
			}
		} else {
			if tokenIn != nil {
				priceToken, priceDecimals, priceAmount = tokenIn.Symbol, tokenIn.Decimals, tokenIn.Amount
				suppress[tokenIn] = true
			} else if posDelta {
				priceToken, priceDecimals, priceAmount = nativeSymbol, evmNativeDecimals, new(big.Int).Set(nativeDelta)
				consumedDelta = true
			}
		}
		if priceAmount != nil {
			suppress[nft] = true
			out = append(out, TxEvent{
				Kind:               TxNftTrade,
				Chain:              chain,
				Wallet:             wallet,
				Hash:               hash,
				BlockNumber:        block,
				Contract:           nft.Contract,
				Collection:         nft.Collection,
				TokenID:            nft.TokenID,
				Amount:             nft.Amount,
				Direction:          direction,
				Counterparty:       counterparty,
				PriceToken:         priceToken,
				PriceTokenDecimals: priceDecimals,
				PriceTokenAmount:   priceAmount,
			})
		}
	} else if negDelta && tokenIn != nil {
		suppress[tokenIn] = true
		consumedDelta = true
		out = append(out, TxEvent{
			Kind:             TxTokenTrade,
			Chain:            chain,
			Wallet:           wallet,
			Hash:             hash,
			BlockNumber:      block,
			Side:             "buy",
			TokenIn:          nativeToken,
			TokenInSymbol:    nativeSymbol,
			TokenInDecimals:  evmNativeDecimals,
			AmountIn:         new(big.Int).Abs(nativeDelta),
			TokenOut:         tokenIn.Contract,
			TokenOutSymbol:   tokenIn.Symbol,
			TokenOutDecimals: tokenIn.Decimals,
			AmountOut:        tokenIn.Amount,
		})
	} else if posDelta && tokenOut != nil {
		suppress[tokenOut] = true
		consumedDelta = true
		out = append(out, TxEvent{
			Kind:             TxTokenTrade,
			Chain:            chain,
			Wallet:           wallet,
			Hash:             hash,
			BlockNumber:      block,
			Side:             "sell",
			TokenIn:          tokenOut.Contract,
			TokenInSymbol:    tokenOut.Symbol,
			TokenInDecimals:  tokenOut.Decimals,
			AmountIn:         tokenOut.Amount,
			TokenOut:         nativeToken,
			TokenOutSymbol:   nativeSymbol,
			TokenOutDecimals: evmNativeDecimals,
			AmountOut:        new(big.Int).Set(nativeDelta),
		})
	}

	for i := range events {
		if !suppress[&events[i]] {
			out = append(out, events[i])
		}
	}
	return out, consumedDelta
}
