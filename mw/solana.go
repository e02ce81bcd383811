package mw

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/near/borsh-go"
	"github.com/rs/zerolog"

	"github.com/firstset/marketwatch/mw/utils"
)

const (
	chainSolana       = "solana"
	solSymbol         = "SOL"
	solNativeDecimals = 9

	// transfers below a millionth of a SOL are fee noise, not activity
	solDustLamports = 1000

	sigFetchLimit  = 20
	slotCutoff     = 1000
	wrappedSolMint = "So11111111111111111111111111111111111111112"
)

var dexMarkers = []struct{ marker, name string }{
	{"jupiter", "Jupiter"},
	{"whirlpool", "Orca"},
	{"orca", "Orca"},
	{"raydium", "Raydium"},
	{"serum", "Serum"},
	{"meteora", "Meteora"},
}

var dexPrograms = map[string]string{
	"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4":  "Jupiter",
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc":  "Orca",
	"9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP": "Orca",
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": "Raydium",
	"CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK": "Raydium",
	"srmqPvymJeFKQ4zGQed1GFppgkRHL9kaELCbyksJtPX":  "Serum",
}

// solanaClient is the slice of the RPC surface the tracker uses.
type solanaClient interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// splTokenAccount is the fixed head of an SPL token account's data. Only
// decoded when the node's token balance entries omit the owner.
type splTokenAccount struct {
	Mint   [32]byte
	Owner  [32]byte
	Amount uint64
}

// SolanaTracker reconstructs wallet activity on Solana from recent
// signatures: SOL and per-mint deltas, DEX swaps, and marketplace NFT
// trades. One long-lived instance process-wide.
type SolanaTracker struct {
	cfg    SolanaConfig
	client solanaClient
	retry  utils.Retrier
	gate   *utils.HostGate
	owners *utils.Cache
	log    zerolog.Logger
	txSeen *seenSet
}

func NewSolanaTracker(cfg SolanaConfig, watch WalletWatcherConfig, log zerolog.Logger) *SolanaTracker {
	return NewSolanaTrackerWithClient(cfg, watch, rpc.New(cfg.RPC), log)
}

func NewSolanaTrackerWithClient(cfg SolanaConfig, watch WalletWatcherConfig, client solanaClient, log zerolog.Logger) *SolanaTracker {
	return &SolanaTracker{
		cfg:    cfg,
		client: client,
		retry:  utils.NewRetrier(),
		gate:   utils.NewHostGate(int64(watch.MaxConcurrentWallets)),
		owners: utils.NewCache(),
		log:    log,
		txSeen: newSeenSet(txSeenCap),
	}
}

func (t *SolanaTracker) Chain() string { return chainSolana }
func (t *SolanaTracker) Kind() string  { return KindSolana }

func (t *SolanaTracker) GetWalletData(ctx context.Context, wallets []string) map[string]*WalletSnapshot {
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
				t.log.Warn().Err(err).Str("wallet", w).Msg("solana wallet fetch failed this tick")
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

func (t *SolanaTracker) trackOne(ctx context.Context, wallet string) (*WalletSnapshot, error) {
	pub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("bad solana address %q: %w", wallet, err)
	}

	var slot uint64
	err = t.retry.Do(ctx, "getSlot", func(ctx context.Context) error {
		var e error
		slot, e = t.client.GetSlot(ctx, rpc.CommitmentFinalized)
		return e
	})
	if err != nil {
		return nil, err
	}

	var bal *rpc.GetBalanceResult
	err = t.retry.Do(ctx, "getBalance", func(ctx context.Context) error {
		var e error
		bal, e = t.client.GetBalance(ctx, pub, rpc.CommitmentFinalized)
		return e
	})
	if err != nil {
		return nil, err
	}

	limit := sigFetchLimit
	var sigs []*rpc.TransactionSignature
	err = t.retry.Do(ctx, "getSignaturesForAddress", func(ctx context.Context) error {
		var e error
		sigs, e = t.client.GetSignaturesForAddressWithOpts(ctx, pub, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentFinalized,
		})
		return e
	})
	if err != nil {
		return nil, err
	}

	var events []TxEvent
	// oldest first so events come out in chain order
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Slot+slotCutoff < slot {
			continue
		}
		key := chainSolana + ":" + sig.Signature.String()
		if t.txSeen.seen(key) {
			continue
		}
		t.txSeen.add(key)
		if sig.Err != nil {
			continue
		}
		res, err := t.getTransaction(ctx, sig.Signature)
		if err != nil {
			t.log.Debug().Err(err).Str("sig", sig.Signature.String()).Msg("could not fetch transaction")
			continue
		}
		if res == nil || res.Meta == nil || res.Transaction == nil {
			continue
		}
		tx, err := res.Transaction.GetTransaction()
		if err != nil || tx == nil {
			continue
		}
		events = append(events, t.classifyTx(ctx, pub, wallet, sig.Signature.String(), res.Slot, tx, res.Meta)...)
	}

	return &WalletSnapshot{
		Chain:        chainSolana,
		Wallet:       wallet,
		Balance:      new(big.Int).SetUint64(bal.Value),
		Transactions: events,
		LastUpdated:  time.Now().UTC(),
	}, nil
}

func (t *SolanaTracker) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVer := uint64(0)
	var res *rpc.GetTransactionResult
	err := t.retry.Do(ctx, "getTransaction", func(ctx context.Context) error {
		var e error
		res, e = t.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &maxVer,
		})
		return e
	})
	return res, err
}

type mintDelta struct {
	mint     string
	decimals uint8
	delta    *big.Int
}

func (m mintDelta) nftShaped() bool {
	return m.decimals == 0 && new(big.Int).Abs(m.delta).Cmp(big.NewInt(1)) == 0
}

// classifyTx turns one confirmed transaction into wallet events: a
// marketplace trade swallows the whole transaction, a clean two-mint swap
// becomes a token_trade, a lone mint delta against an opposite SOL move is
// promoted to a trade too, and whatever remains falls out as plain
// transfers.
func (t *SolanaTracker) classifyTx(ctx context.Context, pub solana.PublicKey, wallet, sig string, slot uint64, tx *solana.Transaction, meta *rpc.TransactionMeta) []TxEvent {
	walletIdx := -1
	for i, k := range tx.Message.AccountKeys {
		if k.Equals(pub) {
			walletIdx = i
			break
		}
	}

	var solDelta int64
	if walletIdx >= 0 && walletIdx < len(meta.PreBalances) && walletIdx < len(meta.PostBalances) {
		solDelta = int64(meta.PostBalances[walletIdx]) - int64(meta.PreBalances[walletIdx])
		if walletIdx == 0 {
			// the fee payer's delta should reflect movement, not the fee
			solDelta += int64(meta.Fee)
		}
	}

	deltas := t.mintDeltas(ctx, tx, meta, pub)

	base := TxEvent{Chain: chainSolana, Wallet: wallet, Hash: sig, BlockNumber: slot}

	if hasMarketplaceMarker(meta.LogMessages) {
		if ev, ok := marketplaceTrade(base, deltas, solDelta, meta, pub); ok {
			return []TxEvent{ev}
		}
	}

	if len(deltas) == 2 && deltas[0].delta.Sign()*deltas[1].delta.Sign() < 0 &&
		!deltas[0].nftShaped() && !deltas[1].nftShaped() {
		return []TxEvent{swapTrade(base, deltas, meta, tx)}
	}

	if len(deltas) == 1 && !deltas[0].nftShaped() &&
		absInt64(solDelta) > solDustLamports && oppositeSign(deltas[0].delta, solDelta) {
		return []TxEvent{nativeSwapTrade(base, deltas[0], solDelta, meta, tx)}
	}

	var events []TxEvent
	for _, md := range deltas {
		ev := base
		ev.Contract = md.mint
		if md.nftShaped() {
			ev.Kind = TxNftIn
			lookPre := true
			if md.delta.Sign() < 0 {
				ev.Kind = TxNftOut
				lookPre = false
			}
			ev.Collection = shortHex(md.mint)
			ev.TokenID = md.mint
			ev.Amount = big.NewInt(1)
			ev.Counterparty = nftCounterparty(meta, md.mint, pub, lookPre)
		} else {
			ev.Kind = TxTokenIn
			if md.delta.Sign() < 0 {
				ev.Kind = TxTokenOut
			}
			ev.Symbol = shortHex(md.mint)
			ev.Decimals = md.decimals
			ev.Amount = new(big.Int).Abs(md.delta)
		}
		events = append(events, ev)
	}

	if absInt64(solDelta) > solDustLamports {
		ev := base
		ev.Symbol = solSymbol
		ev.Decimals = solNativeDecimals
		ev.Amount = lamports(absInt64(solDelta))
		ev.Delta = lamports(solDelta)
		counterparty := nativeCounterparty(tx, meta, walletIdx, solDelta)
		if solDelta < 0 {
			ev.Kind = TxNativeOut
			ev.From = wallet
			ev.To = counterparty
		} else {
			ev.Kind = TxNativeIn
			ev.From = counterparty
			ev.To = wallet
		}
		events = append(events, ev)
	}
	return events
}

// mintDeltas sums the wallet's pre and post token balances per mint and
// returns the non-zero differences in mint order.
func (t *SolanaTracker) mintDeltas(ctx context.Context, tx *solana.Transaction, meta *rpc.TransactionMeta, wallet solana.PublicKey) []mintDelta {
	pre, preDec := t.walletTokenAmounts(ctx, tx, meta.PreTokenBalances, wallet)
	post, postDec := t.walletTokenAmounts(ctx, tx, meta.PostTokenBalances, wallet)

	mints := make(map[string]struct{}, len(pre)+len(post))
	for m := range pre {
		mints[m] = struct{}{}
	}
	for m := range post {
		mints[m] = struct{}{}
	}
	ordered := make([]string, 0, len(mints))
	for m := range mints {
		ordered = append(ordered, m)
	}
	sort.Strings(ordered)

	var out []mintDelta
	for _, m := range ordered {
		p, q := pre[m], post[m]
		if p == nil {
			p = new(big.Int)
		}
		if q == nil {
			q = new(big.Int)
		}
		d := new(big.Int).Sub(q, p)
		if d.Sign() == 0 {
			continue
		}
		dec, ok := postDec[m]
		if !ok {
			dec = preDec[m]
		}
		out = append(out, mintDelta{mint: m, decimals: dec, delta: d})
	}
	return out
}

func (t *SolanaTracker) walletTokenAmounts(ctx context.Context, tx *solana.Transaction, balances []rpc.TokenBalance, wallet solana.PublicKey) (map[string]*big.Int, map[string]uint8) {
	amounts := make(map[string]*big.Int)
	decimals := make(map[string]uint8)
	for _, tb := range balances {
		if tb.UiTokenAmount == nil {
			continue
		}
		owned := false
		if tb.Owner != nil {
			owned = tb.Owner.Equals(wallet)
		} else if int(tb.AccountIndex) < len(tx.Message.AccountKeys) {
			if o, ok := t.tokenAccountOwner(ctx, tx.Message.AccountKeys[tb.AccountIndex]); ok {
				owned = o.Equals(wallet)
			}
		}
		if !owned {
			continue
		}
		amt, ok := new(big.Int).SetString(tb.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		mint := tb.Mint.String()
		cur := amounts[mint]
		if cur == nil {
			cur = new(big.Int)
		}
		amounts[mint] = cur.Add(cur, amt)
		decimals[mint] = tb.UiTokenAmount.Decimals
	}
	return amounts, decimals
}

// tokenAccountOwner decodes a token account's owner straight from account
// data, for nodes whose balance entries carry no owner field.
func (t *SolanaTracker) tokenAccountOwner(ctx context.Context, account solana.PublicKey) (solana.PublicKey, bool) {
	key := "owner:" + account.String()
	if v, ok := t.owners.Get(key); ok {
		return v.(solana.PublicKey), true
	}
	var res *rpc.GetAccountInfoResult
	err := t.retry.Do(ctx, "getAccountInfo", func(ctx context.Context) error {
		var e error
		res, e = t.client.GetAccountInfo(ctx, account)
		return e
	})
	if err != nil || res == nil || res.Value == nil {
		return solana.PublicKey{}, false
	}
	data := res.Value.Data.GetBinary()
	if len(data) < 72 {
		return solana.PublicKey{}, false
	}
	var acct splTokenAccount
	if err := borsh.Deserialize(&acct, data[:72]); err != nil {
		return solana.PublicKey{}, false
	}
	owner := solana.PublicKeyFromBytes(acct.Owner[:])
	t.owners.Set(key, owner, time.Hour)
	return owner, true
}

func swapTrade(base TxEvent, deltas []mintDelta, meta *rpc.TransactionMeta, tx *solana.Transaction) TxEvent {
	neg, pos := deltas[0], deltas[1]
	if neg.delta.Sign() > 0 {
		neg, pos = pos, neg
	}
	ev := base
	ev.Kind = TxTokenTrade
	ev.Side = "unknown"
	ev.TokenIn = neg.mint
	ev.TokenInSymbol = shortHex(neg.mint)
	ev.TokenInDecimals = neg.decimals
	ev.AmountIn = new(big.Int).Abs(neg.delta)
	ev.TokenOut = pos.mint
	ev.TokenOutSymbol = shortHex(pos.mint)
	ev.TokenOutDecimals = pos.decimals
	ev.AmountOut = new(big.Int).Set(pos.delta)
	if neg.mint == wrappedSolMint {
		ev.Side = "buy"
		ev.TokenInSymbol = solSymbol
	} else if pos.mint == wrappedSolMint {
		ev.Side = "sell"
		ev.TokenOutSymbol = solSymbol
	}
	ev.Dex = inferDex(meta.LogMessages, tx.Message.AccountKeys)
	return ev
}

func nativeSwapTrade(base TxEvent, md mintDelta, solDelta int64, meta *rpc.TransactionMeta, tx *solana.Transaction) TxEvent {
	ev := base
	ev.Kind = TxTokenTrade
	ev.Dex = inferDex(meta.LogMessages, tx.Message.AccountKeys)
	if solDelta < 0 {
		ev.Side = "buy"
		ev.TokenIn = nativeToken
		ev.TokenInSymbol = solSymbol
		ev.TokenInDecimals = solNativeDecimals
		ev.AmountIn = lamports(-solDelta)
		ev.TokenOut = md.mint
		ev.TokenOutSymbol = shortHex(md.mint)
		ev.TokenOutDecimals = md.decimals
		ev.AmountOut = new(big.Int).Set(md.delta)
	} else {
		ev.Side = "sell"
		ev.TokenIn = md.mint
		ev.TokenInSymbol = shortHex(md.mint)
		ev.TokenInDecimals = md.decimals
		ev.AmountIn = new(big.Int).Abs(md.delta)
		ev.TokenOut = nativeToken
		ev.TokenOutSymbol = solSymbol
		ev.TokenOutDecimals = solNativeDecimals
		ev.AmountOut = lamports(solDelta)
	}
	return ev
}

// marketplaceTrade builds an nft_trade when the logs carry a marketplace
// instruction and the wallet both moved an NFT-shaped mint and moved SOL.
// Negative SOL means the wallet paid, so it bought.
func marketplaceTrade(base TxEvent, deltas []mintDelta, solDelta int64, meta *rpc.TransactionMeta, wallet solana.PublicKey) (TxEvent, bool) {
	var nft *mintDelta
	for i := range deltas {
		if deltas[i].nftShaped() {
			nft = &deltas[i]
			break
		}
	}
	if nft == nil || solDelta == 0 {
		return TxEvent{}, false
	}
	direction := "sell"
	lookPre := false
	if solDelta < 0 {
		direction = "buy"
		lookPre = true
	}
	ev := base
	ev.Kind = TxNftTrade
	ev.Direction = direction
	ev.Contract = nft.mint
	ev.Collection = shortHex(nft.mint)
	ev.TokenID = nft.mint
	ev.Amount = big.NewInt(1)
	ev.Counterparty = nftCounterparty(meta, nft.mint, wallet, lookPre)
	ev.PriceToken = solSymbol
	ev.PriceTokenDecimals = solNativeDecimals
	ev.PriceTokenAmount = lamports(absInt64(solDelta))
	return ev, true
}

// nftCounterparty is the other holder of the mint: the pre-transaction
// holder when the wallet acquired it, the post-transaction holder when it
// let go.
func nftCounterparty(meta *rpc.TransactionMeta, mint string, wallet solana.PublicKey, lookPre bool) string {
	list := meta.PostTokenBalances
	if lookPre {
		list = meta.PreTokenBalances
	}
	for _, tb := range list {
		if tb.Mint.String() != mint || tb.Owner == nil || tb.Owner.Equals(wallet) {
			continue
		}
		if tb.UiTokenAmount != nil && tb.UiTokenAmount.Amount == "1" {
			return tb.Owner.String()
		}
	}
	return ""
}

// nativeCounterparty picks the account with the largest balance move in the
// opposite direction.
func nativeCounterparty(tx *solana.Transaction, meta *rpc.TransactionMeta, walletIdx int, delta int64) string {
	best := -1
	var bestMag int64
	for i := range meta.PostBalances {
		if i == walletIdx || i >= len(meta.PreBalances) {
			continue
		}
		d := int64(meta.PostBalances[i]) - int64(meta.PreBalances[i])
		if d == 0 || (d < 0) == (delta < 0) {
			continue
		}
		if mag := absInt64(d); mag > bestMag {
			bestMag, best = mag, i
		}
	}
	if best < 0 || best >= len(tx.Message.AccountKeys) {
		return ""
	}
	return tx.Message.AccountKeys[best].String()
}

func hasMarketplaceMarker(logs []string) bool {
	for _, lg := range logs {
		if strings.Contains(lg, "Instruction: Sell") || strings.Contains(lg, "Instruction: Buy") {
			return true
		}
	}
	return false
}

func inferDex(logs []string, keys []solana.PublicKey) string {
	for _, lg := range logs {
		low := strings.ToLower(lg)
		for _, m := range dexMarkers {
			if strings.Contains(low, m.marker) {
				return m.name
			}
		}
	}
	for _, k := range keys {
		if name, ok := dexPrograms[k.String()]; ok {
			return name
		}
	}
	return "Unknown"
}

func oppositeSign(d *big.Int, sol int64) bool {
	return (d.Sign() < 0) != (sol < 0)
}

func absInt64(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}

func lamports(d int64) *big.Int {
	return new(big.Int).SetInt64(d)
}
