package mw

import (
	"math/big"
	"strings"
	"testing"
)

func testRenderer() *renderer {
	return newRenderer(&Config{
		Chains: []*ChainConfig{{
			Name:               "ethereum",
			ChainID:            1,
			ExplorerAddressURL: "https://etherscan.io/address/",
			ExplorerTxURL:      "https://etherscan.io/tx/",
		}},
		Solana: SolanaConfig{
			ExplorerAddressURL: "https://solscan.io/account/",
			ExplorerTxURL:      "https://solscan.io/tx/",
		},
	})
}

func walletEvent(m MatchEntry) *MatchEvent {
	return &MatchEvent{
		Rule:      *validTestRule(),
		MatchData: MatchData{Matches: []MatchEntry{m}},
	}
}

func TestTokenMessagePriceConditions(t *testing.T) {
	r := testRenderer()
	tests := []struct {
		name  string
		match MatchEntry
		want  string
	}{
		{
			name:  "price above",
			match: MatchEntry{Condition: CondPriceAbove, Token: "BTC", Value: 105000, Threshold: 100000},
			want:  "<b>BTC</b> price above $100,000.00 (current: $105,000.00)",
		},
		{
			name:  "price below",
			match: MatchEntry{Condition: CondPriceBelow, Token: "ETH", Value: 2950.5, Threshold: 3000},
			want:  "<b>ETH</b> price below $3,000.00 (current: $2,950.50)",
		},
		{
			name:  "tick-to-tick move up",
			match: MatchEntry{Condition: CondPriceChange, Token: "SOL", Value: 6.25, OldPrice: 160, NewPrice: 170},
			want:  "<b>SOL</b> increased by 6.25% (from $160.00 → $170.00)",
		},
		{
			name:  "tick-to-tick move down",
			match: MatchEntry{Condition: CondPriceChange, Token: "SOL", Value: -8, OldPrice: 170, NewPrice: 156.4},
			want:  "<b>SOL</b> decreased by 8.00% (from $170.00 → $156.40)",
		},
		{
			name:  "24h move",
			match: MatchEntry{Condition: CondPriceChange24h, Token: "BTC", Value: -12.5, CurrentPrice: 91875},
			want:  "<b>BTC</b> decreased by 12.50% in 24h (current: $91,875.00)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := walletEvent(tt.match)
			got, err := r.message(WatchToken, ev)
			if err != nil {
				t.Fatalf("message() = %v", err)
			}
			if got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTokenMessageAlertsAfterPrices(t *testing.T) {
	r := testRenderer()
	ev := &MatchEvent{MatchData: MatchData{Matches: []MatchEntry{
		{Condition: CondAlert, Message: "BTC whale moved 10k"},
		{Condition: CondPriceAbove, Token: "BTC", Value: 105000, Threshold: 100000},
		{Condition: CondAlert, Message: "Exchange outflow spike"},
	}}}
	got, err := r.message(WatchToken, ev)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	want := "<b>BTC</b> price above $100,000.00 (current: $105,000.00)\n" +
		"🚨 <b>Market Alert</b>\n" +
		"• BTC whale moved 10k\n" +
		"• Exchange outflow spike"
	if got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestAirdropMessage(t *testing.T) {
	r := testRenderer()
	ev := &MatchEvent{MatchData: MatchData{Matches: []MatchEntry{
		{Condition: CondAlert, Message: "Project X snapshot today"},
		{Condition: CondAlert, Message: "ZK token claim live"},
	}}}
	got, err := r.message(WatchAirdrop, ev)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	want := "🔔 <b>Airdrop Alert</b>\n• Project X snapshot today\n• ZK token claim live"
	if got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestWalletBlockBalanceChange(t *testing.T) {
	r := testRenderer()
	got, err := r.message(WatchWallet, walletEvent(MatchEntry{
		Condition:  string(TxBalanceChange),
		Chain:      "ethereum",
		Wallet:     evmWalletAddr,
		Delta:      eth(2),
		NewBalance: eth(12),
		Decimals:   18,
		Symbol:     "ETH",
	}))
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "💰 <b>Balance Change</b>") {
		t.Errorf("title missing: %q", got)
	}
	if !strings.Contains(got, "Amount: +2 ETH") {
		t.Errorf("signed amount missing: %q", got)
	}
	if !strings.Contains(got, "Balance: 12 ETH") {
		t.Errorf("balance missing: %q", got)
	}
	wantLink := `<a href="https://etherscan.io/address/` + evmWalletAddr + `">0x1111…1111</a>`
	if !strings.Contains(got, "Wallet: "+wantLink) {
		t.Errorf("wallet link missing: %q", got)
	}
}

func TestWalletBlockNativeTransfer(t *testing.T) {
	r := testRenderer()
	got, err := r.message(WatchWallet, walletEvent(MatchEntry{
		Condition: string(TxNativeOut),
		Chain:     "ethereum",
		Wallet:    evmWalletAddr,
		From:      evmWalletAddr,
		To:        "0x2222222222222222222222222222222222222222",
		Amount:    eth(1),
		Decimals:  18,
		Symbol:    "ETH",
		Hash:      "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	}))
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "📤 <b>Transfer Out</b>") {
		t.Errorf("title = %q", got)
	}
	if !strings.Contains(got, "Amount: 1 ETH") {
		t.Errorf("amount missing: %q", got)
	}
	if !strings.Contains(got, `https://etherscan.io/tx/0xdeadbeef`) {
		t.Errorf("tx link missing: %q", got)
	}
	if !strings.Contains(got, "0xdead…beef") {
		t.Errorf("shortened hash missing: %q", got)
	}
}

func TestWalletBlockTokenTransferStandards(t *testing.T) {
	r := testRenderer()
	evm := walletEvent(MatchEntry{
		Condition: string(TxTokenIn),
		Chain:     "ethereum",
		Wallet:    evmWalletAddr,
		Contract:  "0x2222222222222222222222222222222222222222",
		Amount:    big.NewInt(3_500_000_000),
		Decimals:  6,
		Symbol:    "USDC",
		Hash:      "0xaa",
	})
	got, err := r.message(WatchWallet, evm)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "📥 <b>Token Transfer In</b>") {
		t.Errorf("title = %q", got)
	}
	if !strings.Contains(got, "Type: ERC-20") {
		t.Errorf("standard missing: %q", got)
	}
	if !strings.Contains(got, "Amount: 3500 USDC") {
		t.Errorf("amount missing: %q", got)
	}

	spl := walletEvent(MatchEntry{
		Condition: string(TxTokenOut),
		Chain:     chainSolana,
		Wallet:    solWalletAddr,
		Contract:  "So11111111111111111111111111111111111111112",
		Amount:    big.NewInt(500_000),
		Decimals:  6,
		Hash:      "sig",
	})
	got, err = r.message(WatchWallet, spl)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "📤 <b>Token Transfer Out</b>") {
		t.Errorf("title = %q", got)
	}
	if !strings.Contains(got, "Type: SPL") {
		t.Errorf("standard missing: %q", got)
	}
	if !strings.Contains(got, "https://solscan.io/account/") {
		t.Errorf("solana explorer missing: %q", got)
	}
}

func TestWalletBlockTokenTrade(t *testing.T) {
	r := testRenderer()

	buy := walletEvent(MatchEntry{
		Condition:        string(TxTokenTrade),
		Chain:            "ethereum",
		Wallet:           evmWalletAddr,
		Side:             "buy",
		TokenIn:          nativeToken,
		TokenInSymbol:    "ETH",
		TokenInDecimals:  18,
		AmountIn:         eth(1),
		TokenOut:         "0x2222222222222222222222222222222222222222",
		TokenOutSymbol:   "USDC",
		TokenOutDecimals: 6,
		AmountOut:        big.NewInt(3_500_000_000),
		Dex:              "Uniswap",
		Hash:             "0xaa",
	})
	got, err := r.message(WatchWallet, buy)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "🔄 <b>Token Trade</b>") {
		t.Errorf("title = %q", got)
	}
	if !strings.Contains(got, "Sold: 1 ETH") || !strings.Contains(got, "Bought: 3500 USDC") {
		t.Errorf("legs missing: %q", got)
	}
	if !strings.Contains(got, "DEX: Uniswap") {
		t.Errorf("dex missing: %q", got)
	}
	if !strings.Contains(got, "CA: ") {
		t.Errorf("contract link missing: %q", got)
	}

	sell := walletEvent(MatchEntry{
		Condition:        string(TxTokenTrade),
		Chain:            "ethereum",
		Wallet:           evmWalletAddr,
		Side:             "sell",
		TokenIn:          "0x2222222222222222222222222222222222222222",
		TokenInSymbol:    "USDC",
		TokenInDecimals:  6,
		AmountIn:         big.NewInt(3_500_000_000),
		TokenOut:         nativeToken,
		TokenOutSymbol:   "ETH",
		TokenOutDecimals: 18,
		AmountOut:        eth(1),
		Dex:              "Unknown",
		Hash:             "0xbb",
	})
	got, err = r.message(WatchWallet, sell)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.Contains(got, "Received: 1 ETH") {
		t.Errorf("native leg missing: %q", got)
	}
	if strings.Contains(got, "DEX:") {
		t.Errorf("unknown dex should be omitted: %q", got)
	}
}

func TestWalletBlockNft(t *testing.T) {
	r := testRenderer()

	transfer := walletEvent(MatchEntry{
		Condition:    string(TxNftIn),
		Chain:        "ethereum",
		Wallet:       evmWalletAddr,
		Collection:   "Bored Apes",
		TokenID:      "1234",
		Counterparty: "0x3333333333333333333333333333333333333333",
		Hash:         "0xcc",
	})
	got, err := r.message(WatchWallet, transfer)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "🖼 <b>NFT Transfer In</b>") {
		t.Errorf("title = %q", got)
	}
	if !strings.Contains(got, "Collection: Bored Apes") || !strings.Contains(got, "Token ID: 1234") {
		t.Errorf("nft fields missing: %q", got)
	}
	// counterparty fills the missing From side on an inbound transfer
	if !strings.Contains(got, "From: ") {
		t.Errorf("counterparty fallback missing: %q", got)
	}

	purchase := walletEvent(MatchEntry{
		Condition:          string(TxNftTrade),
		Chain:              "ethereum",
		Wallet:             evmWalletAddr,
		Direction:          "buy",
		Collection:         "Bored Apes",
		TokenID:            "42",
		PriceToken:         "ETH",
		PriceTokenDecimals: 18,
		PriceTokenAmount:   eth(2),
		Counterparty:       "0x3333333333333333333333333333333333333333",
		Hash:               "0xdd",
	})
	got, err = r.message(WatchWallet, purchase)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "🖼 <b>NFT Purchase</b>") {
		t.Errorf("title = %q", got)
	}
	if !strings.Contains(got, "Price: 2 ETH") {
		t.Errorf("price missing: %q", got)
	}

	sale := walletEvent(MatchEntry{
		Condition:  string(TxNftTrade),
		Chain:      "ethereum",
		Wallet:     evmWalletAddr,
		Direction:  "sell",
		Collection: "Bored Apes",
		Hash:       "0xee",
	})
	got, err = r.message(WatchWallet, sale)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if !strings.HasPrefix(got, "🖼 <b>NFT Sale</b>") {
		t.Errorf("title = %q", got)
	}
}

func TestWalletMessageJoinsBlocks(t *testing.T) {
	r := testRenderer()
	ev := &MatchEvent{MatchData: MatchData{Matches: []MatchEntry{
		{Condition: string(TxBalanceChange), Chain: "ethereum", Wallet: evmWalletAddr, Delta: eth(1), Decimals: 18, Symbol: "ETH"},
		{Condition: string(TxNativeIn), Chain: "ethereum", Wallet: evmWalletAddr, Amount: eth(1), Decimals: 18, Symbol: "ETH"},
	}}}
	got, err := r.message(WatchWallet, ev)
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if strings.Count(got, "\n\n") != 1 {
		t.Errorf("blocks should be blank-line separated: %q", got)
	}
}

func TestWalletBlockUnknownChainPlainText(t *testing.T) {
	r := testRenderer()
	got, err := r.message(WatchWallet, walletEvent(MatchEntry{
		Condition: string(TxNativeIn),
		Chain:     "unconfigured",
		Wallet:    evmWalletAddr,
		Amount:    eth(1),
		Decimals:  18,
		Symbol:    "XYZ",
		Hash:      "0xff",
	}))
	if err != nil {
		t.Fatalf("message() = %v", err)
	}
	if strings.Contains(got, "<a href=") {
		t.Errorf("no explorer configured, links should be plain: %q", got)
	}
	if !strings.Contains(got, "0x1111…1111") {
		t.Errorf("shortened address missing: %q", got)
	}
}

func TestMessageUnknownType(t *testing.T) {
	r := testRenderer()
	if _, err := r.message(WatchType("bogus"), &MatchEvent{}); err == nil {
		t.Error("expected error for unknown watch type")
	}
}

func TestShortAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0xabc", "0xabc"},
		{"exactly13char", "exactly13char"},
		{evmWalletAddr, "0x1111…1111"},
		{solWalletAddr, "9xQeWv…VFin"},
	}
	for _, tt := range tests {
		if got := shortAddr(tt.in); got != tt.want {
			t.Errorf("shortAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAmountHelpers(t *testing.T) {
	if got := money(1234567.891); got != "1,234,567.89" {
		t.Errorf("money() = %q", got)
	}
	if got := pct(-5.5); got != "5.50" {
		t.Errorf("pct() = %q", got)
	}
	if direction(-1) != "decreased" || direction(0) != "increased" {
		t.Error("direction() mapping wrong")
	}

	if got := amountText(big.NewInt(1_500_000), 6, "USDC"); got != "1.5 USDC" {
		t.Errorf("amountText() = %q", got)
	}
	if got := amountText(nil, 6, "USDC"); got != "unknown" {
		t.Errorf("amountText(nil) = %q", got)
	}
	if got := amountText(big.NewInt(42), 0, ""); got != "42" {
		t.Errorf("amountText() = %q", got)
	}

	if got := signedAmount(big.NewInt(1_000_000), 6, "USDC"); got != "+1 USDC" {
		t.Errorf("signedAmount(+) = %q", got)
	}
	if got := signedAmount(big.NewInt(-1_000_000), 6, "USDC"); got != "-1 USDC" {
		t.Errorf("signedAmount(-) = %q", got)
	}
}
