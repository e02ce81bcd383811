package mw

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// explorer holds the link prefixes for one chain. Empty prefixes render
// plain shortened text instead of anchors.
type explorer struct {
	address string
	tx      string
}

// renderer turns match events into the HTML bodies the channels deliver.
type renderer struct {
	explorers map[string]explorer
}

func newRenderer(cfg *Config) *renderer {
	ex := make(map[string]explorer, len(cfg.Chains)+1)
	for _, c := range cfg.Chains {
		ex[c.Name] = explorer{address: c.ExplorerAddressURL, tx: c.ExplorerTxURL}
	}
	ex[chainSolana] = explorer{address: cfg.Solana.ExplorerAddressURL, tx: cfg.Solana.ExplorerTxURL}
	return &renderer{explorers: ex}
}

func (r *renderer) message(t WatchType, ev *MatchEvent) (string, error) {
	switch t {
	case WatchToken:
		return r.tokenMessage(ev), nil
	case WatchWallet:
		return r.walletMessage(ev), nil
	case WatchAirdrop:
		return r.airdropMessage(ev), nil
	}
	return "", fmt.Errorf("no renderer for watch type %q", t)
}

func (r *renderer) tokenMessage(ev *MatchEvent) string {
	var lines, alerts []string
	for _, m := range ev.MatchData.Matches {
		switch m.Condition {
		case CondPriceAbove:
			lines = append(lines, fmt.Sprintf("<b>%s</b> price above $%s (current: $%s)",
				m.Token, money(m.Threshold), money(m.Value)))
		case CondPriceBelow:
			lines = append(lines, fmt.Sprintf("<b>%s</b> price below $%s (current: $%s)",
				m.Token, money(m.Threshold), money(m.Value)))
		case CondPriceChange:
			lines = append(lines, fmt.Sprintf("<b>%s</b> %s by %s%% (from $%s → $%s)",
				m.Token, direction(m.Value), pct(m.Value), money(m.OldPrice), money(m.NewPrice)))
		case CondPriceChange24h:
			lines = append(lines, fmt.Sprintf("<b>%s</b> %s by %s%% in 24h (current: $%s)",
				m.Token, direction(m.Value), pct(m.Value), money(m.CurrentPrice)))
		case CondAlert:
			alerts = append(alerts, "• "+m.Message)
		}
	}
	if len(alerts) > 0 {
		lines = append(lines, "🚨 <b>Market Alert</b>")
		lines = append(lines, alerts...)
	}
	return strings.Join(lines, "\n")
}

func (r *renderer) airdropMessage(ev *MatchEvent) string {
	lines := []string{"🔔 <b>Airdrop Alert</b>"}
	for _, m := range ev.MatchData.Matches {
		lines = append(lines, "• "+m.Message)
	}
	return strings.Join(lines, "\n")
}

func (r *renderer) walletMessage(ev *MatchEvent) string {
	blocks := make([]string, 0, len(ev.MatchData.Matches))
	for i := range ev.MatchData.Matches {
		blocks = append(blocks, r.walletBlock(&ev.MatchData.Matches[i]))
	}
	return strings.Join(blocks, "\n\n")
}

func (r *renderer) walletBlock(m *MatchEntry) string {
	ex := r.explorers[m.Chain]
	var b []string
	switch TxKind(m.Condition) {
	case TxBalanceChange:
		b = append(b, "💰 <b>Balance Change</b>",
			"Wallet: "+r.addrLink(ex, m.Wallet),
			"Amount: "+signedAmount(m.Delta, m.Decimals, m.Symbol))
		if m.NewBalance != nil {
			b = append(b, "Balance: "+amountText(m.NewBalance, m.Decimals, m.Symbol))
		}
	case TxNativeIn, TxNativeOut:
		title := "📥 <b>Transfer In</b>"
		if TxKind(m.Condition) == TxNativeOut {
			title = "📤 <b>Transfer Out</b>"
		}
		b = append(b, title,
			"Wallet: "+r.addrLink(ex, m.Wallet),
			"From: "+r.addrLink(ex, m.From),
			"To: "+r.addrLink(ex, m.To),
			"Amount: "+amountText(m.Amount, m.Decimals, m.Symbol))
		if m.Balance != nil {
			b = append(b, "Balance: "+amountText(m.Balance, m.Decimals, m.Symbol))
		}
		b = append(b, "TX: "+r.txLink(ex, m.Hash))
	case TxTokenIn, TxTokenOut:
		title := "📥 <b>Token Transfer In</b>"
		if TxKind(m.Condition) == TxTokenOut {
			title = "📤 <b>Token Transfer Out</b>"
		}
		b = append(b, title,
			"Wallet: "+r.addrLink(ex, m.Wallet),
			"Type: "+tokenStandard(m.Chain))
		if m.From != "" {
			b = append(b, "From: "+r.addrLink(ex, m.From))
		}
		if m.To != "" {
			b = append(b, "To: "+r.addrLink(ex, m.To))
		}
		b = append(b,
			"CA: "+r.addrLink(ex, m.Contract),
			"Amount: "+amountText(m.Amount, m.Decimals, m.Symbol),
			"TX: "+r.txLink(ex, m.Hash))
	case TxTokenTrade:
		b = append(b, "🔄 <b>Token Trade</b>",
			"Wallet: "+r.addrLink(ex, m.Wallet),
			"Sold: "+amountText(m.AmountIn, m.TokenInDecimals, m.TokenInSymbol))
		if m.TokenOut == nativeToken {
			b = append(b, "Received: "+amountText(m.AmountOut, m.TokenOutDecimals, m.TokenOutSymbol))
			if m.TokenIn != nativeToken && m.TokenIn != "" {
				b = append(b, "CA: "+r.addrLink(ex, m.TokenIn))
			}
		} else {
			b = append(b, "Bought: "+amountText(m.AmountOut, m.TokenOutDecimals, m.TokenOutSymbol),
				"CA: "+r.addrLink(ex, m.TokenOut))
		}
		if m.Dex != "" && m.Dex != "Unknown" {
			b = append(b, "DEX: "+m.Dex)
		}
		b = append(b, "TX: "+r.txLink(ex, m.Hash))
	case TxNftIn, TxNftOut:
		title := "🖼 <b>NFT Transfer In</b>"
		from, to := m.From, m.To
		if TxKind(m.Condition) == TxNftOut {
			title = "🖼 <b>NFT Transfer Out</b>"
			if to == "" {
				to = m.Counterparty
			}
		} else if from == "" {
			from = m.Counterparty
		}
		b = append(b, title,
			"Wallet: "+r.addrLink(ex, m.Wallet),
			"Collection: "+m.Collection)
		if m.TokenID != "" {
			b = append(b, "Token ID: "+m.TokenID)
		}
		if from != "" {
			b = append(b, "From: "+r.addrLink(ex, from))
		}
		if to != "" {
			b = append(b, "To: "+r.addrLink(ex, to))
		}
		b = append(b, "TX: "+r.txLink(ex, m.Hash))
	case TxNftTrade:
		title := "🖼 <b>NFT Sale</b>"
		if m.Direction == "buy" {
			title = "🖼 <b>NFT Purchase</b>"
		}
		b = append(b, title,
			"Wallet: "+r.addrLink(ex, m.Wallet),
			"Collection: "+m.Collection)
		if m.TokenID != "" {
			b = append(b, "Token ID: "+m.TokenID)
		}
		if m.PriceTokenAmount != nil {
			b = append(b, "Price: "+amountText(m.PriceTokenAmount, m.PriceTokenDecimals, m.PriceToken))
		}
		if m.Counterparty != "" {
			b = append(b, "Counterparty: "+r.addrLink(ex, m.Counterparty))
		}
		b = append(b, "TX: "+r.txLink(ex, m.Hash))
	default:
		b = append(b, fmt.Sprintf("<b>%s</b> on %s", m.Condition, m.Chain))
	}
	return strings.Join(b, "\n")
}

func (r *renderer) addrLink(ex explorer, addr string) string {
	if addr == "" {
		return "unknown"
	}
	if ex.address == "" {
		return shortAddr(addr)
	}
	return fmt.Sprintf(`<a href="%s%s">%s</a>`, ex.address, addr, shortAddr(addr))
}

func (r *renderer) txLink(ex explorer, hash string) string {
	if hash == "" {
		return "unknown"
	}
	if ex.tx == "" {
		return shortAddr(hash)
	}
	return fmt.Sprintf(`<a href="%s%s">%s</a>`, ex.tx, hash, shortAddr(hash))
}

func shortAddr(s string) string {
	if len(s) <= 13 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}

func tokenStandard(chain string) string {
	if chain == chainSolana {
		return "SPL"
	}
	return "ERC-20"
}

func money(v float64) string {
	return humanize.FormatFloat("#,###.##", v)
}

func pct(v float64) string {
	return humanize.FormatFloat("#,###.##", math.Abs(v))
}

func direction(v float64) string {
	if v < 0 {
		return "decreased"
	}
	return "increased"
}

// amountText renders a raw integer token amount scaled by its decimals.
func amountText(x *big.Int, decimals uint8, symbol string) string {
	if x == nil {
		return "unknown"
	}
	s := decimal.NewFromBigInt(x, -int32(decimals)).String()
	if symbol != "" {
		s += " " + symbol
	}
	return s
}

func signedAmount(x *big.Int, decimals uint8, symbol string) string {
	if x == nil {
		return "unknown"
	}
	s := amountText(x, decimals, symbol)
	if x.Sign() > 0 {
		s = "+" + s
	}
	return s
}
