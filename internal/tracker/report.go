package tracker

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ValuedHolding is a holding priced in USD.
type ValuedHolding struct {
	TokenHolding
	Price      float64
	Value      float64
	Source     string
	Confidence Confidence
}

// AggregateHoldings merges holdings across wallets, sorted by value.
// The native balance is reported as a SOL holding. prices is keyed by mint,
// SOL by its instrument id.
func AggregateHoldings(snaps []WalletSnapshot, prices map[string]PriceRecord) []ValuedHolding {
	byMint := make(map[string]*ValuedHolding)
	var order []string
	add := func(h TokenHolding) {
		if agg, ok := byMint[h.Mint]; ok {
			agg.RawAmount += h.RawAmount
			agg.UIAmount += h.UIAmount
			return
		}
		byMint[h.Mint] = &ValuedHolding{TokenHolding: h}
		order = append(order, h.Mint)
	}

	for _, snap := range snaps {
		if snap.BalanceNative > 0 {
			add(TokenHolding{
				Mint:     "SOL",
				Symbol:   "SOL",
				Name:     "Solana",
				Decimals: nativeDecimals,
				UIAmount: snap.BalanceNative,
			})
		}
		for _, h := range snap.Tokens {
			add(h)
		}
	}

	out := make([]ValuedHolding, 0, len(order))
	for _, mint := range order {
		h := byMint[mint]
		if rec, ok := prices[mint]; ok {
			h.Price = rec.Price
			h.Value = h.UIAmount * rec.Price
			h.Source = rec.Source
			h.Confidence = rec.Confidence
		}
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Value > out[j].Value
	})
	return out
}

// HoldingsReport renders the holdings table.
func HoldingsReport(holdings []ValuedHolding, at time.Time) string {
	t := table.NewWriter()
	t.SetTitle("HOLDINGS  " + at.Format("2006-01-02 15:04:05"))
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Token", "Mint", "Amount", "Price (USD)", "Value (USD)", "Source", "Confidence"})

	var total float64
	for i, h := range holdings {
		price, value, confidence := "-", "-", "-"
		if h.Source != "" {
			price = fmt.Sprintf("$%.8f", h.Price)
			value = fmt.Sprintf("$%.2f", h.Value)
			confidence = string(h.Confidence)
			total += h.Value
		}
		t.AppendRow(table.Row{i + 1, h.Symbol, shortMint(h.Mint), fmt.Sprintf("%.6f", h.UIAmount), price, value, h.Source, confidence})
	}
	t.AppendFooter(table.Row{"", "Total", "", "", "", fmt.Sprintf("$%.2f", total), "", ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	return t.Render()
}

// PriceReport renders the current value of every instrument.
func PriceReport(records map[string]PriceRecord) string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := table.NewWriter()
	t.SetTitle("PRICES")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Instrument", "Price", "24h %", "Volume 24h", "Market Cap", "Source", "Confidence", "Observed"})
	for _, id := range ids {
		r := records[id]
		t.AppendRow(table.Row{
			shortMint(id),
			fmt.Sprintf("$%.8g", r.Price),
			fmt.Sprintf("%+.2f", r.Change24h),
			fmt.Sprintf("%.0f", r.Volume24h),
			fmt.Sprintf("%.0f", r.MarketCap),
			r.Source,
			string(r.Confidence),
			r.ObservedAt.Format(time.TimeOnly),
		})
	}
	return t.Render()
}

func shortMint(mint string) string {
	if len(mint) <= 12 {
		return mint
	}
	return mint[:4] + "..." + mint[len(mint)-4:]
}

// PriceKeys lists the instrument ids needed to value snaps.
func PriceKeys(snaps []WalletSnapshot) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, snap := range snaps {
		if snap.BalanceNative > 0 {
			if _, ok := seen["SOL"]; !ok {
				seen["SOL"] = struct{}{}
				keys = append(keys, "SOL")
			}
		}
		for _, h := range snap.Tokens {
			if _, ok := seen[h.Mint]; ok || strings.TrimSpace(h.Mint) == "" {
				continue
			}
			seen[h.Mint] = struct{}{}
			keys = append(keys, h.Mint)
		}
	}
	return keys
}
