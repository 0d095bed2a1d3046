package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/portto/solana-go-sdk/client"
	"github.com/portto/solana-go-sdk/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"market-sync/internal/metrics"
)

const (
	token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	nativeDecimals     = 9
	unknownTokenName   = "Unknown Token"
)

// RawTokenAccount is one SPL token account as returned by RPC.
type RawTokenAccount struct {
	Mint     string
	Amount   uint64
	Decimals uint8
}

// MetadataLookup resolves display metadata for a mint.
type MetadataLookup interface {
	Lookup(mint string) (symbol, name string, ok bool)
}

// MetadataStore is a MetadataLookup that can also learn new mints.
type MetadataStore interface {
	MetadataLookup
	Remember(mint, symbol, name string)
}

// UIAmount converts a raw amount in minor units to display units.
func UIAmount(raw uint64, decimals uint8) float64 {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals)).InexactFloat64()
}

// PlaceholderSymbol is used for mints without metadata.
func PlaceholderSymbol(mint string) string {
	if len(mint) <= 4 {
		return mint
	}
	return mint[:4]
}

// ValidateAddress checks that addr is a base58 encoded 32 byte public key.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return &ValidationFailure{Field: "address", Message: "is required"}
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return &ValidationFailure{Field: "address", Message: "not base58"}
	}
	if len(raw) != 32 {
		return &ValidationFailure{Field: "address", Message: fmt.Sprintf("decodes to %d bytes, want 32", len(raw))}
	}
	return nil
}

// NormalizeWallet merges accounts of the same mint, attaches metadata and
// drops empty holdings. Holdings keep the order their mint was first seen.
func NormalizeWallet(address string, lamports uint64, accounts []RawTokenAccount, meta MetadataLookup, at time.Time) WalletSnapshot {
	type merged struct {
		raw      uint64
		decimals uint8
	}
	order := make([]string, 0, len(accounts))
	byMint := make(map[string]*merged, len(accounts))
	for _, acc := range accounts {
		if acc.Mint == "" {
			continue
		}
		m, ok := byMint[acc.Mint]
		if !ok {
			m = &merged{decimals: acc.Decimals}
			byMint[acc.Mint] = m
			order = append(order, acc.Mint)
		}
		m.raw += acc.Amount
	}

	tokens := make([]TokenHolding, 0, len(order))
	for _, mint := range order {
		m := byMint[mint]
		amount := UIAmount(m.raw, m.decimals)
		if amount <= 0 {
			continue
		}
		symbol, name := PlaceholderSymbol(mint), unknownTokenName
		if meta != nil {
			if s, n, ok := meta.Lookup(mint); ok {
				if s != "" {
					symbol = s
				}
				if n != "" {
					name = n
				}
			}
		}
		tokens = append(tokens, TokenHolding{
			Mint:      mint,
			Symbol:    symbol,
			Name:      name,
			RawAmount: m.raw,
			Decimals:  m.decimals,
			UIAmount:  amount,
		})
	}

	return WalletSnapshot{
		Address:       address,
		BalanceNative: UIAmount(lamports, nativeDecimals),
		Tokens:        tokens,
		FetchedAt:     at,
	}
}

// RPCEndpoint is one Solana JSON-RPC node.
type RPCEndpoint struct {
	URL    string
	name   string
	client *http.Client
	sdk    *client.Client
}

func NewRPCEndpoint(rawURL string, httpClient *http.Client) *RPCEndpoint {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host
	}
	return &RPCEndpoint{
		URL:    rawURL,
		name:   name,
		client: httpClient,
		sdk:    client.NewClient(rawURL),
	}
}

// Name never includes the query string, which may carry an api key.
func (e *RPCEndpoint) Name() string { return e.name }

// Balance returns the native balance in lamports.
func (e *RPCEndpoint) Balance(ctx context.Context, address string) (uint64, error) {
	lamports, err := e.sdk.GetBalance(ctx, address)
	if err != nil {
		return 0, &TransportFailure{Endpoint: e.name, Method: "getBalance", Err: err}
	}
	return lamports, nil
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCEndpoint) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if envelope.Error != nil {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: envelope.Error}
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return &TransportFailure{Endpoint: e.name, Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// TokenAccounts lists SPL Token and Token-2022 accounts owned by owner.
func (e *RPCEndpoint) TokenAccounts(ctx context.Context, owner string) ([]RawTokenAccount, error) {
	var accounts []RawTokenAccount
	for _, program := range []string{common.TokenProgramID.ToBase58(), token2022ProgramID} {
		var result struct {
			Value []struct {
				Account struct {
					Data struct {
						Parsed struct {
							Info struct {
								Mint        string `json:"mint"`
								TokenAmount struct {
									Amount   string `json:"amount"`
									Decimals uint8  `json:"decimals"`
								} `json:"tokenAmount"`
							} `json:"info"`
						} `json:"parsed"`
					} `json:"data"`
				} `json:"account"`
			} `json:"value"`
		}
		params := []interface{}{
			owner,
			map[string]string{"programId": program},
			map[string]string{"encoding": "jsonParsed"},
		}
		if err := e.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
			return nil, err
		}

		for _, v := range result.Value {
			info := v.Account.Data.Parsed.Info
			amount, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
			if err != nil {
				return nil, &TransportFailure{Endpoint: e.name, Method: "getTokenAccountsByOwner", Err: fmt.Errorf("bad amount %q for %s", info.TokenAmount.Amount, info.Mint)}
			}
			accounts = append(accounts, RawTokenAccount{
				Mint:     info.Mint,
				Amount:   amount,
				Decimals: info.TokenAmount.Decimals,
			})
		}
	}
	return accounts, nil
}

// AssetMetadata asks a DAS capable node for symbol and name of mints.
func (e *RPCEndpoint) AssetMetadata(ctx context.Context, mints []string) (map[string][2]string, error) {
	var items []struct {
		ID      string `json:"id"`
		Content struct {
			Metadata struct {
				Symbol string `json:"symbol"`
				Name   string `json:"name"`
			} `json:"metadata"`
		} `json:"content"`
		TokenInfo struct {
			Symbol string `json:"symbol"`
		} `json:"token_info"`
	}
	if err := e.call(ctx, "getAssetBatch", map[string]interface{}{"ids": mints}, &items); err != nil {
		return nil, err
	}

	out := make(map[string][2]string, len(items))
	for _, item := range items {
		symbol := item.TokenInfo.Symbol
		if symbol == "" {
			symbol = item.Content.Metadata.Symbol
		}
		if item.ID == "" || (symbol == "" && item.Content.Metadata.Name == "") {
			continue
		}
		out[item.ID] = [2]string{symbol, item.Content.Metadata.Name}
	}
	return out, nil
}

// WalletOptions tunes a WalletService; zero values take defaults.
type WalletOptions struct {
	// CacheTTL is how long a snapshot is served without refetching.
	CacheTTL time.Duration
	// Timeout bounds one attempt against one endpoint.
	Timeout     time.Duration
	MaxParallel int
	Logger      logrus.FieldLogger
}

// WalletService fetches wallet snapshots through an ordered list of RPC endpoints.
type WalletService struct {
	endpoints []*RPCEndpoint
	balances  Chain[string, uint64]
	accounts  Chain[string, []RawTokenAccount]
	meta      MetadataLookup
	opts      WalletOptions
	log       logrus.FieldLogger

	mu      sync.RWMutex
	cache   map[string]WalletSnapshot
	watched map[string]struct{}
	flight  singleflight.Group
	now     func() time.Time
}

func NewWalletService(endpoints []*RPCEndpoint, meta MetadataLookup, opts WalletOptions) *WalletService {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 2
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &WalletService{
		endpoints: endpoints,
		meta:      meta,
		opts:      opts,
		log:       opts.Logger.WithField("component", "wallet"),
		cache:     make(map[string]WalletSnapshot),
		watched:   make(map[string]struct{}),
		now:       time.Now,
	}

	observe := func(endpoint string, elapsed time.Duration, err error) {
		metrics.ObserveSource("rpc:"+endpoint, elapsed, err)
		if err != nil {
			s.log.WithError(err).WithField("endpoint", endpoint).Debug("rpc endpoint failed, trying next")
		}
	}
	s.balances = Chain[string, uint64]{Timeout: opts.Timeout, Observe: observe}
	s.accounts = Chain[string, []RawTokenAccount]{Timeout: opts.Timeout, Observe: observe}
	for _, e := range endpoints {
		s.balances.Candidates = append(s.balances.Candidates, CandidateFunc[string, uint64]{Label: e.Name(), Fn: e.Balance})
		s.accounts.Candidates = append(s.accounts.Candidates, CandidateFunc[string, []RawTokenAccount]{Label: e.Name(), Fn: e.TokenAccounts})
	}
	return s
}

// Snapshot returns the cached snapshot of address while it is fresh,
// otherwise fetches a new one.
func (s *WalletService) Snapshot(ctx context.Context, address string) (WalletSnapshot, error) {
	address = strings.TrimSpace(address)
	if err := ValidateAddress(address); err != nil {
		return WalletSnapshot{}, err
	}
	s.mu.RLock()
	snap, ok := s.cache[address]
	s.mu.RUnlock()
	if ok && s.now().Sub(snap.FetchedAt) <= s.opts.CacheTTL {
		return snap, nil
	}
	return s.Refresh(ctx, address)
}

// Refresh always fetches; concurrent callers for one address share the call.
func (s *WalletService) Refresh(ctx context.Context, address string) (WalletSnapshot, error) {
	if err := ValidateAddress(address); err != nil {
		return WalletSnapshot{}, err
	}
	v, err, _ := s.flight.Do(address, func() (interface{}, error) {
		snap, err := s.fetch(ctx, address)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[address] = snap
		s.evictLocked()
		s.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return WalletSnapshot{}, err
	}
	return v.(WalletSnapshot), nil
}

// evictLocked drops expired snapshots of wallets nobody watches.
func (s *WalletService) evictLocked() {
	now := s.now()
	for addr, snap := range s.cache {
		if _, watched := s.watched[addr]; watched {
			continue
		}
		if now.Sub(snap.FetchedAt) > s.opts.CacheTTL {
			delete(s.cache, addr)
		}
	}
}

func (s *WalletService) fetch(ctx context.Context, address string) (WalletSnapshot, error) {
	var (
		lamports uint64
		accounts []RawTokenAccount
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, _, err := s.balances.Run(gctx, address, address)
		lamports = v
		return err
	})
	g.Go(func() error {
		v, _, err := s.accounts.Run(gctx, address, address)
		accounts = v
		return err
	})
	if err := g.Wait(); err != nil {
		metrics.RecordExhausted("wallet")
		return WalletSnapshot{}, err
	}

	s.learnMetadata(ctx, accounts)
	snap := NormalizeWallet(address, lamports, accounts, s.meta, s.now())
	s.log.WithFields(logrus.Fields{
		"address": address,
		"tokens":  len(snap.Tokens),
	}).Debug("wallet snapshot fetched")
	return snap, nil
}

// learnMetadata fills the metadata store for unknown mints. Failures only
// cost a placeholder symbol.
func (s *WalletService) learnMetadata(ctx context.Context, accounts []RawTokenAccount) {
	store, ok := s.meta.(MetadataStore)
	if !ok || len(s.endpoints) == 0 {
		return
	}
	var unknown []string
	seen := make(map[string]struct{})
	for _, acc := range accounts {
		if _, dup := seen[acc.Mint]; dup || acc.Amount == 0 {
			continue
		}
		seen[acc.Mint] = struct{}{}
		if _, _, known := store.Lookup(acc.Mint); !known {
			unknown = append(unknown, acc.Mint)
		}
	}
	if len(unknown) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	found, err := s.endpoints[0].AssetMetadata(ctx, unknown)
	if err != nil {
		s.log.WithError(err).Debug("asset metadata unavailable")
		return
	}
	for mint, m := range found {
		store.Remember(mint, m[0], m[1])
	}
}

// Watch adds addresses to the periodic refresh set.
func (s *WalletService) Watch(addrs ...string) error {
	for _, a := range addrs {
		if err := ValidateAddress(a); err != nil {
			return err
		}
	}
	s.mu.Lock()
	for _, a := range addrs {
		s.watched[strings.TrimSpace(a)] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

func (s *WalletService) Unwatch(addr string) {
	addr = strings.TrimSpace(addr)
	s.mu.Lock()
	delete(s.watched, addr)
	delete(s.cache, addr)
	s.mu.Unlock()
}

func (s *WalletService) Watched() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.watched))
	for a := range s.watched {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RefreshAll refreshes addrs with bounded parallelism and returns the
// snapshots that succeeded.
func (s *WalletService) RefreshAll(ctx context.Context, addrs []string) (map[string]WalletSnapshot, map[string]error) {
	var (
		mu     sync.Mutex
		snaps  = make(map[string]WalletSnapshot, len(addrs))
		failed = make(map[string]error)
	)
	var g errgroup.Group
	g.SetLimit(s.opts.MaxParallel)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			snap, err := s.Refresh(ctx, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[addr] = err
			} else {
				snaps[addr] = snap
			}
			return nil
		})
	}
	_ = g.Wait()
	return snaps, failed
}

// Run refreshes watched wallets on every tick until ctx is done.
func (s *WalletService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, failed := s.RefreshAll(ctx, s.Watched())
		for addr, err := range failed {
			s.log.WithError(err).WithField("address", addr).Warn("wallet refresh failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
