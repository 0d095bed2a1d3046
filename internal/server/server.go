package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"market-sync/internal/metrics"
	"market-sync/internal/realtime"
	"market-sync/internal/tracker"
)

const maxBatchIDs = 50

// PriceService is the read side of the price aggregator.
type PriceService interface {
	Price(ctx context.Context, id string, maxAge time.Duration) (tracker.PriceRecord, error)
	Quotes(ctx context.Context, ids []string, maxAge time.Duration) (map[string]tracker.PriceRecord, map[string]error)
	History(id string) []tracker.PricePoint
	Tracked() []string
}

type WalletService interface {
	Snapshot(ctx context.Context, address string) (tracker.WalletSnapshot, error)
}

type ChartService interface {
	Series(ctx context.Context, mint, interval string) ([]tracker.OHLCVPoint, error)
}

type DashboardService interface {
	Dashboard(ctx context.Context, userID string) (realtime.Dashboard, error)
}

// RowService serves the synced collections of watched users.
type RowService interface {
	Rows(key realtime.Key) ([]realtime.Row, bool)
}

// Deps are the services behind the endpoints. Dashboards and Rows may be nil.
type Deps struct {
	Prices     PriceService
	Wallets    WalletService
	Charts     ChartService
	Dashboards DashboardService
	Rows       RowService
	Sources    []string
}

type Handler struct {
	router *gin.Engine
	deps   Deps
	log    logrus.FieldLogger
}

func NewHandler(deps Deps, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	router := gin.New()
	h := &Handler{router: router, deps: deps, log: log.WithField("component", "http")}

	router.Use(h.recovery(), h.accessLog(), cors())
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	api := h.router.Group("/api")
	{
		h.route(api, "/price", h.getPrice, http.MethodGet, http.MethodPost)
		h.route(api, "/prices", h.getPrices, http.MethodGet, http.MethodPost)
		h.route(api, "/history", h.getHistory, http.MethodGet)
		h.route(api, "/wallet", h.getWallet, http.MethodGet, http.MethodPost)
		h.route(api, "/chart", h.getChart, http.MethodGet, http.MethodPost)
		h.route(api, "/dashboard", h.getDashboard, http.MethodGet)
		h.route(api, "/rows", h.getRows, http.MethodGet)
	}
	h.route(&h.router.RouterGroup, "/health", h.health, http.MethodGet)
	h.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	h.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// route registers fn for methods and a preflight handler for OPTIONS.
func (h *Handler) route(g *gin.RouterGroup, path string, fn gin.HandlerFunc, methods ...string) {
	for _, m := range methods {
		g.Handle(m, path, fn)
	}
	g.OPTIONS(path, func(c *gin.Context) { c.Status(http.StatusNoContent) })
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		header.Set("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		h.log.WithField("path", c.Request.URL.Path).Errorf("panic: %v", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request")
	}
}

// params merges query parameters with a JSON body on POST.
func params(c *gin.Context) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			out[k] = strings.Join(v, ",")
		}
	}
	if c.Request.Method != http.MethodPost || c.Request.ContentLength == 0 {
		return out, nil
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	for k, v := range body {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case []any:
			parts := make([]string, 0, len(x))
			for _, p := range x {
				parts = append(parts, fmt.Sprint(p))
			}
			out[k] = strings.Join(parts, ",")
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out, nil
}

func writeError(c *gin.Context, status int, err error, extra gin.H) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

// statusOf maps a service error to an HTTP status.
func statusOf(err error) int {
	var exhausted *tracker.AllSourcesFailedError
	switch {
	case tracker.IsValidation(err):
		return http.StatusBadRequest
	case errors.As(err, &exhausted):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func failuresOf(err error) []string {
	var exhausted *tracker.AllSourcesFailedError
	if errors.As(err, &exhausted) {
		return exhausted.Reasons()
	}
	return nil
}

type priceResponse struct {
	InstrumentID string             `json:"instrumentId"`
	Price        float64            `json:"price"`
	Change24h    float64            `json:"change24h"`
	Volume24h    float64            `json:"volume24h"`
	MarketCap    float64            `json:"marketCap"`
	Timestamp    int64              `json:"timestamp"`
	Source       string             `json:"source"`
	Confidence   tracker.Confidence `json:"confidence"`
}

func toPriceResponse(rec tracker.PriceRecord) priceResponse {
	return priceResponse{
		InstrumentID: rec.InstrumentID,
		Price:        rec.Price,
		Change24h:    rec.Change24h,
		Volume24h:    rec.Volume24h,
		MarketCap:    rec.MarketCap,
		Timestamp:    rec.ObservedAt.UnixMilli(),
		Source:       rec.Source,
		Confidence:   rec.Confidence,
	}
}

func (h *Handler) getPrice(c *gin.Context) {
	p, err := params(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err, gin.H{"price": nil})
		return
	}
	id := strings.TrimSpace(p["instrumentId"])
	if id == "" {
		writeError(c, http.StatusBadRequest, errors.New("instrumentId is required"), gin.H{"price": nil})
		return
	}
	maxAge, err := tracker.Freshness(p["interval"])
	if err != nil {
		writeError(c, http.StatusBadRequest, err, gin.H{"price": nil})
		return
	}

	rec, err := h.deps.Prices.Price(c.Request.Context(), id, maxAge)
	if err != nil {
		h.log.WithError(err).WithField("instrument", id).Warn("price unavailable")
		extra := gin.H{"price": nil}
		if failures := failuresOf(err); failures != nil {
			extra["failures"] = failures
		}
		writeError(c, statusOf(err), err, extra)
		return
	}
	c.JSON(http.StatusOK, toPriceResponse(rec))
}

func (h *Handler) getPrices(c *gin.Context) {
	p, err := params(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err, gin.H{"data": gin.H{}})
		return
	}
	var ids []string
	for _, id := range strings.Split(p["ids"], ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(c, http.StatusBadRequest, errors.New("ids is required"), gin.H{"data": gin.H{}})
		return
	}
	if len(ids) > maxBatchIDs {
		writeError(c, http.StatusBadRequest, fmt.Errorf("at most %d ids per request", maxBatchIDs), gin.H{"data": gin.H{}})
		return
	}
	maxAge, err := tracker.Freshness(p["interval"])
	if err != nil {
		writeError(c, http.StatusBadRequest, err, gin.H{"data": gin.H{}})
		return
	}

	quotes, failed := h.deps.Prices.Quotes(c.Request.Context(), ids, maxAge)
	for id, err := range failed {
		h.log.WithError(err).WithField("instrument", id).Debug("batch price omitted")
	}
	data := make(map[string]priceResponse, len(quotes))
	for id, rec := range quotes {
		data[id] = toPriceResponse(rec)
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (h *Handler) getHistory(c *gin.Context) {
	id := strings.TrimSpace(c.Query("instrumentId"))
	if id == "" {
		writeError(c, http.StatusBadRequest, errors.New("instrumentId is required"), gin.H{"data": []tracker.PricePoint{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrumentId": id, "data": h.deps.Prices.History(id)})
}

func (h *Handler) getWallet(c *gin.Context) {
	p, err := params(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err, nil)
		return
	}
	snap, err := h.deps.Wallets.Snapshot(c.Request.Context(), p["address"])
	if err != nil {
		if !tracker.IsValidation(err) {
			h.log.WithError(err).WithField("address", p["address"]).Warn("wallet unavailable")
		}
		var extra gin.H
		if failures := failuresOf(err); failures != nil {
			extra = gin.H{"failures": failures}
		}
		writeError(c, statusOf(err), err, extra)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) getChart(c *gin.Context) {
	p, err := params(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err, gin.H{"data": []tracker.OHLCVPoint{}})
		return
	}
	points, err := h.deps.Charts.Series(c.Request.Context(), p["mint"], p["interval"])
	if err != nil {
		if !tracker.IsValidation(err) {
			h.log.WithError(err).WithField("mint", p["mint"]).Warn("chart unavailable")
		}
		writeError(c, statusOf(err), err, gin.H{"data": []tracker.OHLCVPoint{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": points})
}

func (h *Handler) getDashboard(c *gin.Context) {
	if h.deps.Dashboards == nil {
		writeError(c, http.StatusNotFound, errors.New("realtime sync is not configured"), nil)
		return
	}
	user := strings.TrimSpace(c.Query("userId"))
	if user == "" {
		writeError(c, http.StatusBadRequest, errors.New("userId is required"), nil)
		return
	}
	d, err := h.deps.Dashboards.Dashboard(c.Request.Context(), user)
	switch {
	case errors.Is(err, realtime.ErrNotWatched):
		writeError(c, http.StatusNotFound, err, nil)
	case err != nil:
		writeError(c, http.StatusBadGateway, err, nil)
	default:
		c.JSON(http.StatusOK, d)
	}
}

func (h *Handler) getRows(c *gin.Context) {
	if h.deps.Rows == nil {
		writeError(c, http.StatusNotFound, errors.New("realtime sync is not configured"), nil)
		return
	}
	user := strings.TrimSpace(c.Query("userId"))
	if user == "" {
		writeError(c, http.StatusBadRequest, errors.New("userId is required"), nil)
		return
	}
	table := realtime.Table(strings.ToLower(strings.TrimSpace(c.Query("table"))))
	if !table.Valid() {
		writeError(c, http.StatusBadRequest, fmt.Errorf("table must be one of %v", realtime.WatchedTables), nil)
		return
	}
	rows, ok := h.deps.Rows.Rows(realtime.Key{UserID: user, Table: table})
	if !ok {
		writeError(c, http.StatusNotFound, realtime.ErrNotWatched, nil)
		return
	}
	if rows == nil {
		rows = []realtime.Row{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": user, "table": table, "data": rows})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"tracked": len(h.deps.Prices.Tracked()),
		"sources": h.deps.Sources,
	})
}
