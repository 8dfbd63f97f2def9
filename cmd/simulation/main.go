package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/syndicate-api/internal/auth"
	"github.com/ksred/syndicate-api/internal/config"
	"github.com/ksred/syndicate-api/internal/seed"
	"github.com/ksred/syndicate-api/internal/server"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minTrades     = 15
	maxTrades     = 90
	numWorkers    = 5
	serverPort    = "8080"
	serverAddress = "http://localhost:" + serverPort
	rejectPercent = 10
)

var (
	// Holders with transferable balances
	sellers = []string{seed.LenderAlpha, seed.LenderBeta, seed.InvestorDelta}
	// Restricted and unverified receivers are included so some proposals fail compliance
	buyers = []string{
		seed.InvestorGamma, seed.InvestorDelta, seed.LenderAlpha, seed.LenderBeta,
		seed.RestrictedFund, seed.PendingKYC,
	}
)

// validationError is a request refused by compliance
type validationError struct {
	reason types.ReasonCode
}

func (e *validationError) Error() string {
	return "compliance validation failed: " + string(e.reason)
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiResponse is the envelope returned by every endpoint
type apiResponse struct {
	Success bool            `json:"success"`
	Trade   *types.Trade    `json:"trade"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Validation *types.TransferValidation `json:"validation"`
}

// simulationClient handles HTTP communication with the syndicate API,
// holding one actor token per role
type simulationClient struct {
	baseURL string
	tokens  map[types.Role]string
	client  *http.Client
	stats   map[string]*routeStats
}

// newSimulationClient creates a client and authenticates every demo actor
func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		tokens:  make(map[types.Role]string),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"propose": {name: "Propose Trade"},
			"approve": {name: "Approve Trade"},
			"reject":  {name: "Reject Trade"},
			"execute": {name: "Execute Trade"},
			"get":     {name: "Get Trade"},
		},
	}

	for _, cred := range seed.DemoCredentials {
		token, err := sc.authenticate(cred)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate %s: %w", cred.Actor.Role, err)
		}
		sc.tokens[cred.Actor.Role] = token
	}

	return sc, nil
}

// authenticate exchanges API credentials for an actor token
func (sc *simulationClient) authenticate(cred seed.Credential) (string, error) {
	body, err := json.Marshal(auth.Credentials{APIKey: cred.APIKey, APISecret: cred.APISecret})
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := sc.client.Post(sc.baseURL+"/api/v1/auth/token", "application/json", bytes.NewBuffer(body))
	if err != nil {
		sc.stats["auth"].addDuration(time.Since(start), true)
		return "", err
	}
	defer resp.Body.Close()
	sc.stats["auth"].addDuration(time.Since(start), resp.StatusCode >= 300)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data auth.TokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// do sends a request as role and decodes the response envelope
func (sc *simulationClient) do(route string, role types.Role, method, path string, payload interface{}) (*apiResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.tokens[role]))
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[route].addDuration(time.Since(start), true)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	sc.stats[route].addDuration(time.Since(start), resp.StatusCode >= 300)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if result.Validation != nil {
			return &result, &validationError{reason: result.Validation.ReasonCode}
		}
		msg := string(respBody)
		if result.Error != nil {
			msg = result.Error.Code + ": " + result.Error.Message
		}
		return &result, fmt.Errorf("%s failed with status %d: %s", route, resp.StatusCode, msg)
	}

	return &result, nil
}

func (sc *simulationClient) proposeTrade(token, seller, buyer string, units int64, price decimal.Decimal) (*types.Trade, error) {
	resp, err := sc.do("propose", types.RoleTrader, http.MethodPost, "/api/v1/trades/propose", map[string]interface{}{
		"token":          token,
		"seller":         seller,
		"buyer":          buyer,
		"units":          units,
		"price_per_unit": price,
	})
	if err != nil {
		return nil, err
	}
	if resp.Trade == nil || resp.Trade.TradeID == "" {
		return nil, fmt.Errorf("no trade in propose response")
	}
	return resp.Trade, nil
}

func (sc *simulationClient) tradeAction(route string, role types.Role, tradeID, reason string) (*types.Trade, error) {
	resp, err := sc.do(route, role, http.MethodPost, "/api/v1/trades/"+route, map[string]string{
		"trade_id": tradeID,
		"reason":   reason,
	})
	if err != nil {
		return nil, err
	}
	return resp.Trade, nil
}

func (sc *simulationClient) getTrade(tradeID string) (*types.Trade, error) {
	resp, err := sc.do("get", types.RoleChecker, http.MethodGet, "/api/v1/trades/"+tradeID, nil)
	if err != nil {
		return nil, err
	}
	return resp.Trade, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simulationStats aggregates workflow outcomes across workers
type simulationStats struct {
	mu              sync.Mutex
	Proposed        int
	BlockedPropose  int
	Approved        int
	BlockedApprove  int
	Rejected        int
	Settled         int
	BlockedExecute  int
	Failed          int
	SettledValue    decimal.Decimal
	ReasonCodes     map[types.ReasonCode]int
	SettlementTimes []int64
}

func (s *simulationStats) record(fn func(s *simulationStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// main runs the workflow simulation
// It starts a local API server and drives concurrent trader, checker and agent clients
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetTrades := rand.Intn(maxTrades-minTrades) + minTrades
	log.Info().Int("target_trades", targetTrades).Msg("Starting simulation")

	stats := &simulationStats{
		SettledValue: decimal.Zero,
		ReasonCodes:  make(map[types.ReasonCode]int),
	}
	startTime := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, targetTrades/numWorkers, simClient, stats)
		}(i)
	}
	wg.Wait()

	duration := time.Since(startTime)
	printSummary(stats, duration)
	simClient.printPerformanceStats()
}

// runWorker drives trades through propose, approve and execute
func runWorker(workerID, numTrades int, sc *simulationClient, stats *simulationStats) {
	logger := log.With().Int("worker_id", workerID).Logger()

	for i := 0; i < numTrades; i++ {
		seller := sellers[rand.Intn(len(sellers))]
		buyer := buyers[rand.Intn(len(buyers))]
		for buyer == seller {
			buyer = buyers[rand.Intn(len(buyers))]
		}
		units := int64(rand.Intn(50_000) + 1_000)
		// Loan prices quoted around par, in cents
		price := decimal.New(int64(9_500+rand.Intn(650)), -2)

		trade, err := sc.proposeTrade(seed.DemoToken, seller, buyer, units, price)
		if err != nil {
			recordFailure(stats, err, func(s *simulationStats) { s.BlockedPropose++ })
			logger.Warn().Err(err).Str("seller", seller).Str("buyer", buyer).Msg("Proposal refused")
			continue
		}
		stats.record(func(s *simulationStats) { s.Proposed++ })

		if rand.Intn(100) < rejectPercent {
			if _, err := sc.tradeAction("reject", types.RoleChecker, trade.TradeID, "pricing outside tolerance"); err != nil {
				recordFailure(stats, err, nil)
				continue
			}
			stats.record(func(s *simulationStats) { s.Rejected++ })
			logger.Info().Str("trade_id", trade.TradeID).Msg("Trade rejected")
			continue
		}

		if _, err := sc.tradeAction("approve", types.RoleChecker, trade.TradeID, ""); err != nil {
			recordFailure(stats, err, func(s *simulationStats) { s.BlockedApprove++ })
			logger.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("Approval refused")
			continue
		}
		stats.record(func(s *simulationStats) { s.Approved++ })

		settled, err := sc.tradeAction("execute", types.RoleAgent, trade.TradeID, "")
		if err != nil {
			recordFailure(stats, err, func(s *simulationStats) { s.BlockedExecute++ })
			logger.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("Execution refused")
			continue
		}
		if settled == nil {
			if settled, err = sc.getTrade(trade.TradeID); err != nil {
				recordFailure(stats, err, nil)
				continue
			}
		}

		stats.record(func(s *simulationStats) {
			s.Settled++
			s.SettledValue = s.SettledValue.Add(settled.TotalValue)
			s.SettlementTimes = append(s.SettlementTimes, settled.SettlementDurationMs)
		})
		logger.Info().
			Str("trade_id", settled.TradeID).
			Str("settlement_ref", settled.SettlementRef).
			Int64("units", settled.Units).
			Str("total_value", settled.TotalValue.StringFixed(2)).
			Msg("Trade settled")

		// Random sleep between trades
		time.Sleep(time.Duration(rand.Intn(250)) * time.Millisecond)
	}
}

// recordFailure counts a compliance refusal with its reason code, or a
// plain failure otherwise
func recordFailure(stats *simulationStats, err error, blocked func(s *simulationStats)) {
	var refused *validationError
	stats.record(func(s *simulationStats) {
		if blocked != nil && errors.As(err, &refused) {
			blocked(s)
			s.ReasonCodes[refused.reason]++
			return
		}
		s.Failed++
	})
}

func printSummary(stats *simulationStats, duration time.Duration) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SYNDICATED LOAN WORKFLOW SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Workflow Statistics
-------------------
Proposed:          %d
Blocked proposals: %d
Approved:          %d
Blocked approvals: %d
Rejected:          %d
Settled:           %d
Blocked execution: %d
Failed requests:   %d
Settled value:     %s
Duration:          %v

Compliance Reason Codes
-----------------------
`, stats.Proposed, stats.BlockedPropose, stats.Approved, stats.BlockedApprove,
		stats.Rejected, stats.Settled, stats.BlockedExecute, stats.Failed,
		stats.SettledValue.StringFixed(2), duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range stats.ReasonCodes {
		if count > maxCount {
			maxCount = count
		}
	}
	for code, count := range stats.ReasonCodes {
		bar := strings.Repeat("#", int(float64(count)/float64(maxCount)*20))
		fmt.Printf("%-22s: %s (%d)\n", code, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	attempted := stats.Proposed + stats.BlockedPropose
	successRate := 0.0
	if attempted > 0 {
		successRate = float64(stats.Settled) / float64(attempted) * 100
	}
	log.Info().
		Float64("success_rate", successRate).
		Int("attempted", attempted).
		Int("settled", stats.Settled).
		Str("settled_value", stats.SettledValue.StringFixed(2)).
		Dur("duration", duration).
		Msg("Simulation completed")
}

// startServer runs the API in process over an in-memory database with
// demo data and relaxed rate limits
func startServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Port = serverPort
	cfg.DatabasePath = ":memory:"
	cfg.SeedDemo = true
	cfg.RateLimitAuth = 600
	cfg.RateLimitWorkflow = 60_000
	cfg.RateLimitQuery = 60_000
	cfg.RateLimitBurst = 100

	ctx := context.Background()
	app, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	app.Start(ctx)

	return app.Router.Run(":" + cfg.Port)
}
