// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	connectionsEstablished = metrics.NewCounter("nodepool_connections_established_total")
	connectionsFailed      = metrics.NewCounter("nodepool_connections_failed_total")
	nodeRequests           = metrics.NewCounter("nodepool_requests_total")
	nodeRequestsFailed     = metrics.NewCounter("nodepool_requests_failed_total")
	noConnection           = metrics.NewCounter("nodepool_no_connection_total")

	gasEstimateFallback = metrics.NewCounter("gas_estimate_fallback_total")
	gasOptimized        = metrics.NewCounter("gas_transactions_optimized_total")
	oracleFetchFailed   = metrics.NewCounter("gas_oracle_fetch_failed_total")

	mevProtectionDegraded = metrics.NewCounter("mev_protection_degraded_total")
	mevBundlesSent        = metrics.NewCounter("mev_bundles_sent_total")
	mevBundlesFailed      = metrics.NewCounter("mev_bundles_failed_total")

	simulationDuration = metrics.NewSummary("simulation_duration_milliseconds")

	statsPublishFailed = metrics.NewCounter("stats_publish_failed_total")
)

func IncConnectionsEstablished() {
	connectionsEstablished.Inc()
}

func IncConnectionsFailed() {
	connectionsFailed.Inc()
}

func IncNodeRequests() {
	nodeRequests.Inc()
}

func IncNodeRequestsFailed() {
	nodeRequestsFailed.Inc()
}

func IncNoConnection() {
	noConnection.Inc()
}

func RecordHealthCheck(chain, endpoint string, latencyMs float64, ok bool) {
	l := fmt.Sprintf(`nodepool_health_check_latency_milliseconds{chain=%q,endpoint=%q}`, chain, endpoint)
	metrics.GetOrCreateSummary(l).Update(latencyMs)
	if !ok {
		metrics.GetOrCreateCounter(fmt.Sprintf(`nodepool_health_check_failed_total{chain=%q,endpoint=%q}`, chain, endpoint)).Inc()
	}
}

func SetConnectedNodes(chain string, n int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`nodepool_connected_nodes{chain=%q}`, chain)).Set(uint64(n))
}

func IncGasEstimateFallback() {
	gasEstimateFallback.Inc()
}

func IncGasOptimized() {
	gasOptimized.Inc()
}

func IncOracleFetchFailed() {
	oracleFetchFailed.Inc()
}

func RecordBaseFee(chain string, gwei float64) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`gas_base_fee_gwei{chain=%q}`, chain)).Update(gwei)
}

func IncRiskLevel(level string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`mev_risk_analyses_total{level=%q}`, level)).Inc()
}

func IncProtection(level string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`mev_protected_total{level=%q}`, level)).Inc()
}

func IncProtectionDegraded() {
	mevProtectionDegraded.Inc()
}

func IncBundlesSent() {
	mevBundlesSent.Inc()
}

func IncBundlesFailed() {
	mevBundlesFailed.Inc()
}

func IncSimulationResult(result string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`simulations_total{result=%q}`, result)).Inc()
}

func RecordSimulationDuration(ms float64) {
	simulationDuration.Update(ms)
}

func IncStatsPublishFailed() {
	statsPublishFailed.Inc()
}

func RecordRPCCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failures_total{method=%q}`, method)).Inc()
}

func IncTradesPrepared(approved bool) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`trades_prepared_total{approved="%t"}`, approved)).Inc()
}
