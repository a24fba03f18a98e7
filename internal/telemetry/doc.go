// Package telemetry обеспечивает наблюдаемость рантайма воркера.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — метрики poller'ов и пулов (Prometheus или no-op)
//
// Все компоненты получают *slog.Logger и Metrics через Config и не
// обращаются к глобальному состоянию напрямую.
package telemetry
