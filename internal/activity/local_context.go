package activity

import (
	"context"
	"log/slog"

	"github.com/shaiso/durable/internal/domain"
)

// NewLocalContext создаёт Context без оркестратора: Heartbeat ничего
// не отправляет, воркер никогда не останавливается. Используется для
// запуска activity в тестах.
func NewLocalContext(parent context.Context, md *domain.ActivityMetadata, logger *slog.Logger) *Context {
	c := NewContext(parent, ContextConfig{Metadata: md, Logger: logger})
	c.local = true
	return c
}
