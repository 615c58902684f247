package redisstream

import (
	"context"
	"fmt"

	"github.com/hugolhafner/healthstream/logger"
	"github.com/redis/go-redis/v9"
)

type redisLogger struct {
	l logger.Logger
}

func (rl *redisLogger) Printf(_ context.Context, format string, v ...interface{}) {
	rl.l.Warn(fmt.Sprintf(format, v...))
}

// InstallLogger routes go-redis internal messages (reconnects, pool errors) to l.
// go-redis keeps a single process-wide logger.
func InstallLogger(l logger.Logger) {
	redis.SetLogger(&redisLogger{l: l.With("client", "redis")})
}
