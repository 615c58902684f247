//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChaos_RedisBurst(t *testing.T) {
	uri := ensureRedis(t)
	st := newStore(t)
	log := newRedisLog(t, uri)

	streamName := testStreamName(t, "burst")
	app := startApp(t, log, st, streamName, "burst-group")

	const (
		producers = 5
		perWorker = 100
		total     = producers * perWorker
	)

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, total)

	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := app.Producer().Enqueue(ctx, user, 60+int64(i%40), int64(i), 0.25); err != nil {
					errs <- err
				}
			}
		}(int64(400 + w))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	eventually(t, func() bool { return countRows(t, st, nil) == total }, eventualWait, "burst persisted")

	for w := 0; w < producers; w++ {
		user := int64(400 + w)
		assert.Equal(t, perWorker, countRows(t, st, &user), fmt.Sprintf("rows for user %d", user))
	}

	status, err := app.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), status.StreamLength)
}

func TestChaos_KafkaBurst(t *testing.T) {
	broker := ensureRedpanda(t)
	st := newStore(t)

	topic := testStreamName(t, "kafka-burst")
	group := fmt.Sprintf("%s-group", topic)
	log := newKafkaLog(t, broker, group)

	app := startApp(t, log, st, topic, group)

	ctx := context.Background()
	const total = 300
	for i := 0; i < total; i++ {
		_, err := app.Producer().Enqueue(ctx, int64(500+i%10), 70, int64(i), 0.1)
		require.NoError(t, err)
	}

	eventually(t, func() bool { return countRows(t, st, nil) == total }, eventualWait, "burst persisted")
}
