package service

import (
	"context"
	"strings"

	"garame-service/internal/config"
	"garame-service/internal/lock"
	"garame-service/internal/notify"
	"garame-service/internal/service/game"
	"garame-service/internal/service/ledger"
	"garame-service/internal/service/session"
	"garame-service/internal/service/throttle"
	"garame-service/internal/service/validator"
	"garame-service/internal/service/wallet"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Engines  game.Registry
	Ledger   *ledger.Service
	Wallet   *wallet.Service
	Throttle *throttle.Throttle
	Hub      *notify.Hub
	Session  *session.Coordinator
}

// NewContainer wires the services. rdb and pub may be nil: the session lock then
// stays in-process and events only reach local websocket subscribers.
func NewContainer(db *gorm.DB, rdb *redis.Client, pub notify.Publisher, cfg *config.Config) *Container {
	engines := game.NewRegistry(game.NewGarame(multipliers(cfg.Settlement.KoraMultipliers)))
	hub := notify.NewHub()

	var sink notify.Sink = hub
	if pub != nil {
		sink = notify.Multi{hub, notify.NewNATSSink(pub, cfg.NATS.SubjectPrefix)}
	}

	var locker lock.Locker
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, cfg.Session.LockWait)
	} else {
		locker = lock.NewLocalLocker(cfg.Session.LockWait)
	}

	led := ledger.NewService(db, cfg.Settlement)
	th := throttle.New(cfg.Throttle)
	coord := session.New(db, session.Deps{
		Ledger:    led,
		Engines:   engines,
		Validator: validator.New(cfg.Validator, engines),
		Throttle:  th,
		Locker:    locker,
		Sink:      sink,
	}, cfg.Session, cfg.Settlement)

	return &Container{
		Engines:  engines,
		Ledger:   led,
		Wallet:   wallet.NewService(db),
		Throttle: th,
		Hub:      hub,
		Session:  coord,
	}
}

// multipliers maps configured keys onto victory types. Config keys arrive lowercased.
func multipliers(raw map[string]int) game.Multipliers {
	out := make(game.Multipliers, len(raw))
	for k, v := range raw {
		out[game.VictoryType(strings.ToUpper(k))] = v
	}
	return out
}

func (c *Container) Start(ctx context.Context) error {
	return c.Session.Start(ctx)
}

func (c *Container) Close() {
	c.Session.Close()
}
