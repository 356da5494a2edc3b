package application

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultExpirySchedule roda a limpeza de entradas vencidas a cada minuto.
const DefaultExpirySchedule = "@every 1m"

type ExpiringBlacklist interface {
	SweepExpired(now time.Time) int
}

type ExpiringRepository interface {
	ExpireEntries(ctx context.Context, now time.Time) (int, error)
}

// ExpirySweeper tira da memória e marca como UNBLOCKED no banco as entradas
// com expiresAt vencido.
type ExpirySweeper struct {
	Blacklist  ExpiringBlacklist
	Repository ExpiringRepository
	Log        logrus.FieldLogger
	Now        func() time.Time
	Timeout    time.Duration
}

// Sweep executa uma passada e retorna (removidas da memória, marcadas no banco).
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, int, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	mem := 0
	if s.Blacklist != nil {
		mem = s.Blacklist.SweepExpired(now)
	}
	if s.Repository == nil {
		return mem, 0, nil
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	persisted, err := s.Repository.ExpireEntries(ctx, now)
	return mem, persisted, err
}

// Schedule registra o sweep no cron com a expressão spec (vazia usa DefaultExpirySchedule).
func (s *ExpirySweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultExpirySchedule
	}
	return c.AddFunc(spec, func() {
		mem, persisted, err := s.Sweep(context.Background())
		l := s.Log
		if l == nil {
			l = logrus.StandardLogger()
		}
		if err != nil {
			l.WithError(err).Warn("blacklist expiry sweep failed")
			return
		}
		if mem > 0 || persisted > 0 {
			l.WithFields(logrus.Fields{"memory": mem, "persisted": persisted}).Info("expired blacklist entries removed")
		}
	})
}
