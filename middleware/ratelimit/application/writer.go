package application

import (
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

// AutoEntryStore é a parte do repositório usada pelo writer.
type AutoEntryStore interface {
	UpsertAuto(ctx context.Context, e domain.Entry) (domain.Entry, error)
	MarkUnblocked(ctx context.Context, ip string) (int, error)
}

// BlacklistLookup é a visão em memória consultada antes e depois de cada gravação.
type BlacklistLookup interface {
	Lookup(ip string) (domain.Entry, bool)
}

// BlacklistWriter persiste entradas AUTO em uma única goroutine.
//
// Enqueue nunca bloqueia: com a fila cheia a entrada é descartada (continua
// valendo em memória até o próximo reload).
//
// Com WithWriterBlacklist, uma entrada desbloqueada enquanto estava na fila não
// é gravada como ativa.
type BlacklistWriter struct {
	store   AutoEntryStore
	memory  BlacklistLookup
	queue   chan domain.Entry
	timeout time.Duration
	log     logrus.FieldLogger

	wg sync.WaitGroup
}

type WriterOption func(*BlacklistWriter)

func WithWriterQueue(size int) WriterOption {
	return func(w *BlacklistWriter) {
		if size > 0 {
			w.queue = make(chan domain.Entry, size)
		}
	}
}

// WithWriteTimeout limita cada UpsertAuto.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *BlacklistWriter) { w.timeout = d }
}

func WithWriterLogger(l logrus.FieldLogger) WriterOption {
	return func(w *BlacklistWriter) { w.log = l }
}

// WithWriterBlacklist liga o writer ao BlacklistStore usado na avaliação.
func WithWriterBlacklist(b BlacklistLookup) WriterOption {
	return func(w *BlacklistWriter) { w.memory = b }
}

func NewBlacklistWriter(store AutoEntryStore, opts ...WriterOption) *BlacklistWriter {
	w := &BlacklistWriter{
		store:   store,
		queue:   make(chan domain.Entry, 256),
		timeout: 5 * time.Second,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *BlacklistWriter) Enqueue(e domain.Entry) bool {
	select {
	case w.queue <- e:
		return true
	default:
		return false
	}
}

// Start inicia a goroutine de escrita. Ao cancelar ctx, o que já está na fila
// ainda é gravado antes de Wait retornar.
func (w *BlacklistWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case e := <-w.queue:
				w.write(context.WithoutCancel(ctx), e)
			case <-ctx.Done():
				w.drain(context.WithoutCancel(ctx))
				return
			}
		}
	}()
}

func (w *BlacklistWriter) drain(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			w.write(ctx, e)
		default:
			return
		}
	}
}

func (w *BlacklistWriter) write(ctx context.Context, e domain.Entry) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	fields := logrus.Fields{"ip": e.IP, "rule": e.RuleCode}
	if !w.stillBlocked(e.IP) {
		w.log.WithFields(fields).Debug("auto entry unblocked before persisting, skipped")
		return
	}
	if _, err := w.store.UpsertAuto(ctx, e); err != nil {
		w.log.WithFields(fields).WithError(err).Error("persist auto blacklist entry")
		return
	}
	// um desbloqueio entre a checagem e o UpsertAuto não encontrou a linha
	if !w.stillBlocked(e.IP) {
		if _, err := w.store.MarkUnblocked(ctx, e.IP); err != nil {
			w.log.WithFields(fields).WithError(err).Error("unblock auto entry after concurrent unblock")
		}
	}
}

func (w *BlacklistWriter) stillBlocked(ip string) bool {
	if w.memory == nil {
		return true
	}
	e, ok := w.memory.Lookup(ip)
	return ok && e.IP == ip
}

// Wait bloqueia até a goroutine terminar (depois do cancelamento do ctx de Start).
func (w *BlacklistWriter) Wait() { w.wg.Wait() }

func (w *BlacklistWriter) Pending() int { return len(w.queue) }
