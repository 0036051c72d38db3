package stream

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"venuewatch/internal/metrics"
	"venuewatch/pkg/utils"
)

// subscriber - почтовый ящик и воркер одного подписчика.
// Порядок событий топика сохраняется: один писатель (цикл чтения) и FIFO-канал.
type subscriber struct {
	id      uint64
	topic   Topic
	handler Handler
	mailbox chan Event
	done    chan struct{}
	stop    sync.Once
	venue   string
	market  string
	log     *utils.Logger

	stalls atomic.Int64 // сколько раз ящик оказался полон
}

// stallWarnAfter - через сколько ожидания в полном ящике пишется предупреждение
var stallWarnAfter = 5 * time.Second

func newSubscriber(id uint64, topic Topic, h Handler, size int, venue, market string, log *utils.Logger) *subscriber {
	if size <= 0 {
		size = 1
	}
	return &subscriber{
		id:      id,
		topic:   topic,
		handler: h,
		mailbox: make(chan Event, size),
		done:    make(chan struct{}),
		venue:   venue,
		market:  market,
		log:     log,
	}
}

// run - воркер доставки; завершается после close(done)
func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.mailbox:
			// отписка имеет приоритет над уже поставленными событиями
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(ev)
		}
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StreamCallbackFailures.WithLabelValues(s.venue, s.market, "panic").Inc()
			s.log.Error("subscriber callback panicked",
				utils.Topic(s.topic.String()),
				utils.Any("panic", r),
				utils.String("stack", string(debug.Stack())))
		}
	}()
	if err := s.handler(ev); err != nil {
		metrics.StreamCallbackFailures.WithLabelValues(s.venue, s.market, "error").Inc()
		s.log.Warn("subscriber callback failed", utils.Topic(s.topic.String()), utils.Err(err))
	}
}

// enqueue блокируется, пока в ящике нет места; отписка и ctx прерывают ожидание.
// Полный ящик учитывается в метрике, долгое ожидание пишется в лог.
func (s *subscriber) enqueue(ctx context.Context, ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.mailbox <- ev:
		return
	default:
	}

	s.stalls.Add(1)
	metrics.StreamMailboxStalls.WithLabelValues(s.venue, s.market).Inc()
	start := time.Now()
	warn := time.NewTimer(stallWarnAfter)
	defer warn.Stop()

	for {
		select {
		case s.mailbox <- ev:
			return
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-warn.C:
			s.log.Warn("subscriber mailbox full, stream read loop stalled",
				utils.Topic(s.topic.String()),
				utils.Int("mailbox", cap(s.mailbox)),
				utils.Duration("waited", time.Since(start)))
			warn.Reset(stallWarnAfter)
		}
	}
}

// Stalls - сколько событий ждали места в ящике
func (s *subscriber) Stalls() int64 {
	return s.stalls.Load()
}

func (s *subscriber) close() {
	s.stop.Do(func() { close(s.done) })
}

func (s *subscriber) String() string {
	return fmt.Sprintf("%s#%d", s.topic, s.id)
}
