package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"

	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NATSConfig - параметры публикации
type NATSConfig struct {
	URL            string
	SubjectPrefix  string // по умолчанию "venuewatch.notifications"
	ClientName     string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// publisher - то, что нужно от *nats.Conn
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink публикует уведомления в NATS core, subject <prefix>.<owner>.
// Системные уведомления без владельца уходят в <prefix>.system.
type NATSSink struct {
	mu     sync.Mutex
	pub    publisher
	conn   *nats.Conn
	prefix string
	log    *utils.Logger
}

// NewNATSSink подключается к серверу; переподключения ведёт клиент NATS
func NewNATSSink(cfg NATSConfig, log *utils.Logger) (*NATSSink, error) {
	log = utils.OrGlobal(log).WithComponent("notify.nats")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "venuewatch"
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", utils.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", utils.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s := newNATSSink(nc, cfg.SubjectPrefix, log)
	s.conn = nc
	return s, nil
}

func newNATSSink(pub publisher, prefix string, log *utils.Logger) *NATSSink {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "venuewatch.notifications"
	}
	return &NATSSink{pub: pub, prefix: prefix, log: utils.OrGlobal(log)}
}

// Subject - тема для владельца (точки и пробелы в имени заменяются)
func (s *NATSSink) Subject(owner string) string {
	if owner == "" {
		owner = "system"
	}
	owner = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(owner)
	return s.prefix + "." + owner
}

func (s *NATSSink) Notify(_ context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pub.Publish(s.Subject(n.Owner), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close сбрасывает буфер и закрывает соединение
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.FlushTimeout(2 * time.Second); err != nil {
		s.log.Warn("nats flush failed", utils.Err(err))
	}
	s.conn.Close()
	return nil
}
