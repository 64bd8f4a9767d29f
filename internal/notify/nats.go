package notify

import (
	"encoding/json"
	"time"

	"garame-service/pkg/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes the public view of each event on <prefix>.<sessionID>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "garame.session"
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

func (s *NATSSink) Subject(sessionID string) string {
	return s.prefix + "." + sessionID
}

func (s *NATSSink) Notify(sessionID string, event Event) {
	// user 0 is never seated, so every hand is hidden while the game runs
	data, err := json.Marshal(event.redactedFor(0))
	if err != nil {
		logger.Log.Error("encode session event", zap.String("sessionID", sessionID), zap.Error(err))
		return
	}
	if err := s.pub.Publish(s.Subject(sessionID), data); err != nil {
		logger.Log.Warn("publish session event", zap.String("sessionID", sessionID), zap.Error(err))
	}
}

func ConnectNATS(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(5),
	}
	return nats.Connect(url, opts...)
}
