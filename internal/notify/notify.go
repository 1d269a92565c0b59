package notify

import (
	"sync"

	"go-mod-downloads/internal/models"

	log "github.com/sirupsen/logrus"
)

// DefaultHistorySize is how many notifications a LogNotifier remembers.
const DefaultHistorySize = 100

// LogNotifier delivers notifications through logrus and keeps the most
// recent ones for display.
type LogNotifier struct {
	logger  *log.Logger
	mu      sync.Mutex
	history []models.Notification
	limit   int
	total   int
}

// NewLogNotifier returns a notifier writing to logger (the standard logger when nil).
func NewLogNotifier(logger *log.Logger, historySize int) *LogNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &LogNotifier{logger: logger, limit: historySize}
}

// Send logs n at a level matching its type.
func (l *LogNotifier) Send(n models.Notification) {
	l.mu.Lock()
	l.history = append(l.history, n)
	l.total++
	if len(l.history) > l.limit {
		l.history = l.history[len(l.history)-l.limit:]
	}
	l.mu.Unlock()

	fields := log.Fields{"notification": string(n.Type)}
	for k, v := range n.Replace {
		fields[k] = v
	}
	if n.Type == models.NotificationError {
		fields["allowReport"] = n.AllowReport
	}
	entry := l.logger.WithFields(fields)

	title := n.Render(n.Title)
	msg := title
	if n.Message != "" {
		msg = title + ": " + n.Render(n.Message)
	}

	switch n.Type {
	case models.NotificationError:
		entry.Error(msg)
	case models.NotificationWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}

// History returns a copy of the remembered notifications, oldest first.
func (l *LogNotifier) History() []models.Notification {
	return l.HistorySince(0)
}

// Count returns how many notifications have been sent in total. Pass it to
// HistorySince later to get what was sent in between.
func (l *LogNotifier) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// HistorySince returns the remembered notifications sent after the first
// mark ones. Anything that already fell out of the history is not returned.
func (l *LogNotifier) HistorySince(mark int) []models.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := mark - (l.total - len(l.history))
	if start < 0 {
		start = 0
	}
	if start > len(l.history) {
		start = len(l.history)
	}
	out := make([]models.Notification, len(l.history)-start)
	copy(out, l.history[start:])
	return out
}

// Recorder collects notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *Recorder) Send(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// Sent returns a copy of everything received so far.
func (r *Recorder) Sent() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
