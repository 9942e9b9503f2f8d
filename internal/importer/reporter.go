package importer

import (
	"context"
	"encoding/json"
	"time"

	"pwh-registry/internal/catalog"
	rediscommon "pwh-registry/internal/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Phase is a state of the run state machine.
type Phase string

const (
	PhaseStart             Phase = "start"
	PhaseProcessPatients   Phase = "process_patients"
	PhaseRebuildIdentities Phase = "rebuild_identity_map"
	PhaseProcessDependents Phase = "process_dependents"
	PhaseDone              Phase = "done"
)

// Progress is one progress event of a run.
type Progress struct {
	RunID     string         `json:"run_id"`
	Branch    string         `json:"branch"` // caller branch the run was started for
	Phase     Phase          `json:"phase"`
	Entity    catalog.Entity `json:"entity,omitempty"`
	Sheet     string         `json:"sheet,omitempty"`
	Processed int            `json:"processed"`
	Rows      int            `json:"rows"`
	Tally     *Tally         `json:"tally,omitempty"`
	// Summary and Failed are set on the final event.
	Summary string    `json:"summary,omitempty"`
	Failed  bool      `json:"failed,omitempty"`
	At      time.Time `json:"at"`
}

// Reporter receives progress events. Implementations log their own
// delivery failures; a reporter never stops a run.
type Reporter interface {
	Report(ctx context.Context, p Progress)
}

// NopReporter drops every event.
type NopReporter struct{}

func (NopReporter) Report(context.Context, Progress) {}

// MultiReporter fans an event out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, p Progress) {
	for _, r := range m {
		r.Report(ctx, p)
	}
}

// LogReporter writes progress to the service log.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (l *LogReporter) Report(_ context.Context, p Progress) {
	fields := []zap.Field{
		zap.String("run_id", p.RunID),
		zap.String("phase", string(p.Phase)),
		zap.Int("processed", p.Processed),
		zap.Int("rows", p.Rows),
	}
	if p.Entity != "" {
		fields = append(fields, zap.String("entity", string(p.Entity)))
	}
	if p.Phase == PhaseDone {
		l.logger.Info("import run finished", append(fields, zap.Bool("failed", p.Failed), zap.String("summary", p.Summary))...)
		return
	}
	l.logger.Debug("import progress", fields...)
}

// StreamReporter appends progress to a Redis stream, readable per run.
type StreamReporter struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

func NewStreamReporter(client *redis.Client, stream string, logger *zap.Logger) *StreamReporter {
	return &StreamReporter{client: client, stream: stream, logger: logger}
}

func (s *StreamReporter) Report(ctx context.Context, p Progress) {
	if _, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, p.RunID, p); err != nil {
		s.logger.Warn("failed to publish import progress to stream",
			zap.String("stream", s.stream),
			zap.String("run_id", p.RunID),
			zap.Error(err),
		)
	}
}

// Progress returns every event recorded for a run, oldest first.
func (s *StreamReporter) Progress(ctx context.Context, runID string) ([]Progress, error) {
	raw, err := rediscommon.ReadRunFromStream(ctx, s.client, s.stream, runID)
	if err != nil {
		return nil, err
	}
	out := make([]Progress, 0, len(raw))
	for _, m := range raw {
		var p Progress
		if err := json.Unmarshal(m, &p); err != nil {
			s.logger.Warn("skipping undecodable progress event", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Publisher is the MQTT publish call used by MQTTReporter.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTReporter broadcasts progress on <topic>/<run id>. The final event is
// retained so late subscribers still see the outcome.
type MQTTReporter struct {
	pub    Publisher
	topic  string
	qos    byte
	logger *zap.Logger
}

func NewMQTTReporter(pub Publisher, topic string, qos byte, logger *zap.Logger) *MQTTReporter {
	return &MQTTReporter{pub: pub, topic: topic, qos: qos, logger: logger}
}

func (m *MQTTReporter) Report(_ context.Context, p Progress) {
	payload, err := json.Marshal(p)
	if err != nil {
		m.logger.Warn("failed to encode import progress", zap.Error(err))
		return
	}
	topic := m.topic + "/" + p.RunID
	if err := m.pub.Publish(topic, m.qos, p.Phase == PhaseDone, payload); err != nil {
		m.logger.Warn("failed to publish import progress",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}
