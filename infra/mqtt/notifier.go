package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	coremetrics "github.com/kilianp07/wqforecast/core/metrics"
	coremon "github.com/kilianp07/wqforecast/core/monitoring"
	"github.com/kilianp07/wqforecast/infra/logger"
)

// Notifier publishes failed tasks and finished runs. It implements
// metrics.MetricsSink and metrics.RunRecorder.
type Notifier struct {
	cli        pahoClient
	topic      string
	qos        byte
	retain     bool
	maxRetries int
	backoff    time.Duration
	log        logger.Logger
}

// RunMessage is the payload published on <topic>/<run_id>/status.
type RunMessage struct {
	RunID      string  `json:"run_id"`
	Model      string  `json:"model"`
	State      string  `json:"state"`
	Tasks      int     `json:"tasks"`
	Chunks     int     `json:"chunks"`
	DurationS  float64 `json:"duration_s"`
	Error      string  `json:"error,omitempty"`
	FinishedAt int64   `json:"finished_at"`
}

// TaskMessage is the payload published on <topic>/<run_id>/failed.
type TaskMessage struct {
	RunID     string  `json:"run_id"`
	Task      string  `json:"task"`
	Op        string  `json:"op"`
	DurationS float64 `json:"duration_s"`
}

// NewNotifier connects to the broker.
func NewNotifier(cfg Config) (*Notifier, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log := logger.New("mqtt_notifier")
	opts.OnConnect = func(paho.Client) {
		log.Infof("MQTT connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &Notifier{
		cli:        c,
		topic:      cfg.Topic,
		qos:        cfg.QoS,
		retain:     cfg.Retain,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		log:        log,
	}, nil
}

// RecordTask publishes failed tasks only.
func (n *Notifier) RecordTask(ev coremetrics.TaskEvent) error {
	if !ev.Failed {
		return nil
	}
	msg := TaskMessage{RunID: ev.RunID, Task: ev.Task, Op: ev.Op, DurationS: ev.Duration.Seconds()}
	return n.publish(fmt.Sprintf("%s/%s/failed", n.topic, ev.RunID), ev.RunID, msg, false)
}

// RecordRun publishes the final state of a run.
func (n *Notifier) RecordRun(ev coremetrics.RunEvent) error {
	msg := RunMessage{
		RunID:      ev.RunID,
		Model:      ev.Model,
		State:      ev.State,
		Tasks:      ev.Tasks,
		Chunks:     ev.Chunks,
		DurationS:  ev.Duration.Seconds(),
		Error:      ev.Err,
		FinishedAt: ev.Start.Add(ev.Duration).UnixMilli(),
	}
	return n.publish(fmt.Sprintf("%s/%s/status", n.topic, ev.RunID), ev.RunID, msg, n.retain)
}

func (n *Notifier) publish(topic, runID string, msg any, retain bool) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var publishErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		token := n.cli.Publish(topic, n.qos, retain, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			n.log.Debugf("published %s", topic)
			return nil
		}
		n.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt < n.maxRetries {
			time.Sleep(n.backoff * time.Duration(1<<attempt))
		}
	}
	coremon.CaptureException(publishErr, map[string]string{"module": "mqtt", "run_id": runID, "topic": topic})
	return publishErr
}

// Close gracefully closes the MQTT connection.
func (n *Notifier) Close() {
	if n.cli != nil && n.cli.IsConnected() {
		n.cli.Disconnect(250)
	}
}
