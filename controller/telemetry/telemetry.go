// Package telemetry publishes rig metrics to prometheus and, optionally, to
// an MQTT broker and Adafruit IO.
package telemetry

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reef-pi/adafruitio"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

type MQTTConfig struct {
	Enable   bool   `json:"enable" yaml:"enable"`
	Server   string `json:"server" yaml:"server"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	ClientID string `json:"client_id" yaml:"client_id"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Retained bool   `json:"retained" yaml:"retained"`
}

type AdafruitIO struct {
	Enable bool   `json:"enable" yaml:"enable"`
	User   string `json:"user" yaml:"user"`
	Token  string `json:"token" yaml:"token"`
	Prefix string `json:"prefix" yaml:"prefix"`
}

type Config struct {
	Prefix     string     `json:"prefix" yaml:"prefix"`
	Heartbeat  string     `json:"heartbeat" yaml:"heartbeat"`
	MQTT       MQTTConfig `json:"mqtt" yaml:"mqtt"`
	AdafruitIO AdafruitIO `json:"adafruitio" yaml:"adafruitio"`
}

func DefaultConfig() Config {
	return Config{
		Prefix:    "autofoss",
		Heartbeat: "@every 30s",
		MQTT: MQTTConfig{
			Server: "tcp://127.0.0.1:1883",
		},
	}
}

type metric struct {
	module string
	name   string
	value  float64
}

// sink is a remote destination for metrics.
type sink interface {
	publish(m metric) error
	close()
}

type Telemetry struct {
	config  Config
	reg     *prometheus.Registry
	values  *prometheus.GaugeVec
	emitted *prometheus.CounterVec
	uptime  prometheus.Gauge
	sinks   []sink
	cron    *cron.Cron
	queue   chan metric
	wg      sync.WaitGroup
	started time.Time
	mu      sync.Mutex
	running bool
}

// New builds the prometheus collectors and connects the enabled sinks.
func New(c Config) (*Telemetry, error) {
	if c.Prefix == "" {
		c.Prefix = "autofoss"
	}
	t := &Telemetry{
		config: c,
		reg:    prometheus.NewRegistry(),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.Prefix,
			Name:      "value",
			Help:      "Last value reported by a rig module",
		}, []string{"module", "name"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.Prefix,
			Name:      "emitted_total",
			Help:      "Number of values reported by a rig module",
		}, []string{"module"}),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: c.Prefix,
			Name:      "uptime_seconds",
			Help:      "Seconds since telemetry started",
		}),
	}
	t.reg.MustRegister(t.values, t.emitted, t.uptime)

	if c.MQTT.Enable {
		s, err := newMQTTSink(c.Prefix, c.MQTT)
		if err != nil {
			return nil, err
		}
		t.sinks = append(t.sinks, s)
	}
	if c.AdafruitIO.Enable {
		t.sinks = append(t.sinks, newAdafruitSink(c.AdafruitIO))
	}
	return t, nil
}

// Start runs the sink worker and the heartbeat job.
func (t *Telemetry) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.started = time.Now()
	t.cron = cron.New()
	if t.config.Heartbeat != "" {
		if _, err := t.cron.AddFunc(t.config.Heartbeat, t.heartbeat); err != nil {
			return fmt.Errorf("heartbeat schedule %q: %w", t.config.Heartbeat, err)
		}
	}
	t.cron.Start()
	t.queue = make(chan metric, 256)
	t.wg.Add(1)
	go t.forward(t.queue)
	t.running = true
	return nil
}

// Stop halts the heartbeat, drains queued metrics and disconnects sinks.
func (t *Telemetry) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	<-t.cron.Stop().Done()
	close(t.queue)
	t.wg.Wait()
	for _, s := range t.sinks {
		s.close()
	}
}

// EmitMetric records value for module/name. Remote sinks are fed
// asynchronously; when their queue is full the value is only kept locally.
func (t *Telemetry) EmitMetric(module, name string, v float64) {
	t.values.WithLabelValues(module, name).Set(v)
	t.emitted.WithLabelValues(module).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || len(t.sinks) == 0 {
		return
	}
	select {
	case t.queue <- metric{module: module, name: name, value: v}:
	default:
		log.Debugf("telemetry: queue full, dropping %s/%s", module, name)
	}
}

// Handler serves the prometheus collectors.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

func (t *Telemetry) heartbeat() {
	t.EmitMetric("telemetry", "uptime", time.Since(t.started).Seconds())
	t.uptime.Set(time.Since(t.started).Seconds())
}

func (t *Telemetry) forward(queue <-chan metric) {
	defer t.wg.Done()
	for m := range queue {
		for _, s := range t.sinks {
			if err := s.publish(m); err != nil {
				log.Warnf("telemetry: failed to publish %s/%s. Error: %s", m.module, m.name, err)
			}
		}
	}
}

// Topic is the MQTT topic (and Adafruit IO feed) of a metric.
func Topic(prefix, module, name string) string {
	parts := []string{}
	for _, p := range []string{prefix, module, name} {
		if p != "" {
			parts = append(parts, strings.ReplaceAll(p, " ", "_"))
		}
	}
	return strings.Join(parts, "/")
}

type mqttSink struct {
	prefix string
	config MQTTConfig
	client mqtt.Client
}

func newMQTTSink(prefix string, c MQTTConfig) (*mqttSink, error) {
	if c.ClientID == "" {
		c.ClientID = "autofoss-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(c.Server).
		SetClientID(c.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", c.Server)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", c.Server, err)
	}
	log.Infof("telemetry: connected to mqtt broker %s", c.Server)
	return &mqttSink{prefix: prefix, config: c, client: client}, nil
}

func (s *mqttSink) publish(m metric) error {
	payload := fmt.Sprintf("%v", m.value)
	token := s.client.Publish(Topic(s.prefix, m.module, m.name), s.config.QoS, s.config.Retained, payload)
	token.Wait()
	return token.Error()
}

func (s *mqttSink) close() {
	s.client.Disconnect(250)
}

type adafruitSink struct {
	config AdafruitIO
	client *adafruitio.Client
}

func newAdafruitSink(c AdafruitIO) *adafruitSink {
	return &adafruitSink{config: c, client: adafruitio.NewClient(c.Token)}
}

func (s *adafruitSink) publish(m metric) error {
	feed := strings.ToLower(s.config.Prefix + m.module + "-" + m.name)
	feed = strings.ReplaceAll(feed, "_", "-")
	return s.client.SubmitData(s.config.User, feed, adafruitio.Data{Value: m.value})
}

func (s *adafruitSink) close() {}
