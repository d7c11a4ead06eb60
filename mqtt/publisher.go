// Package mqtt republishes tag updates to an MQTT broker and accepts
// write requests from a write topic. It subscribes on the scan
// engine's callback boundary and interprets the raw CIP-typed bytes.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"scanlogix/config"
	"scanlogix/logging"
	"scanlogix/logix"
	"scanlogix/plcman"
)

// publishQueueSize bounds updates waiting for the broker. Callbacks
// run inside scan cycles and must never block on broker latency;
// overflow drops the oldest update.
const publishQueueSize = 1024

// TagMessage is the JSON payload published per tag update.
type TagMessage struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Valid     bool        `json:"valid"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON payload accepted on the write topic.
type WriteRequest struct {
	PLC   string      `json:"plc"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// update is one queued tag change.
type update struct {
	plc   string
	tag   string
	value logix.TagValue
}

// Publisher bridges the scan registry to one MQTT broker.
type Publisher struct {
	cfg      *config.MQTTConfig
	registry *plcman.Registry
	writable func(plc, tag string) bool

	client  pahomqtt.Client
	queue   chan update
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// last JSON per topic, to publish changes only
	last   map[string]string
	lastMu sync.Mutex
}

// NewPublisher creates a publisher for one broker config.
func NewPublisher(cfg *config.MQTTConfig, reg *plcman.Registry, writable func(plc, tag string) bool) *Publisher {
	return &Publisher{
		cfg:      cfg,
		registry: reg,
		writable: writable,
		queue:    make(chan update, publishQueueSize),
		stop:     make(chan struct{}),
		last:     make(map[string]string),
	}
}

// rootTopic returns the configured topic prefix.
func (p *Publisher) rootTopic() string {
	if p.cfg.RootTopic != "" {
		return strings.TrimSuffix(p.cfg.RootTopic, "/")
	}
	return "scanlogix"
}

// TagTopic returns the publish topic for one tag.
func (p *Publisher) TagTopic(plc, tag string) string {
	return fmt.Sprintf("%s/plc/%s/%s", p.rootTopic(), plc, tag)
}

// writeTopic is the subscription for incoming writes.
func (p *Publisher) writeTopic() string {
	return p.rootTopic() + "/write"
}

// Start connects to the broker, subscribes every registered tag, and
// begins publishing.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if p.cfg.ClientID != "" {
		opts.SetClientID(p.cfg.ClientID)
	} else {
		opts.SetClientID("scanlogix-" + p.cfg.Name)
	}
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if strings.HasPrefix(p.cfg.Broker, "ssl://") || strings.HasPrefix(p.cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("mqtt %s: connect: %v", p.cfg.Name, token.Error())
	}
	logging.DebugConnectSuccess("mqtt", p.cfg.Broker, "publisher "+p.cfg.Name)

	// Incoming writes.
	sub := p.client.Subscribe(p.writeTopic(), p.cfg.QoS, p.onWrite)
	if !sub.WaitTimeout(5*time.Second) || sub.Error() != nil {
		logging.DebugError("mqtt", "subscribe "+p.writeTopic(), sub.Error())
	}

	// Hook every registered tag. The callback argument is the PLC
	// name; it doubles as the identity for RemoveCallback.
	for _, plc := range p.registry.PLCs() {
		for _, tag := range plc.Tags() {
			p.registry.AddCallback(tag, p.onTag, plc.Name())
		}
	}

	p.wg.Add(1)
	go p.publishLoop()
	p.running = true
	return nil
}

// onTag runs inside the scan cycle with the tag mutex held: snapshot
// and hand off, nothing else.
func (p *Publisher) onTag(tag *plcman.TagInfo, arg interface{}) {
	u := update{
		plc:   arg.(string),
		tag:   tag.Name(),
		value: tag.CurrentValue(),
	}
	select {
	case p.queue <- u:
	default:
		// Queue full: drop the oldest so fresh data wins.
		select {
		case <-p.queue:
		default:
		}
		select {
		case p.queue <- u:
		default:
		}
	}
}

func (p *Publisher) publishLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case u := <-p.queue:
			p.publish(u)
		}
	}
}

func (p *Publisher) publish(u update) {
	msg := TagMessage{
		PLC:       u.plc,
		Tag:       u.tag,
		Valid:     u.value.Valid(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if u.value.Valid() {
		msg.Value = u.value.GoValue()
		msg.Type = u.value.TypeName()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		logging.DebugError("mqtt", "marshal "+u.tag, err)
		return
	}

	topic := p.TagTopic(u.plc, u.tag)

	// Publish on change only; timestamps would defeat the comparison,
	// so compare the value part.
	key := fmt.Sprintf("%v|%v|%s", msg.Valid, msg.Value, msg.Type)
	p.lastMu.Lock()
	unchanged := p.last[topic] == key
	p.last[topic] = key
	p.lastMu.Unlock()
	if unchanged {
		return
	}

	token := p.client.Publish(topic, p.cfg.QoS, true, raw)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		logging.DebugError("mqtt", "publish "+topic, token.Error())
	}
}

// onWrite handles one write request from the write topic.
func (p *Publisher) onWrite(_ pahomqtt.Client, m pahomqtt.Message) {
	var req WriteRequest
	if err := json.Unmarshal(m.Payload(), &req); err != nil {
		logging.DebugError("mqtt", "write request", err)
		return
	}
	if req.PLC == "" || req.Tag == "" {
		return
	}
	if p.writable != nil && !p.writable(req.PLC, req.Tag) {
		logging.DebugLog("mqtt", "write to non-writable tag %s/%s refused", req.PLC, req.Tag)
		return
	}
	if err := p.registry.WriteTag(req.PLC, req.Tag, req.Value); err != nil {
		logging.DebugError("mqtt", "write "+req.PLC+"/"+req.Tag, err)
	}
}

// Stop detaches from the registry and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false

	for _, plc := range p.registry.PLCs() {
		for _, tag := range plc.Tags() {
			p.registry.RemoveCallback(tag, p.onTag, plc.Name())
		}
	}

	close(p.stop)
	p.wg.Wait()
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
