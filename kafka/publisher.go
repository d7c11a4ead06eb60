// Package kafka republishes tag updates to a Kafka topic in batches.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	segkafka "github.com/segmentio/kafka-go"

	"scanlogix/config"
	"scanlogix/logging"
	"scanlogix/logix"
	"scanlogix/plcman"
)

// Batching configuration.
const (
	// maxBatchSize is the message cap per flush.
	maxBatchSize = 100
	// flushInterval bounds how long a partial batch waits.
	flushInterval = 20 * time.Millisecond
	// queueSize bounds updates waiting for the writer.
	queueSize = 4096
)

// TagMessage is the JSON payload produced per tag change.
type TagMessage struct {
	Namespace string      `json:"namespace,omitempty"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Valid     bool        `json:"valid"`
	Timestamp string      `json:"timestamp"`
}

type update struct {
	plc   string
	tag   string
	value logix.TagValue
}

// Publisher writes batched tag changes to one Kafka topic.
type Publisher struct {
	cfg       *config.KafkaConfig
	namespace string
	registry  *plcman.Registry

	writer *segkafka.Writer
	queue  chan update
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	last   map[string]string
	lastMu sync.Mutex
}

// NewPublisher creates a publisher for one cluster config.
func NewPublisher(cfg *config.KafkaConfig, namespace string, reg *plcman.Registry) *Publisher {
	return &Publisher{
		cfg:       cfg,
		namespace: namespace,
		registry:  reg,
		queue:     make(chan update, queueSize),
		stop:      make(chan struct{}),
		last:      make(map[string]string),
	}
}

// Key returns the partition key for one tag: plc/tag, so one tag's
// changes stay ordered.
func Key(plc, tag string) []byte {
	return []byte(plc + "/" + tag)
}

// Start connects the writer and hooks every registered tag.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if len(p.cfg.Brokers) == 0 || p.cfg.Topic == "" {
		return fmt.Errorf("kafka %s: brokers and topic are required", p.cfg.Name)
	}

	p.writer = &segkafka.Writer{
		Addr:         segkafka.TCP(p.cfg.Brokers...),
		Topic:        p.cfg.Topic,
		Balancer:     &segkafka.Hash{},
		BatchSize:    maxBatchSize,
		BatchTimeout: flushInterval,
		RequiredAcks: segkafka.RequireOne,
		Async:        false,
	}
	logging.DebugLog("kafka", "publisher %s -> %v topic %q", p.cfg.Name, p.cfg.Brokers, p.cfg.Topic)

	for _, plc := range p.registry.PLCs() {
		for _, tag := range plc.Tags() {
			p.registry.AddCallback(tag, p.onTag, plc.Name())
		}
	}

	p.wg.Add(1)
	go p.writeLoop()
	p.running = true
	return nil
}

// onTag runs inside the scan cycle: snapshot, enqueue, return.
func (p *Publisher) onTag(tag *plcman.TagInfo, arg interface{}) {
	u := update{plc: arg.(string), tag: tag.Name(), value: tag.CurrentValue()}
	select {
	case p.queue <- u:
	default:
		logging.DebugLog("kafka", "queue full, dropped %s/%s", u.plc, u.tag)
	}
}

// writeLoop drains the queue into batches and flushes on size or
// interval.
func (p *Publisher) writeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []segkafka.Message
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			logging.DebugError("kafka", "write batch", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-p.stop:
			flush()
			return
		case <-ticker.C:
			flush()
		case u := <-p.queue:
			if msg, ok := p.build(u); ok {
				batch = append(batch, msg)
				if len(batch) >= maxBatchSize {
					flush()
				}
			}
		}
	}
}

// build renders one update, suppressing unchanged values.
func (p *Publisher) build(u update) (segkafka.Message, bool) {
	msg := TagMessage{
		Namespace: p.namespace,
		PLC:       u.plc,
		Tag:       u.tag,
		Valid:     u.value.Valid(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if u.value.Valid() {
		msg.Value = u.value.GoValue()
		msg.Type = u.value.TypeName()
	}

	key := string(Key(u.plc, u.tag))
	state := fmt.Sprintf("%v|%v|%s", msg.Valid, msg.Value, msg.Type)
	p.lastMu.Lock()
	unchanged := p.last[key] == state
	p.last[key] = state
	p.lastMu.Unlock()
	if unchanged {
		return segkafka.Message{}, false
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		logging.DebugError("kafka", "marshal "+u.tag, err)
		return segkafka.Message{}, false
	}
	return segkafka.Message{Key: Key(u.plc, u.tag), Value: raw}, true
}

// Stop detaches from the registry, flushes, and closes the writer.
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
	if p.writer != nil {
		_ = p.writer.Close()
	}
}
