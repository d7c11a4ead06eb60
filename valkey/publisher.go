// Package valkey mirrors current tag values into a Valkey/Redis
// server: SET for the current value, PUBLISH for the change stream.
package valkey

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"scanlogix/config"
	"scanlogix/logging"
	"scanlogix/logix"
	"scanlogix/plcman"
)

// queueSize bounds updates waiting for the server.
const queueSize = 1024

// opTimeout bounds one Valkey round trip.
const opTimeout = 3 * time.Second

// TagMessage is the JSON value stored per tag.
type TagMessage struct {
	Namespace string      `json:"namespace,omitempty"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Valid     bool        `json:"valid"`
	Timestamp time.Time   `json:"timestamp"`
}

// JoinKey joins key segments with colons, trimming stray colons from
// each segment so keys never carry empty parts.
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

type update struct {
	plc   string
	tag   string
	value logix.TagValue
}

// Publisher mirrors tag values into one Valkey server.
type Publisher struct {
	cfg       *config.ValkeyConfig
	namespace string
	registry  *plcman.Registry

	client *redis.Client
	queue  chan update
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewPublisher creates a publisher for one server config.
func NewPublisher(cfg *config.ValkeyConfig, namespace string, reg *plcman.Registry) *Publisher {
	return &Publisher{
		cfg:       cfg,
		namespace: namespace,
		registry:  reg,
		queue:     make(chan update, queueSize),
		stop:      make(chan struct{}),
	}
}

// TagKey returns the SET key for one tag.
func (p *Publisher) TagKey(plc, tag string) string {
	return JoinKey(p.namespace, "plc", plc, tag)
}

// channel returns the PUBLISH channel for changes.
func (p *Publisher) channel() string {
	if p.cfg.Channel != "" {
		return p.cfg.Channel
	}
	return JoinKey(p.namespace, "changes")
}

// Start connects and hooks every registered tag.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	p.client = redis.NewClient(&redis.Options{
		Addr:     p.cfg.Address,
		Username: p.cfg.Username,
		Password: p.cfg.Password,
		DB:       p.cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	err := p.client.Ping(ctx).Err()
	cancel()
	if err != nil {
		// The server may come up later; go-redis reconnects on use.
		logging.DebugError("valkey", "ping "+p.cfg.Address, err)
	} else {
		logging.DebugConnectSuccess("valkey", p.cfg.Address, "publisher "+p.cfg.Name)
	}

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

// onTag runs inside the scan cycle: snapshot, enqueue, return.
func (p *Publisher) onTag(tag *plcman.TagInfo, arg interface{}) {
	u := update{plc: arg.(string), tag: tag.Name(), value: tag.CurrentValue()}
	select {
	case p.queue <- u:
	default:
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
		Namespace: p.namespace,
		PLC:       u.plc,
		Tag:       u.tag,
		Valid:     u.value.Valid(),
		Timestamp: time.Now().UTC(),
	}
	if u.value.Valid() {
		msg.Value = u.value.GoValue()
		msg.Type = u.value.TypeName()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		logging.DebugError("valkey", "marshal "+u.tag, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := p.TagKey(u.plc, u.tag)
	if err := p.client.Set(ctx, key, raw, 0).Err(); err != nil {
		logging.DebugError("valkey", "set "+key, err)
		return
	}
	if err := p.client.Publish(ctx, p.channel(), raw).Err(); err != nil {
		logging.DebugError("valkey", "publish "+p.channel(), err)
	}
}

// Stop detaches from the registry and closes the connection.
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
		_ = p.client.Close()
	}
}
