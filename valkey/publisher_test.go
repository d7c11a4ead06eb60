package valkey

import (
	"testing"
	"time"

	"scanlogix/config"
	"scanlogix/plcman"
)

func TestJoinKey(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"plant1", "plc", "press", "counter"}, "plant1:plc:press:counter"},
		{[]string{"plant1:", ":plc", "press"}, "plant1:plc:press"},
		{[]string{"", "plc", "press"}, "plc:press"},
		{[]string{":", "a", ""}, "a"},
	}
	for _, tc := range tests {
		if got := JoinKey(tc.in...); got != tc.want {
			t.Errorf("JoinKey(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTagKeyAndChannel(t *testing.T) {
	reg := plcman.New(plcman.Options{DefaultPeriod: time.Second})
	p := NewPublisher(&config.ValkeyConfig{Name: "v", Address: "localhost:6379"}, "plant1", reg)

	if got := p.TagKey("press", "counter"); got != "plant1:plc:press:counter" {
		t.Errorf("TagKey = %q", got)
	}
	if got := p.channel(); got != "plant1:changes" {
		t.Errorf("channel = %q", got)
	}

	p.cfg.Channel = "custom"
	if got := p.channel(); got != "custom" {
		t.Errorf("custom channel = %q", got)
	}
}
