package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/koscakluka/ari-core/core/events"
)

// DTMFCollector is a capability trait that intercepts ChannelDtmfReceived
// events before state handling and accumulates the pressed digits. Attach
// one per machine; Digits exposes what has been collected so far.
type DTMFCollector struct {
	mu      sync.Mutex
	digits  strings.Builder
	onDigit func(digit string)
}

type DTMFCollectorOption func(*DTMFCollector)

// WithDigitCallback invokes fn for every digit as it arrives.
func WithDigitCallback(fn func(digit string)) DTMFCollectorOption {
	return func(collector *DTMFCollector) { collector.onDigit = fn }
}

func NewDTMFCollector(opts ...DTMFCollectorOption) *DTMFCollector {
	collector := &DTMFCollector{}
	for _, opt := range opts {
		opt(collector)
	}
	return collector
}

func (c *DTMFCollector) Kinds() []events.Kind {
	return []events.Kind{events.KindChannelDtmfReceived}
}

func (c *DTMFCollector) Handle(_ context.Context, _ *Machine, delivery Delivery) (bool, error) {
	digit, ok := digitField(delivery)
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	c.digits.WriteString(digit)
	onDigit := c.onDigit
	c.mu.Unlock()

	if onDigit != nil {
		onDigit(digit)
	}
	return true, nil
}

func digitField(delivery Delivery) (string, bool) {
	value, ok := delivery.Event.Field("digit")
	if !ok {
		return "", false
	}
	digit, ok := value.(string)
	if !ok || digit == "" {
		return "", false
	}
	return digit, true
}

// Digits returns every digit collected so far, in arrival order.
func (c *DTMFCollector) Digits() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digits.String()
}

// Reset clears the collected digits.
func (c *DTMFCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digits.Reset()
}
