package messaging

import "github.com/segmentio/kafka-go"

// headerCarrier exposes a message's header slice as a
// propagation.TextMapCarrier so trace context survives the broker hop.
// It points at the slice, not the message, because Set must be able to
// grow it.
type headerCarrier struct {
	headers *[]kafka.Header
}

func carrierFor(msg *kafka.Message) headerCarrier {
	return headerCarrier{headers: &msg.Headers}
}

func (c headerCarrier) index(key string) int {
	for i := range *c.headers {
		if (*c.headers)[i].Key == key {
			return i
		}
	}
	return -1
}

func (c headerCarrier) Get(key string) string {
	i := c.index(key)
	if i < 0 {
		return ""
	}
	return string((*c.headers)[i].Value)
}

func (c headerCarrier) Set(key, value string) {
	if i := c.index(key); i >= 0 {
		(*c.headers)[i].Value = []byte(value)
		return
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
