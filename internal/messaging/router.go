package messaging

import "strings"

// TopicRouter maps an event type to the topic that carries it, keyed on the
// type's leading segment ("order", "inventory", "delivery").
type TopicRouter struct {
	orderTopic     string
	inventoryTopic string
	deliveryTopic  string
}

func NewTopicRouter(orderTopic, inventoryTopic, deliveryTopic string) TopicRouter {
	return TopicRouter{
		orderTopic:     orderTopic,
		inventoryTopic: inventoryTopic,
		deliveryTopic:  deliveryTopic,
	}
}

// Route returns the destination topic for eventType. Unrecognized prefixes
// land on the order topic rather than being dropped.
func (r TopicRouter) Route(eventType string) string {
	prefix, _, _ := strings.Cut(eventType, ".")
	switch prefix {
	case "inventory":
		return r.inventoryTopic
	case "delivery":
		return r.deliveryTopic
	default:
		return r.orderTopic
	}
}
