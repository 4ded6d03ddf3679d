package webhook

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/optik-reconciler/internal/gateway"
)

// Known gateway identifiers, as they appear in the webhook route.
const (
	GatewayMercadoPago = "mercadopago"
	GatewayXendit      = "xendit"
)

// Topic is the canonical kind of resource a notification refers to.
type Topic string

const (
	TopicPayment       Topic = "payment"
	TopicMerchantOrder Topic = "merchant_order"
	TopicSubscription  Topic = "subscription"
)

// Notification is an inbound gateway callback after transport parsing and
// before any verification.
type Notification struct {
	Gateway        string
	Topic          Topic
	RawTopic       string
	ResourceID     string
	NotificationID string
	Data           NotificationData
	Header         http.Header
	Body           []byte
	ReceivedAt     time.Time
}

// NotificationData holds resource fields some gateways embed in the body.
type NotificationData struct {
	Status            string
	PreferenceID      string
	ExternalReference string
}

type notificationBody struct {
	ID     gateway.FlexID `json:"id"`
	Type   string         `json:"type"`
	Topic  string         `json:"topic"`
	Action string         `json:"action"`
	Data   struct {
		ID                gateway.FlexID `json:"id"`
		Status            string         `json:"status"`
		PreferenceID      string         `json:"preference_id"`
		ExternalReference string         `json:"external_reference"`
	} `json:"data"`
}

// ParseNotification extracts topic and identifiers from the query string and
// body. Empty or non-JSON bodies are tolerated; query parameters win over body fields.
func ParseNotification(r *http.Request, gatewayName string, body []byte) Notification {
	n := Notification{
		Gateway:    strings.ToLower(strings.TrimSpace(gatewayName)),
		Header:     r.Header.Clone(),
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}

	var b notificationBody
	if len(body) > 0 && json.Unmarshal(body, &b) != nil {
		b = notificationBody{}
	}

	q := r.URL.Query()
	n.RawTopic = firstNonEmpty(q.Get("topic"), q.Get("type"), b.Type, b.Topic, actionTopic(b.Action))
	n.Topic = canonicalTopic(n.RawTopic)
	n.ResourceID = firstNonEmpty(q.Get("data.id"), q.Get("id"), b.Data.ID.String())
	n.NotificationID = b.ID.String()
	if n.ResourceID == "" && b.Data.ID == "" {
		// flat callbacks carry the resource id at the top level
		n.ResourceID = b.ID.String()
		n.NotificationID = ""
	}
	n.Data = NotificationData{
		Status:            strings.TrimSpace(b.Data.Status),
		PreferenceID:      strings.TrimSpace(b.Data.PreferenceID),
		ExternalReference: strings.TrimSpace(b.Data.ExternalReference),
	}
	return n
}

func canonicalTopic(raw string) Topic {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "payment", "payments":
		return TopicPayment
	case "merchant_order", "merchant_orders", "topic_merchant_order_wh":
		return TopicMerchantOrder
	case "subscription", "preapproval", "subscription_preapproval":
		return TopicSubscription
	default:
		return Topic(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// actionTopic turns "payment.updated" into "payment".
func actionTopic(action string) string {
	head, _, _ := strings.Cut(strings.TrimSpace(action), ".")
	return head
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
