package broadcast

import (
	"encoding/json"
	"strconv"
)

// Message is the envelope stored under sockets:message:{id} and carried
// over store streams, per spec §3 BroadcastMessage.
type Message struct {
	MessageID string          `json:"messageId"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId,omitempty"`
}

// toFields flattens the envelope into the string field map a stream
// entry carries.
func (m Message) toFields() map[string]string {
	return map[string]string{
		"messageId": m.MessageID,
		"channel":   m.Channel,
		"data":      string(m.Data),
		"timestamp": strconv.FormatInt(m.Timestamp, 10),
		"senderId":  m.SenderID,
	}
}

func messageFromFields(fields map[string]string) Message {
	ts, _ := strconv.ParseInt(fields["timestamp"], 10, 64)
	return Message{
		MessageID: fields["messageId"],
		Channel:   fields["channel"],
		Data:      json.RawMessage(fields["data"]),
		Timestamp: ts,
		SenderID:  fields["senderId"],
	}
}

func (m Message) toJSON() ([]byte, error) {
	return json.Marshal(m)
}

func messageFromJSON(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}

// ServerFrame is any of the four server->client wire shapes of spec §6.
// Data is left as `any` since it carries the business payload on a
// "message" frame but a small structured object ({broadcastMessageId} or
// {error}) on "ack"/"error" frames.
type ServerFrame struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}
