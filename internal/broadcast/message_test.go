package broadcast

import (
	"encoding/json"
	"testing"
)

func TestMessage_FieldsRoundTrip(t *testing.T) {
	msg := Message{
		MessageID: "m-1",
		Channel:   "orders",
		Data:      json.RawMessage(`{"price":42}`),
		Timestamp: 1700000000000,
		SenderID:  "sess-1",
	}

	fields := msg.toFields()
	got := messageFromFields(fields)

	if got.MessageID != msg.MessageID {
		t.Errorf("messageId = %q, want %q", got.MessageID, msg.MessageID)
	}
	if got.Channel != msg.Channel {
		t.Errorf("channel = %q, want %q", got.Channel, msg.Channel)
	}
	if string(got.Data) != string(msg.Data) {
		t.Errorf("data = %q, want %q", got.Data, msg.Data)
	}
	if got.Timestamp != msg.Timestamp {
		t.Errorf("timestamp = %d, want %d", got.Timestamp, msg.Timestamp)
	}
	if got.SenderID != msg.SenderID {
		t.Errorf("senderId = %q, want %q", got.SenderID, msg.SenderID)
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	msg := Message{
		MessageID: "m-2",
		Channel:   "*",
		Data:      json.RawMessage(`"hello"`),
		Timestamp: 1700000001000,
	}

	raw, err := msg.toJSON()
	if err != nil {
		t.Fatalf("toJSON: %v", err)
	}

	got, err := messageFromJSON(raw)
	if err != nil {
		t.Fatalf("messageFromJSON: %v", err)
	}
	if got.MessageID != msg.MessageID || got.Channel != msg.Channel {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestServerFrame_AckFrameCarriesStructuredData(t *testing.T) {
	frame := ServerFrame{
		Type:      "ack",
		MessageID: "m-3",
		Data:      map[string]interface{}{"broadcastMessageId": "m-3"},
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, ok := decoded["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("data field missing or wrong shape: %v", decoded["data"])
	}
	if data["broadcastMessageId"] != "m-3" {
		t.Errorf("broadcastMessageId = %v, want %q", data["broadcastMessageId"], "m-3")
	}
}

func TestServerFrame_OmitsEmptyFields(t *testing.T) {
	frame := ServerFrame{Type: "ping", Timestamp: 123}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := decoded["channel"]; present {
		t.Errorf("expected channel to be omitted, got %v", decoded["channel"])
	}
	if _, present := decoded["messageId"]; present {
		t.Errorf("expected messageId to be omitted, got %v", decoded["messageId"])
	}
}
