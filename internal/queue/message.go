package queue

import (
	"encoding/json"
	"fmt"
)

// Message is the queue-handle payload carried through a lane. The job record
// is the durable source of truth; the message only routes work to it.
type Message struct {
	JobID   string `json:"jobId"`
	Attempt int    `json:"attempt"`
}

func (m Message) encode() (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode queue message: %w", err)
	}
	return string(payload), nil
}

func decodeMessage(payload string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("queue message has no job id")
	}
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}
	return &msg, nil
}
