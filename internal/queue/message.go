package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/amillerrr/qr-pipeline/pkg/models"
)

// ErrMalformedMessage marks an inbound message that can never be handled.
var ErrMalformedMessage = errors.New("malformed message")

// Message is a transport-neutral inbound message.
type Message struct {
	ID        string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
}

// Handler processes one message. A nil or non-retryable error acknowledges it.
type Handler func(ctx context.Context, msg Message) error

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: the message is not acknowledged and will be seen again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// VideoID returns the video id carried in the message key.
func (m Message) VideoID() (models.VideoID, error) {
	id, err := models.ParseVideoID(string(m.Key))
	if err != nil {
		return "", fmt.Errorf("%w: key: %v", ErrMalformedMessage, err)
	}
	return id, nil
}

// DecodeChunk reads an upload chunk: key is the video id, the sequence is a header.
func DecodeChunk(m Message) (models.Chunk, error) {
	id, err := m.VideoID()
	if err != nil {
		return models.Chunk{}, err
	}
	seq, err := intHeader(m.Headers, models.HeaderSequence)
	if err != nil {
		return models.Chunk{}, err
	}
	if seq < 0 {
		return models.Chunk{}, fmt.Errorf("%w: negative sequence %d", ErrMalformedMessage, seq)
	}
	return models.Chunk{VideoID: id, Sequence: seq, Data: m.Value}, nil
}

// DecodeControl reads an upload control message. lastSeq and totalBytes are only
// required on completion.
func DecodeControl(m Message) (models.ControlMessage, error) {
	id, err := m.VideoID()
	if err != nil {
		return models.ControlMessage{}, err
	}

	msg := models.ControlMessage{
		VideoID:    id,
		Type:       models.ControlType(m.Headers[models.HeaderType]),
		LastSeq:    models.NoSequence,
		TotalBytes: 0,
	}

	switch msg.Type {
	case models.ControlStarted:
		if v, ok := m.Headers[models.HeaderTotalBytes]; ok {
			if msg.TotalBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
				return models.ControlMessage{}, fmt.Errorf("%w: header %s: %v", ErrMalformedMessage, models.HeaderTotalBytes, err)
			}
		}
	case models.ControlCompleted:
		if msg.LastSeq, err = intHeader(m.Headers, models.HeaderLastSeq); err != nil {
			return models.ControlMessage{}, err
		}
		if msg.TotalBytes, err = intHeader(m.Headers, models.HeaderTotalBytes); err != nil {
			return models.ControlMessage{}, err
		}
	default:
		return models.ControlMessage{}, fmt.Errorf("%w: unknown control type %q", ErrMalformedMessage, msg.Type)
	}

	return msg, nil
}

// ControlHeaders renders msg as channel headers.
func ControlHeaders(msg models.ControlMessage) map[string]string {
	return map[string]string{
		models.HeaderType:       string(msg.Type),
		models.HeaderLastSeq:    strconv.FormatInt(msg.LastSeq, 10),
		models.HeaderTotalBytes: strconv.FormatInt(msg.TotalBytes, 10),
	}
}

func intHeader(headers map[string]string, name string) (int64, error) {
	v, ok := headers[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing header %s", ErrMalformedMessage, name)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: header %s: %v", ErrMalformedMessage, name, err)
	}
	return n, nil
}
