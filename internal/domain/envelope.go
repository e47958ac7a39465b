package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Payload variant tags as they appear in data.payload.type.
const (
	PayloadCreate        = "Create"
	PayloadUpdate        = "Update"
	PayloadPartialUpdate = "PartialUpdate"
	PayloadRevoke        = "Revoke"
)

// Envelope is a decoded change event.
type Envelope struct {
	Metadata EventMetadata
	DataType string
	Payload  Payload
}

// EventMetadata is informational only; none of it drives routing.
type EventMetadata struct {
	EventID       string `json:"event_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Time          string `json:"time,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
}

// Payload is the closed set of change variants. Implementations live in this
// package only.
type Payload interface {
	PayloadType() string
	sealed()
}

// CreatePayload adds a new item to a collection.
type CreatePayload struct {
	CollectionID string
	Method       string
	Item         Item
}

// UpdatePayload replaces an existing item.
type UpdatePayload struct {
	CollectionID string
	ItemID       string
	Method       string
	Item         Item
}

// PartialUpdatePayload merges Fragment into an existing item.
type PartialUpdatePayload struct {
	CollectionID string
	ItemID       string
	Method       string
	Fragment     Item
}

// RevokePayload removes an item.
type RevokePayload struct {
	CollectionID string
	ItemID       string
	Method       string
}

func (CreatePayload) PayloadType() string        { return PayloadCreate }
func (UpdatePayload) PayloadType() string        { return PayloadUpdate }
func (PartialUpdatePayload) PayloadType() string { return PayloadPartialUpdate }
func (RevokePayload) PayloadType() string        { return PayloadRevoke }

func (CreatePayload) sealed()        {}
func (UpdatePayload) sealed()        {}
func (PartialUpdatePayload) sealed() {}
func (RevokePayload) sealed()        {}

// Item is a catalog record. Numbers are kept as json.Number so that a decode /
// encode cycle never alters them.
type Item map[string]any

// ID returns the item's identifier, or "" when absent.
func (it Item) ID() string {
	id, _ := it["id"].(string)
	return id
}

type wireEnvelope struct {
	Metadata *EventMetadata `json:"metadata"`
	Data     *wireData      `json:"data"`
}

type wireData struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wirePayload is the union of all variant fields. method is optional on every
// variant; whether it fits the variant is decided by Dispatch.
type wirePayload struct {
	Type         string          `json:"type"`
	Method       *string         `json:"method"`
	CollectionID *string         `json:"collection_id"`
	ItemID       *string         `json:"item_id"`
	Item         json.RawMessage `json:"item"`
}

// Decode parses a message body into an Envelope. Any structural problem is
// reported as a *DecodeError; the returned envelope is only valid when err is nil.
func Decode(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := decodeStrict(raw, &w, false); err != nil {
		return Envelope{}, decodeErr("malformed envelope", err)
	}
	if w.Data == nil {
		return Envelope{}, decodeErr("missing data", nil)
	}
	if len(w.Data.Payload) == 0 || bytes.Equal(w.Data.Payload, []byte("null")) {
		return Envelope{}, decodeErr("missing data.payload", nil)
	}

	var p wirePayload
	if err := decodeStrict(w.Data.Payload, &p, true); err != nil {
		return Envelope{}, decodeErr("malformed payload", err)
	}

	payload, err := p.variant()
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{DataType: w.Data.Type, Payload: payload}
	if w.Metadata != nil {
		env.Metadata = *w.Metadata
	}
	return env, nil
}

func (p wirePayload) variant() (Payload, error) {
	switch p.Type {
	case PayloadCreate:
		if err := forbid(map[string]bool{"item_id": p.ItemID != nil}); err != nil {
			return nil, err
		}
		cid, err := required("collection_id", p.CollectionID)
		if err != nil {
			return nil, err
		}
		item, err := decodeItem(p.Item, true)
		if err != nil {
			return nil, err
		}
		return CreatePayload{CollectionID: cid, Method: optional(p.Method), Item: item}, nil

	case PayloadUpdate:
		cid, err := required("collection_id", p.CollectionID)
		if err != nil {
			return nil, err
		}
		iid, err := required("item_id", p.ItemID)
		if err != nil {
			return nil, err
		}
		item, err := decodeItem(p.Item, true)
		if err != nil {
			return nil, err
		}
		return UpdatePayload{CollectionID: cid, ItemID: iid, Method: optional(p.Method), Item: item}, nil

	case PayloadPartialUpdate:
		cid, err := required("collection_id", p.CollectionID)
		if err != nil {
			return nil, err
		}
		iid, err := required("item_id", p.ItemID)
		if err != nil {
			return nil, err
		}
		frag, err := decodeItem(p.Item, false)
		if err != nil {
			return nil, err
		}
		return PartialUpdatePayload{CollectionID: cid, ItemID: iid, Method: optional(p.Method), Fragment: frag}, nil

	case PayloadRevoke:
		if err := forbid(map[string]bool{"item": len(p.Item) > 0}); err != nil {
			return nil, err
		}
		cid, err := required("collection_id", p.CollectionID)
		if err != nil {
			return nil, err
		}
		iid, err := required("item_id", p.ItemID)
		if err != nil {
			return nil, err
		}
		return RevokePayload{CollectionID: cid, ItemID: iid, Method: optional(p.Method)}, nil

	case "":
		return nil, decodeErr("missing payload type", nil)
	default:
		return nil, decodeErr(fmt.Sprintf("unknown payload type %q", p.Type), nil)
	}
}

func decodeItem(raw json.RawMessage, needID bool) (Item, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, decodeErr("missing item", nil)
	}
	var item Item
	if err := decodeStrict(raw, &item, false); err != nil {
		return nil, decodeErr("item is not an object", err)
	}
	if needID && item.ID() == "" {
		return nil, decodeErr("item has no id", nil)
	}
	if err := validateAssets(item); err != nil {
		return nil, err
	}
	return item, nil
}

func validateAssets(item Item) error {
	raw, ok := item["assets"]
	if !ok {
		return nil
	}
	assets, ok := raw.(map[string]any)
	if !ok {
		return decodeErr("item assets is not an object", nil)
	}
	for name, a := range assets {
		if _, ok := a.(map[string]any); !ok {
			return decodeErr(fmt.Sprintf("asset %q is not an object", name), nil)
		}
	}
	return nil
}

func required(field string, v *string) (string, error) {
	if v == nil || *v == "" {
		return "", decodeErr("missing "+field, nil)
	}
	return *v, nil
}

func optional(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func forbid(present map[string]bool) error {
	for field, ok := range present {
		if ok {
			return decodeErr("unexpected field "+field, nil)
		}
	}
	return nil
}

func decodeStrict(raw []byte, v any, disallowUnknown bool) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func decodeErr(reason string, err error) *DecodeError {
	return &DecodeError{Offset: -1, Reason: reason, Err: err}
}
