package domain

import (
	"fmt"
	"net/http"
	"net/url"
)

// OpKind is the catalog mutation an envelope maps to.
type OpKind int

const (
	OpUnhandled OpKind = iota
	OpCreate
	OpReplace
	OpPatch
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpReplace:
		return "replace"
	case OpPatch:
		return "patch"
	case OpDelete:
		return "delete"
	default:
		return "unhandled"
	}
}

// Operation is a single catalog mutation. Item holds the full record for
// create/replace and the fragment for patch; it is nil for delete.
type Operation struct {
	Kind         OpKind
	CollectionID string
	ItemID       string
	Item         Item

	// Reason explains why an operation is OpUnhandled.
	Reason string
}

// Method returns the HTTP method used against a document API.
func (o Operation) Method() string {
	switch o.Kind {
	case OpCreate:
		return http.MethodPost
	case OpReplace:
		return http.MethodPut
	case OpPatch:
		return http.MethodPatch
	case OpDelete:
		return http.MethodDelete
	default:
		return ""
	}
}

// Path returns the resource path relative to the API root, without a leading
// slash: collections/{cid}/items for create, collections/{cid}/items/{iid}
// otherwise.
func (o Operation) Path() string {
	p := "collections/" + url.PathEscape(o.CollectionID) + "/items"
	if o.Kind == OpCreate {
		return p
	}
	return p + "/" + url.PathEscape(o.ItemID)
}

// Dispatch maps an envelope to exactly one operation. Variant/method
// combinations outside the routing table come back as OpUnhandled so that the
// caller can log and skip them. Create and Update may omit the method;
// PartialUpdate and Revoke must carry PATCH and DELETE.
func Dispatch(env Envelope) Operation {
	switch p := env.Payload.(type) {
	case CreatePayload:
		if p.Method != "" && p.Method != http.MethodPost {
			return unhandled(p.CollectionID, p.Item.ID(), fmt.Sprintf("create with method %q", p.Method))
		}
		return Operation{Kind: OpCreate, CollectionID: p.CollectionID, ItemID: p.Item.ID(), Item: p.Item}
	case UpdatePayload:
		if p.Method != "" && p.Method != http.MethodPut {
			return unhandled(p.CollectionID, p.ItemID, fmt.Sprintf("update with method %q", p.Method))
		}
		return Operation{Kind: OpReplace, CollectionID: p.CollectionID, ItemID: p.ItemID, Item: p.Item}
	case PartialUpdatePayload:
		if p.Method != http.MethodPatch {
			return unhandled(p.CollectionID, p.ItemID, fmt.Sprintf("partial update with method %q", p.Method))
		}
		return Operation{Kind: OpPatch, CollectionID: p.CollectionID, ItemID: p.ItemID, Item: p.Fragment}
	case RevokePayload:
		if p.Method != http.MethodDelete {
			return unhandled(p.CollectionID, p.ItemID, fmt.Sprintf("revoke with method %q", p.Method))
		}
		return Operation{Kind: OpDelete, CollectionID: p.CollectionID, ItemID: p.ItemID}
	case nil:
		return Operation{Kind: OpUnhandled, Reason: "empty payload"}
	default:
		return Operation{Kind: OpUnhandled, Reason: fmt.Sprintf("payload type %q", p.PayloadType())}
	}
}

func unhandled(cid, iid, reason string) Operation {
	return Operation{Kind: OpUnhandled, CollectionID: cid, ItemID: iid, Reason: reason}
}
