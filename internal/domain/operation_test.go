package domain

import "testing"

func TestDispatch(t *testing.T) {
	item := Item{"id": "i1"}

	tests := []struct {
		name       string
		payload    Payload
		wantKind   OpKind
		wantMethod string
		wantPath   string
	}{
		{
			name:       "create posts to collection items",
			payload:    CreatePayload{CollectionID: "c1", Item: item},
			wantKind:   OpCreate,
			wantMethod: "POST",
			wantPath:   "collections/c1/items",
		},
		{
			name:       "update puts to item",
			payload:    UpdatePayload{CollectionID: "c1", ItemID: "i1", Item: item},
			wantKind:   OpReplace,
			wantMethod: "PUT",
			wantPath:   "collections/c1/items/i1",
		},
		{
			name:       "partial update patches item",
			payload:    PartialUpdatePayload{CollectionID: "c1", ItemID: "i1", Method: "PATCH", Fragment: Item{}},
			wantKind:   OpPatch,
			wantMethod: "PATCH",
			wantPath:   "collections/c1/items/i1",
		},
		{
			name:       "revoke deletes item",
			payload:    RevokePayload{CollectionID: "c1", ItemID: "i1", Method: "DELETE"},
			wantKind:   OpDelete,
			wantMethod: "DELETE",
			wantPath:   "collections/c1/items/i1",
		},
		{
			name:       "create with POST method",
			payload:    CreatePayload{CollectionID: "c1", Method: "POST", Item: item},
			wantKind:   OpCreate,
			wantMethod: "POST",
			wantPath:   "collections/c1/items",
		},
		{
			name:       "update with PUT method",
			payload:    UpdatePayload{CollectionID: "c1", ItemID: "i1", Method: "PUT", Item: item},
			wantKind:   OpReplace,
			wantMethod: "PUT",
			wantPath:   "collections/c1/items/i1",
		},
		{
			name:     "create with other method is unhandled",
			payload:  CreatePayload{CollectionID: "c1", Method: "DELETE", Item: item},
			wantKind: OpUnhandled,
		},
		{
			name:     "update with other method is unhandled",
			payload:  UpdatePayload{CollectionID: "c1", ItemID: "i1", Method: "PATCH", Item: item},
			wantKind: OpUnhandled,
		},
		{
			name:     "partial update without method is unhandled",
			payload:  PartialUpdatePayload{CollectionID: "c1", ItemID: "i1", Fragment: Item{}},
			wantKind: OpUnhandled,
		},
		{
			name:     "revoke without method is unhandled",
			payload:  RevokePayload{CollectionID: "c1", ItemID: "i1"},
			wantKind: OpUnhandled,
		},
		{
			name:     "partial update with wrong method is unhandled",
			payload:  PartialUpdatePayload{CollectionID: "c1", ItemID: "i1", Method: "PUT"},
			wantKind: OpUnhandled,
		},
		{
			name:     "revoke with wrong method is unhandled",
			payload:  RevokePayload{CollectionID: "c1", ItemID: "i1", Method: "delete"},
			wantKind: OpUnhandled,
		},
		{
			name:     "nil payload is unhandled",
			payload:  nil,
			wantKind: OpUnhandled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := Dispatch(Envelope{Payload: tt.payload})
			if op.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, expected %v", op.Kind, tt.wantKind)
			}
			if op.Kind == OpUnhandled {
				if op.Reason == "" {
					t.Fatal("unhandled operation must carry a reason")
				}
				return
			}
			if got := op.Method(); got != tt.wantMethod {
				t.Fatalf("Method() = %s, expected %s", got, tt.wantMethod)
			}
			if got := op.Path(); got != tt.wantPath {
				t.Fatalf("Path() = %s, expected %s", got, tt.wantPath)
			}
			if op.ItemID != "i1" {
				t.Fatalf("ItemID = %q, expected i1", op.ItemID)
			}
		})
	}
}

func TestOperationPathEscapes(t *testing.T) {
	op := Operation{Kind: OpDelete, CollectionID: "CMIP6", ItemID: "a b/c"}
	if got, want := op.Path(), "collections/CMIP6/items/a%20b%2Fc"; got != want {
		t.Fatalf("Path() = %s, expected %s", got, want)
	}
}
