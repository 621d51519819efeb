package registry

import (
	"context"
	"testing"

	"cloud.google.com/go/firestore"
)

func TestFirestoreInvoiceRef(t *testing.T) {
	// The emulator host only skips credentials; nothing is dialed.
	t.Setenv("FIRESTORE_EMULATOR_HOST", "localhost:8918")
	client, err := firestore.NewClient(context.Background(), "test-project")
	if err != nil {
		t.Fatalf("firestore.NewClient() error = %v", err)
	}
	defer client.Close()

	tests := []struct {
		name, collection, want string
	}{
		{"default collection", "", "documents"},
		{"configured collection", "invoice-docs", "invoice-docs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := NewFirestoreStore(client, tt.collection).invoiceRef("doc-1", 3)
			want := "projects/test-project/databases/(default)/documents/" + tt.want + "/doc-1/invoices/3"
			if ref.Path != want {
				t.Errorf("invoiceRef().Path = %q, want %q", ref.Path, want)
			}
		})
	}
}
