package sim

import (
	"github.com/tallyapp/tally/internal/backend"
	"github.com/tallyapp/tally/pkg/syncstore"
)

// SeedDemo loads a small consistent dataset: tasks referencing customers,
// invoices with outstanding balances, supplier orders hanging off invoices
// and payments settling orders.
func SeedDemo(mem *backend.Memory) error {
	seed := map[string][]syncstore.Record{
		"task": {
			{"id": "1", "title": "Send January retainer invoice", "status": "open", "due": "2026-01-05", "assignee": "dana", "customer": "Acme Corp"},
			{"id": "2", "title": "Chase Globex quote", "status": "open", "due": "2026-01-09", "assignee": "sam", "customer": "Globex"},
			{"id": "3", "title": "Reconcile December statements", "status": "open", "due": "2026-01-12", "assignee": "dana", "customer": ""},
			{"id": "4", "title": "File VAT return", "status": "open", "due": "2026-01-20", "assignee": "sam", "customer": ""},
			{"id": "5", "title": "Renew hosting contract", "status": "closed", "due": "2025-12-15", "assignee": "dana", "customer": "Initech"},
			{"id": "6", "title": "Archive 2025 projects", "status": "closed", "due": "2025-12-30", "assignee": "sam", "customer": ""},
		},
		"invoice": {
			{"id": "101", "customer": "Acme Corp", "status": "sent", "amount": 4200, "remaining": 4200, "issued": "2025-12-20"},
			{"id": "102", "customer": "Globex", "status": "paid", "amount": 1750, "remaining": 0, "issued": "2025-12-01"},
			{"id": "103", "customer": "Initech", "status": "sent", "amount": 980, "remaining": 490, "issued": "2025-12-28"},
			{"id": "104", "customer": "Acme Corp", "status": "draft", "amount": 3600, "remaining": 3600, "issued": ""},
			{"id": "105", "customer": "Hooli", "status": "sent", "amount": 8150, "remaining": 8150, "issued": "2026-01-02"},
		},
		"order": {
			{"id": "201", "supplier": "Paper & Co", "invoice_id": "101", "amount": 320, "status": "delivered"},
			{"id": "202", "supplier": "Cloudline", "invoice_id": "103", "amount": 145, "status": "pending"},
			{"id": "203", "supplier": "Paper & Co", "invoice_id": "105", "amount": 980, "status": "pending"},
		},
		"payment": {
			{"id": "301", "supplier": "Paper & Co", "order_id": "201", "amount": 320, "paid_on": "2025-12-22"},
			{"id": "302", "supplier": "Cloudline", "order_id": "202", "amount": 145, "paid_on": ""},
		},
	}

	for entityType, rows := range seed {
		for _, row := range rows {
			err := mem.Seed(entityType, row)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
