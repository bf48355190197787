package ledger

import "github.com/google/uuid"

// Row ids are UUIDv7 so that id order follows creation order; sweep cursors
// rely on that to page deterministically.

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func NewMemberID() MemberID   { return MemberID(newID()) }
func NewInvoiceID() InvoiceID { return InvoiceID(newID()) }
func NewHistoryID() HistoryID { return HistoryID(newID()) }
