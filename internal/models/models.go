package models

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is the occupant of a room. LineUserID is the LINE chat the tenant talks to us from.
type Tenant struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Name       string         `gorm:"not null" json:"name"`
	RoomID     uint           `gorm:"index" json:"room_id"`
	LineUserID string         `gorm:"index" json:"line_user_id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

const (
	InvoiceStatusUnpaid = "unpaid"
	InvoiceStatusPaid   = "paid"
)

// Invoice monthly rent/utility bill.
type Invoice struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	TenantID    uint           `gorm:"index" json:"tenant_id"`
	RoomID      uint           `gorm:"index" json:"room_id"`
	PeriodMonth string         `gorm:"size:7;not null" json:"period_month"` // YYYY-MM
	Amount      int64          `json:"amount"`                              // satang
	DueDate     time.Time      `gorm:"index" json:"due_date"`
	Status      string         `gorm:"default:'unpaid';index" json:"status"` // unpaid, paid
	PaidAt      *time.Time     `json:"paid_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Tenant Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
}

const (
	TicketStatusOpen   = "open"
	TicketStatusClosed = "closed"
)

// Ticket a tenant conversation. ExternalThreadID is the provider chat id replies go to.
type Ticket struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	TenantID         uint           `gorm:"index" json:"tenant_id"`
	Title            string         `gorm:"not null" json:"title"`
	Channel          string         `gorm:"default:'LINE'" json:"channel"`
	ExternalThreadID string         `gorm:"index" json:"external_thread_id"`
	Status           string         `gorm:"default:'open';index" json:"status"`     // open, closed
	Priority         string         `gorm:"default:'normal'" json:"priority"`       // low, normal, high, urgent
	Tags             string         `json:"tags"`                                   // comma separated
	LastReplyAt      *time.Time     `json:"last_reply_at"`                          // last staff reply
	EscalatedAt      *time.Time     `json:"escalated_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`

	Messages []TicketMessage `gorm:"foreignKey:TicketID" json:"messages,omitempty"`
}

const (
	MessageSenderTenant = "tenant"
	MessageSenderStaff  = "staff"
	MessageSenderSystem = "system"
)

// TicketMessage one line of a ticket conversation.
type TicketMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	Sender    string    `gorm:"not null" json:"sender"` // tenant, staff, system
	AuthorID  string    `json:"author_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Tenant{}, &Invoice{}, &Ticket{}, &TicketMessage{},
		&AutomationPolicy{}, &Approval{}, &AutomationAudit{},
		&OutboxMessage{}, &IdempotencyRecord{},
	}
}
