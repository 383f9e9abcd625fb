package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/http/middleware"
	"github.com/circlelink/linkage-core/internal/services"
	"github.com/circlelink/linkage-core/internal/utils"
)

//
// Service contracts (context-aware)
//

// Ledger writes the status dimensions of applications, tickets and payments.
type Ledger interface {
	SetApplicationStatus(ctx context.Context, ac authz.Context, hashID string, status domain.ApplicationStatus) (*services.StatusChange, error)
	SetRecordPaymentStatus(ctx context.Context, ac authz.Context, hashID string, status domain.PaymentStatus) (*services.StatusChange, error)
	SetGatewayPaymentStatus(ctx context.Context, ac authz.Context, gatewayHashID string, status domain.PaymentStatus) (*services.StatusChange, error)
	AttachGatewayReference(ctx context.Context, ac authz.Context, recordHashID, gatewayHashID string) error
	SetTicketUsed(ctx context.Context, ac authz.Context, ticketHashID string) (*services.UseResult, error)
	ResetTicketUsed(ctx context.Context, ac authz.Context, ticketHashID, reason string) (*services.StatusChange, error)
}

// Linkage creates, deletes and rewires records.
type Linkage interface {
	CreateApplication(ctx context.Context, ac authz.Context, in services.CreateApplicationInput) (*services.Created, error)
	CreateTicket(ctx context.Context, ac authz.Context, in services.CreateTicketInput) (*services.Created, error)
	CascadingDelete(ctx context.Context, ac authz.Context, hashID string) error
	Assign(ctx context.Context, ac authz.Context, ticketHashID, userID string) (*services.StatusChange, error)
	Unassign(ctx context.Context, ac authz.Context, ticketHashID string) (*services.StatusChange, error)
	ReassignSpaces(ctx context.Context, ac authz.Context, eventID string, assignments []services.SlotAssignment) (*services.ReassignResult, error)
}

// Queries answers read-only lookups.
type Queries interface {
	LookupApplication(ctx context.Context, ac authz.Context, hashID string) (*services.ApplicationView, error)
	LookupTicket(ctx context.Context, ac authz.Context, hashID string) (*services.TicketView, error)
	CanUseTicket(ctx context.Context, ac authz.Context, hashID string) (services.Eligibility, error)
	ResolvePublic(ctx context.Context, hashID string) (*services.PublicEntry, error)
	ListSpaceSlots(ctx context.Context, ac authz.Context, eventID string) ([]services.SlotView, error)
	History(ctx context.Context, ac authz.Context, hashID string) ([]services.HistoryEntry, error)
}

// Quoter previews prices.
type Quoter interface {
	Quote(ctx context.Context, in services.QuoteInput) (*services.QuoteResult, error)
}

// IdempotencyStore keeps the outcome of completed create requests.
type IdempotencyStore interface {
	Save(ctx context.Context, actorID, scope, key, hashID string, status int) error
}

// SlotStats reports the slot count and newest slot timestamp of an event,
// the inputs of the space layout ETag.
type SlotStats func(ctx context.Context, eventID string) (count int64, newest *time.Time, err error)

//
// Handler wiring
//

// Deps lists what the handlers call into. Idempotency and SlotStats are
// optional.
type Deps struct {
	Ledger      Ledger
	Linkage     Linkage
	Queries     Queries
	Quoter      Quoter
	Idempotency IdempotencyStore
	SlotStats   SlotStats
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	ledger  Ledger
	linkage Linkage
	queries Queries
	quoter  Quoter
	idem    IdempotencyStore
	stats   SlotStats
}

// New constructs Handlers over d.
func New(d Deps) *Handlers {
	return &Handlers{
		ledger:  d.Ledger,
		linkage: d.Linkage,
		queries: d.Queries,
		quoter:  d.Quoter,
		idem:    d.Idempotency,
		stats:   d.SlotStats,
	}
}

// FromCore wires Handlers to the services in core.
func FromCore(core *services.Core, idem IdempotencyStore, stats SlotStats) *Handlers {
	return New(Deps{
		Ledger:      core.Ledger,
		Linkage:     core.Linkage,
		Queries:     core.Queries,
		Quoter:      core.Vouchers,
		Idempotency: idem,
		SlotStats:   stats,
	})
}

func actor(c *gin.Context) authz.Context { return middleware.AuthFrom(c) }

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
}

// clampPagination parses page and page_size, defaulting to 1 and 20 and
// capping the size at 100.
func clampPagination(c *gin.Context) (page, pageSize int) {
	page = utils.AtoiDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), 20), 1, 100)
	return page, pageSize
}

func paginate(total, page, pageSize int) Pagination {
	pages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}
