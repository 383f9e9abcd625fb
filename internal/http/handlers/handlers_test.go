package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/domain"
	"github.com/circlelink/linkage-core/internal/http/middleware"
	"github.com/circlelink/linkage-core/internal/repo"
	"github.com/circlelink/linkage-core/internal/services"
)

const testSecret = "handlers-test-secret-01"

var (
	plainUser   = authz.Context{ActorID: "user-1"}
	strangerCtx = authz.Context{ActorID: "user-2"}
	staffCtx    = authz.Context{ActorID: "staff-1", Roles: []authz.Role{authz.RoleStaff}}
	adminCtx    = authz.Context{ActorID: "admin-1", Roles: []authz.Role{authz.RoleAdmin}}
	doorCtx     = authz.Context{ActorID: "door-1", Roles: []authz.Role{authz.RoleDoor}}
	gatewayCtx  = authz.Context{ActorID: "gw", Roles: []authz.Role{authz.RoleGateway}}
)

func bearerFor(t *testing.T, ac authz.Context) string {
	t.Helper()
	tok, err := authz.IssueToken([]byte(testSecret), ac, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + tok
}

type stack struct {
	t  *testing.T
	r  *gin.Engine
	db *gorm.DB
}

// newStack serves the handlers over a fresh in-memory database with the
// middleware they depend on: request id, auth and idempotency lookup.
func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	idem := DBIdempotency{DB: db, TTL: time.Hour}
	stats := func(ctx context.Context, eventID string) (int64, *time.Time, error) {
		return repo.SpaceSlotsStats(ctx, db, eventID)
	}
	h := FromCore(services.New(db, services.Options{}), idem, stats)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Auth([]byte(testSecret)))
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, idem.Lookup))

	r.GET("/resolve/:hashId", h.Resolve)
	r.POST("/events/:eventId/applications", h.CreateApplication)
	r.GET("/applications/:hashId", h.GetApplication)
	r.DELETE("/applications/:hashId", h.DeleteRecord)
	r.PUT("/applications/:hashId/status", h.SetApplicationStatus)
	r.PUT("/applications/:hashId/payment/status", h.SetRecordPaymentStatus)
	r.GET("/applications/:hashId/history", h.History)
	r.POST("/stores/:storeId/tickets", h.CreateTicket)
	r.GET("/tickets/:hashId", h.GetTicket)
	r.DELETE("/tickets/:hashId", h.DeleteRecord)
	r.GET("/tickets/:hashId/eligibility", h.TicketEligibility)
	r.GET("/tickets/:hashId/qr", h.TicketQR)
	r.PUT("/tickets/:hashId/assignee", h.AssignTicket)
	r.DELETE("/tickets/:hashId/assignee", h.UnassignTicket)
	r.POST("/tickets/:hashId/use", h.UseTicket)
	r.POST("/tickets/:hashId/reset", h.ResetTicket)
	r.PUT("/tickets/:hashId/payment/status", h.SetRecordPaymentStatus)
	r.GET("/events/:eventId/spaces", h.ListSpaces)
	r.PUT("/events/:eventId/spaces", h.ReassignSpaces)
	r.POST("/vouchers/quote", h.QuoteVoucher)
	r.POST("/webhooks/payments", h.PaymentWebhook)

	return &stack{t: t, r: r, db: db}
}

func (s *stack) product(tt domain.VoucherTargetType, targetID, id string, price *int) {
	s.t.Helper()
	if err := s.db.Create(&domain.Product{ID: id, TargetType: tt, TargetID: targetID, Price: price}).Error; err != nil {
		s.t.Fatalf("seed product: %v", err)
	}
}

func (s *stack) call(ac *authz.Context, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ac != nil {
		req.Header.Set("Authorization", bearerFor(s.t, *ac))
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d: %s", w.Code, status, w.Body.String())
	}
	if code != "" {
		if got := decode[ErrorResponse](t, w).Code; got != code {
			t.Fatalf("code=%q want %q", got, code)
		}
	}
}

func ptr[T any](v T) *T { return &v }

func (s *stack) application(eventID string) string {
	s.t.Helper()
	s.product(domain.VoucherTargetEvent, eventID, "sp-"+eventID, ptr(1000))
	w := s.call(&plainUser, http.MethodPost, "/events/"+eventID+"/applications", map[string]any{"space_id": "sp-" + eventID})
	expect(s.t, w, http.StatusCreated, "")
	return decode[services.Created](s.t, w).HashID
}

func (s *stack) freeTicket() string {
	s.t.Helper()
	s.product(domain.VoucherTargetStore, "st1", "free", nil)
	w := s.call(&plainUser, http.MethodPost, "/stores/st1/tickets", map[string]any{"type_id": "free"})
	expect(s.t, w, http.StatusCreated, "")
	return decode[services.Created](s.t, w).HashID
}

// ---------- applications ----------

func TestCreateApplication_ValidationAndReplay(t *testing.T) {
	s := newStack(t)
	s.product(domain.VoucherTargetEvent, "ev1", "sp-ev1", ptr(1200))

	expect(t, s.call(&plainUser, http.MethodPost, "/events/ev1/applications", nil), http.StatusBadRequest, ErrCodeBadRequest)
	expect(t, s.call(&plainUser, http.MethodPost, "/events/ev1/applications",
		map[string]any{"space_id": "sp-ev1", "links": []string{"not a url"}}), http.StatusBadRequest, ErrCodeBadRequest)

	body := map[string]any{"space_id": "sp-ev1"}
	w := s.call(&plainUser, http.MethodPost, "/events/ev1/applications", body, middleware.HeaderIdempotencyKey, "k1")
	expect(t, w, http.StatusCreated, "")
	created := decode[services.Created](t, w)
	if created.PaymentRequirement == "" || created.Quote == nil || created.Quote.PaymentAmount != 1200 {
		t.Fatalf("unexpected create body: %+v", created)
	}

	w = s.call(&plainUser, http.MethodPost, "/events/ev1/applications", body, middleware.HeaderIdempotencyKey, "k1")
	expect(t, w, http.StatusCreated, "")
	if rep := decode[ReplayResponse](t, w); !rep.Replayed || rep.HashID != created.HashID {
		t.Fatalf("replay = %+v", rep)
	}

	// Keys are per caller.
	w = s.call(&strangerCtx, http.MethodPost, "/events/ev1/applications", body, middleware.HeaderIdempotencyKey, "k1")
	expect(t, w, http.StatusCreated, "")
	if decode[services.Created](t, w).HashID == created.HashID {
		t.Fatalf("another caller must not receive a replay")
	}
}

func TestGetApplication_Access(t *testing.T) {
	s := newStack(t)
	hash := s.application("ev1")

	w := s.call(&plainUser, http.MethodGet, "/applications/"+hash, nil)
	expect(t, w, http.StatusOK, "")
	if v := decode[services.ApplicationView](t, w); v.HashID != hash || v.EventID != "ev1" || v.Payment == nil {
		t.Fatalf("view = %+v", v)
	}
	expect(t, s.call(&strangerCtx, http.MethodGet, "/applications/"+hash, nil), http.StatusForbidden, ErrCodeForbidden)
	expect(t, s.call(&staffCtx, http.MethodGet, "/applications/"+hash, nil), http.StatusOK, "")
	expect(t, s.call(&plainUser, http.MethodGet, "/applications/bogus", nil), http.StatusBadRequest, ErrCodeInvalidFormat)
}

func TestApplicationStatus_And_Payment(t *testing.T) {
	s := newStack(t)
	hash := s.application("ev1")

	expect(t, s.call(&staffCtx, http.MethodPut, "/applications/"+hash+"/status", map[string]string{"status": "maybe"}), http.StatusBadRequest, ErrCodeBadRequest)
	expect(t, s.call(&plainUser, http.MethodPut, "/applications/"+hash+"/status", map[string]string{"status": "confirmed"}), http.StatusForbidden, ErrCodeForbidden)

	w := s.call(&staffCtx, http.MethodPut, "/applications/"+hash+"/status", map[string]string{"status": "confirmed"})
	expect(t, w, http.StatusOK, "")
	if ch := decode[ChangeResponse](t, w).Change; ch == nil || !ch.Changed || ch.To != "confirmed" {
		t.Fatalf("change = %+v", ch)
	}

	expect(t, s.call(&gatewayCtx, http.MethodPut, "/applications/"+hash+"/payment/status", map[string]string{"status": "paid"}), http.StatusOK, "")
	// paid → pending is not an allowed move.
	expect(t, s.call(&gatewayCtx, http.MethodPut, "/applications/"+hash+"/payment/status", map[string]string{"status": "pending"}), http.StatusConflict, ErrCodeInvalidTransition)
	expect(t, s.call(&staffCtx, http.MethodPut, "/applications/"+hash+"/payment/status", map[string]string{"status": "refunded"}), http.StatusOK, "")
	expect(t, s.call(&gatewayCtx, http.MethodPut, "/applications/"+hash+"/payment/status", map[string]string{"status": "paid"}), http.StatusConflict, ErrCodeLockedStatus)

	w = s.call(&staffCtx, http.MethodGet, "/applications/"+hash+"/history?page_size=2", nil)
	expect(t, w, http.StatusOK, "")
	hist := decode[HistoryResponse](t, w)
	if len(hist.Entries) != 2 || hist.Pagination.Total < 3 || !hist.Pagination.HasNext {
		t.Fatalf("history page = %+v", hist)
	}
	expect(t, s.call(&plainUser, http.MethodGet, "/applications/"+hash+"/history", nil), http.StatusForbidden, ErrCodeForbidden)
}

func TestDeleteRecord_RetiresHash(t *testing.T) {
	s := newStack(t)
	hash := s.application("ev1")

	expect(t, s.call(&strangerCtx, http.MethodDelete, "/applications/"+hash, nil), http.StatusForbidden, ErrCodeForbidden)
	w := s.call(&plainUser, http.MethodDelete, "/applications/"+hash, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d %s", w.Code, w.Body.String())
	}
	expect(t, s.call(nil, http.MethodGet, "/resolve/"+hash, nil), http.StatusNotFound, ErrCodeNotFound)
	expect(t, s.call(&plainUser, http.MethodDelete, "/applications/"+hash, nil), http.StatusNotFound, ErrCodeNotFound)
}

// ---------- tickets ----------

func TestTicket_UseTwice(t *testing.T) {
	s := newStack(t)
	hash := s.freeTicket()

	expect(t, s.call(nil, http.MethodGet, "/tickets/"+hash+"/eligibility", nil), http.StatusUnauthorized, ErrCodeUnauthorized)
	expect(t, s.call(&strangerCtx, http.MethodGet, "/tickets/"+hash+"/eligibility", nil), http.StatusForbidden, ErrCodeForbidden)

	w := s.call(&doorCtx, http.MethodGet, "/tickets/"+hash+"/eligibility", nil)
	expect(t, w, http.StatusOK, "")
	if el := decode[services.Eligibility](t, w); !el.Eligible {
		t.Fatalf("free assigned ticket should be eligible: %+v", el)
	}

	expect(t, s.call(&plainUser, http.MethodPost, "/tickets/"+hash+"/use", nil), http.StatusForbidden, ErrCodeForbidden)
	expect(t, s.call(nil, http.MethodPost, "/tickets/"+hash+"/use", nil), http.StatusUnauthorized, ErrCodeUnauthorized)

	w = s.call(&doorCtx, http.MethodPost, "/tickets/"+hash+"/use", nil)
	expect(t, w, http.StatusOK, "")
	first := decode[services.UseResult](t, w)
	if !first.Changed || first.UsedAt == nil {
		t.Fatalf("first scan = %+v", first)
	}

	w = s.call(&doorCtx, http.MethodPost, "/tickets/"+hash+"/use", nil)
	expect(t, w, http.StatusConflict, ErrCodeAlreadyUsed)
	if !strings.Contains(w.Body.String(), `"used_at"`) {
		t.Fatalf("already_used should carry used_at: %s", w.Body.String())
	}

	// Assignment is frozen after use.
	expect(t, s.call(&plainUser, http.MethodPut, "/tickets/"+hash+"/assignee", map[string]string{"user_id": "friend"}), http.StatusConflict, ErrCodeAlreadyUsed)

	expect(t, s.call(&adminCtx, http.MethodPost, "/tickets/"+hash+"/reset", map[string]string{}), http.StatusBadRequest, ErrCodeBadRequest)
	expect(t, s.call(&adminCtx, http.MethodPost, "/tickets/"+hash+"/reset", map[string]string{"reason": "mis-scan"}), http.StatusOK, "")
	expect(t, s.call(&doorCtx, http.MethodPost, "/tickets/"+hash+"/use", nil), http.StatusOK, "")
}

func TestTicket_UnassignedIsNotEligible(t *testing.T) {
	s := newStack(t)
	hash := s.freeTicket()

	expect(t, s.call(&plainUser, http.MethodDelete, "/tickets/"+hash+"/assignee", nil), http.StatusOK, "")
	w := s.call(&doorCtx, http.MethodPost, "/tickets/"+hash+"/use", nil)
	expect(t, w, http.StatusConflict, ErrCodeNotEligible)
	if !strings.Contains(w.Body.String(), `"reason":"unassigned"`) {
		t.Fatalf("reason missing: %s", w.Body.String())
	}

	w = s.call(&plainUser, http.MethodPut, "/tickets/"+hash+"/assignee", map[string]string{"user_id": "friend"})
	expect(t, w, http.StatusOK, "")
	friend := authz.Context{ActorID: "friend"}
	expect(t, s.call(&friend, http.MethodGet, "/tickets/"+hash, nil), http.StatusOK, "")
}

func TestTicket_QR(t *testing.T) {
	s := newStack(t)
	hash := s.freeTicket()

	w := s.call(&plainUser, http.MethodGet, "/tickets/"+hash+"/qr?size=5000", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() > maxQRSize {
		t.Fatalf("size not clamped: %v", b)
	}
	expect(t, s.call(&strangerCtx, http.MethodGet, "/tickets/"+hash+"/qr", nil), http.StatusForbidden, ErrCodeForbidden)
}

func TestTicket_PaidTicketFlow(t *testing.T) {
	s := newStack(t)
	s.product(domain.VoucherTargetStore, "st1", "general", ptr(500))
	w := s.call(&plainUser, http.MethodPost, "/stores/st1/tickets", map[string]any{"type_id": "general"})
	expect(t, w, http.StatusCreated, "")
	hash := decode[services.Created](t, w).HashID

	w = s.call(&doorCtx, http.MethodPost, "/tickets/"+hash+"/use", nil)
	expect(t, w, http.StatusConflict, ErrCodeNotEligible)

	expect(t, s.call(&gatewayCtx, http.MethodPut, "/tickets/"+hash+"/payment/status", map[string]string{"status": "paid"}), http.StatusOK, "")
	expect(t, s.call(&doorCtx, http.MethodPost, "/tickets/"+hash+"/use", nil), http.StatusOK, "")
}

// ---------- spaces ----------

func TestSpaces_ListReassignETag(t *testing.T) {
	s := newStack(t)
	a := s.application("ev1")

	expect(t, s.call(&plainUser, http.MethodGet, "/events/ev1/spaces", nil), http.StatusForbidden, ErrCodeForbidden)

	w := s.call(&staffCtx, http.MethodGet, "/events/ev1/spaces", nil)
	expect(t, w, http.StatusOK, "")
	if sp := decode[SpacesResponse](t, w); sp.Slots == nil || len(sp.Slots) != 0 {
		t.Fatalf("empty layout should be [], got %+v", sp)
	}
	emptyTag := w.Header().Get("ETag")

	w = s.call(&staffCtx, http.MethodPut, "/events/ev1/spaces", ReassignRequest{Slots: []services.SlotAssignment{
		{Label: "A-01", ApplicationHashID: a},
		{Label: "A-02"},
	}})
	expect(t, w, http.StatusOK, "")
	if res := decode[services.ReassignResult](t, w); res.Slots != 2 || res.Assigned != 1 {
		t.Fatalf("reassign = %+v", res)
	}

	w = s.call(&staffCtx, http.MethodGet, "/events/ev1/spaces", nil)
	expect(t, w, http.StatusOK, "")
	tag := w.Header().Get("ETag")
	if tag == "" || tag == emptyTag {
		t.Fatalf("etag should change on reassignment: %q vs %q", tag, emptyTag)
	}
	if w = s.call(&staffCtx, http.MethodGet, "/events/ev1/spaces", nil, "If-None-Match", tag); w.Code != http.StatusNotModified {
		t.Fatalf("If-None-Match expected 304, got %d", w.Code)
	}
	// No 304 for callers who may not see the layout.
	expect(t, s.call(&plainUser, http.MethodGet, "/events/ev1/spaces", nil, "If-None-Match", tag), http.StatusForbidden, "")

	w = s.call(nil, http.MethodGet, "/resolve/"+a, nil)
	expect(t, w, http.StatusOK, "")
	if pe := decode[services.PublicEntry](t, w); pe.SpaceSlot != "A-01" {
		t.Fatalf("public slot = %+v", pe)
	}

	foreign := s.application("ev2")
	w = s.call(&staffCtx, http.MethodPut, "/events/ev1/spaces", ReassignRequest{Slots: []services.SlotAssignment{
		{Label: "B-01", ApplicationHashID: foreign},
	}})
	expect(t, w, http.StatusUnprocessableEntity, ErrCodeUnknownReference)
	if !strings.Contains(w.Body.String(), foreign) {
		t.Fatalf("offender should be listed: %s", w.Body.String())
	}
}

// ---------- vouchers & webhooks ----------

func TestQuoteVoucher(t *testing.T) {
	s := newStack(t)
	s.product(domain.VoucherTargetEvent, "ev1", "sp-ev1", ptr(1000))

	w := s.call(nil, http.MethodPost, "/vouchers/quote", map[string]any{"target_type": 1, "target_id": "ev1", "product_id": "sp-ev1", "code": "NOPE"})
	expect(t, w, http.StatusOK, "")
	if q := decode[services.QuoteResult](t, w); q.Applied || q.PaymentAmount != 1000 {
		t.Fatalf("quote = %+v", q)
	}
	expect(t, s.call(nil, http.MethodPost, "/vouchers/quote", map[string]any{"target_type": 9}), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestPaymentWebhook(t *testing.T) {
	s := newStack(t)
	hash := s.application("ev1")

	expect(t, s.call(&gatewayCtx, http.MethodPost, "/webhooks/payments", map[string]any{"event": "payment.refund"}), http.StatusBadRequest, ErrCodeBadRequest)
	expect(t, s.call(&staffCtx, http.MethodPost, "/webhooks/payments",
		map[string]any{"event": "payment.created", "record_hash_id": hash, "payment_hash_id": "pi_1"}), http.StatusForbidden, ErrCodeForbidden)

	w := s.call(&gatewayCtx, http.MethodPost, "/webhooks/payments",
		map[string]any{"event": "payment.created", "record_hash_id": hash, "payment_hash_id": "pi_1"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("created without status = %d %s", w.Code, w.Body.String())
	}

	w = s.call(&gatewayCtx, http.MethodPost, "/webhooks/payments",
		map[string]any{"event": "payment.status", "payment_hash_id": "pi_1", "status": "paid"})
	expect(t, w, http.StatusOK, "")
	if ch := decode[ChangeResponse](t, w).Change; ch == nil || ch.To != "paid" {
		t.Fatalf("change = %+v", ch)
	}
	expect(t, s.call(&gatewayCtx, http.MethodPost, "/webhooks/payments",
		map[string]any{"event": "payment.status", "payment_hash_id": "pi_unknown", "status": "paid"}), http.StatusNotFound, ErrCodeNotFound)
	expect(t, s.call(&gatewayCtx, http.MethodPost, "/webhooks/payments",
		map[string]any{"event": "payment.status", "payment_hash_id": "pi_1", "status": "bogus"}), http.StatusBadRequest, ErrCodeBadRequest)
}
