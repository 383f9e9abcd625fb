package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/circlelink/linkage-core/internal/authz"
	"github.com/circlelink/linkage-core/internal/domain"
)

// ---------- test helpers ----------

var (
	staff   = authz.Context{ActorID: "staff-1", Roles: []authz.Role{authz.RoleStaff}}
	admin   = authz.Context{ActorID: "admin-1", Roles: []authz.Role{authz.RoleAdmin}}
	door    = authz.Context{ActorID: "door-1", Roles: []authz.Role{authz.RoleDoor}}
	gateway = authz.Context{ActorID: "gw", Roles: []authz.Role{authz.RoleGateway}}
	system  = authz.System("")
	owner   = authz.Context{ActorID: "user-1"}
	other   = authz.Context{ActorID: "user-2"}
)

func ptr[T any](v T) *T { return &v }

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestCore(t *testing.T) (*gorm.DB, *Core) {
	t.Helper()
	db := newSvcDB(t)
	return db, New(db, Options{})
}

func seedProduct(t *testing.T, db *gorm.DB, tt domain.VoucherTargetType, targetID, id string, price *int) {
	t.Helper()
	if err := db.Create(&domain.Product{ID: id, TargetType: tt, TargetID: targetID, Price: price}).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func seedVoucher(t *testing.T, db *gorm.DB, v domain.Voucher, code string) *domain.Voucher {
	t.Helper()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if err := db.Create(&v).Error; err != nil {
		t.Fatalf("seed voucher: %v", err)
	}
	if err := db.Create(&domain.VoucherCode{Code: code, VoucherID: v.ID}).Error; err != nil {
		t.Fatalf("seed code: %v", err)
	}
	return &v
}

func loadVoucher(t *testing.T, db *gorm.DB, id string) domain.Voucher {
	t.Helper()
	var v domain.Voucher
	if err := db.First(&v, "id = ?", id).Error; err != nil {
		t.Fatalf("load voucher: %v", err)
	}
	return v
}

func countRows(t *testing.T, db *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return n
}

// newApplication creates a priced application for owner, under ev1 unless
// the input names another event. Product IDs are global, so the default
// space product is named after the event.
func newApplication(t *testing.T, db *gorm.DB, c *Core, in CreateApplicationInput) *Created {
	t.Helper()
	if in.EventID == "" {
		in.EventID = "ev1"
	}
	if in.SpaceID == "" {
		in.SpaceID = "sp-" + in.EventID
	}
	if countRows(t, db, &domain.Product{}, "id = ? AND target_id = ?", in.SpaceID, in.EventID) == 0 {
		seedProduct(t, db, domain.VoucherTargetEvent, in.EventID, in.SpaceID, ptr(1000))
	}
	out, err := c.Linkage.CreateApplication(context.Background(), owner, in)
	if err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	return out
}

// newTicket creates a ticket for owner at st1 priced at price (nil = free).
func newTicket(t *testing.T, db *gorm.DB, c *Core, typeID string, price *int) *Created {
	t.Helper()
	if countRows(t, db, &domain.Product{}, "id = ? AND target_id = ?", typeID, "st1") == 0 {
		seedProduct(t, db, domain.VoucherTargetStore, "st1", typeID, price)
	}
	out, err := c.Linkage.CreateTicket(context.Background(), owner, CreateTicketInput{StoreID: "st1", TypeID: typeID})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	return out
}

// failOn makes every statement of kind op against a table containing name
// fail with err.
func failOn(t *testing.T, db *gorm.DB, op, name string, err error) {
	t.Helper()
	fn := func(tx *gorm.DB) {
		if tx.Statement != nil && strings.Contains(tx.Statement.Table, name) {
			tx.AddError(err)
		}
	}
	cbName := fmt.Sprintf("force_%s_%s", op, name)
	var regErr error
	switch op {
	case "create":
		regErr = db.Callback().Create().Before("gorm:create").Register(cbName, fn)
	case "update":
		regErr = db.Callback().Update().Before("gorm:update").Register(cbName, fn)
	case "delete":
		regErr = db.Callback().Delete().Before("gorm:delete").Register(cbName, fn)
	case "query":
		regErr = db.Callback().Query().Before("gorm:query").Register(cbName, fn)
	default:
		t.Fatalf("unknown op %q", op)
	}
	if regErr != nil {
		t.Fatalf("register callback: %v", regErr)
	}
}
