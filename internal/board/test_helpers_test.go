package board

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func mustSessionID(t *testing.T, value string) SessionID {
	t.Helper()
	id, err := NewSessionID(value)
	if err != nil {
		t.Fatalf("unexpected session id error: %v", err)
	}
	return id
}

func mustFields(t *testing.T, raw string) Fields {
	t.Helper()
	fields, err := ParseFields([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected fields error: %v", err)
	}
	return fields
}

func mustObject(t *testing.T, raw string) Object {
	t.Helper()
	object, err := DecodeObject(mustFields(t, raw))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return object
}

func objectSet(objects ...Object) map[string]Object {
	set := make(map[string]Object, len(objects))
	for _, object := range objects {
		set[object.ObjectID()] = object
	}
	return set
}

func versionPointer(value int64) *int64 {
	return &value
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: openTestDatabase(t),
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

var testPrincipal = Principal{Subject: "tutor-agent", Roles: []string{"generator"}}
