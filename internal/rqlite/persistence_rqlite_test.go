package rqlite

import (
	"context"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/internal/sql"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/storage/storagetest"
	"github.com/rqlite/rqlite/v8/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *DB

func TestMain(m *testing.M) {
	wd, _ := os.Getwd()
	testDirPath := path.Join(wd, random.String())
	store, err := OpenEmbedded(testDirPath)
	if err != nil {
		fmt.Printf("failed to open database: %s\n", err)
		os.Exit(1)
	}
	testDB, err = NewDB(context.Background(), store, 1, hclog.NewNullLogger())
	if err != nil {
		fmt.Printf("failed to create storage: %s\n", err)
		os.Exit(1)
	}

	exitCode := m.Run()

	store.Close()
	os.RemoveAll(testDirPath)
	os.Exit(exitCode)
}

func TestRqliteStorage(t *testing.T) {
	st := storagetest.StorageTester{}
	st.PrepareTestData(testDB, t)
	for name, test := range st.GetTests() {
		t.Run(name, test(testDB, t))
	}
}

func TestMigrationsAreRecordedOnce(t *testing.T) {
	require.NoError(t, testDB.migrate(t.Context()))

	migrations, err := sql.GetMigrations()
	require.NoError(t, err)
	applied, err := testDB.appliedMigrations(t.Context())
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))
	for _, m := range migrations {
		assert.True(t, applied[m.Version], "migration %d", m.Version)
	}
}

func TestUniqueViolationIsConflict(t *testing.T) {
	b := testDB.newBatch()
	key := fmt.Sprintf("dup-%d", testDB.GenerateId())
	_ = b.add(`INSERT INTO definition_version (kind, key, tenant_id, version) VALUES (?, ?, ?, ?)`, "process", key, "", 1)
	_ = b.add(`INSERT INTO definition_version (kind, key, tenant_id, version) VALUES (?, ?, ?, ?)`, "process", key, "", 1)
	err := b.Flush(t.Context())
	assert.ErrorIs(t, err, storage.ErrConflict)

	version, err := testDB.FindLatestDefinitionVersion(t.Context(), "process", key, nil)
	assert.NoError(t, err)
	assert.Equal(t, int32(0), version)
}
