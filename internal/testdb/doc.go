// Package testdb provides database helpers for integration tests.
//
// Each test runs in its own transaction, which is rolled back when the
// test completes, so tests never see each other's rows and need no manual
// cleanup:
//
//	func TestMyFeature(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t) // skips without a database
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        store := postgres.NewPostgresTaskStore(tx)
//	        ...
//	    })
//	}
//
// The database URL comes from DOCQUEUE_TEST_DB_URL or DATABASE_URL.
// Schema setup is left to the caller, since migrations live with the
// store that owns them.
package testdb
