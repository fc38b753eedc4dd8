package database

import (
	"database/sql"
	"log"

	_ "github.com/lib/pq"
)

var AppDB *sql.DB

// InitAppDB opens the application database holding client records.
// The whatsmeow credential stores live in per-client sqlite files instead,
// see internal/wa.
func InitAppDB(appDbURL string) {
	db, err := sql.Open("postgres", appDbURL)
	if err != nil {
		log.Fatal("Failed to connect app DB:", err)
	}
	AppDB = db
	err = AppDB.Ping()
	if err != nil {
		log.Fatal("Failed to ping app DB:", err)
	}
	log.Println("App DB connected successfully")
}

// InitAppSchema creates the clients table if it does not exist yet.
func InitAppSchema() {
	schema := `
        CREATE TABLE IF NOT EXISTS clients (
            client_id   VARCHAR(255) PRIMARY KEY,
            name        VARCHAR(255),
            phone_id    VARCHAR(255),
            ready       BOOLEAN NOT NULL DEFAULT false,
            qr_code     TEXT,
            web_hook    TEXT,
            created_at  TIMESTAMP NOT NULL DEFAULT NOW(),
            updated_at  TIMESTAMP NOT NULL DEFAULT NOW()
        );

        CREATE INDEX IF NOT EXISTS idx_clients_ready ON clients(ready);
    `
	if _, err := AppDB.Exec(schema); err != nil {
		log.Fatalf("failed to init app schema: %v", err)
	}
}
